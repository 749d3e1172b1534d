package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

func TestReindexLayers(t *testing.T) {
	cases := []struct {
		name    string
		class   string
		raw     string
		shape   []int
		wantOut []int
		want    []float32
	}{
		{"zero padding 2d", "ZeroPadding2D", `{"padding": 1}`, []int{2, 2, 1}, []int{4, 4, 1},
			[]float32{0, 0, 0, 0, 0, 1, 2, 0, 0, 3, 4, 0, 0, 0, 0, 0}},
		{"asymmetric cropping 2d", "Cropping2D", `{"cropping": [[1, 0], [0, 1]]}`, []int{3, 3, 1}, []int{2, 2, 1},
			[]float32{4, 5, 7, 8}},
		{"channels first padding", "ZeroPadding2D", `{"padding": [0, 1], "data_format": "channels_first"}`, []int{1, 2, 1}, []int{1, 2, 3},
			[]float32{0, 1, 0, 0, 2, 0}},
		{"upsampling 2d", "UpSampling2D", `{"size": [2, 2]}`, []int{2, 2, 1}, []int{4, 4, 1},
			[]float32{1, 1, 2, 2, 1, 1, 2, 2, 3, 3, 4, 4, 3, 3, 4, 4}},
		{"upsampling 1d", "UpSampling1D", `{"size": 2}`, []int{2, 2}, []int{4, 2},
			[]float32{1, 2, 1, 2, 3, 4, 3, 4}},
		{"zero padding 1d", "ZeroPadding1D", `{}`, []int{2, 2}, []int{4, 2},
			[]float32{0, 0, 1, 2, 3, 4, 0, 0}},
		{"cropping 1d", "Cropping1D", `{"cropping": [1, 0]}`, []int{3, 1}, []int{2, 1},
			[]float32{2, 3}},
		{"permute", "Permute", `{"dims": [2, 1]}`, []int{2, 3}, []int{3, 2},
			[]float32{1, 4, 2, 5, 3, 6}},
		{"reshape", "Reshape", `{"target_shape": [3, -1]}`, []int{2, 3}, []int{3, 2},
			[]float32{1, 2, 3, 4, 5, 6}},
		{"flatten", "Flatten", `{}`, []int{2, 2, 1}, []int{4},
			[]float32{1, 2, 3, 4}},
		{"repeat vector", "RepeatVector", `{"n": 3}`, []int{2}, []int{3, 2},
			[]float32{1, 2, 1, 2, 1, 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := mustNew(t, "reindex", parse(t, tc.class, tc.raw))
			n, err := tensor.Size(tc.shape)
			require.NoError(t, err)
			got, shape := requireParity(t, l, tensorOf(t, tc.shape, seq(n)))
			assert.Equal(t, tc.wantOut, shape)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPermute_SquareLayoutInput(t *testing.T) {
	b := softBackend(t)
	l := mustNew(t, "permute", parse(t, "Permute", `{"dims": [3, 1, 2]}`))
	x := tensorOf(t, []int{2, 3, 4}, seq(24))

	cpu, err := l.Call([]*tensor.Tensor{x})
	require.NoError(t, err)
	want := logical(t, cpu)
	assert.Equal(t, []int{4, 2, 3}, cpu.LogicalShape())

	d, err := tensor.Upload(b, x, tensor.PlaceSquare)
	require.NoError(t, err)
	l.SetBackend(b)
	out, err := l.Call([]*tensor.Tensor{d})
	require.NoError(t, err)
	assert.Equal(t, want, logical(t, out))
}

func TestConcatenate(t *testing.T) {
	a := tensorOf(t, []int{2, 1}, []float32{1, 2})
	b := tensorOf(t, []int{2, 2}, []float32{3, 4, 5, 6})

	t.Run("last axis", func(t *testing.T) {
		l := mustNew(t, "concat", parse(t, "Concatenate", `{"axis": -1}`))
		got, shape := requireParity(t, l, a, b)
		assert.Equal(t, []int{2, 3}, shape)
		assert.Equal(t, []float32{1, 3, 4, 2, 5, 6}, got)
	})

	t.Run("first axis", func(t *testing.T) {
		l := mustNew(t, "concat", parse(t, "Concatenate", `{"axis": 1}`))
		c := tensorOf(t, []int{1, 2}, []float32{7, 8})
		got, shape := requireParity(t, l, b, c)
		assert.Equal(t, []int{3, 2}, shape)
		assert.Equal(t, []float32{3, 4, 5, 6, 7, 8}, got)
	})

	t.Run("three inputs", func(t *testing.T) {
		l := mustNew(t, "concat", parse(t, "Concatenate", `{}`))
		got, _ := requireParity(t, l, a, b, a)
		assert.Equal(t, []float32{1, 3, 4, 1, 2, 5, 6, 2}, got)
	})

	t.Run("mismatched axes", func(t *testing.T) {
		l := mustNew(t, "concat", parse(t, "Concatenate", `{"axis": 1}`))
		_, err := l.Call([]*tensor.Tensor{a, b})
		assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)
	})

	t.Run("single input", func(t *testing.T) {
		l := mustNew(t, "concat", parse(t, "Concatenate", `{}`))
		_, err := l.Call([]*tensor.Tensor{a})
		assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)
	})
}

func TestReindex_Errors(t *testing.T) {
	_, err := New("permute", parse(t, "Permute", `{"dims": [1, 1]}`))
	assert.ErrorIs(t, err, errdefs.ErrConfig)

	l := mustNew(t, "reshape", parse(t, "Reshape", `{"target_shape": [4, -1]}`))
	_, err = l.Call([]*tensor.Tensor{tensor.Zeros(2, 3)})
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)

	l = mustNew(t, "crop", parse(t, "Cropping2D", `{"cropping": 2}`))
	_, err = l.Call([]*tensor.Tensor{tensor.Zeros(3, 3, 1)})
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)

	_, err = l.Call([]*tensor.Tensor{tensor.Zeros(3, 3), tensor.Zeros(3, 3)})
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)
}

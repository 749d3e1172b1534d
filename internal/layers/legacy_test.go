package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

func TestHighway_Values(t *testing.T) {
	t.Run("linear with bias", func(t *testing.T) {
		l := mustNew(t, "hw", parse(t, "Highway", `{}`))
		assert.Equal(t, []string{"W", "W_carry", "b", "b_carry"}, l.Params())
		attach(t, l, map[string]param{
			"W":       {[]int{2, 2}, []float32{1, 0, 0, 1}},
			"W_carry": {[]int{2, 2}, make([]float32, 4)},
			"b":       {[]int{2}, []float32{1, 1}},
			"b_carry": {[]int{2}, make([]float32, 2)},
		})
		got, shape := requireParity(t, l, tensorOf(t, []int{2}, []float32{1, 3}))
		assert.Equal(t, []int{2}, shape)
		assert.InDeltaSlice(t, []float32{1.5, 3.5}, got, tolerance)
	})

	t.Run("relu without bias", func(t *testing.T) {
		l := mustNew(t, "hw", parse(t, "Highway", `{"activation": "relu", "bias": false}`))
		assert.Equal(t, []string{"W", "W_carry"}, l.Params())
		attach(t, l, map[string]param{
			"W":       {[]int{2, 2}, []float32{-1, 0, 0, 1}},
			"W_carry": {[]int{2, 2}, make([]float32, 4)},
		})
		got, _ := requireParity(t, l, tensorOf(t, []int{2}, []float32{1, 3}))
		assert.InDeltaSlice(t, []float32{0.5, 3}, got, tolerance)
	})
}

func TestHighway_Parity(t *testing.T) {
	l := mustNew(t, "hw", parse(t, "Highway", `{"activation": "tanh"}`))
	attach(t, l, map[string]param{
		"W":       {[]int{4, 4}, ramp(16)},
		"W_carry": {[]int{4, 4}, seq(16)},
		"b":       {[]int{4}, ramp(4)},
		"b_carry": {[]int{4}, filled(4, -3)},
	})
	_, shape := requireParity(t, l, tensorOf(t, []int{3, 4}, ramp(12)))
	assert.Equal(t, []int{3, 4}, shape)
}

func TestHighway_Errors(t *testing.T) {
	l := mustNew(t, "hw", parse(t, "Highway", `{"bias": false}`))
	err := l.SetWeights(map[string]*tensor.Tensor{
		"W":       tensorOf(t, []int{2, 3}, make([]float32, 6)),
		"W_carry": tensorOf(t, []int{2, 3}, make([]float32, 6)),
	})
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)

	l = mustNew(t, "hw", parse(t, "Highway", `{}`))
	err = l.SetWeights(map[string]*tensor.Tensor{
		"W":       tensorOf(t, []int{2, 2}, make([]float32, 4)),
		"W_carry": tensorOf(t, []int{2, 2}, make([]float32, 4)),
		"b":       tensorOf(t, []int{2}, make([]float32, 2)),
		"b_carry": tensorOf(t, []int{3}, make([]float32, 3)),
	})
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)

	l = mustNew(t, "hw", parse(t, "Highway", `{"bias": false}`))
	attach(t, l, map[string]param{
		"W":       {[]int{2, 2}, make([]float32, 4)},
		"W_carry": {[]int{2, 2}, make([]float32, 4)},
	})
	_, err = l.Call([]*tensor.Tensor{tensor.Zeros(3)})
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)

	_, err = New("hw", parse(t, "Highway", `{"activation": "swish2"}`))
	assert.ErrorIs(t, err, errdefs.ErrConfig)
}

func TestMaxoutDense_Values(t *testing.T) {
	swap := []float32{1, 0, 0, 1, 0, 1, 1, 0}
	cases := []struct {
		name string
		raw  string
		bias []float32
		x    []float32
		want []float32
	}{
		{"positive", `{"output_dim": 2, "nb_feature": 2}`, make([]float32, 4), []float32{1, 3}, []float32{3, 3}},
		{"all negative", `{"output_dim": 2, "nb_feature": 2}`, make([]float32, 4), []float32{-1, -3}, []float32{-1, -1}},
		{"bias", `{"output_dim": 2}`, []float32{0, 5, 1, 0}, []float32{1, 3}, []float32{4, 8}},
		{"no bias", `{"output_dim": 2, "bias": false}`, nil, []float32{2, -1}, []float32{2, 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := mustNew(t, "maxout", parse(t, "MaxoutDense", tc.raw))
			params := map[string]param{"W": {[]int{2, 2, 2}, swap}}
			if tc.bias != nil {
				params["b"] = param{[]int{2, 2}, tc.bias}
			}
			attach(t, l, params)
			got, shape := requireParity(t, l, tensorOf(t, []int{2}, tc.x))
			assert.Equal(t, []int{2}, shape)
			assert.InDeltaSlice(t, tc.want, got, tolerance)
		})
	}
}

func TestMaxoutDense_Parity(t *testing.T) {
	l := mustNew(t, "maxout", parse(t, "MaxoutDense", `{"output_dim": 3, "nb_feature": 3}`))
	attach(t, l, map[string]param{
		"W": {[]int{3, 4, 3}, ramp(36)},
		"b": {[]int{3, 3}, ramp(9)},
	})
	_, shape := requireParity(t, l, tensorOf(t, []int{2, 4}, ramp(8)))
	assert.Equal(t, []int{2, 3}, shape)
}

func TestMaxoutDense_Errors(t *testing.T) {
	_, err := New("maxout", parse(t, "MaxoutDense", `{}`))
	assert.ErrorIs(t, err, errdefs.ErrConfig)

	for _, shape := range [][]int{{3, 2, 2}, {4, 2}, {2, 2, 3}} {
		l := mustNew(t, "maxout", parse(t, "MaxoutDense", `{"output_dim": 2, "nb_feature": 2, "bias": false}`))
		n, err := tensor.Size(shape)
		require.NoError(t, err)
		err = l.SetWeights(map[string]*tensor.Tensor{"W": tensorOf(t, shape, ramp(n))})
		assert.ErrorIs(t, err, errdefs.ErrShapeMismatch, "%v", shape)
	}

	l := mustNew(t, "maxout", parse(t, "MaxoutDense", `{"output_dim": 2}`))
	err = l.SetWeights(map[string]*tensor.Tensor{
		"W": tensorOf(t, []int{2, 2, 2}, make([]float32, 8)),
		"b": tensorOf(t, []int{2}, make([]float32, 2)),
	})
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)
}

package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

func TestPooling_Values(t *testing.T) {
	cases := []struct {
		name    string
		class   string
		raw     string
		shape   []int
		wantOut []int
		want    []float32
	}{
		{"max 2d", "MaxPooling2D", `{}`, []int{4, 4, 1}, []int{2, 2, 1},
			[]float32{6, 8, 14, 16}},
		{"average 2d", "AveragePooling2D", `{"pool_size": [2, 2]}`, []int{4, 4, 1}, []int{2, 2, 1},
			[]float32{3.5, 5.5, 11.5, 13.5}},
		{"average same excludes padding", "AveragePooling2D", `{"pool_size": 3, "strides": 1, "padding": "same"}`,
			[]int{3, 3, 1}, []int{3, 3, 1},
			[]float32{3, 3.5, 4, 4.5, 5, 5.5, 6, 6.5, 7}},
		{"uneven same", "AveragePooling2D", `{"padding": "same"}`, []int{3, 3, 1}, []int{2, 2, 1},
			[]float32{3, 4.5, 7.5, 9}},
		{"global average", "GlobalAveragePooling2D", `{}`, []int{2, 2, 2}, []int{2},
			[]float32{4, 5}},
		{"global max channels first", "GlobalMaxPooling2D", `{"data_format": "channels_first"}`, []int{2, 2, 2}, []int{2},
			[]float32{4, 8}},
		{"max 1d", "MaxPooling1D", `{"pool_size": 2}`, []int{4, 2}, []int{2, 2},
			[]float32{3, 4, 7, 8}},
		{"average 1d strided", "AveragePooling1D", `{"pool_size": 2, "strides": 1}`, []int{3, 1}, []int{2, 1},
			[]float32{1.5, 2.5}},
		{"global max 1d", "GlobalMaxPooling1D", `{}`, []int{3, 2}, []int{2},
			[]float32{5, 6}},
		{"max 3d", "MaxPooling3D", `{}`, []int{2, 2, 2, 1}, []int{1, 1, 1, 1},
			[]float32{8}},
		{"average 3d", "AveragePooling3D", `{}`, []int{2, 2, 2, 1}, []int{1, 1, 1, 1},
			[]float32{4.5}},
		{"max 3d channels first", "MaxPooling3D", `{"data_format": "channels_first"}`, []int{2, 2, 2, 2}, []int{2, 1, 1, 1},
			[]float32{8, 16}},
		{"average 3d strided depth", "AveragePooling3D", `{"pool_size": [2, 1, 1], "strides": 1}`, []int{3, 1, 1, 1}, []int{2, 1, 1, 1},
			[]float32{1.5, 2.5}},
		{"average 3d same excludes padding", "AveragePooling3D", `{"padding": "same"}`, []int{3, 1, 1, 1}, []int{2, 1, 1, 1},
			[]float32{1.5, 3}},
		{"global average 3d", "GlobalAveragePooling3D", `{}`, []int{2, 1, 2, 2}, []int{2},
			[]float32{4, 5}},
		{"global max 3d channels first", "GlobalMaxPooling3D", `{"data_format": "channels_first"}`, []int{2, 2, 1, 2}, []int{2},
			[]float32{4, 8}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := mustNew(t, "pool", parse(t, tc.class, tc.raw))
			n, err := tensor.Size(tc.shape)
			require.NoError(t, err)
			got, shape := requireParity(t, l, tensorOf(t, tc.shape, seq(n)))
			assert.Equal(t, tc.wantOut, shape)
			assert.InDeltaSlice(t, tc.want, got, tolerance)
		})
	}
}

func TestPooling_Parity(t *testing.T) {
	cases := []struct {
		name  string
		class string
		raw   string
		shape []int
	}{
		{"max negative values", "MaxPooling2D", `{"pool_size": 3, "strides": 2, "padding": "same"}`, []int{5, 6, 3}},
		{"average channels first", "AveragePooling2D", `{"pool_size": 3, "strides": 1, "padding": "same", "data_format": "channels_first"}`, []int{2, 5, 4}},
		{"max 1d channels first", "MaxPooling1D", `{"pool_size": 3, "strides": 2, "data_format": "channels_first"}`, []int{3, 7}},
		{"global average 1d", "GlobalAveragePooling1D", `{}`, []int{5, 3}},
		{"max 3d same", "MaxPooling3D", `{"pool_size": 2, "strides": 1, "padding": "same"}`, []int{3, 4, 3, 2}},
		{"average 3d channels first", "AveragePooling3D", `{"pool_size": [1, 2, 2], "data_format": "channels_first"}`, []int{2, 3, 4, 4}},
		{"global max 3d", "GlobalMaxPooling3D", `{}`, []int{2, 3, 2, 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := mustNew(t, "pool", parse(t, tc.class, tc.raw))
			n, err := tensor.Size(tc.shape)
			require.NoError(t, err)
			requireParity(t, l, tensorOf(t, tc.shape, ramp(n)))
		})
	}
}

func TestPooling_Errors(t *testing.T) {
	_, err := New("pool", parse(t, "MaxPooling2D", `{"padding": "causal"}`))
	assert.ErrorIs(t, err, errdefs.ErrConfig)

	_, err = New("pool", parse(t, "MaxPooling2D", `{"pool_size": [0, 2]}`))
	assert.ErrorIs(t, err, errdefs.ErrConfig)

	l := mustNew(t, "pool", parse(t, "MaxPooling2D", `{"pool_size": 3}`))
	_, err = l.Call([]*tensor.Tensor{tensor.Zeros(2, 2, 1)})
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)

	l = mustNew(t, "pool", parse(t, "MaxPooling1D", `{}`))
	_, err = l.Call([]*tensor.Tensor{tensor.Zeros(4, 4, 1)})
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)

	_, err = New("pool", parse(t, "MaxPooling3D", `{"pool_size": [2, 2]}`))
	assert.ErrorIs(t, err, errdefs.ErrConfig)

	l = mustNew(t, "pool", parse(t, "AveragePooling3D", `{}`))
	_, err = l.Call([]*tensor.Tensor{tensor.Zeros(4, 4, 1)})
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)
}

package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

func TestTimeDistributed_Dense(t *testing.T) {
	weights := map[string]param{
		"kernel": {[]int{3, 2}, ramp(6)},
		"bias":   {[]int{2}, []float32{0.5, -0.5}},
	}
	td := mustNew(t, "td", parse(t, "TimeDistributed", `{"layer":
		{"class_name": "Dense", "config": {"name": "dense_1", "units": 2, "activation": "relu"}}}`))
	assert.Equal(t, KindTimeDistributed, td.Kind())
	assert.Equal(t, []string{"kernel", "bias"}, td.Params())
	assert.Equal(t, "dense_1", td.(*TimeDistributed).Inner().Name())
	attach(t, td, weights)

	dense := mustNew(t, "dense", parse(t, "Dense", `{"units": 2, "activation": "relu"}`))
	attach(t, dense, weights)

	x := tensorOf(t, []int{4, 3}, ramp(12))
	got, shape := requireParity(t, td, x)
	assert.Equal(t, []int{4, 2}, shape)
	want, err := dense.Call([]*tensor.Tensor{x})
	require.NoError(t, err)
	assert.InDeltaSlice(t, logical(t, want), got, tolerance)
}

func TestTimeDistributed_Conv(t *testing.T) {
	raw := `{"filters": 2, "kernel_size": 3, "activation": "tanh"}`
	td := mustNew(t, "td", parse(t, "TimeDistributed", `{"layer": {"class_name": "Conv2D", "config": `+raw+`}}`))
	conv := mustNew(t, "conv", parse(t, "Conv2D", raw))
	weights := map[string]param{
		"kernel": {[]int{3, 3, 1, 2}, ramp(18)},
		"bias":   {[]int{2}, []float32{0.1, -0.1}},
	}
	attach(t, td, weights)
	attach(t, conv, weights)

	frames := ramp(2 * 16)
	got, shape := requireParity(t, td, tensorOf(t, []int{2, 4, 4, 1}, frames))
	assert.Equal(t, []int{2, 2, 2, 2}, shape)
	for step := 0; step < 2; step++ {
		y, err := conv.Call([]*tensor.Tensor{tensorOf(t, []int{4, 4, 1}, frames[step*16:(step+1)*16])})
		require.NoError(t, err)
		assert.InDeltaSlice(t, logical(t, y), got[step*8:(step+1)*8], tolerance, "step %d", step)
	}
}

func TestTimeDistributed_Errors(t *testing.T) {
	_, err := New("td", parse(t, "TimeDistributed", `{"layer":
		{"class_name": "LSTM", "config": {"units": 2, "stateful": true}}}`))
	assert.ErrorIs(t, err, errdefs.ErrUnsupported)

	td := mustNew(t, "td", parse(t, "TimeDistributed", `{"layer": {"class_name": "Dropout", "config": {"rate": 0.5}}}`))
	assert.Empty(t, td.Params())
	_, err = td.Call([]*tensor.Tensor{tensor.Zeros(3)})
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)

	td = mustNew(t, "td", parse(t, "TimeDistributed", `{"layer": {"class_name": "Dense", "config": {"units": 1}}}`))
	err = td.SetWeights(map[string]*tensor.Tensor{"kernel": tensor.Zeros(2, 1)})
	assert.ErrorIs(t, err, errdefs.ErrMissingWeight)
	var le *errdefs.LayerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "td", le.Name)
}

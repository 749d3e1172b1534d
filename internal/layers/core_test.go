package layers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

func TestDense(t *testing.T) {
	kernel := param{[]int{3, 2}, []float32{1, 0, 0, 1, 1, 1}}
	bias := param{[]int{2}, []float32{0.5, -0.5}}

	t.Run("vector", func(t *testing.T) {
		l := mustNew(t, "dense", DenseConfig{Units: 2})
		attach(t, l, map[string]param{"kernel": kernel, "bias": bias})
		got, shape := requireParity(t, l, tensorOf(t, []int{3}, []float32{1, 2, 3}))
		assert.Equal(t, []int{2}, shape)
		assert.InDeltaSlice(t, []float32{4.5, 4.5}, got, tolerance)
	})

	t.Run("matrix with softmax", func(t *testing.T) {
		l := mustNew(t, "dense", DenseConfig{Units: 2, Activation: "softmax"})
		attach(t, l, map[string]param{"kernel": kernel, "bias": bias})
		got, shape := requireParity(t, l, tensorOf(t, []int{2, 3}, []float32{1, 2, 3, 0, 0, 0}))
		assert.Equal(t, []int{2, 2}, shape)
		assert.InDelta(t, 0.5, got[0], tolerance)
		e := math.Exp(1)
		assert.InDelta(t, e/(e+1), got[2], tolerance)
		assert.InDelta(t, 1, got[2]+got[3], tolerance)
	})

	t.Run("rank 3 input", func(t *testing.T) {
		noBias := false
		l := mustNew(t, "dense", DenseConfig{Units: 2, UseBias: &noBias, Activation: "relu"})
		attach(t, l, map[string]param{"kernel": kernel})
		_, shape := requireParity(t, l, tensorOf(t, []int{2, 2, 3}, ramp(12)))
		assert.Equal(t, []int{2, 2, 2}, shape)
	})

	t.Run("mismatched kernel", func(t *testing.T) {
		l := mustNew(t, "dense", DenseConfig{Units: 2})
		attach(t, l, map[string]param{"kernel": kernel, "bias": bias})
		_, err := l.Call([]*tensor.Tensor{tensorOf(t, []int{4}, seq(4))})
		assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)
	})

	t.Run("missing weight", func(t *testing.T) {
		l := mustNew(t, "dense", DenseConfig{Units: 2})
		err := l.SetWeights(map[string]*tensor.Tensor{"kernel": tensorOf(t, kernel.shape, kernel.data)})
		assert.ErrorIs(t, err, errdefs.ErrMissingWeight)
	})
}

func TestDense_DoesNotMutateInput(t *testing.T) {
	l := mustNew(t, "dense", DenseConfig{Units: 2, Activation: "relu"})
	attach(t, l, map[string]param{
		"kernel": {[]int{2, 2}, []float32{1, 0, 0, 1}},
		"bias":   {[]int{2}, []float32{0, 0}},
	})
	x := tensorOf(t, []int{2}, []float32{-1, 2})
	_, err := l.Call([]*tensor.Tensor{x})
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, 2}, x.Data())
}

func TestActivationLayers(t *testing.T) {
	x := tensorOf(t, []int{2, 3}, []float32{-2, -0.5, 0, 0.5, 1, 2})
	cases := []struct {
		name string
		cfg  Config
		want []float32
	}{
		{"relu", ActivationConfig{Activation: "relu"}, []float32{0, 0, 0, 0.5, 1, 2}},
		{"leaky", AlphaConfig{Kind: KindLeakyReLU}, []float32{-0.6, -0.15, 0, 0.5, 1, 2}},
		{"thresholded", AlphaConfig{Kind: KindThresholdedReLU, Theta: ptr(float32(0.75))}, []float32{0, 0, 0, 0, 1, 2}},
		{"hard sigmoid", ActivationConfig{Activation: "hard_sigmoid"}, []float32{0.1, 0.4, 0.5, 0.6, 0.7, 0.9}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := mustNew(t, "act", tc.cfg)
			got, _ := requireParity(t, l, x)
			assert.InDeltaSlice(t, tc.want, got, tolerance)
			assert.Equal(t, []float32{-2, -0.5, 0, 0.5, 1, 2}, x.Data())
		})
	}

	_, err := New("act", ActivationConfig{Activation: "swishy"})
	assert.ErrorIs(t, err, errdefs.ErrConfig)
}

func ptr[T any](v T) *T { return &v }

func TestIdentity_ReturnsBorrowedInput(t *testing.T) {
	l := mustNew(t, "drop", IdentityConfig{Kind: KindDropout})
	x := tensorOf(t, []int{3}, seq(3))
	out, err := l.Call([]*tensor.Tensor{x})
	require.NoError(t, err)
	assert.Same(t, x, out)
}

func TestInput(t *testing.T) {
	l := mustNew(t, "in", InputConfig{BatchInputShape: []*int{nil, ptr(2), ptr(3)}})
	assert.Equal(t, []int{2, 3}, l.(*Input).Shape())

	_, err := l.Call([]*tensor.Tensor{tensor.Zeros(3, 2)})
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)

	b := softBackend(t)
	l.SetBackend(b)
	out, err := l.Call([]*tensor.Tensor{tensorOf(t, []int{2, 3}, seq(6))})
	require.NoError(t, err)
	assert.True(t, out.OnGPU())
	assert.Equal(t, seq(6), logical(t, out))

	_, err = New("in", InputConfig{BatchInputShape: []*int{nil, nil}})
	assert.ErrorIs(t, err, errdefs.ErrConfig)
}

func TestBatchNormalization(t *testing.T) {
	params := map[string]param{
		"gamma":           {[]int{2}, []float32{2, 1}},
		"beta":            {[]int{2}, []float32{0, 1}},
		"moving_mean":     {[]int{2}, []float32{1, -1}},
		"moving_variance": {[]int{2}, []float32{4, 1}},
	}
	eps := float32(0)

	t.Run("last axis", func(t *testing.T) {
		l := mustNew(t, "bn", BatchNormConfig{Epsilon: &eps})
		attach(t, l, params)
		got, _ := requireParity(t, l, tensorOf(t, []int{2, 2}, []float32{3, 0, 1, 1}))
		// channel 0 maps to x-1, channel 1 to x+2
		assert.InDeltaSlice(t, []float32{2, 2, 0, 3}, got, tolerance)
	})

	t.Run("channels first axis", func(t *testing.T) {
		l := mustNew(t, "bn", BatchNormConfig{Epsilon: &eps, Axis: ptr(1)})
		attach(t, l, params)
		x := tensorOf(t, []int{2, 2, 2}, []float32{1, 3, 5, 7, -1, 0, 1, 2})
		got, _ := requireParity(t, l, x)
		assert.InDeltaSlice(t, []float32{0, 2, 4, 6, 1, 2, 3, 4}, got, tolerance)
	})

	t.Run("wrong channel count", func(t *testing.T) {
		l := mustNew(t, "bn", BatchNormConfig{})
		attach(t, l, params)
		_, err := l.Call([]*tensor.Tensor{tensor.Zeros(2, 3)})
		assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)
	})
}

func TestEmbedding(t *testing.T) {
	l := mustNew(t, "emb", EmbeddingConfig{InputDim: 3, OutputDim: 2})
	attach(t, l, map[string]param{"embeddings": {[]int{3, 2}, []float32{0, 1, 10, 11, 20, 21}}})

	got, shape := requireParity(t, l, tensorOf(t, []int{4}, []float32{2, 0, 1, 2}))
	assert.Equal(t, []int{4, 2}, shape)
	assert.Equal(t, []float32{20, 21, 0, 1, 10, 11, 20, 21}, got)

	// New indices on the same backend must not reuse the previous map.
	l.SetBackend(softBackend(t))
	out, err := l.Call([]*tensor.Tensor{tensorOf(t, []int{4}, []float32{1, 1, 1, 1})})
	require.NoError(t, err)
	_, err = l.Call([]*tensor.Tensor{tensorOf(t, []int{4}, []float32{0, 0, 0, 0})})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0, 1, 0, 1, 0, 1}, logical(t, out))

	_, err = l.Call([]*tensor.Tensor{tensorOf(t, []int{1}, []float32{3})})
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
	_, err = l.Call([]*tensor.Tensor{tensorOf(t, []int{1}, []float32{0.5})})
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
}

func TestEmbedding_TableShape(t *testing.T) {
	for _, shape := range [][]int{{2, 2}, {6}, {2, 3}} {
		l := mustNew(t, "emb", EmbeddingConfig{InputDim: 3, OutputDim: 2})
		n, err := tensor.Size(shape)
		require.NoError(t, err)
		err = l.SetWeights(map[string]*tensor.Tensor{"embeddings": tensorOf(t, shape, ramp(n))})
		assert.ErrorIs(t, err, errdefs.ErrShapeMismatch, "%v", shape)

		var le *errdefs.LayerError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, "emb", le.Name)
	}
}

func TestSetBackend_ReleasesResources(t *testing.T) {
	b := softBackend(t)
	l := mustNew(t, "dense", DenseConfig{Units: 2})
	attach(t, l, map[string]param{
		"kernel": {[]int{2, 2}, []float32{1, 0, 0, 1}},
		"bias":   {[]int{2}, []float32{0, 0}},
	})
	l.SetBackend(b)
	_, err := l.Call([]*tensor.Tensor{tensorOf(t, []int{2}, []float32{1, 2})})
	require.NoError(t, err)
	assert.Positive(t, b.LiveTextures())

	l.SetBackend(nil)
	assert.Zero(t, b.LiveTextures())
	assert.Nil(t, l.Backend())
}

package layers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

const tolerance = 1e-4

func softBackend(t *testing.T) *device.SoftBackend {
	t.Helper()
	b, err := device.NewSoftBackend(device.DefaultSoftOptions())
	require.NoError(t, err)
	return b
}

// ramp returns n values cycling through small positive and negative numbers.
func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%7-3) * 0.25
	}
	return out
}

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i + 1)
	}
	return out
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func tensorOf(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromSlice(shape, data)
	require.NoError(t, err)
	return x
}

type param struct {
	shape []int
	data  []float32
}

func attach(t *testing.T, l Layer, params map[string]param) {
	t.Helper()
	ws := make(map[string]*tensor.Tensor, len(params))
	for name, p := range params {
		ws[name] = tensorOf(t, p.shape, p.data)
	}
	require.NoError(t, l.SetWeights(ws))
}

func logical(t *testing.T, x *tensor.Tensor) []float32 {
	t.Helper()
	l, err := x.Logical()
	require.NoError(t, err)
	return append([]float32(nil), l.Data()...)
}

// parity calls l on the CPU and then on a SoftBackend and returns both
// results in logical order, with the output shape of the CPU call.
func parity(t *testing.T, l Layer, inputs ...*tensor.Tensor) (cpu, gpu []float32, shape []int) {
	t.Helper()
	l.SetBackend(nil)
	out, err := l.Call(inputs)
	require.NoError(t, err)
	shape = append([]int(nil), out.LogicalShape()...)
	cpu = logical(t, out)

	l.SetBackend(softBackend(t))
	defer l.SetBackend(nil)
	out, err = l.Call(inputs)
	require.NoError(t, err)
	require.Equal(t, shape, out.LogicalShape())
	return cpu, logical(t, out), shape
}

func requireParity(t *testing.T, l Layer, inputs ...*tensor.Tensor) ([]float32, []int) {
	t.Helper()
	cpu, gpu, shape := parity(t, l, inputs...)
	require.InDeltaSlice(t, cpu, gpu, tolerance)
	return cpu, shape
}

func mustNew(t *testing.T, name string, cfg Config) Layer {
	t.Helper()
	l, err := New(name, cfg)
	require.NoError(t, err)
	return l
}

func parse(t *testing.T, class, raw string) Config {
	t.Helper()
	cfg, err := ParseConfig(class, []byte(raw))
	require.NoError(t, err)
	return cfg
}

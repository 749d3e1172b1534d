package device

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func newBackend(t *testing.T) *SoftBackend {
	t.Helper()
	b, err := NewSoftBackend(DefaultSoftOptions())
	require.NoError(t, err)
	return b
}

func run(t *testing.T, b *SoftBackend, source string, out *Texture, inputs []Binding, uniforms ...Uniform) {
	t.Helper()
	p, err := b.Compile(source)
	require.NoError(t, err)
	require.NoError(t, b.Run(Dispatch{Program: p, Output: out, Inputs: inputs, Uniforms: uniforms}))
}

func texture(t *testing.T, b *SoftBackend, shape []int, data []float32) *Texture {
	t.Helper()
	kind := Texture2D
	if len(shape) == 3 {
		kind = Texture2DArray
	}
	tex, err := b.CreateTexture(shape, kind, FormatFloat, data)
	require.NoError(t, err)
	return tex
}

func read(t *testing.T, b *SoftBackend, tex *Texture) []float32 {
	t.Helper()
	out, err := b.ReadTexture(tex)
	require.NoError(t, err)
	return out
}

func TestSoftBackend_TextureLifecycle(t *testing.T) {
	b := newBackend(t)

	tex := texture(t, b, []int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	assert.Equal(t, 1, b.LiveTextures())

	require.NoError(t, b.UpdateTexture(tex, 4, []float32{50, 60}))
	assert.Equal(t, []float32{1, 2, 3, 4, 50, 60}, read(t, b, tex))

	assert.Error(t, b.UpdateTexture(tex, 5, []float32{1, 2}), "update past the end")

	_, err := b.CreateTexture([]int{2}, Texture2D, FormatFloat, nil)
	assert.Error(t, err, "rank 1 texture")
	_, err = b.CreateTexture([]int{1, DefaultMaxTextureSize + 1}, Texture2D, FormatFloat, nil)
	assert.Error(t, err, "oversized texture")

	b.DeleteTexture(tex)
	assert.Equal(t, 0, b.LiveTextures())
	_, err = b.ReadTexture(tex)
	assert.Error(t, err)
}

func TestSoftBackend_PoolReuse(t *testing.T) {
	b := newBackend(t)
	startHits := getMetricValue(poolHits)

	tex := texture(t, b, []int{4, 4}, nil)
	b.DeleteTexture(tex)
	again := texture(t, b, []int{2, 8}, nil)

	assert.Equal(t, 1.0, getMetricValue(poolHits)-startHits)
	assert.Equal(t, make([]float32, 16), read(t, b, again), "recycled buffers are zeroed")
}

func TestSoftBackend_CompileUnknown(t *testing.T) {
	b := newBackend(t)
	_, err := b.Compile("fft")
	assert.Error(t, err)
	_, err = b.Compile("activation:swish")
	assert.Error(t, err)
	_, err = b.Compile("merge:xor")
	assert.Error(t, err)
}

func TestSoftBackend_MatMul(t *testing.T) {
	b := newBackend(t)
	a := texture(t, b, []int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	w := texture(t, b, []int{3, 2}, []float32{1, 0, 0, 1, 1, 1})
	bias := texture(t, b, []int{1, 2}, []float32{10, 20})
	out := texture(t, b, []int{2, 2}, nil)

	run(t, b, ProgramMatMul, out,
		[]Binding{{Name: "A", Texture: a}, {Name: "B", Texture: w}, {Name: "C", Texture: bias}},
		Bool("addC", true), Int("M", 2), Int("K", 3), Int("N", 2))

	assert.Equal(t, []float32{14, 25, 20, 31}, read(t, b, out))
}

func TestSoftBackend_Gather(t *testing.T) {
	b := newBackend(t)
	x0 := texture(t, b, []int{2, 2}, []float32{1, 2, 3, 4})
	x1 := texture(t, b, []int{1, 2}, []float32{9, 8})
	rows := texture(t, b, []int{1, 4}, []float32{1, -1, 0, 0})
	cols := texture(t, b, []int{1, 4}, []float32{0, 0, 1, 0})
	src := texture(t, b, []int{1, 4}, []float32{0, 0, 0, 1})
	out := texture(t, b, []int{1, 4}, nil)

	run(t, b, ProgramGather, out, []Binding{
		{Name: "x0", Texture: x0}, {Name: "x1", Texture: x1},
		{Name: "rowIndexMap", Texture: rows}, {Name: "colIndexMap", Texture: cols},
		{Name: "sourceIndexMap", Texture: src},
	})
	assert.Equal(t, []float32{3, 0, 2, 9}, read(t, b, out))
}

func TestSoftBackend_RejectsAliasing(t *testing.T) {
	b := newBackend(t)
	x := texture(t, b, []int{1, 2}, []float32{1, 2})
	p, err := b.Compile(Source(ProgramActivation, "relu"))
	require.NoError(t, err)
	err = b.Run(Dispatch{Program: p, Output: x, Inputs: []Binding{{Name: "x", Texture: x}}})
	assert.Error(t, err)
}

func TestSoftBackend_RecurrentPrograms(t *testing.T) {
	b := newBackend(t)
	seq := texture(t, b, []int{3, 2}, []float32{1, 2, 3, 4, 5, 6})
	step := texture(t, b, []int{1, 2}, nil)
	run(t, b, ProgramTimestepRead, step, []Binding{{Name: "x", Texture: seq}}, Int("index", 1))
	assert.Equal(t, []float32{3, 4}, read(t, b, step))

	next := texture(t, b, []int{3, 2}, nil)
	run(t, b, ProgramTimestepWrite, next,
		[]Binding{{Name: "x", Texture: step}, {Name: "y", Texture: seq}}, Int("index", 2))
	assert.Equal(t, []float32{1, 2, 3, 4, 3, 4}, read(t, b, next))

	h := texture(t, b, []int{1, 2}, []float32{1, 1})
	prev := texture(t, b, []int{1, 2}, []float32{3, 5})
	z := texture(t, b, []int{1, 2}, []float32{0.5, 0})
	upd := texture(t, b, []int{1, 2}, nil)
	run(t, b, ProgramGRUUpdate, upd, []Binding{{Name: "h", Texture: h}, {Name: "htm1", Texture: prev}, {Name: "z", Texture: z}})
	assert.Equal(t, []float32{2, 1}, read(t, b, upd))

	c := texture(t, b, []int{1, 2}, nil)
	run(t, b, ProgramLSTMState, c, []Binding{
		{Name: "c", Texture: h}, {Name: "ctm1", Texture: prev},
		{Name: "i", Texture: z}, {Name: "f", Texture: z},
	})
	assert.Equal(t, []float32{2, 0}, read(t, b, c))

	sum := texture(t, b, []int{1, 2}, nil)
	run(t, b, ProgramGateSum, sum, []Binding{{Name: "t1", Texture: h}, {Name: "t2", Texture: prev}, {Name: "bias", Texture: z}})
	assert.Equal(t, []float32{4.5, 6}, read(t, b, sum))
}

func TestSoftBackend_ConvTransposeAndPool(t *testing.T) {
	b := newBackend(t)
	mm := texture(t, b, []int{2, 2}, []float32{1, 2, 3, 4})
	// two output cells, one column, depth 2
	rows := texture(t, b, []int{2, 1, 2}, []float32{0, 1, 1, -1})
	cols := texture(t, b, []int{2, 1, 2}, []float32{0, 1, 0, 0})
	bias := texture(t, b, []int{1, 1}, []float32{0.5})
	out := texture(t, b, []int{2, 1}, nil)

	run(t, b, ProgramConvTranspose, out, []Binding{
		{Name: "matmulResult", Texture: mm}, {Name: "rowIndexMap", Texture: rows},
		{Name: "colIndexMap", Texture: cols}, {Name: "bias", Texture: bias},
	}, Bool("useBias", true))
	assert.Equal(t, []float32{5.5, 3.5}, read(t, b, out))

	maxOut := texture(t, b, []int{2, 1}, nil)
	run(t, b, Source(ProgramPool, "max"), maxOut, []Binding{
		{Name: "x", Texture: mm}, {Name: "rowIndexMap", Texture: rows}, {Name: "colIndexMap", Texture: cols},
	})
	assert.Equal(t, []float32{4, 3}, read(t, b, maxOut))

	avgOut := texture(t, b, []int{2, 1}, nil)
	run(t, b, Source(ProgramPool, "average"), avgOut, []Binding{
		{Name: "x", Texture: mm}, {Name: "rowIndexMap", Texture: rows}, {Name: "colIndexMap", Texture: cols},
	})
	assert.Equal(t, []float32{2.5, 3}, read(t, b, avgOut))
}

func TestSoftBackend_ElementwisePrograms(t *testing.T) {
	b := newBackend(t)
	x := texture(t, b, []int{2, 2}, []float32{-1, 2, 3, -4})
	y := texture(t, b, []int{2, 2}, []float32{1, 1, 1, 1})
	out := texture(t, b, []int{2, 2}, nil)

	run(t, b, Source(ProgramMerge, "max"), out, []Binding{{Name: "a", Texture: x}, {Name: "b", Texture: y}})
	assert.Equal(t, []float32{1, 2, 3, 1}, read(t, b, out))

	run(t, b, Source(ProgramActivation, "relu"), out, []Binding{{Name: "x", Texture: x}})
	assert.Equal(t, []float32{0, 2, 3, 0}, read(t, b, out))

	run(t, b, ProgramScale, out, []Binding{{Name: "x", Texture: x}}, Float("factor", 0.5))
	assert.Equal(t, []float32{-0.5, 1, 1.5, -2}, read(t, b, out))

	scale := texture(t, b, []int{1, 2}, []float32{2, 3})
	shift := texture(t, b, []int{1, 2}, []float32{1, 0})
	run(t, b, ProgramAffine, out, []Binding{{Name: "x", Texture: x}, {Name: "scale", Texture: scale}, {Name: "shift", Texture: shift}})
	assert.Equal(t, []float32{-1, 6, 7, -12}, read(t, b, out))
}

func TestSoftBackend_HalfPrecision(t *testing.T) {
	b, err := NewSoftBackend(SoftOptions{Precision: "fp16"})
	require.NoError(t, err)
	assert.Equal(t, "soft-fp16", b.Name())

	x := texture(t, b, []int{1, 3}, []float32{0.1, 1000.5, -3.25})
	got := read(t, b, x)
	assert.InDelta(t, 0.1, got[0], 1e-3)
	assert.InDelta(t, 1000.5, got[1], 0.5)
	assert.Equal(t, float32(-3.25), got[2])

	idx, err := b.CreateTexture([]int{1, 1}, Texture2D, FormatInt, []float32{4097})
	require.NoError(t, err)
	assert.Equal(t, []float32{4097}, read(t, b, idx), "int textures keep full precision")

	_, err = NewSoftBackend(SoftOptions{Precision: "int8"})
	assert.Error(t, err)
}

func TestParseActivation(t *testing.T) {
	a, err := ParseActivation("")
	require.NoError(t, err)
	assert.Equal(t, ActivationLinear, a)

	a, err = ParseActivation("hard_sigmoid")
	require.NoError(t, err)
	assert.Equal(t, "hard_sigmoid", a.String())

	_, err = ParseActivation("gelu_new")
	assert.Error(t, err)

	data := []float32{1, 2, 3, 1, 1, 1}
	ActivationSoftmax.Apply(data, 3, 0)
	assert.InDelta(t, 1.0/3, data[4], 1e-6, "softmax is per row")
}

package layers

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

func convLayer(t *testing.T, cfg ConvConfig, inC int) Layer {
	t.Helper()
	if cfg.Kind == 0 {
		cfg.Kind = KindConv2D
	}
	l := mustNew(t, "conv", cfg)
	kh, kw := cfg.KernelSize[0], cfg.KernelSize[len(cfg.KernelSize)-1]
	if cfg.Kind == KindConv1D {
		kw = 1
	}
	n := kh * kw * inC * cfg.Filters
	shape := []int{kh, kw, inC, cfg.Filters}
	if cfg.DataFormat == "channels_first" {
		shape = []int{cfg.Filters, inC, kh, kw}
	}
	params := map[string]param{"kernel": {shape, ramp(n)}}
	if cfg.UseBias == nil || *cfg.UseBias {
		params["bias"] = param{[]int{cfg.Filters}, ramp(cfg.Filters + 2)[2:]}
	}
	attach(t, l, params)
	return l
}

func TestConvOutput_ShapeLaw(t *testing.T) {
	const k = 3
	for _, size := range []int{5, 7, 10} {
		for _, stride := range []int{1, 2} {
			for _, dil := range []int{1, 2} {
				for _, same := range []bool{false, true} {
					name := fmt.Sprintf("in%d_s%d_d%d_same%v", size, stride, dil, same)
					t.Run(name, func(t *testing.T) {
						padding := "valid"
						if same {
							padding = "same"
						}
						cfg := ConvConfig{
							Kind: KindConv2D, Filters: 2, KernelSize: Ints{k},
							Strides: Ints{stride}, DilationRate: Ints{dil}, Padding: padding,
						}
						if stride > 1 && dil > 1 {
							_, err := New("conv", cfg)
							assert.ErrorIs(t, err, errdefs.ErrConfig)
							return
						}

						eff := k + (k-1)*(dil-1)
						want := (size + stride - 1) / stride
						if !same {
							want = (size - eff + stride) / stride
						}
						got, _, err := convOutput(size, k, stride, dil, same)
						require.NoError(t, err)
						assert.Equal(t, want, got)

						l := convLayer(t, cfg, 1)
						out, err := l.Call([]*tensor.Tensor{tensor.Zeros(size, size, 1)})
						require.NoError(t, err)
						assert.Equal(t, []int{want, want, 2}, out.LogicalShape())
					})
				}
			}
		}
	}
}

func TestConvOutput_TooSmall(t *testing.T) {
	_, _, err := convOutput(2, 3, 1, 2, false)
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)
}

func TestConv2D_Values(t *testing.T) {
	noBias := false
	x := tensorOf(t, []int{3, 3, 1}, seq(9))

	t.Run("valid", func(t *testing.T) {
		l := mustNew(t, "conv", ConvConfig{Kind: KindConv2D, Filters: 1, KernelSize: Ints{2}, UseBias: &noBias})
		attach(t, l, map[string]param{"kernel": {[]int{2, 2, 1, 1}, filled(4, 1)}})
		got, shape := requireParity(t, l, x)
		assert.Equal(t, []int{2, 2, 1}, shape)
		assert.InDeltaSlice(t, []float32{12, 16, 24, 28}, got, tolerance)
	})

	t.Run("same", func(t *testing.T) {
		l := mustNew(t, "conv", ConvConfig{Kind: KindConv2D, Filters: 1, KernelSize: Ints{3}, Padding: "same", UseBias: &noBias})
		attach(t, l, map[string]param{"kernel": {[]int{3, 3, 1, 1}, filled(9, 1)}})
		got, _ := requireParity(t, l, x)
		assert.InDeltaSlice(t, []float32{12, 21, 16, 27, 45, 33, 24, 39, 28}, got, tolerance)
	})

	t.Run("bias and relu", func(t *testing.T) {
		l := mustNew(t, "conv", ConvConfig{Kind: KindConv2D, Filters: 1, KernelSize: Ints{2}, Activation: "relu"})
		attach(t, l, map[string]param{
			"kernel": {[]int{2, 2, 1, 1}, filled(4, 1)},
			"bias":   {[]int{1}, []float32{-20}},
		})
		got, _ := requireParity(t, l, x)
		assert.InDeltaSlice(t, []float32{0, 0, 4, 8}, got, tolerance)
	})
}

func TestConv_Parity(t *testing.T) {
	cases := []struct {
		name  string
		cfg   ConvConfig
		shape []int
	}{
		{"strided same", ConvConfig{Filters: 3, KernelSize: Ints{3}, Strides: Ints{2}, Padding: "same", Activation: "relu"}, []int{5, 5, 2}},
		{"dilated valid", ConvConfig{Filters: 2, KernelSize: Ints{3}, DilationRate: Ints{2}}, []int{7, 6, 2}},
		{"rectangular kernel", ConvConfig{Filters: 4, KernelSize: Ints{2, 3}, Strides: Ints{1, 2}}, []int{4, 7, 3}},
		{"pointwise", ConvConfig{Filters: 3, KernelSize: Ints{1}}, []int{3, 4, 2}},
		{"channels first", ConvConfig{Filters: 3, KernelSize: Ints{3}, Padding: "same", DataFormat: "channels_first"}, []int{2, 5, 4}},
		{"conv1d", ConvConfig{Kind: KindConv1D, Filters: 3, KernelSize: Ints{3}, Strides: Ints{2}, Padding: "same", Activation: "tanh"}, []int{9, 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inC := tc.shape[len(tc.shape)-1]
			if tc.cfg.DataFormat == "channels_first" {
				inC = tc.shape[0]
			}
			l := convLayer(t, tc.cfg, inC)
			n, err := tensor.Size(tc.shape)
			require.NoError(t, err)
			requireParity(t, l, tensorOf(t, tc.shape, ramp(n)))
		})
	}
}

func TestConv_SquareLayoutInput(t *testing.T) {
	b := softBackend(t)
	l := convLayer(t, ConvConfig{Filters: 2, KernelSize: Ints{3}, Padding: "same"}, 2)
	x := tensorOf(t, []int{4, 4, 2}, ramp(32))

	cpu, err := l.Call([]*tensor.Tensor{x})
	require.NoError(t, err)
	want := logical(t, cpu)

	d, err := tensor.Upload(b, x, tensor.PlaceSquare)
	require.NoError(t, err)
	l.SetBackend(b)
	out, err := l.Call([]*tensor.Tensor{d})
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, logical(t, out), tolerance)
}

func TestConv_ChannelsFirstKernel(t *testing.T) {
	noBias := false
	// two channels of one pixel, kernel stored filters first
	x := tensorOf(t, []int{2, 1, 1}, []float32{1, 10})
	kernel := map[string]param{"kernel": {[]int{2, 2, 1, 1}, []float32{1, 2, 3, 4}}}

	t.Run("conv2d", func(t *testing.T) {
		l := mustNew(t, "conv", ConvConfig{Kind: KindConv2D, Filters: 2, KernelSize: Ints{1}, DataFormat: "channels_first", UseBias: &noBias})
		attach(t, l, kernel)
		got, shape := requireParity(t, l, x)
		assert.Equal(t, []int{2, 1, 1}, shape)
		assert.InDeltaSlice(t, []float32{21, 43}, got, tolerance)
	})

	t.Run("conv2d transpose", func(t *testing.T) {
		l := mustNew(t, "deconv", ConvConfig{Kind: KindConv2DTranspose, Filters: 2, KernelSize: Ints{1}, DataFormat: "channels_first", UseBias: &noBias})
		attach(t, l, kernel)
		got, shape := requireParity(t, l, x)
		assert.Equal(t, []int{2, 1, 1}, shape)
		assert.InDeltaSlice(t, []float32{31, 42}, got, tolerance)
	})

	t.Run("matches channels last", func(t *testing.T) {
		const inC, f = 2, 3
		kernel := ramp(9 * inC * f)
		first := make([]float32, len(kernel))
		for ki := 0; ki < 9; ki++ {
			for c := 0; c < inC; c++ {
				for o := 0; o < f; o++ {
					first[(o*inC+c)*9+ki] = kernel[(ki*inC+c)*f+o]
				}
			}
		}
		last := mustNew(t, "last", ConvConfig{Kind: KindConv2D, Filters: f, KernelSize: Ints{3}, Padding: "same", UseBias: &noBias})
		attach(t, last, map[string]param{"kernel": {[]int{3, 3, inC, f}, kernel}})
		cf := mustNew(t, "first", ConvConfig{Kind: KindConv2D, Filters: f, KernelSize: Ints{3}, Padding: "same", DataFormat: "channels_first", UseBias: &noBias})
		attach(t, cf, map[string]param{"kernel": {[]int{f, inC, 3, 3}, first}})

		input := ramp(4 * 5 * inC)
		planar := make([]float32, len(input))
		for p := 0; p < 20; p++ {
			for c := 0; c < inC; c++ {
				planar[c*20+p] = input[p*inC+c]
			}
		}
		want, err := last.Call([]*tensor.Tensor{tensorOf(t, []int{4, 5, inC}, input)})
		require.NoError(t, err)
		got, err := cf.Call([]*tensor.Tensor{tensorOf(t, []int{inC, 4, 5}, planar)})
		require.NoError(t, err)
		w, g := logical(t, want), logical(t, got)
		for p := 0; p < 20; p++ {
			for o := 0; o < f; o++ {
				assert.InDelta(t, w[p*f+o], g[o*20+p], tolerance)
			}
		}
	})

	t.Run("separable", func(t *testing.T) {
		l := mustNew(t, "sep", ConvConfig{Kind: KindSeparableConv2D, Filters: 1, KernelSize: Ints{1}, DataFormat: "channels_first", UseBias: &noBias})
		attach(t, l, map[string]param{
			"depthwise_kernel": {[]int{1, 2, 1, 1}, []float32{2, 3}},
			"pointwise_kernel": {[]int{1, 2, 1, 1}, []float32{1, -1}},
		})
		got, shape := requireParity(t, l, x)
		assert.Equal(t, []int{1, 1, 1}, shape)
		assert.InDeltaSlice(t, []float32{2 - 30}, got, tolerance)
	})

	t.Run("rank 2 kernel", func(t *testing.T) {
		l := mustNew(t, "conv", ConvConfig{Kind: KindConv2D, Filters: 2, KernelSize: Ints{1}, DataFormat: "channels_first", UseBias: &noBias})
		err := l.SetWeights(map[string]*tensor.Tensor{"kernel": tensorOf(t, []int{2, 2}, []float32{1, 2, 3, 4})})
		assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)
	})
}

func TestConv_OversizedPatchesRunOnHost(t *testing.T) {
	b, err := device.NewSoftBackend(device.SoftOptions{MaxTextureSize: 8})
	require.NoError(t, err)
	l := convLayer(t, ConvConfig{Filters: 2, KernelSize: Ints{3}, Padding: "same", Activation: "relu"}, 1)
	x := tensorOf(t, []int{5, 5, 1}, ramp(25))

	cpu, err := l.Call([]*tensor.Tensor{x})
	require.NoError(t, err)
	want := logical(t, cpu)

	l.SetBackend(b)
	defer l.SetBackend(nil)
	out, err := l.Call([]*tensor.Tensor{x})
	require.NoError(t, err)
	assert.Equal(t, []int{5, 5, 2}, out.LogicalShape())
	assert.InDeltaSlice(t, want, logical(t, out), tolerance)
}

func TestConv_KernelMismatch(t *testing.T) {
	l := mustNew(t, "conv", ConvConfig{Kind: KindConv2D, Filters: 2, KernelSize: Ints{3}})
	attach(t, l, map[string]param{
		"kernel": {[]int{3, 3, 1, 2}, ramp(18)},
		"bias":   {[]int{2}, ramp(2)},
	})
	_, err := l.Call([]*tensor.Tensor{tensor.Zeros(5, 5, 3)})
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)

	var le *errdefs.LayerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "conv", le.Name)
}

func TestSeparableConv2D(t *testing.T) {
	t.Run("values", func(t *testing.T) {
		noBias := false
		l := mustNew(t, "sep", ConvConfig{Kind: KindSeparableConv2D, Filters: 1, KernelSize: Ints{1}, UseBias: &noBias})
		attach(t, l, map[string]param{
			"depthwise_kernel": {[]int{1, 1, 2, 1}, []float32{2, 3}},
			"pointwise_kernel": {[]int{1, 1, 2, 1}, []float32{1, 1}},
		})
		x := make([]float32, 0, 18)
		for i := 0; i < 9; i++ {
			x = append(x, 1, 2)
		}
		got, shape := requireParity(t, l, tensorOf(t, []int{3, 3, 2}, x))
		assert.Equal(t, []int{3, 3, 1}, shape)
		assert.InDeltaSlice(t, filled(9, 8), got, tolerance)
	})

	for _, format := range []string{"channels_last", "channels_first"} {
		t.Run("parity "+format, func(t *testing.T) {
			const inC, dm, f = 2, 2, 3
			l := mustNew(t, "sep", ConvConfig{
				Kind: KindSeparableConv2D, Filters: f, KernelSize: Ints{3}, Padding: "same",
				Strides: Ints{2}, DepthMultiplier: dm, DataFormat: format, Activation: "relu",
			})
			depthwise, pointwise := []int{3, 3, inC, dm}, []int{1, 1, inC * dm, f}
			if format == "channels_first" {
				depthwise, pointwise = []int{dm, inC, 3, 3}, []int{f, inC * dm, 1, 1}
			}
			attach(t, l, map[string]param{
				"depthwise_kernel": {depthwise, ramp(9 * inC * dm)},
				"pointwise_kernel": {pointwise, ramp(inC * dm * f)},
				"bias":             {[]int{f}, []float32{0.1, -0.2, 0.3}},
			})
			shape := []int{5, 6, inC}
			if format == "channels_first" {
				shape = []int{inC, 5, 6}
			}
			_, out := requireParity(t, l, tensorOf(t, shape, ramp(60)))
			if format == "channels_first" {
				assert.Equal(t, []int{f, 3, 3}, out)
			} else {
				assert.Equal(t, []int{3, 3, f}, out)
			}
		})
	}
}

func TestConv2DTranspose(t *testing.T) {
	noBias := false
	x := tensorOf(t, []int{2, 2, 1}, seq(4))
	ones := map[string]param{"kernel": {[]int{2, 2, 1, 1}, filled(4, 1)}}

	t.Run("stride 2", func(t *testing.T) {
		l := mustNew(t, "deconv", ConvConfig{Kind: KindConv2DTranspose, Filters: 1, KernelSize: Ints{2}, Strides: Ints{2}, UseBias: &noBias})
		attach(t, l, ones)
		got, shape := requireParity(t, l, x)
		assert.Equal(t, []int{4, 4, 1}, shape)
		assert.InDeltaSlice(t, []float32{
			1, 1, 2, 2,
			1, 1, 2, 2,
			3, 3, 4, 4,
			3, 3, 4, 4,
		}, got, tolerance)
	})

	t.Run("overlapping stride 1", func(t *testing.T) {
		l := mustNew(t, "deconv", ConvConfig{Kind: KindConv2DTranspose, Filters: 1, KernelSize: Ints{2}, UseBias: &noBias})
		attach(t, l, ones)
		got, shape := requireParity(t, l, x)
		assert.Equal(t, []int{3, 3, 1}, shape)
		assert.InDeltaSlice(t, []float32{1, 3, 2, 4, 10, 6, 3, 7, 4}, got, tolerance)
	})

	for _, tc := range []struct {
		name, padding, format string
		stride                int
	}{
		{"same s2", "same", "", 2},
		{"valid s2", "valid", "", 2},
		{"valid s1", "valid", "", 1},
		{"channels first", "same", "channels_first", 2},
	} {
		t.Run("parity "+tc.name, func(t *testing.T) {
			const inC, f = 2, 3
			l := mustNew(t, "deconv", ConvConfig{
				Kind: KindConv2DTranspose, Filters: f, KernelSize: Ints{3}, Strides: Ints{tc.stride},
				Padding: tc.padding, DataFormat: tc.format, Activation: "relu",
			})
			kernel := []int{3, 3, f, inC}
			shape := []int{3, 4, inC}
			if tc.format == "channels_first" {
				kernel = []int{inC, f, 3, 3}
				shape = []int{inC, 3, 4}
			}
			attach(t, l, map[string]param{
				"kernel": {kernel, ramp(9 * f * inC)},
				"bias":   {[]int{f}, []float32{0.5, 0, -0.5}},
			})
			requireParity(t, l, tensorOf(t, shape, ramp(24)))
		})
	}

	t.Run("dilation unsupported", func(t *testing.T) {
		_, err := New("deconv", ConvConfig{Kind: KindConv2DTranspose, Filters: 1, KernelSize: Ints{2}, DilationRate: Ints{2}})
		assert.ErrorIs(t, err, errdefs.ErrUnsupported)
	})
}

package layers

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// convOutput returns the output length and leading padding of one spatial
// axis. Trailing padding takes the remainder of the total.
func convOutput(in, k, stride, dilation int, same bool) (out, padBefore int, err error) {
	eff := k + (k-1)*(dilation-1)
	if same {
		out = (in + stride - 1) / stride
	} else {
		out = (in - eff + stride) / stride
	}
	if out <= 0 {
		return 0, 0, errdefs.Shapef("input length %d too small for kernel %d (dilation %d)", in, k, dilation)
	}
	total := max(0, (out-1)*stride+eff-in)
	return out, total / 2, nil
}

// convGeom is the sliding-window geometry of one input shape.
type convGeom struct {
	in         spatial
	kh, kw     int
	sh, sw     int
	dh, dw     int
	outH, outW int
	padT, padL int
}

func (g convGeom) patches() int  { return g.outH * g.outW }
func (g convGeom) window() int   { return g.kh * g.kw }
func (g convGeom) patchLen() int { return g.kh * g.kw * g.in.c }

// im2col maps every receptive field to one row of a [patches, patchLen]
// matrix; cells in the padding read as zero. Columns run kernel position
// major (the Keras kernel layout) unless channelMajor is set.
func (g convGeom) im2col(channelMajor bool) *gatherMap {
	m := &gatherMap{shape: []int{g.patches(), g.patchLen()}, index: make([]int32, g.patches()*g.patchLen())}
	win := g.window()
	for oi := 0; oi < g.outH; oi++ {
		for oj := 0; oj < g.outW; oj++ {
			row := (oi*g.outW + oj) * g.patchLen()
			for ki := 0; ki < g.kh; ki++ {
				ii := oi*g.sh - g.padT + ki*g.dh
				for kj := 0; kj < g.kw; kj++ {
					jj := oj*g.sw - g.padL + kj*g.dw
					k := ki*g.kw + kj
					inside := ii >= 0 && ii < g.in.h && jj >= 0 && jj < g.in.w
					for c := 0; c < g.in.c; c++ {
						col := k*g.in.c + c
						if channelMajor {
							col = c*win + k
						}
						if !inside {
							m.index[row+col] = -1
							continue
						}
						m.index[row+col] = int32(g.in.flat(ii, jj, c))
					}
				}
			}
		}
	}
	return m
}

// aliasable reports whether the patch matrix of channels-last input is the
// input buffer itself. That only holds for a 1x1 kernel with stride 1 and no
// padding; every other geometry gathers through im2col.
func (g convGeom) aliasable() bool {
	return g.kh == 1 && g.kw == 1 && g.sh == 1 && g.sw == 1 && g.padT == 0 && g.padL == 0 && !g.in.channelsFirst
}

// convSpec is the validated configuration shared by the convolution layers.
type convSpec struct {
	filters  int
	kernel   [2]int
	strides  [2]int
	dilation [2]int
	same     bool
	chFirst  bool
	act      device.ActivationType
	useBias  bool
	oneD     bool
}

func newConvSpec(c ConvConfig, oneD bool) (convSpec, error) {
	s := convSpec{oneD: oneD, useBias: boolOr(c.UseBias, true)}
	n := 2
	if oneD {
		n = 1
	}
	k, err := c.KernelSize.expand(n, 0)
	if err != nil {
		return s, err
	}
	st, err := c.Strides.expand(n, 1)
	if err != nil {
		return s, err
	}
	dl, err := c.DilationRate.expand(n, 1)
	if err != nil {
		return s, err
	}
	if oneD {
		k, st, dl = append(k, 1), append(st, 1), append(dl, 1)
	}
	for i := 0; i < 2; i++ {
		if k[i] <= 0 || st[i] <= 0 || dl[i] <= 0 {
			return s, errdefs.Configf("kernel %v strides %v dilation %v", k, st, dl)
		}
		if st[i] > 1 && dl[i] > 1 {
			return s, errdefs.Configf("dilation_rate %v with strides %v", dl, st)
		}
	}
	s.kernel, s.strides, s.dilation = [2]int{k[0], k[1]}, [2]int{st[0], st[1]}, [2]int{dl[0], dl[1]}

	switch c.Padding {
	case "", "valid":
	case "same":
		s.same = true
	default:
		return s, errdefs.Configf("padding %q", c.Padding)
	}
	if s.chFirst, err = channelsFirst(c.DataFormat); err != nil {
		return s, err
	}
	if s.act, err = device.ParseActivation(c.Activation); err != nil {
		return s, errdefs.Configf("%v", err)
	}
	s.filters = c.Filters
	return s, nil
}

// input reads the spatial view of an input shape; 1-D inputs get width 1.
func (s convSpec) input(shape []int) (spatial, error) {
	if !s.oneD {
		return newSpatial(shape, s.chFirst)
	}
	if len(shape) != 2 {
		return spatial{}, errdefs.Shapef("expected rank 2 sequence, got %v", shape)
	}
	if s.chFirst {
		return spatial{h: shape[1], w: 1, c: shape[0], channelsFirst: true}, nil
	}
	return spatial{h: shape[0], w: 1, c: shape[1]}, nil
}

func (s convSpec) geometry(shape []int) (convGeom, error) {
	in, err := s.input(shape)
	if err != nil {
		return convGeom{}, err
	}
	g := convGeom{in: in, kh: s.kernel[0], kw: s.kernel[1], sh: s.strides[0], sw: s.strides[1], dh: s.dilation[0], dw: s.dilation[1]}
	if g.outH, g.padT, err = convOutput(in.h, g.kh, g.sh, g.dh, s.same); err != nil {
		return g, err
	}
	if g.outW, g.padL, err = convOutput(in.w, g.kw, g.sw, g.dw, s.same); err != nil {
		return g, err
	}
	return g, nil
}

// outputShape is the logical output for f filters.
func (s convSpec) outputShape(g convGeom, f int) []int {
	switch {
	case s.oneD && s.chFirst:
		return []int{f, g.outH}
	case s.oneD:
		return []int{g.outH, f}
	case s.chFirst:
		return []int{f, g.outH, g.outW}
	}
	return []int{g.outH, g.outW, f}
}

// channelsLastKernel reorders a channels_first kernel [a, b, k...] into
// [k..., b, a]: Conv kernels [f, inC, kh, kw] become [kh, kw, inC, f] and
// Conv2DTranspose kernels [inC, f, kh, kw] become [kh, kw, f, inC].
func channelsLastKernel(k *tensor.Tensor) (*tensor.Tensor, error) {
	src := k.LogicalShape()
	if len(src) < 3 {
		return nil, errdefs.Shapef("channels_first kernel of shape %v", src)
	}
	perm := make([]int, 0, len(src))
	for i := 2; i < len(src); i++ {
		perm = append(perm, i)
	}
	perm = append(perm, 1, 0)
	shape := make([]int, len(src))
	for i, p := range perm {
		shape[i] = src[p]
	}
	h, err := host(k)
	if err != nil {
		return nil, err
	}
	data := h.Data()
	out := make([]float32, len(data))
	at := make([]int, len(src))
	forEachIndex(shape, func(flat int, idx []int) {
		for i, p := range perm {
			at[p] = idx[i]
		}
		out[flat] = data[flatIndex(src, at)]
	})
	return tensor.New(shape, out)
}

// kernelLayout converts the attached kernel of a channels_first layer.
func (s convSpec) kernelLayout(b *base) error {
	if !s.chFirst {
		return nil
	}
	k, err := channelsLastKernel(b.weights["kernel"])
	if err != nil {
		return b.wrap(err)
	}
	b.weights["kernel"] = k
	return nil
}

// toChannelsFirst moves the filters of a [patches, f] result to the front.
func toChannelsFirst(shape []int, patches, f int) *gatherMap {
	m := &gatherMap{shape: shape, index: make([]int32, patches*f)}
	for c := 0; c < f; c++ {
		for p := 0; p < patches; p++ {
			m.index[c*patches+p] = int32(p*f + c)
		}
	}
	return m
}

// Conv is Conv1D and Conv2D: im2col followed by one matrix multiply.
type Conv struct {
	base
	convSpec

	geomKey string
	geom    convGeom
	patches mapCache
	reorder mapCache
}

func newConv(name string, c ConvConfig) (*Conv, error) {
	spec, err := newConvSpec(c, c.Kind == KindConv1D)
	if err != nil {
		return nil, err
	}
	if spec.filters <= 0 {
		return nil, errdefs.Configf("filters %d", spec.filters)
	}
	params := []string{"kernel"}
	if spec.useBias {
		params = append(params, "bias")
	}
	return &Conv{base: newBase(name, c.Kind, params...), convSpec: spec}, nil
}

func (l *Conv) SetWeights(ws map[string]*tensor.Tensor) error {
	if err := l.base.SetWeights(ws); err != nil {
		return err
	}
	return l.kernelLayout(&l.base)
}

func (l *Conv) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := unary(inputs)
	if err != nil {
		return nil, l.wrap(err)
	}
	out, err := l.call(x)
	return out, l.wrap(err)
}

func (l *Conv) prepare(shape []int) error {
	key := fmt.Sprint(shape)
	if key == l.geomKey {
		return nil
	}
	g, err := l.geometry(shape)
	if err != nil {
		return err
	}
	kernel := l.weight("kernel")
	if kernel.Len() != g.patchLen()*l.filters {
		return errdefs.Shapef("kernel %v for %d input channels and %d filters", kernel.LogicalShape(), g.in.c, l.filters)
	}
	l.geom, l.geomKey = g, key
	return nil
}

func (l *Conv) call(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := l.prepare(x.LogicalShape()); err != nil {
		return nil, err
	}
	if l.gpu() {
		if l.fitsTextures() {
			return l.callGPU(x)
		}
		log.Debug().Str("layer", l.name).Int("patches", l.geom.patches()).
			Int("max_texture", l.backend.MaxTextureSize()).Msg("Patch matrix exceeds texture size, running on host")
	}

	g := l.geom
	h, err := host(x)
	if err != nil {
		return nil, err
	}
	cols := h.Data()
	if !g.aliasable() {
		m, _ := l.patches.get(l.geomKey, func() (*gatherMap, error) { return g.im2col(false), nil })
		p, err := m.applyCPU(h)
		if err != nil {
			return nil, err
		}
		cols = p.Data()
	}

	np, pl, f := g.patches(), g.patchLen(), l.filters
	y := make([]float32, np*f)
	var beta float32
	if l.useBias {
		bias := l.weight("bias").Data()
		for p := 0; p < np; p++ {
			copy(y[p*f:(p+1)*f], bias)
		}
		beta = 1
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: np, Cols: pl, Stride: pl, Data: cols},
		blas32.General{Rows: pl, Cols: f, Stride: f, Data: l.weight("kernel").Data()},
		beta,
		blas32.General{Rows: np, Cols: f, Stride: f, Data: y})

	out, err := tensor.New(l.outputShape(g, f), y)
	if err != nil {
		return nil, err
	}
	if l.chFirst {
		m, _ := l.reorder.get(l.geomKey, func() (*gatherMap, error) {
			return toChannelsFirst(l.outputShape(g, f), np, f), nil
		})
		if out, err = m.applyCPU(out); err != nil {
			return nil, err
		}
	}
	activateHost(l.act, l.act.DefaultAlpha(), out)
	return out, nil
}

// fitsTextures reports whether the patch matrix and the product fit the
// row layout of the backend.
func (l *Conv) fitsTextures() bool {
	limit := l.backend.MaxTextureSize()
	g := l.geom
	return g.patches() <= limit && g.patchLen() <= limit && l.filters <= limit
}

func (l *Conv) callGPU(x *tensor.Tensor) (*tensor.Tensor, error) {
	g := l.geom
	np, pl, f := g.patches(), g.patchLen(), l.filters
	r := l.resources(shapeKey(x))
	d, err := r.input("x", x)
	if err != nil {
		return nil, err
	}
	patches, err := r.output("patches", []int{np, pl}, tensor.PlaceRows)
	if err != nil {
		return nil, err
	}
	m, _ := l.patches.get(l.geomKey, func() (*gatherMap, error) { return g.im2col(false), nil })
	if err := m.applyGPU(r, "im2col", patches, d); err != nil {
		return nil, err
	}

	// Channels-last results are written straight into the row layout of
	// the output, which matches the [patches, filters] product.
	var mm *tensor.Tensor
	if l.chFirst {
		mm, err = r.output("mm", []int{np, f}, tensor.PlaceRows)
	} else {
		mm, err = r.output("out", l.outputShape(g, f), tensor.PlaceRows)
	}
	if err != nil {
		return nil, err
	}
	if err := matmulWeights(r, &l.base, patches, mm, np, pl, f, "kernel", biasName(l.useBias)); err != nil {
		return nil, err
	}

	out := mm
	if l.chFirst {
		if out, err = r.output("out", l.outputShape(g, f), tensor.PlaceAuto); err != nil {
			return nil, err
		}
		m, _ := l.reorder.get(l.geomKey, func() (*gatherMap, error) {
			return toChannelsFirst(l.outputShape(g, f), np, f), nil
		})
		if err := m.applyGPU(r, "reorder", out, mm); err != nil {
			return nil, err
		}
	}
	return activate(&l.base, l.act, l.act.DefaultAlpha(), out)
}

// matmulWeights runs out = a * w (+ bias) where w and bias name layer
// weights viewed as [k, n] and [1, n]. An empty bias name skips the bias.
func matmulWeights(r *resources, b *base, a, out *tensor.Tensor, m, k, n int, kernel, bias string) error {
	w, err := r.weight(kernel, b.weight(kernel), []int{k, n})
	if err != nil {
		return err
	}
	inputs := []device.Binding{bind("A", a), bind("B", w)}
	uniforms := []device.Uniform{device.Int("M", m), device.Int("K", k), device.Int("N", n)}
	if bias != "" {
		bt, err := r.weight(bias, b.weight(bias), []int{1, n})
		if err != nil {
			return err
		}
		inputs = append(inputs, bind("C", bt))
		uniforms = append(uniforms, device.Bool("addC", true))
	}
	return r.run(device.ProgramMatMul, out, inputs, uniforms...)
}

func biasName(useBias bool) string {
	if useBias {
		return "bias"
	}
	return ""
}

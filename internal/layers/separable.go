package layers

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// SeparableConv is a depthwise convolution, each input channel convolved
// with its own depthMult filters, followed by a 1x1 pointwise convolution.
type SeparableConv struct {
	base
	convSpec
	depthMult int

	geomKey string
	geom    convGeom
	patches mapCache
	diag    mapCache
	reorder mapCache
}

func newSeparableConv(name string, c ConvConfig) (*SeparableConv, error) {
	spec, err := newConvSpec(c, false)
	if err != nil {
		return nil, err
	}
	if spec.filters <= 0 {
		return nil, errdefs.Configf("filters %d", spec.filters)
	}
	dm := c.DepthMultiplier
	if dm == 0 {
		dm = 1
	}
	if dm < 0 {
		return nil, errdefs.Configf("depth_multiplier %d", dm)
	}
	params := []string{"depthwise_kernel", "pointwise_kernel"}
	if spec.useBias {
		params = append(params, "bias")
	}
	return &SeparableConv{base: newBase(name, KindSeparableConv2D, params...), convSpec: spec, depthMult: dm}, nil
}

// SetWeights attaches the kernels; channels_first kernels arrive as
// [depthMult, inC, kh, kw] and [filters, inC*depthMult, 1, 1].
func (l *SeparableConv) SetWeights(ws map[string]*tensor.Tensor) error {
	if err := l.base.SetWeights(ws); err != nil {
		return err
	}
	if !l.chFirst {
		return nil
	}
	for _, name := range []string{"depthwise_kernel", "pointwise_kernel"} {
		k, err := channelsLastKernel(l.weights[name])
		if err != nil {
			return l.wrap(err)
		}
		l.weights[name] = k
	}
	return nil
}

func (l *SeparableConv) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := unary(inputs)
	if err != nil {
		return nil, l.wrap(err)
	}
	out, err := l.call(x)
	return out, l.wrap(err)
}

func (l *SeparableConv) prepare(shape []int) error {
	key := fmt.Sprint(shape)
	if key == l.geomKey {
		return nil
	}
	g, err := l.geometry(shape)
	if err != nil {
		return err
	}
	inC, dm := g.in.c, l.depthMult
	if n := l.weight("depthwise_kernel").Len(); n != g.window()*inC*dm {
		return errdefs.Shapef("depthwise kernel of %d values for window %d, %d channels, multiplier %d", n, g.window(), inC, dm)
	}
	if n := l.weight("pointwise_kernel").Len(); n != inC*dm*l.filters {
		return errdefs.Shapef("pointwise kernel of %d values for %d inputs and %d filters", n, inC*dm, l.filters)
	}
	l.geom, l.geomKey = g, key
	return nil
}

// channelPatches is the channel-major im2col map: every row holds the
// window of one channel after another.
func (l *SeparableConv) channelPatches() *gatherMap {
	m, _ := l.patches.get(l.geomKey, func() (*gatherMap, error) { return l.geom.im2col(true), nil })
	return m
}

func (l *SeparableConv) call(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := l.prepare(x.LogicalShape()); err != nil {
		return nil, err
	}
	if l.gpu() {
		return l.callGPU(x)
	}

	g := l.geom
	np, win, inC, dm, f := g.patches(), g.window(), g.in.c, l.depthMult, l.filters
	p, err := l.channelPatches().applyCPU(x)
	if err != nil {
		return nil, err
	}
	patches := p.Data()
	dk := l.weight("depthwise_kernel").Data()
	mid := inC * dm
	depthwise := make([]float32, np*mid)
	for c := 0; c < inC; c++ {
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: np, Cols: win, Stride: inC * win, Data: patches[c*win:]},
			blas32.General{Rows: win, Cols: dm, Stride: mid, Data: dk[c*dm:]},
			0,
			blas32.General{Rows: np, Cols: dm, Stride: mid, Data: depthwise[c*dm:]})
	}

	y := make([]float32, np*f)
	var beta float32
	if l.useBias {
		bias := l.weight("bias").Data()
		for i := 0; i < np; i++ {
			copy(y[i*f:(i+1)*f], bias)
		}
		beta = 1
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: np, Cols: mid, Stride: mid, Data: depthwise},
		blas32.General{Rows: mid, Cols: f, Stride: f, Data: l.weight("pointwise_kernel").Data()},
		beta,
		blas32.General{Rows: np, Cols: f, Stride: f, Data: y})

	out, err := tensor.New([]int{np, f}, y)
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
	} else if out, err = out.Reshape(l.outputShape(g, f)); err != nil {
		return nil, err
	}
	return activate(&l.base, l.act, l.act.DefaultAlpha(), out)
}

// callGPU multiplies the [patches*channels, window] patch matrix with the
// whole depthwise kernel and keeps the diagonal blocks, where channel c of a
// patch meets the filters of channel c.
func (l *SeparableConv) callGPU(x *tensor.Tensor) (*tensor.Tensor, error) {
	g := l.geom
	np, win, inC, dm, f := g.patches(), g.window(), g.in.c, l.depthMult, l.filters
	mid := inC * dm
	r := l.resources(shapeKey(x))
	d, err := r.input("x", x)
	if err != nil {
		return nil, err
	}

	cm := l.channelPatches()
	perChannel := &gatherMap{shape: []int{np * inC, win}, index: cm.index}
	patches, err := r.output("patches", perChannel.shape, tensor.PlaceRows)
	if err != nil {
		return nil, err
	}
	if err := perChannel.applyGPU(r, "im2col", patches, d); err != nil {
		return nil, err
	}

	full, err := r.output("depthwise_full", []int{np * inC, mid}, tensor.PlaceRows)
	if err != nil {
		return nil, err
	}
	if err := matmulWeights(r, &l.base, patches, full, np*inC, win, mid, "depthwise_kernel", ""); err != nil {
		return nil, err
	}

	depthwise, err := r.output("depthwise", []int{np, mid}, tensor.PlaceRows)
	if err != nil {
		return nil, err
	}
	diag, _ := l.diag.get(l.geomKey, func() (*gatherMap, error) {
		m := &gatherMap{shape: []int{np, mid}, index: make([]int32, np*mid)}
		for p := 0; p < np; p++ {
			for c := 0; c < inC; c++ {
				for k := 0; k < dm; k++ {
					m.index[p*mid+c*dm+k] = int32((p*inC+c)*mid + c*dm + k)
				}
			}
		}
		return m, nil
	})
	if err := diag.applyGPU(r, "diagonal", depthwise, full); err != nil {
		return nil, err
	}

	var mm *tensor.Tensor
	if l.chFirst {
		mm, err = r.output("mm", []int{np, f}, tensor.PlaceRows)
	} else {
		mm, err = r.output("out", l.outputShape(g, f), tensor.PlaceRows)
	}
	if err != nil {
		return nil, err
	}
	if err := matmulWeights(r, &l.base, depthwise, mm, np, mid, f, "pointwise_kernel", biasName(l.useBias)); err != nil {
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

package layers

import (
	"strings"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// TimeDistributed applies one inner layer to every slice along the first
// axis and stacks the results. Weights are those of the inner layer, named
// "<wrapper name>/<param>" in the archive.
//
// The inner layer runs on the wrapper's backend, one step at a time; every
// step result is read back and the stacked output is a host tensor.
type TimeDistributed struct {
	base
	inner Layer
}

func newTimeDistributed(name string, c TimeDistributedConfig) (*TimeDistributed, error) {
	if c.Inner == nil {
		return nil, errdefs.Configf("TimeDistributed without a layer")
	}
	innerName := c.InnerName
	if innerName == "" {
		innerName = strings.ToLower(c.Inner.layerKind().String())
	}
	inner, err := New(innerName, c.Inner)
	if err != nil {
		return nil, err
	}
	if inner.Stateful() {
		return nil, errdefs.Unsupportedf("stateful %s inside TimeDistributed", inner.Kind())
	}
	return &TimeDistributed{base: newBase(name, KindTimeDistributed, inner.Params()...), inner: inner}, nil
}

// Inner is the wrapped layer.
func (l *TimeDistributed) Inner() Layer { return l.inner }

func (l *TimeDistributed) SetWeights(ws map[string]*tensor.Tensor) error {
	if err := l.base.SetWeights(ws); err != nil {
		return err
	}
	if len(l.params) == 0 {
		return nil
	}
	return l.wrap(l.inner.SetWeights(l.weights))
}

func (l *TimeDistributed) SetBackend(b device.Backend) {
	l.base.SetBackend(b)
	l.inner.SetBackend(b)
}

func (l *TimeDistributed) Release() {
	l.base.Release()
	l.inner.Release()
}

func (l *TimeDistributed) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := unary(inputs)
	if err != nil {
		return nil, l.wrap(err)
	}
	out, err := l.call(x)
	return out, l.wrap(err)
}

func (l *TimeDistributed) call(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.LogicalShape()
	if len(shape) < 2 {
		return nil, errdefs.Shapef("expected [steps, ...], got %v", shape)
	}
	h, err := host(x)
	if err != nil {
		return nil, err
	}
	steps, step := shape[0], append([]int(nil), shape[1:]...)
	n, err := tensor.Size(step)
	if err != nil {
		return nil, err
	}

	var out []float32
	var outStep []int
	for t := 0; t < steps; t++ {
		xt, err := tensor.FromSlice(step, h.Data()[t*n:(t+1)*n])
		if err != nil {
			return nil, err
		}
		yt, err := l.inner.Call([]*tensor.Tensor{xt})
		if err != nil {
			return nil, err
		}
		yh, err := host(yt)
		if err != nil {
			return nil, err
		}
		if t == 0 {
			outStep = append([]int(nil), yt.LogicalShape()...)
			out = make([]float32, 0, steps*yh.Len())
		} else if !tensor.EqualShapes(outStep, yt.LogicalShape()) {
			return nil, errdefs.Shapef("step %d gave %v, step 0 gave %v", t, yt.LogicalShape(), outStep)
		}
		out = append(out, yh.Data()...)
	}
	return tensor.New(append([]int{steps}, outStep...), out)
}

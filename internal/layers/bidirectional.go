package layers

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// Bidirectional runs a recurrent layer forwards and a copy of it backwards
// over the same sequence and merges both results. With returned sequences
// the backward result is flipped in time so both line up by input step.
type Bidirectional struct {
	base
	mode     string
	forward  *Recurrent
	backward *Recurrent

	mapKey  string
	concat  *gatherMap
	reverse *gatherMap
}

func newBidirectional(name string, c BidirectionalConfig) (*Bidirectional, error) {
	mode := c.MergeMode
	if mode == "" {
		mode = "concat"
	}
	switch mode {
	case "concat", "sum", "mul", "ave":
	default:
		return nil, errdefs.Unsupportedf("merge_mode %q", c.MergeMode)
	}
	inner := c.InnerName
	if inner == "" {
		inner = strings.ToLower(c.Inner.Kind.String())
	}
	fwd, err := newRecurrent("forward_"+inner, c.Inner)
	if err != nil {
		return nil, err
	}
	bc := c.Inner
	bc.GoBackwards = !bc.GoBackwards
	bwd, err := newRecurrent("backward_"+inner, bc)
	if err != nil {
		return nil, err
	}
	var params []string
	for _, l := range []*Recurrent{fwd, bwd} {
		for _, p := range l.Params() {
			params = append(params, l.Name()+"/"+p)
		}
	}
	return &Bidirectional{base: newBase(name, KindBidirectional, params...), mode: mode, forward: fwd, backward: bwd}, nil
}

func (l *Bidirectional) Stateful() bool { return l.forward.stateful }

func (l *Bidirectional) SetWeights(ws map[string]*tensor.Tensor) error {
	if err := l.base.SetWeights(ws); err != nil {
		return err
	}
	for _, in := range []*Recurrent{l.forward, l.backward} {
		sub := make(map[string]*tensor.Tensor)
		for _, p := range in.Params() {
			sub[p] = ws[in.Name()+"/"+p]
		}
		if err := in.SetWeights(sub); err != nil {
			return l.wrap(err)
		}
	}
	return nil
}

func (l *Bidirectional) SetBackend(b device.Backend) {
	l.base.SetBackend(b)
	l.forward.SetBackend(b)
	l.backward.SetBackend(b)
}

func (l *Bidirectional) Release() {
	l.base.Release()
	l.forward.Release()
	l.backward.Release()
}

// ResetStates resets both directions.
func (l *Bidirectional) ResetStates() {
	l.forward.ResetStates()
	l.backward.ResetStates()
}

func (l *Bidirectional) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := unary(inputs)
	if err != nil {
		return nil, l.wrap(err)
	}
	out, err := l.call(x)
	return out, l.wrap(err)
}

// maps builds the gathers that flip the backward result in time and, for
// concat, join both results along the last axis.
func (l *Bidirectional) maps(shape []int) {
	key := fmt.Sprint(shape)
	if key == l.mapKey {
		return
	}
	steps, u := 1, shape[len(shape)-1]
	if len(shape) == 2 {
		steps = shape[0]
	}
	back := func(t int) int {
		if len(shape) == 2 {
			return steps - 1 - t
		}
		return t
	}
	l.reverse = identityMap(shape)
	l.concat = &gatherMap{
		shape:  append(append([]int(nil), shape[:len(shape)-1]...), 2*u),
		index:  make([]int32, steps*2*u),
		source: make([]int32, steps*2*u),
	}
	for t := 0; t < steps; t++ {
		for j := 0; j < u; j++ {
			l.reverse.index[t*u+j] = int32(back(t)*u + j)
			l.concat.index[t*2*u+j] = int32(t*u + j)
			l.concat.index[t*2*u+u+j] = int32(back(t)*u + j)
			l.concat.source[t*2*u+u+j] = 1
		}
	}
	l.mapKey = key
}

func (l *Bidirectional) call(x *tensor.Tensor) (*tensor.Tensor, error) {
	f, err := l.forward.Call([]*tensor.Tensor{x})
	if err != nil {
		return nil, err
	}
	b, err := l.backward.Call([]*tensor.Tensor{x})
	if err != nil {
		return nil, err
	}
	l.maps(f.LogicalShape())

	if !l.gpu() {
		if l.mode == "concat" {
			return l.concat.applyCPU(f, b)
		}
		rb, err := l.reverse.applyCPU(b)
		if err != nil {
			return nil, err
		}
		fd, bd := f.Data(), rb.Data()
		for i := range fd {
			switch l.mode {
			case "sum":
				fd[i] += bd[i]
			case "mul":
				fd[i] *= bd[i]
			case "ave":
				fd[i] = (fd[i] + bd[i]) / 2
			}
		}
		return f, nil
	}

	r := l.resources(shapeKey(f))
	if l.mode == "concat" {
		out, err := r.output("out", l.concat.shape, tensor.PlaceRows)
		if err != nil {
			return nil, err
		}
		if err := l.concat.applyGPU(r, "concat", out, f, b); err != nil {
			return nil, err
		}
		return out, nil
	}
	rb, err := r.outputLike("reversed", f)
	if err != nil {
		return nil, err
	}
	if err := l.reverse.applyGPU(r, "reverse", rb, b); err != nil {
		return nil, err
	}
	op := map[string]string{"sum": "add", "mul": "mul", "ave": "add"}[l.mode]
	out, err := r.outputLike("out", f)
	if err != nil {
		return nil, err
	}
	if err := r.run(device.Source(device.ProgramMerge, op), out, []device.Binding{bind("a", f), bind("b", rb)}); err != nil {
		return nil, err
	}
	if l.mode != "ave" {
		return out, nil
	}
	avg, err := r.outputLike("average", out)
	if err != nil {
		return nil, err
	}
	if err := r.run(device.ProgramScale, avg, []device.Binding{bind("x", out)}, device.Float("factor", 0.5)); err != nil {
		return nil, err
	}
	return avg, nil
}

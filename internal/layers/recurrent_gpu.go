package layers

import (
	"fmt"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// cellChain holds the device tensors of one recurrent call. Each timestep
// is a fixed chain of dispatches; new state is written into the next
// buffers and copied back so no program reads the texture it writes.
type cellChain struct {
	l     *Recurrent
	r     *resources
	xw    []*tensor.Tensor // [steps, units] input projection per gate
	xwt   []*tensor.Tensor
	hu    []*tensor.Tensor
	pre   []*tensor.Tensor
	gate  []*tensor.Tensor
	rh    *tensor.Tensor
	h, c  *tensor.Tensor
	hNext *tensor.Tensor
	cNext *tensor.Tensor
	cAct  *tensor.Tensor
}

func (l *Recurrent) callGPU(x *tensor.Tensor, steps int) (*tensor.Tensor, error) {
	r := l.resources(shapeKey(x))
	d, err := r.rows("x", x)
	if err != nil {
		return nil, err
	}
	ch, err := l.chain(r, d, steps)
	if err != nil {
		return nil, err
	}

	var seq [2]*tensor.Tensor
	if l.returnSeq {
		for i := range seq {
			if seq[i], err = r.output(fmt.Sprintf("seq/%d", i), l.outShape(steps), tensor.PlaceRows); err != nil {
				return nil, err
			}
		}
	}
	for i := 0; i < steps; i++ {
		t := i
		if l.goBackwards {
			t = steps - 1 - i
		}
		if err := ch.step(t); err != nil {
			return nil, fmt.Errorf("timestep %d: %w", t, err)
		}
		if l.returnSeq {
			src, dst := seq[i%2], seq[(i+1)%2]
			if err := r.run(device.ProgramTimestepWrite, dst, []device.Binding{bind("x", ch.h), bind("y", src)},
				device.Int("index", i)); err != nil {
				return nil, err
			}
		}
	}
	if l.returnSeq {
		return seq[steps%2], nil
	}
	out, err := r.output("out", l.outShape(steps), tensor.PlaceRows)
	if err != nil {
		return nil, err
	}
	if err := r.run(device.ProgramCopy, out, []device.Binding{bind("source", ch.h)}); err != nil {
		return nil, err
	}
	return out, nil
}

// chain allocates the per-call tensors and projects the whole input
// sequence through every gate kernel with one matmul per gate.
func (l *Recurrent) chain(r *resources, x *tensor.Tensor, steps int) (*cellChain, error) {
	u, f := l.units, l.features
	ch := &cellChain{l: l, r: r}
	row := []int{1, u}
	alloc := func(name string, shape []int) (*tensor.Tensor, error) {
		return r.output(name, shape, tensor.PlaceRows)
	}
	var err error
	for g := 0; g < l.gates; g++ {
		w, err := r.constant(fmt.Sprintf("kernel/%d", g), []int{f, u}, l.w[g])
		if err != nil {
			return nil, err
		}
		b, err := r.constant(fmt.Sprintf("bias/%d", g), row, l.b[g])
		if err != nil {
			return nil, err
		}
		xw, err := alloc(fmt.Sprintf("xw/%d", g), []int{steps, u})
		if err != nil {
			return nil, err
		}
		if err := r.run(device.ProgramMatMul, xw, []device.Binding{bind("A", x), bind("B", w), bind("C", b)},
			device.Int("M", steps), device.Int("K", f), device.Int("N", u), device.Bool("addC", true)); err != nil {
			return nil, err
		}
		ch.xw = append(ch.xw, xw)
		for _, slot := range []struct {
			name string
			dst  *[]*tensor.Tensor
		}{{"xwt", &ch.xwt}, {"hu", &ch.hu}, {"pre", &ch.pre}, {"gate", &ch.gate}} {
			t, err := alloc(fmt.Sprintf("%s/%d", slot.name, g), row)
			if err != nil {
				return nil, err
			}
			*slot.dst = append(*slot.dst, t)
		}
	}
	if ch.hNext, err = alloc("h_next", row); err != nil {
		return nil, err
	}
	if l.kind == KindGRU {
		if ch.rh, err = alloc("rh", row); err != nil {
			return nil, err
		}
	}
	if l.kind == KindLSTM {
		if ch.cNext, err = alloc("c_next", row); err != nil {
			return nil, err
		}
		if ch.cAct, err = alloc("c_act", row); err != nil {
			return nil, err
		}
		if ch.c, err = l.state(r, "c"); err != nil {
			return nil, err
		}
	}
	if ch.h, err = l.state(r, "h"); err != nil {
		return nil, err
	}
	return ch, nil
}

// state returns the state tensor name. Stateful layers keep it across calls
// and input shapes; the others start every call from zeros.
func (l *Recurrent) state(r *resources, name string) (*tensor.Tensor, error) {
	t, ok := r.state[name]
	if !ok {
		var err error
		if t, err = tensor.NewOnDevice(r.backend, []int{1, l.units}, tensor.PlaceRows); err != nil {
			return nil, err
		}
		r.state[name] = t
		return t, nil
	}
	if !l.stateful {
		if err := t.WriteLogical(make([]float32, l.units)); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// gateAt computes act(xw_g[t] + h*U_g) into ch.gate[g]; h defaults to the
// hidden state.
func (ch *cellChain) gateAt(g, t int, h *tensor.Tensor, act device.ActivationType) error {
	l, r, u := ch.l, ch.r, ch.l.units
	if h == nil {
		h = ch.h
	}
	if err := r.run(device.ProgramTimestepRead, ch.xwt[g], []device.Binding{bind("x", ch.xw[g])}, device.Int("index", t)); err != nil {
		return err
	}
	uk, err := r.constant(fmt.Sprintf("recurrent_kernel/%d", g), []int{u, u}, l.u[g])
	if err != nil {
		return err
	}
	if err := r.run(device.ProgramMatMul, ch.hu[g], []device.Binding{bind("A", h), bind("B", uk)},
		device.Int("M", 1), device.Int("K", u), device.Int("N", u)); err != nil {
		return err
	}
	if err := r.run(device.ProgramGateSum, ch.pre[g], []device.Binding{bind("t1", ch.xwt[g]), bind("t2", ch.hu[g])}); err != nil {
		return err
	}
	return r.run(device.Source(device.ProgramActivation, act.String()), ch.gate[g], []device.Binding{bind("x", ch.pre[g])},
		device.Float("alpha", act.DefaultAlpha()))
}

func (ch *cellChain) step(t int) error {
	l, r := ch.l, ch.r
	switch l.kind {
	case KindSimpleRNN:
		if err := ch.gateAt(0, t, nil, l.act); err != nil {
			return err
		}
		return r.run(device.ProgramCopy, ch.h, []device.Binding{bind("source", ch.gate[0])})

	case KindGRU:
		for g := 0; g < 2; g++ {
			if err := ch.gateAt(g, t, nil, l.recAct); err != nil {
				return err
			}
		}
		if err := r.run(device.ProgramGateProduct, ch.rh, []device.Binding{bind("t1", ch.gate[1]), bind("t2", ch.h)}); err != nil {
			return err
		}
		if err := ch.gateAt(2, t, ch.rh, l.act); err != nil {
			return err
		}
		if err := r.run(device.ProgramGRUUpdate, ch.hNext,
			[]device.Binding{bind("h", ch.gate[2]), bind("htm1", ch.h), bind("z", ch.gate[0])}); err != nil {
			return err
		}

	case KindLSTM:
		for g, act := range []device.ActivationType{l.recAct, l.recAct, l.act, l.recAct} {
			if err := ch.gateAt(g, t, nil, act); err != nil {
				return err
			}
		}
		if err := r.run(device.ProgramLSTMState, ch.cNext,
			[]device.Binding{bind("c", ch.gate[2]), bind("ctm1", ch.c), bind("i", ch.gate[0]), bind("f", ch.gate[1])}); err != nil {
			return err
		}
		if err := r.run(device.ProgramCopy, ch.c, []device.Binding{bind("source", ch.cNext)}); err != nil {
			return err
		}
		if err := r.run(device.Source(device.ProgramActivation, l.act.String()), ch.cAct, []device.Binding{bind("x", ch.c)},
			device.Float("alpha", l.act.DefaultAlpha())); err != nil {
			return err
		}
		if err := r.run(device.ProgramGateProduct, ch.hNext, []device.Binding{bind("t1", ch.gate[3]), bind("t2", ch.cAct)}); err != nil {
			return err
		}
	}
	return r.run(device.ProgramCopy, ch.h, []device.Binding{bind("source", ch.hNext)})
}

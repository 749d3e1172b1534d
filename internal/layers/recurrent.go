package layers

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// Recurrent runs SimpleRNN, GRU and LSTM cells over a [timesteps, features]
// sequence. Gate order in the concatenated Keras weights is z, r, h for GRU
// and i, f, c, o for LSTM.
type Recurrent struct {
	base
	units       int
	act         device.ActivationType
	recAct      device.ActivationType
	useBias     bool
	returnSeq   bool
	goBackwards bool
	stateful    bool

	gates    int
	features int
	// w, u and b hold the per-gate slices of kernel, recurrent_kernel and
	// bias, split once when weights are attached.
	w, u, b [][]float32

	h, c []float32
}

func gateCount(k Kind) int {
	switch k {
	case KindGRU:
		return 3
	case KindLSTM:
		return 4
	}
	return 1
}

func newRecurrent(name string, c RecurrentConfig) (*Recurrent, error) {
	if c.Units <= 0 {
		return nil, errdefs.Configf("units %d", c.Units)
	}
	if c.Activation == "" {
		c.Activation = "tanh"
	}
	if c.RecurrentActivation == "" {
		c.RecurrentActivation = "hard_sigmoid"
	}
	act, err := device.ParseActivation(c.Activation)
	if err != nil {
		return nil, errdefs.Configf("%v", err)
	}
	recAct, err := device.ParseActivation(c.RecurrentActivation)
	if err != nil {
		return nil, errdefs.Configf("%v", err)
	}
	l := &Recurrent{
		units:       c.Units,
		act:         act,
		recAct:      recAct,
		useBias:     boolOr(c.UseBias, true),
		returnSeq:   c.ReturnSequences,
		goBackwards: c.GoBackwards,
		stateful:    c.Stateful,
		gates:       gateCount(c.Kind),
	}
	params := []string{"kernel", "recurrent_kernel"}
	if l.useBias {
		params = append(params, "bias")
	}
	l.base = newBase(name, c.Kind, params...)
	return l, nil
}

func (l *Recurrent) Stateful() bool { return l.stateful }

// ResetStates zeroes the hidden and cell state of a stateful layer.
func (l *Recurrent) ResetStates() {
	clear(l.h)
	clear(l.c)
	if l.res != nil {
		releaseAll(l.res.state)
	}
}

func (l *Recurrent) SetWeights(ws map[string]*tensor.Tensor) error {
	if err := l.base.SetWeights(ws); err != nil {
		return err
	}
	return l.wrap(l.split())
}

func (l *Recurrent) split() error {
	u, g := l.units, l.gates
	ks := l.weight("kernel").LogicalShape()
	if len(ks) != 2 || ks[1] != g*u {
		return errdefs.Shapef("kernel %v for %d gates of %d units", ks, g, u)
	}
	rs := l.weight("recurrent_kernel").LogicalShape()
	if len(rs) != 2 || rs[0] != u || rs[1] != g*u {
		return errdefs.Shapef("recurrent kernel %v for %d gates of %d units", rs, g, u)
	}
	l.features = ks[0]
	l.w = splitColumns(l.weight("kernel").Data(), ks[0], g, u)
	l.u = splitColumns(l.weight("recurrent_kernel").Data(), u, g, u)
	l.b = make([][]float32, g)
	if l.useBias {
		bias := l.weight("bias").Data()
		if len(bias) != g*u {
			return errdefs.Unsupportedf("bias of %d values for %d gates of %d units", len(bias), g, u)
		}
		for i := range l.b {
			l.b[i] = bias[i*u : (i+1)*u]
		}
	} else {
		for i := range l.b {
			l.b[i] = make([]float32, u)
		}
	}
	return nil
}

// splitColumns cuts a [rows, gates*units] matrix into gates [rows, units]
// matrices.
func splitColumns(m []float32, rows, gates, units int) [][]float32 {
	out := make([][]float32, gates)
	for g := range out {
		out[g] = make([]float32, rows*units)
		for r := 0; r < rows; r++ {
			copy(out[g][r*units:(r+1)*units], m[r*gates*units+g*units:])
		}
	}
	return out
}

func (l *Recurrent) outShape(steps int) []int {
	if l.returnSeq {
		return []int{steps, l.units}
	}
	return []int{l.units}
}

func (l *Recurrent) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := unary(inputs)
	if err != nil {
		return nil, l.wrap(err)
	}
	out, err := l.call(x)
	return out, l.wrap(err)
}

func (l *Recurrent) call(x *tensor.Tensor) (*tensor.Tensor, error) {
	if l.w == nil {
		return nil, errdefs.MissingWeightf("weights not attached")
	}
	shape, err := dims(x, 2)
	if err != nil {
		return nil, err
	}
	if shape[0] == 0 || shape[1] != l.features {
		return nil, errdefs.Shapef("input %v for %d features", shape, l.features)
	}
	if l.gpu() {
		return l.callGPU(x, shape[0])
	}

	hx, err := host(x)
	if err != nil {
		return nil, err
	}
	steps, f, u := shape[0], shape[1], l.units
	if l.h == nil || !l.stateful {
		l.h = make([]float32, u)
		l.c = make([]float32, u)
	}
	s := newScratch(l.gates, u)
	var seq []float32
	if l.returnSeq {
		seq = make([]float32, steps*u)
	}
	data := hx.Data()
	// The sequence is written at the loop index; goBackwards only reverses
	// the read order.
	for i := 0; i < steps; i++ {
		t := i
		if l.goBackwards {
			t = steps - 1 - i
		}
		l.step(data[t*f:(t+1)*f], s)
		if seq != nil {
			copy(seq[i*u:(i+1)*u], l.h)
		}
	}
	if seq != nil {
		return tensor.New(l.outShape(steps), seq)
	}
	return tensor.FromSlice(l.outShape(steps), l.h)
}

type scratch struct {
	gate [][]float32
	rh   []float32
}

func newScratch(gates, units int) *scratch {
	s := &scratch{gate: make([][]float32, gates), rh: make([]float32, units)}
	for i := range s.gate {
		s.gate[i] = make([]float32, units)
	}
	return s
}

// preactivate writes x*W_g + h*U_g + b_g into dst.
func (l *Recurrent) preactivate(g int, x, h, dst []float32) {
	f, u := l.features, l.units
	copy(dst, l.b[g])
	blas32.Gemv(blas.Trans, 1, blas32.General{Rows: f, Cols: u, Stride: u, Data: l.w[g]},
		blas32.Vector{N: f, Inc: 1, Data: x}, 1, blas32.Vector{N: u, Inc: 1, Data: dst})
	blas32.Gemv(blas.Trans, 1, blas32.General{Rows: u, Cols: u, Stride: u, Data: l.u[g]},
		blas32.Vector{N: u, Inc: 1, Data: h}, 1, blas32.Vector{N: u, Inc: 1, Data: dst})
}

func (l *Recurrent) step(x []float32, s *scratch) {
	u := l.units
	ra, aa := l.recAct.DefaultAlpha(), l.act.DefaultAlpha()
	switch l.kind {
	case KindSimpleRNN:
		l.preactivate(0, x, l.h, s.gate[0])
		l.act.Apply(s.gate[0], u, aa)
		copy(l.h, s.gate[0])

	case KindGRU:
		z, r, hh := s.gate[0], s.gate[1], s.gate[2]
		l.preactivate(0, x, l.h, z)
		l.recAct.Apply(z, u, ra)
		l.preactivate(1, x, l.h, r)
		l.recAct.Apply(r, u, ra)
		for j := range s.rh {
			s.rh[j] = r[j] * l.h[j]
		}
		l.preactivate(2, x, s.rh, hh)
		l.act.Apply(hh, u, aa)
		for j := range l.h {
			l.h[j] = hh[j]*(1-z[j]) + l.h[j]*z[j]
		}

	case KindLSTM:
		i, f, g, o := s.gate[0], s.gate[1], s.gate[2], s.gate[3]
		l.preactivate(0, x, l.h, i)
		l.recAct.Apply(i, u, ra)
		l.preactivate(1, x, l.h, f)
		l.recAct.Apply(f, u, ra)
		l.preactivate(2, x, l.h, g)
		l.act.Apply(g, u, aa)
		l.preactivate(3, x, l.h, o)
		l.recAct.Apply(o, u, ra)
		for j := range l.c {
			l.c[j] = g[j]*i[j] + l.c[j]*f[j]
		}
		copy(l.h, l.c)
		l.act.Apply(l.h, u, aa)
		for j := range l.h {
			l.h[j] *= o[j]
		}
	}
}

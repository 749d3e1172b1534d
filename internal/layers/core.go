package layers

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// Input is the entry node of a graph. It takes ownership of the tensor the
// graph built from the caller's values.
type Input struct {
	base
	shape []int
}

func newInput(name string, shape []int) *Input {
	return &Input{base: newBase(name, KindInput), shape: shape}
}

// Shape is the expected example shape.
func (l *Input) Shape() []int { return l.shape }

func (l *Input) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := unary(inputs)
	if err != nil {
		return nil, l.wrap(err)
	}
	if !tensor.EqualShapes(x.LogicalShape(), l.shape) {
		return nil, l.wrap(errdefs.Shapef("input shape %v, want %v", x.LogicalShape(), l.shape))
	}
	if !l.gpu() {
		return x, nil
	}
	d, err := l.resources(shapeKey(x)).input("x", x)
	return d, l.wrap(err)
}

// activate applies act to a layer result. On the CPU y is owned and changed
// in place; on the GPU the result is a new cached tensor.
func activate(b *base, act device.ActivationType, alpha float32, y *tensor.Tensor) (*tensor.Tensor, error) {
	if act == device.ActivationLinear {
		return y, nil
	}
	if !b.gpu() {
		activateHost(act, alpha, y)
		return y, nil
	}
	r := b.res
	x := y
	if act == device.ActivationSoftmax {
		var err error
		if x, err = r.rows("act_in", y); err != nil {
			return nil, err
		}
	}
	out, err := r.outputLike("act", x)
	if err != nil {
		return nil, err
	}
	if err := r.run(device.Source(device.ProgramActivation, act.String()), out, []device.Binding{bind("x", x)},
		device.Float("alpha", alpha)); err != nil {
		return nil, err
	}
	return out, nil
}

// activateHost applies act in place to an owned host tensor.
func activateHost(act device.ActivationType, alpha float32, y *tensor.Tensor) {
	if act == device.ActivationLinear {
		return
	}
	shape := y.Shape()
	act.Apply(y.Data(), shape[len(shape)-1], alpha)
}

// Dense is a fully connected layer over the last axis.
type Dense struct {
	base
	units   int
	act     device.ActivationType
	useBias bool
}

func newDense(name string, c DenseConfig) (*Dense, error) {
	if c.Units <= 0 {
		return nil, errdefs.Configf("units %d", c.Units)
	}
	act, err := device.ParseActivation(c.Activation)
	if err != nil {
		return nil, errdefs.Configf("%v", err)
	}
	l := &Dense{units: c.Units, act: act, useBias: boolOr(c.UseBias, true)}
	params := []string{"kernel"}
	if l.useBias {
		params = append(params, "bias")
	}
	l.base = newBase(name, KindDense, params...)
	return l, nil
}

func (l *Dense) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := unary(inputs)
	if err != nil {
		return nil, l.wrap(err)
	}
	out, err := l.call(x)
	return out, l.wrap(err)
}

func (l *Dense) call(x *tensor.Tensor) (*tensor.Tensor, error) {
	kernel := l.weight("kernel")
	ks := kernel.LogicalShape()
	in := x.LogicalShape()
	if len(ks) != 2 || ks[1] != l.units || in[len(in)-1] != ks[0] {
		return nil, errdefs.Shapef("input %v against kernel %v", in, ks)
	}
	outShape := append(append([]int(nil), in[:len(in)-1]...), l.units)
	rows := 1
	for _, d := range in[:len(in)-1] {
		rows *= d
	}

	if l.gpu() {
		return l.callGPU(x, outShape, ks)
	}

	h, err := host(x)
	if err != nil {
		return nil, err
	}
	y := make([]float32, rows*l.units)
	var beta float32
	if l.useBias {
		bias := l.weight("bias").Data()
		for r := 0; r < rows; r++ {
			copy(y[r*l.units:], bias)
		}
		beta = 1
	}
	w := blas32.General{Rows: ks[0], Cols: ks[1], Stride: ks[1], Data: kernel.Data()}
	if rows == 1 {
		blas32.Gemv(blas.Trans, 1, w, blas32.Vector{N: ks[0], Inc: 1, Data: h.Data()}, beta,
			blas32.Vector{N: l.units, Inc: 1, Data: y})
	} else {
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: rows, Cols: ks[0], Stride: ks[0], Data: h.Data()}, w, beta,
			blas32.General{Rows: rows, Cols: l.units, Stride: l.units, Data: y})
	}
	out, err := tensor.New(outShape, y)
	if err != nil {
		return nil, err
	}
	return activate(&l.base, l.act, l.act.DefaultAlpha(), out)
}

func (l *Dense) callGPU(x *tensor.Tensor, outShape, ks []int) (*tensor.Tensor, error) {
	r := l.resources(shapeKey(x))
	a, err := r.rows("x", x)
	if err != nil {
		return nil, err
	}
	out, err := r.output("out", outShape, tensor.PlaceRows)
	if err != nil {
		return nil, err
	}
	if err := matmulWeights(r, &l.base, a, out, a.PhysicalShape()[0], ks[0], l.units, "kernel", biasName(l.useBias)); err != nil {
		return nil, err
	}
	return activate(&l.base, l.act, l.act.DefaultAlpha(), out)
}

// Activation covers Activation and the advanced activation layers, which
// differ only in their fixed function and alpha.
type Activation struct {
	base
	act   device.ActivationType
	alpha float32
}

func newActivation(name string, kind Kind, act device.ActivationType, alpha float32) *Activation {
	return &Activation{base: newBase(name, kind), act: act, alpha: alpha}
}

func (l *Activation) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := unary(inputs)
	if err != nil {
		return nil, l.wrap(err)
	}
	if l.gpu() {
		r := l.resources(shapeKey(x))
		d, err := r.input("x", x)
		if err != nil {
			return nil, l.wrap(err)
		}
		out, err := activate(&l.base, l.act, l.alpha, d)
		return out, l.wrap(err)
	}
	y, err := ownedCopy(x)
	if err != nil {
		return nil, l.wrap(err)
	}
	out, err := activate(&l.base, l.act, l.alpha, y)
	return out, l.wrap(err)
}

// ownedCopy returns a natural-layout host copy of a borrowed tensor.
func ownedCopy(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := host(x)
	if err != nil {
		return nil, err
	}
	return tensor.FromSlice(h.Shape(), h.Data())
}

// Identity passes its borrowed input through: dropout and noise layers at
// inference time.
type Identity struct {
	base
}

func (l *Identity) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := unary(inputs)
	return x, l.wrap(err)
}

// BatchNorm applies inference-time batch normalization with the moving
// statistics, folded into one scale and shift per channel.
type BatchNorm struct {
	base
	axis          int
	epsilon       float32
	center, scale bool

	folded   bool
	mul, add []float32
}

func newBatchNorm(name string, c BatchNormConfig) *BatchNorm {
	l := &BatchNorm{
		axis:    -1,
		epsilon: floatOr(c.Epsilon, 1e-3),
		center:  boolOr(c.Center, true),
		scale:   boolOr(c.Scale, true),
	}
	if c.Axis != nil {
		l.axis = *c.Axis
	}
	var params []string
	if l.scale {
		params = append(params, "gamma")
	}
	if l.center {
		params = append(params, "beta")
	}
	params = append(params, "moving_mean", "moving_variance")
	l.base = newBase(name, KindBatchNormalization, params...)
	return l
}

func (l *BatchNorm) fold() error {
	if l.folded {
		return nil
	}
	mean := l.weight("moving_mean").Data()
	variance := l.weight("moving_variance").Data()
	n := len(mean)
	if len(variance) != n {
		return errdefs.Shapef("moving_mean %d and moving_variance %d", n, len(variance))
	}
	l.mul = make([]float32, n)
	l.add = make([]float32, n)
	for i := range mean {
		g := float32(1)
		if l.scale {
			g = l.weight("gamma").Data()[i]
		}
		var b float32
		if l.center {
			b = l.weight("beta").Data()[i]
		}
		s := g / float32(math.Sqrt(float64(variance[i]+l.epsilon)))
		l.mul[i] = s
		l.add[i] = b - mean[i]*s
	}
	l.folded = true
	return nil
}

func (l *BatchNorm) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := unary(inputs)
	if err != nil {
		return nil, l.wrap(err)
	}
	out, err := l.call(x)
	return out, l.wrap(err)
}

func (l *BatchNorm) call(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := l.fold(); err != nil {
		return nil, err
	}
	shape := x.LogicalShape()
	axis, err := kerasAxis(l.axis, len(shape))
	if err != nil {
		return nil, err
	}
	if shape[axis] != len(l.mul) {
		return nil, errdefs.Shapef("input %v has %d channels on axis %d, statistics %d", shape, shape[axis], axis, len(l.mul))
	}
	inner := 1
	for _, d := range shape[axis+1:] {
		inner *= d
	}
	channel := func(i int) int { return (i / inner) % shape[axis] }

	if !l.gpu() {
		y, err := ownedCopy(x)
		if err != nil {
			return nil, err
		}
		data := y.Data()
		for i, v := range data {
			c := channel(i)
			data[i] = v*l.mul[c] + l.add[c]
		}
		return y, nil
	}

	r := l.resources(shapeKey(x))
	if axis == len(shape)-1 {
		d, err := r.rows("x", x)
		if err != nil {
			return nil, err
		}
		mul, err := r.constant("scale", []int{1, len(l.mul)}, l.mul)
		if err != nil {
			return nil, err
		}
		add, err := r.constant("shift", []int{1, len(l.add)}, l.add)
		if err != nil {
			return nil, err
		}
		out, err := r.outputLike("out", d)
		if err != nil {
			return nil, err
		}
		return out, r.run(device.ProgramAffine, out, []device.Binding{bind("x", d), bind("scale", mul), bind("shift", add)})
	}

	// Other axes: per-cell scale and shift tensors in the layout of x.
	d, err := r.input("x", x)
	if err != nil {
		return nil, err
	}
	cells, err := tensor.Size(shape)
	if err != nil {
		return nil, err
	}
	expand := func(name string, per []float32) (*tensor.Tensor, error) {
		if t, ok := r.shaped[name]; ok {
			return t, nil
		}
		t, err := r.outputLike(name, d)
		if err != nil {
			return nil, err
		}
		vals := make([]float32, cells)
		for i := range vals {
			vals[i] = per[channel(i)]
		}
		return t, t.WriteLogical(vals)
	}
	mul, err := expand("scale", l.mul)
	if err != nil {
		return nil, err
	}
	add, err := expand("shift", l.add)
	if err != nil {
		return nil, err
	}
	tmp, err := r.outputLike("scaled", d)
	if err != nil {
		return nil, err
	}
	if err := r.run(device.Source(device.ProgramMerge, "mul"), tmp, []device.Binding{bind("a", d), bind("b", mul)}); err != nil {
		return nil, err
	}
	out, err := r.outputLike("out", d)
	if err != nil {
		return nil, err
	}
	return out, r.run(device.Source(device.ProgramMerge, "add"), out, []device.Binding{bind("a", tmp), bind("b", add)})
}

// Embedding maps integer indices to rows of the embeddings table.
type Embedding struct {
	base
	inputDim, outputDim int
}

func newEmbedding(name string, c EmbeddingConfig) (*Embedding, error) {
	if c.InputDim <= 0 || c.OutputDim <= 0 {
		return nil, errdefs.Configf("input_dim %d output_dim %d", c.InputDim, c.OutputDim)
	}
	return &Embedding{base: newBase(name, KindEmbedding, "embeddings"), inputDim: c.InputDim, outputDim: c.OutputDim}, nil
}

// SetWeights checks the table is [input_dim, output_dim].
func (l *Embedding) SetWeights(ws map[string]*tensor.Tensor) error {
	if t, ok := ws["embeddings"]; ok && !tensor.EqualShapes(t.LogicalShape(), []int{l.inputDim, l.outputDim}) {
		return l.wrap(errdefs.Shapef("embeddings %v, want [%d %d]", t.LogicalShape(), l.inputDim, l.outputDim))
	}
	return l.base.SetWeights(ws)
}

func (l *Embedding) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := unary(inputs)
	if err != nil {
		return nil, l.wrap(err)
	}
	out, err := l.call(x)
	return out, l.wrap(err)
}

func (l *Embedding) call(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := host(x)
	if err != nil {
		return nil, err
	}
	ids := h.Data()
	g, err := newGatherMap([]int{len(ids), l.outputDim})
	if err != nil {
		return nil, err
	}
	for t, v := range ids {
		id := int(v)
		if float32(id) != v || id < 0 || id >= l.inputDim {
			return nil, errdefs.InvalidInputf("embedding index %v outside [0, %d)", v, l.inputDim)
		}
		for j := 0; j < l.outputDim; j++ {
			g.index[t*l.outputDim+j] = int32(id*l.outputDim + j)
		}
	}

	table := l.weight("embeddings")
	if !l.gpu() {
		return g.applyCPU(table)
	}
	// The map depends on the index values, so it is rebuilt on every call.
	r := l.resources(shapeKey(x))
	r.forget("map", 2)
	w, err := r.weight("embeddings", table, []int{l.inputDim, l.outputDim})
	if err != nil {
		return nil, err
	}
	out, err := r.output("out", g.shape, tensor.PlaceAuto)
	if err != nil {
		return nil, err
	}
	return out, g.applyGPU(r, "map", out, w)
}

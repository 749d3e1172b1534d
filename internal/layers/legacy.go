package layers

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// affineHost computes x w + bias for rows of k values against a [k, n]
// matrix. A nil bias is zero.
func affineHost(x []float32, rows, k, n int, w, bias []float32) []float32 {
	y := make([]float32, rows*n)
	var beta float32
	if bias != nil {
		for r := 0; r < rows; r++ {
			copy(y[r*n:], bias)
		}
		beta = 1
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: rows, Cols: k, Stride: k, Data: x},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: w}, beta,
		blas32.General{Rows: rows, Cols: n, Stride: n, Data: y})
	return y
}

// lastAxis splits a shape into the row count and the last axis.
func lastAxis(shape []int) (rows, last int) {
	rows = 1
	for _, d := range shape[:len(shape)-1] {
		rows *= d
	}
	return rows, shape[len(shape)-1]
}

// Highway mixes an affine transform of x with x itself through a sigmoid
// gate: t = sigmoid(x W_carry + b_carry), y = act(x W + b), out = t y + (1 - t) x.
type Highway struct {
	base
	act  device.ActivationType
	bias bool
}

func newHighway(name string, c HighwayConfig) (*Highway, error) {
	act, err := device.ParseActivation(c.Activation)
	if err != nil {
		return nil, errdefs.Configf("%v", err)
	}
	l := &Highway{act: act, bias: boolOr(c.Bias, true)}
	params := []string{"W", "W_carry"}
	if l.bias {
		params = append(params, "b", "b_carry")
	}
	l.base = newBase(name, KindHighway, params...)
	return l, nil
}

// SetWeights checks both matrices are square and both biases match them.
func (l *Highway) SetWeights(ws map[string]*tensor.Tensor) error {
	if err := l.base.SetWeights(ws); err != nil {
		return err
	}
	ks := l.weight("W").LogicalShape()
	if len(ks) != 2 || ks[0] != ks[1] {
		return l.wrap(errdefs.Shapef("W %v is not square", ks))
	}
	if cs := l.weight("W_carry").LogicalShape(); !tensor.EqualShapes(cs, ks) {
		return l.wrap(errdefs.Shapef("W_carry %v against W %v", cs, ks))
	}
	if l.bias {
		for _, p := range []string{"b", "b_carry"} {
			if bs := l.weight(p).LogicalShape(); !tensor.EqualShapes(bs, ks[1:]) {
				return l.wrap(errdefs.Shapef("%s %v against W %v", p, bs, ks))
			}
		}
	}
	return nil
}

func (l *Highway) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := unary(inputs)
	if err != nil {
		return nil, l.wrap(err)
	}
	out, err := l.call(x)
	return out, l.wrap(err)
}

func (l *Highway) biasData(name string) []float32 {
	if !l.bias {
		return nil
	}
	return l.weight(name).Data()
}

func (l *Highway) call(x *tensor.Tensor) (*tensor.Tensor, error) {
	in := x.LogicalShape()
	d := l.weight("W").LogicalShape()[0]
	if len(in) == 0 || in[len(in)-1] != d {
		return nil, errdefs.Shapef("input %v against %d units", in, d)
	}
	if l.gpu() {
		return l.callGPU(x, d)
	}

	h, err := host(x)
	if err != nil {
		return nil, err
	}
	rows, _ := lastAxis(in)
	xs := h.Data()
	y := affineHost(xs, rows, d, d, l.weight("W").Data(), l.biasData("b"))
	t := affineHost(xs, rows, d, d, l.weight("W_carry").Data(), l.biasData("b_carry"))
	if l.act != device.ActivationLinear {
		l.act.Apply(y, d, l.act.DefaultAlpha())
	}
	device.ActivationSigmoid.Apply(t, d, 0)
	for i, v := range xs {
		y[i] = t[i]*(y[i]-v) + v
	}
	return tensor.New(append([]int(nil), in...), y)
}

func (l *Highway) callGPU(x *tensor.Tensor, d int) (*tensor.Tensor, error) {
	r := l.resources(shapeKey(x))
	a, err := r.rows("x", x)
	if err != nil {
		return nil, err
	}
	shape := a.LogicalShape()
	m := a.PhysicalShape()[0]
	alloc := func(name string) (*tensor.Tensor, error) { return r.output(name, shape, tensor.PlaceRows) }

	y, err := alloc("transform")
	if err != nil {
		return nil, err
	}
	b, carry := "", ""
	if l.bias {
		b, carry = "b", "b_carry"
	}
	if err := matmulWeights(r, &l.base, a, y, m, d, d, "W", b); err != nil {
		return nil, err
	}
	gatePre, err := alloc("gate_pre")
	if err != nil {
		return nil, err
	}
	if err := matmulWeights(r, &l.base, a, gatePre, m, d, d, "W_carry", carry); err != nil {
		return nil, err
	}

	apply := func(act device.ActivationType, alpha float32, src *tensor.Tensor, name string) (*tensor.Tensor, error) {
		out, err := alloc(name)
		if err != nil {
			return nil, err
		}
		err = r.run(device.Source(device.ProgramActivation, act.String()), out, []device.Binding{bind("x", src)},
			device.Float("alpha", alpha))
		return out, err
	}
	if l.act != device.ActivationLinear {
		if y, err = apply(l.act, l.act.DefaultAlpha(), y, "transform_act"); err != nil {
			return nil, err
		}
	}
	gate, err := apply(device.ActivationSigmoid, 0, gatePre, "gate")
	if err != nil {
		return nil, err
	}

	xl, err := r.like("x_rows", a, y)
	if err != nil {
		return nil, err
	}
	merge := func(op string, lhs, rhs *tensor.Tensor, name string) (*tensor.Tensor, error) {
		out, err := alloc(name)
		if err != nil {
			return nil, err
		}
		err = r.run(device.Source(device.ProgramMerge, op), out, []device.Binding{bind("a", lhs), bind("b", rhs)})
		return out, err
	}
	diff, err := merge("sub", y, xl, "diff")
	if err != nil {
		return nil, err
	}
	gated, err := merge("mul", gate, diff, "gated")
	if err != nil {
		return nil, err
	}
	return merge("add", gated, xl, "out")
}

// MaxoutDense keeps, per output unit, the largest of nb_feature affine
// transforms of x. W is [nb_feature, input_dim, output_dim] and b is
// [nb_feature, output_dim].
type MaxoutDense struct {
	base
	units    int
	features int
	bias     bool
}

func newMaxoutDense(name string, c MaxoutDenseConfig) (*MaxoutDense, error) {
	if c.OutputDim <= 0 {
		return nil, errdefs.Configf("output_dim %d", c.OutputDim)
	}
	if c.NbFeature < 0 {
		return nil, errdefs.Configf("nb_feature %d", c.NbFeature)
	}
	l := &MaxoutDense{units: c.OutputDim, features: c.NbFeature, bias: boolOr(c.Bias, true)}
	params := []string{"W"}
	if l.bias {
		params = append(params, "b")
	}
	l.base = newBase(name, KindMaxoutDense, params...)
	return l, nil
}

func featureKey(param string, k int) string { return fmt.Sprintf("%s/%d", param, k) }

// SetWeights splits W and b into one [input_dim, output_dim] kernel and one
// bias per feature. The feature count comes from W when nb_feature is unset.
func (l *MaxoutDense) SetWeights(ws map[string]*tensor.Tensor) error {
	if err := l.base.SetWeights(ws); err != nil {
		return err
	}
	ks := l.weight("W").LogicalShape()
	if len(ks) != 3 || ks[0] == 0 || ks[2] != l.units || (l.features > 0 && ks[0] != l.features) {
		return l.wrap(errdefs.Shapef("W %v for %d features of %d units", ks, l.features, l.units))
	}
	l.features = ks[0]
	if l.bias {
		if bs := l.weight("b").LogicalShape(); !tensor.EqualShapes(bs, []int{ks[0], ks[2]}) {
			return l.wrap(errdefs.Shapef("b %v against W %v", bs, ks))
		}
	}
	w := l.weight("W").Data()
	per := ks[1] * ks[2]
	for k := 0; k < l.features; k++ {
		kt, err := tensor.New([]int{ks[1], ks[2]}, w[k*per:(k+1)*per])
		if err != nil {
			return l.wrap(err)
		}
		l.weights[featureKey("W", k)] = kt
		if !l.bias {
			continue
		}
		bt, err := tensor.New([]int{ks[2]}, l.weight("b").Data()[k*ks[2]:(k+1)*ks[2]])
		if err != nil {
			return l.wrap(err)
		}
		l.weights[featureKey("b", k)] = bt
	}
	return nil
}

func (l *MaxoutDense) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := unary(inputs)
	if err != nil {
		return nil, l.wrap(err)
	}
	out, err := l.call(x)
	return out, l.wrap(err)
}

func (l *MaxoutDense) call(x *tensor.Tensor) (*tensor.Tensor, error) {
	in := x.LogicalShape()
	k := l.weight("W").LogicalShape()[1]
	if len(in) == 0 || in[len(in)-1] != k {
		return nil, errdefs.Shapef("input %v against W %v", in, l.weight("W").LogicalShape())
	}
	outShape := append(append([]int(nil), in[:len(in)-1]...), l.units)
	if l.gpu() {
		return l.callGPU(x, outShape, k)
	}

	h, err := host(x)
	if err != nil {
		return nil, err
	}
	rows, _ := lastAxis(in)
	best := make([]float32, rows*l.units)
	for i := range best {
		best[i] = float32(math.Inf(-1))
	}
	for f := 0; f < l.features; f++ {
		var bias []float32
		if l.bias {
			bias = l.weight(featureKey("b", f)).Data()
		}
		y := affineHost(h.Data(), rows, k, l.units, l.weight(featureKey("W", f)).Data(), bias)
		for i, v := range y {
			best[i] = max(best[i], v)
		}
	}
	return tensor.New(outShape, best)
}

func (l *MaxoutDense) callGPU(x *tensor.Tensor, outShape []int, k int) (*tensor.Tensor, error) {
	r := l.resources(shapeKey(x))
	a, err := r.rows("x", x)
	if err != nil {
		return nil, err
	}
	m := a.PhysicalShape()[0]
	var acc *tensor.Tensor
	for f := 0; f < l.features; f++ {
		y, err := r.output(featureKey("feature", f), outShape, tensor.PlaceRows)
		if err != nil {
			return nil, err
		}
		bias := ""
		if l.bias {
			bias = featureKey("b", f)
		}
		if err := matmulWeights(r, &l.base, a, y, m, k, l.units, featureKey("W", f), bias); err != nil {
			return nil, err
		}
		if acc == nil {
			acc = y
			continue
		}
		out, err := r.output(featureKey("max", f%2), outShape, tensor.PlaceRows)
		if err != nil {
			return nil, err
		}
		if err := r.run(device.Source(device.ProgramMerge, "max"), out, []device.Binding{bind("a", acc), bind("b", y)}); err != nil {
			return nil, err
		}
		acc = out
	}
	return acc, nil
}

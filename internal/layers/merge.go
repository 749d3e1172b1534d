package layers

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// Merge combines equally shaped inputs cell by cell.
type Merge struct {
	base
}

func newMerge(name string, kind Kind) *Merge {
	return &Merge{base: newBase(name, kind)}
}

func (l *Merge) op() (string, func(a, b float32) float32) {
	switch l.kind {
	case KindSubtract:
		return "sub", func(a, b float32) float32 { return a - b }
	case KindMultiply:
		return "mul", func(a, b float32) float32 { return a * b }
	case KindMaximum:
		return "max", func(a, b float32) float32 { return max(a, b) }
	case KindMinimum:
		return "min", func(a, b float32) float32 { return min(a, b) }
	}
	return "add", func(a, b float32) float32 { return a + b }
}

func (l *Merge) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	out, err := l.call(inputs)
	return out, l.wrap(err)
}

func (l *Merge) validate(inputs []*tensor.Tensor) error {
	if l.kind == KindSubtract && len(inputs) != 2 {
		return errdefs.Shapef("subtract needs exactly 2 inputs, got %d", len(inputs))
	}
	if len(inputs) < 2 {
		return errdefs.Shapef("merge needs at least 2 inputs, got %d", len(inputs))
	}
	first := inputs[0].LogicalShape()
	for _, x := range inputs[1:] {
		if !tensor.EqualShapes(first, x.LogicalShape()) {
			return errdefs.Shapef("merge of %v and %v", first, x.LogicalShape())
		}
	}
	return nil
}

func (l *Merge) call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	if err := l.validate(inputs); err != nil {
		return nil, err
	}
	name, op := l.op()
	if !l.gpu() {
		acc, err := ownedCopy(inputs[0])
		if err != nil {
			return nil, err
		}
		a := acc.Data()
		for _, x := range inputs[1:] {
			h, err := host(x)
			if err != nil {
				return nil, err
			}
			for i, v := range h.Data() {
				a[i] = op(a[i], v)
			}
		}
		if l.kind == KindAverage {
			blas32.Scal(1/float32(len(inputs)), blas32.Vector{N: len(a), Inc: 1, Data: a})
		}
		return acc, nil
	}

	r := l.resources(shapeKey(inputs...))
	acc, err := r.input("x0", inputs[0])
	if err != nil {
		return nil, err
	}
	for i, x := range inputs[1:] {
		b, err := r.like(fmt.Sprintf("x%d", i+1), x, acc)
		if err != nil {
			return nil, err
		}
		out, err := r.outputLike(fmt.Sprintf("acc/%d", i%2), acc)
		if err != nil {
			return nil, err
		}
		if err := r.run(device.Source(device.ProgramMerge, name), out, []device.Binding{bind("a", acc), bind("b", b)}); err != nil {
			return nil, err
		}
		acc = out
	}
	if l.kind != KindAverage {
		return acc, nil
	}
	avg, err := r.outputLike("average", acc)
	if err != nil {
		return nil, err
	}
	if err := r.run(device.ProgramScale, avg, []device.Binding{bind("x", acc)},
		device.Float("factor", 1/float32(len(inputs)))); err != nil {
		return nil, err
	}
	return avg, nil
}

// Dot contracts two matrices along one axis each. Only equal axes are
// supported: (0, 0) computes x^T y and (1, 1) computes x y^T.
type Dot struct {
	base
	axes      [2]int
	normalize bool

	mapKey  string
	left    *gatherMap
	right   *gatherMap
	outDims []int
}

func newDot(name string, c MergeConfig) (*Dot, error) {
	axes := [2]int{-1, -1}
	switch len(c.Axes) {
	case 0:
	case 1:
		axes = [2]int{c.Axes[0], c.Axes[0]}
	case 2:
		axes = [2]int{c.Axes[0], c.Axes[1]}
	default:
		return nil, errdefs.Configf("axes %v", []int(c.Axes))
	}
	return &Dot{base: newBase(name, KindDot), axes: axes, normalize: c.Normalize}, nil
}

func (l *Dot) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	out, err := l.call(inputs)
	return out, l.wrap(err)
}

// transposeMap swaps the two axes of a matrix.
func transposeMap(rows, cols int) *gatherMap {
	g := &gatherMap{shape: []int{cols, rows}, index: make([]int32, rows*cols)}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			g.index[j*rows+i] = int32(i*cols + j)
		}
	}
	return g
}

// prepare resolves the axes against the input shapes and builds the gathers
// that turn both inputs into matmul operands.
func (l *Dot) prepare(a, b []int) (int, error) {
	if len(a) != 2 || len(b) != 2 {
		return 0, errdefs.Unsupportedf("dot of rank %d and %d inputs", len(a), len(b))
	}
	ax0, err := kerasAxis(l.axes[0], 2)
	if err != nil {
		return 0, err
	}
	ax1, err := kerasAxis(l.axes[1], 2)
	if err != nil {
		return 0, err
	}
	if ax0 != ax1 {
		return 0, errdefs.Unsupportedf("dot along axes (%d, %d)", ax0, ax1)
	}
	if a[ax0] != b[ax1] {
		return 0, errdefs.Shapef("dot of %v and %v along axis %d", a, b, ax0)
	}
	key := fmt.Sprint(a, b)
	if key == l.mapKey {
		return ax0, nil
	}
	if ax0 == 0 {
		l.left, l.right = transposeMap(a[0], a[1]), identityMap(b)
		l.outDims = []int{a[1], b[1]}
	} else {
		l.left, l.right = identityMap(a), transposeMap(b[0], b[1])
		l.outDims = []int{a[0], b[0]}
	}
	l.mapKey = key
	return ax0, nil
}

// l2normalize scales every vector along axis of a rows x cols matrix to
// unit length.
func l2normalize(m []float32, rows, cols, axis int) {
	n, count, stride, step := rows, cols, cols, 1
	if axis == 1 {
		n, count, stride, step = cols, rows, 1, cols
	}
	for v := 0; v < count; v++ {
		vec := blas32.Vector{N: n, Inc: stride, Data: m[v*step:]}
		if norm := blas32.Nrm2(vec); norm > 0 {
			blas32.Scal(1/norm, vec)
		}
	}
}

func (l *Dot) operands(inputs []*tensor.Tensor, axis int) ([]*tensor.Tensor, error) {
	ops := make([]*tensor.Tensor, 2)
	for i, x := range inputs {
		var err error
		if !l.normalize {
			ops[i] = x
			continue
		}
		if ops[i], err = ownedCopy(x); err != nil {
			return nil, err
		}
		s := ops[i].Shape()
		l2normalize(ops[i].Data(), s[0], s[1], axis)
	}
	return ops, nil
}

func (l *Dot) call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 2 {
		return nil, errdefs.Shapef("dot needs exactly 2 inputs, got %d", len(inputs))
	}
	axis, err := l.prepare(inputs[0].LogicalShape(), inputs[1].LogicalShape())
	if err != nil {
		return nil, err
	}
	ops, err := l.operands(inputs, axis)
	if err != nil {
		return nil, err
	}
	m, n := l.outDims[0], l.outDims[1]
	k := l.left.shape[1]

	if !l.gpu() {
		a, err := l.left.applyCPU(ops[0])
		if err != nil {
			return nil, err
		}
		b, err := l.right.applyCPU(ops[1])
		if err != nil {
			return nil, err
		}
		y := make([]float32, m*n)
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: m, Cols: k, Stride: k, Data: a.Data()},
			blas32.General{Rows: k, Cols: n, Stride: n, Data: b.Data()},
			0,
			blas32.General{Rows: m, Cols: n, Stride: n, Data: y})
		return tensor.New(l.outDims, y)
	}

	r := l.resources(shapeKey(inputs...))
	var mats [2]*tensor.Tensor
	for i, g := range []*gatherMap{l.left, l.right} {
		d, err := r.input(fmt.Sprintf("x%d", i), ops[i])
		if err != nil {
			return nil, err
		}
		if mats[i], err = r.output(fmt.Sprintf("operand/%d", i), g.shape, tensor.PlaceRows); err != nil {
			return nil, err
		}
		if err := g.applyGPU(r, fmt.Sprintf("operand/%d/map", i), mats[i], d); err != nil {
			return nil, err
		}
	}
	out, err := r.output("out", l.outDims, tensor.PlaceRows)
	if err != nil {
		return nil, err
	}
	if err := r.run(device.ProgramMatMul, out, []device.Binding{bind("A", mats[0]), bind("B", mats[1])},
		device.Int("M", m), device.Int("K", k), device.Int("N", n)); err != nil {
		return nil, err
	}
	return out, nil
}

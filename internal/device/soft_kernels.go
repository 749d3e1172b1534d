package device

import (
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-nock/internal/simd"
)

type kernelFunc func(k *kernelCtx) error

type kernelCtx struct {
	out      *softTexture
	inputs   map[string]*softTexture
	uniforms map[string]float64
}

func (k *kernelCtx) input(name string) (*softTexture, error) {
	st, ok := k.inputs[name]
	if !ok {
		return nil, fmt.Errorf("missing input %q", name)
	}
	return st, nil
}

func (k *kernelCtx) data(name string) ([]float32, error) {
	st, err := k.input(name)
	if err != nil {
		return nil, err
	}
	return st.load(), nil
}

func (k *kernelCtx) intUniform(name string, def int) int {
	if v, ok := k.uniforms[name]; ok {
		return int(v)
	}
	return def
}

func (k *kernelCtx) floatUniform(name string, def float32) float32 {
	if v, ok := k.uniforms[name]; ok {
		return float32(v)
	}
	return def
}

func (k *kernelCtx) flag(name string) bool {
	return k.uniforms[name] != 0
}

// begin returns a zeroed output buffer; commit stores it.
func (k *kernelCtx) begin() []float32 {
	if k.out.half == nil {
		clear(k.out.data)
		return k.out.data
	}
	return make([]float32, len(k.out.half))
}

func (k *kernelCtx) commit(dst []float32) {
	if k.out.half != nil {
		k.out.store(0, dst)
	}
}

func (k *kernelCtx) outLen() int { return k.out.tex.Len() }

func lookupKernel(source string) (kernelFunc, error) {
	name, arg := splitSource(source)
	switch name {
	case ProgramCopy:
		return copyKernel, nil
	case ProgramMatMul:
		return matmulKernel, nil
	case ProgramGather:
		return gatherKernel, nil
	case ProgramActivation:
		act, err := ParseActivation(arg)
		if err != nil {
			return nil, err
		}
		return activationKernel(act), nil
	case ProgramGateSum:
		return gateSumKernel, nil
	case ProgramGateProduct:
		return elementwise2("t1", "t2", func(a, b float32) float32 { return a * b }), nil
	case ProgramGRUUpdate:
		return gruUpdateKernel, nil
	case ProgramLSTMState:
		return lstmStateKernel, nil
	case ProgramTimestepRead:
		return timestepReadKernel, nil
	case ProgramTimestepWrite:
		return timestepWriteKernel, nil
	case ProgramMerge:
		op, ok := mergeOps[arg]
		if !ok {
			return nil, fmt.Errorf("unknown merge op %q", arg)
		}
		return elementwise2("a", "b", op), nil
	case ProgramScale:
		return scaleKernel, nil
	case ProgramAffine:
		return affineKernel, nil
	case ProgramConvTranspose:
		return convTransposeKernel, nil
	case ProgramPool:
		switch arg {
		case "max":
			return poolKernel(true), nil
		case "average":
			return poolKernel(false), nil
		}
		return nil, fmt.Errorf("unknown pool mode %q", arg)
	}
	return nil, fmt.Errorf("unknown program %q", source)
}

var mergeOps = map[string]func(a, b float32) float32{
	"add": func(a, b float32) float32 { return a + b },
	"sub": func(a, b float32) float32 { return a - b },
	"mul": func(a, b float32) float32 { return a * b },
	"max": func(a, b float32) float32 { return float32(math.Max(float64(a), float64(b))) },
	"min": func(a, b float32) float32 { return float32(math.Min(float64(a), float64(b))) },
}

func copyKernel(k *kernelCtx) error {
	src, err := k.data("source")
	if err != nil {
		return err
	}
	if len(src) != k.outLen() {
		return fmt.Errorf("copy of %d texels into %d", len(src), k.outLen())
	}
	dst := k.begin()
	copy(dst, src)
	k.commit(dst)
	return nil
}

// matmulKernel computes A(MxK) * B(KxN) [+ C broadcast over rows].
func matmulKernel(k *kernelCtx) error {
	a, err := k.input("A")
	if err != nil {
		return err
	}
	b, err := k.input("B")
	if err != nil {
		return err
	}
	m := k.intUniform("M", a.tex.Shape[0])
	kk := k.intUniform("K", a.tex.Shape[1])
	n := k.intUniform("N", b.tex.Shape[1])
	if a.tex.Len() != m*kk || b.tex.Len() != kk*n || k.outLen() != m*n {
		return fmt.Errorf("dimension mismatch: A%v B%v out%v for M=%d K=%d N=%d",
			a.tex.Shape, b.tex.Shape, k.out.tex.Shape, m, kk, n)
	}

	dst := k.begin()
	var beta float32
	if k.flag("addC") {
		c, err := k.data("C")
		if err != nil {
			return err
		}
		if len(c) != n {
			return fmt.Errorf("bias length %d, want %d", len(c), n)
		}
		for r := 0; r < m; r++ {
			copy(dst[r*n:(r+1)*n], c)
		}
		beta = 1
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: kk, Stride: kk, Data: a.load()},
		blas32.General{Rows: kk, Cols: n, Stride: n, Data: b.load()},
		beta,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: dst})
	k.commit(dst)
	return nil
}

// gatherKernel copies out[i] = x_s[row[i], col[i]] where s comes from the
// optional sourceIndexMap. A negative row writes zero.
func gatherKernel(k *kernelCtx) error {
	rows, err := k.data("rowIndexMap")
	if err != nil {
		return err
	}
	cols, err := k.data("colIndexMap")
	if err != nil {
		return err
	}
	if len(rows) != k.outLen() || len(cols) != k.outLen() {
		return fmt.Errorf("index maps of %d/%d cells for output of %d", len(rows), len(cols), k.outLen())
	}

	var sources []*softTexture
	if x, ok := k.inputs["x"]; ok {
		sources = append(sources, x)
	}
	for i := 0; ; i++ {
		x, ok := k.inputs["x"+strconv.Itoa(i)]
		if !ok {
			break
		}
		sources = append(sources, x)
	}
	if len(sources) == 0 {
		return fmt.Errorf("no gather sources bound")
	}
	srcData := make([][]float32, len(sources))
	for i, s := range sources {
		srcData[i] = s.load()
	}
	var selector []float32
	if sm, ok := k.inputs["sourceIndexMap"]; ok {
		selector = sm.load()
		if len(selector) != k.outLen() {
			return fmt.Errorf("source map of %d cells for output of %d", len(selector), k.outLen())
		}
	}

	dst := k.begin()
	for i := range dst {
		r := int(rows[i])
		if r < 0 {
			continue
		}
		s := 0
		if selector != nil {
			s = int(selector[i])
		}
		if s < 0 || s >= len(sources) {
			return fmt.Errorf("source %d out of range", s)
		}
		idx := r*sources[s].tex.Shape[1] + int(cols[i])
		if idx < 0 || idx >= len(srcData[s]) {
			return fmt.Errorf("gather index (%d,%d) outside source %v", r, int(cols[i]), sources[s].tex.Shape)
		}
		dst[i] = srcData[s][idx]
	}
	k.commit(dst)
	return nil
}

func activationKernel(act ActivationType) kernelFunc {
	return func(k *kernelCtx) error {
		x, err := k.data("x")
		if err != nil {
			return err
		}
		if len(x) != k.outLen() {
			return fmt.Errorf("activation of %d texels into %d", len(x), k.outLen())
		}
		dst := k.begin()
		copy(dst, x)
		act.Apply(dst, k.out.tex.Shape[1], k.floatUniform("alpha", act.DefaultAlpha()))
		k.commit(dst)
		return nil
	}
}

func elementwise2(a, b string, op func(a, b float32) float32) kernelFunc {
	return func(k *kernelCtx) error {
		x, err := k.data(a)
		if err != nil {
			return err
		}
		y, err := k.data(b)
		if err != nil {
			return err
		}
		if len(x) != k.outLen() || len(y) != k.outLen() {
			return fmt.Errorf("operands %d/%d texels for output of %d", len(x), len(y), k.outLen())
		}
		dst := k.begin()
		for i := range dst {
			dst[i] = op(x[i], y[i])
		}
		k.commit(dst)
		return nil
	}
}

func gateSumKernel(k *kernelCtx) error {
	t1, err := k.data("t1")
	if err != nil {
		return err
	}
	t2, err := k.data("t2")
	if err != nil {
		return err
	}
	if len(t1) != k.outLen() || len(t2) != k.outLen() {
		return fmt.Errorf("gate operands %d/%d for output of %d", len(t1), len(t2), k.outLen())
	}
	dst := k.begin()
	copy(dst, t1)
	simd.VecAdd(dst, t2)
	if bias, ok := k.inputs["bias"]; ok {
		bd := bias.load()
		if len(bd) != len(dst) {
			return fmt.Errorf("gate bias %d for output of %d", len(bd), len(dst))
		}
		simd.VecAdd(dst, bd)
	}
	k.commit(dst)
	return nil
}

func gruUpdateKernel(k *kernelCtx) error {
	h, err := k.data("h")
	if err != nil {
		return err
	}
	prev, err := k.data("htm1")
	if err != nil {
		return err
	}
	z, err := k.data("z")
	if err != nil {
		return err
	}
	if len(h) != k.outLen() || len(prev) != len(h) || len(z) != len(h) {
		return fmt.Errorf("gru update operand mismatch")
	}
	dst := k.begin()
	for i := range dst {
		dst[i] = h[i]*(1-z[i]) + prev[i]*z[i]
	}
	k.commit(dst)
	return nil
}

func lstmStateKernel(k *kernelCtx) error {
	names := []string{"c", "ctm1", "i", "f"}
	ops := make([][]float32, len(names))
	for j, n := range names {
		d, err := k.data(n)
		if err != nil {
			return err
		}
		if len(d) != k.outLen() {
			return fmt.Errorf("lstm operand %q has %d texels, want %d", n, len(d), k.outLen())
		}
		ops[j] = d
	}
	dst := k.begin()
	for i := range dst {
		dst[i] = ops[0][i]*ops[2][i] + ops[1][i]*ops[3][i]
	}
	k.commit(dst)
	return nil
}

func timestepReadKernel(k *kernelCtx) error {
	x, err := k.input("x")
	if err != nil {
		return err
	}
	steps, width := x.tex.Shape[0], x.tex.Shape[1]
	idx := k.intUniform("index", 0)
	if idx < 0 || idx >= steps || k.outLen() != width {
		return fmt.Errorf("timestep %d of %v into %v", idx, x.tex.Shape, k.out.tex.Shape)
	}
	dst := k.begin()
	copy(dst, x.load()[idx*width:(idx+1)*width])
	k.commit(dst)
	return nil
}

func timestepWriteKernel(k *kernelCtx) error {
	x, err := k.data("x")
	if err != nil {
		return err
	}
	y, err := k.input("y")
	if err != nil {
		return err
	}
	width := y.tex.Shape[1]
	idx := k.intUniform("index", 0)
	if len(x) != width || y.tex.Len() != k.outLen() || idx < 0 || idx >= y.tex.Shape[0] {
		return fmt.Errorf("timestep %d write of %d into %v", idx, len(x), y.tex.Shape)
	}
	dst := k.begin()
	copy(dst, y.load())
	copy(dst[idx*width:], x)
	k.commit(dst)
	return nil
}

func scaleKernel(k *kernelCtx) error {
	x, err := k.data("x")
	if err != nil {
		return err
	}
	if len(x) != k.outLen() {
		return fmt.Errorf("scale of %d texels into %d", len(x), k.outLen())
	}
	dst := k.begin()
	copy(dst, x)
	simd.VecScale(dst, k.floatUniform("factor", 1))
	k.commit(dst)
	return nil
}

// affineKernel computes x*scale[c] + shift[c] for every column c.
func affineKernel(k *kernelCtx) error {
	x, err := k.data("x")
	if err != nil {
		return err
	}
	scale, err := k.data("scale")
	if err != nil {
		return err
	}
	shift, err := k.data("shift")
	if err != nil {
		return err
	}
	cols := k.out.tex.Shape[1]
	if len(x) != k.outLen() || len(scale) != cols || len(shift) != cols {
		return fmt.Errorf("affine operands do not match %v", k.out.tex.Shape)
	}
	dst := k.begin()
	for i, v := range x {
		c := i % cols
		dst[i] = v*scale[c] + shift[c]
	}
	k.commit(dst)
	return nil
}

// convTransposeKernel sums, for every output cell, the matmul result cells
// listed along the depth of the 3-D index maps, then adds bias per column.
func convTransposeKernel(k *kernelCtx) error {
	mm, err := k.input("matmulResult")
	if err != nil {
		return err
	}
	rows, err := k.input("rowIndexMap")
	if err != nil {
		return err
	}
	cols, err := k.data("colIndexMap")
	if err != nil {
		return err
	}
	if len(rows.tex.Shape) != 3 {
		return fmt.Errorf("index maps must be 3-D, got %v", rows.tex.Shape)
	}
	depth := rows.tex.Shape[2]
	if rows.tex.Shape[0]*rows.tex.Shape[1] != k.outLen() || len(cols) != rows.tex.Len() {
		return fmt.Errorf("index maps %v for output %v", rows.tex.Shape, k.out.tex.Shape)
	}
	var bias []float32
	if k.flag("useBias") {
		if bias, err = k.data("bias"); err != nil {
			return err
		}
	}

	src := mm.load()
	width := mm.tex.Shape[1]
	rd := rows.load()
	outCols := k.out.tex.Shape[1]
	dst := k.begin()
	for i := range dst {
		var sum float32
		base := i * depth
		for d := 0; d < depth; d++ {
			r := int(rd[base+d])
			if r < 0 {
				continue
			}
			sum += src[r*width+int(cols[base+d])]
		}
		if bias != nil {
			sum += bias[i%outCols]
		}
		dst[i] = sum
	}
	k.commit(dst)
	return nil
}

// poolKernel reduces the cells listed along the depth of the index maps.
// Average pooling divides by the number of valid cells.
func poolKernel(max bool) kernelFunc {
	return func(k *kernelCtx) error {
		x, err := k.input("x")
		if err != nil {
			return err
		}
		rows, err := k.input("rowIndexMap")
		if err != nil {
			return err
		}
		cols, err := k.data("colIndexMap")
		if err != nil {
			return err
		}
		if len(rows.tex.Shape) != 3 || rows.tex.Shape[0]*rows.tex.Shape[1] != k.outLen() {
			return fmt.Errorf("index maps %v for output %v", rows.tex.Shape, k.out.tex.Shape)
		}
		depth := rows.tex.Shape[2]
		src := x.load()
		width := x.tex.Shape[1]
		rd := rows.load()
		dst := k.begin()
		for i := range dst {
			base := i * depth
			acc := float32(math.Inf(-1))
			if !max {
				acc = 0
			}
			n := 0
			for d := 0; d < depth; d++ {
				r := int(rd[base+d])
				if r < 0 {
					continue
				}
				v := src[r*width+int(cols[base+d])]
				if max {
					if v > acc {
						acc = v
					}
				} else {
					acc += v
				}
				n++
			}
			switch {
			case n == 0:
				acc = 0
			case !max:
				acc /= float32(n)
			}
			dst[i] = acc
		}
		k.commit(dst)
		return nil
	}
}

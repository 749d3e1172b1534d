package layers

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// transposeOutput returns the output length and leading crop of one axis of
// a transposed convolution.
func transposeOutput(in, k, stride int, same bool) (out, padBefore int) {
	if same {
		out = in * stride
	} else {
		out = in*stride + max(k-stride, 0)
	}
	total := max(0, (in-1)*stride+k-out)
	return out, total / 2
}

// ConvTranspose is Conv2DTranspose. Every input cell multiplies the kernel
// into a full window that is summed into the output at a stride-scaled
// offset.
type ConvTranspose struct {
	base
	convSpec

	geomKey    string
	in         spatial
	outH, outW int
	padT, padL int
	rows       mapCache
	reorder    mapCache
	kernelT    []float32
}

func newConvTranspose(name string, c ConvConfig) (*ConvTranspose, error) {
	spec, err := newConvSpec(c, false)
	if err != nil {
		return nil, err
	}
	if spec.filters <= 0 {
		return nil, errdefs.Configf("filters %d", spec.filters)
	}
	if spec.dilation != [2]int{1, 1} {
		return nil, errdefs.Unsupportedf("dilated transposed convolution")
	}
	params := []string{"kernel"}
	if spec.useBias {
		params = append(params, "bias")
	}
	return &ConvTranspose{base: newBase(name, KindConv2DTranspose, params...), convSpec: spec}, nil
}

// SetWeights attaches the kernel in [kh, kw, filters, inC] order; a
// channels_first kernel arrives as [inC, filters, kh, kw].
func (l *ConvTranspose) SetWeights(ws map[string]*tensor.Tensor) error {
	if err := l.base.SetWeights(ws); err != nil {
		return err
	}
	return l.kernelLayout(&l.base)
}

func (l *ConvTranspose) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := unary(inputs)
	if err != nil {
		return nil, l.wrap(err)
	}
	out, err := l.call(x)
	return out, l.wrap(err)
}

func (l *ConvTranspose) prepare(shape []int) error {
	key := fmt.Sprint(shape)
	if key == l.geomKey {
		return nil
	}
	in, err := newSpatial(shape, l.chFirst)
	if err != nil {
		return err
	}
	kh, kw := l.kernel[0], l.kernel[1]
	if n := l.weight("kernel").Len(); n != kh*kw*l.filters*in.c {
		return errdefs.Shapef("kernel of %d values for %dx%d window, %d filters, %d channels", n, kh, kw, l.filters, in.c)
	}
	l.in = in
	l.outH, l.padT = transposeOutput(in.h, kh, l.strides[0], l.same)
	l.outW, l.padL = transposeOutput(in.w, kw, l.strides[1], l.same)
	l.geomKey = key
	return nil
}

func (l *ConvTranspose) window() int { return l.kernel[0] * l.kernel[1] * l.filters }

func (l *ConvTranspose) outShape() []int {
	if l.chFirst {
		return []int{l.filters, l.outH, l.outW}
	}
	return []int{l.outH, l.outW, l.filters}
}

// channelsLast maps the input to a [cells, channels] matrix.
func (l *ConvTranspose) channelsLast() *gatherMap {
	in := l.in
	m := &gatherMap{shape: []int{in.h * in.w, in.c}, index: make([]int32, in.h*in.w*in.c)}
	for i := 0; i < in.h; i++ {
		for j := 0; j < in.w; j++ {
			for c := 0; c < in.c; c++ {
				m.index[(i*in.w+j)*in.c+c] = int32(in.flat(i, j, c))
			}
		}
	}
	return m
}

func (l *ConvTranspose) call(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := l.prepare(x.LogicalShape()); err != nil {
		return nil, err
	}
	if l.gpu() {
		return l.callGPU(x)
	}

	in, f := l.in, l.filters
	kh, kw, sh, sw := l.kernel[0], l.kernel[1], l.strides[0], l.strides[1]
	cells, win := in.h*in.w, l.window()
	xl, err := l.channelsLast().applyCPU(x)
	if err != nil {
		return nil, err
	}

	// [cells, inC] x [window, inC]^T; the Keras kernel is [kh, kw, filters, inC].
	mm := make([]float32, cells*win)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: cells, Cols: in.c, Stride: in.c, Data: xl.Data()},
		blas32.General{Rows: win, Cols: in.c, Stride: in.c, Data: l.weight("kernel").Data()},
		0,
		blas32.General{Rows: cells, Cols: win, Stride: win, Data: mm})

	fullH, fullW := (in.h-1)*sh+kh, (in.w-1)*sw+kw
	full := make([]float32, fullH*fullW*f)
	for i := 0; i < in.h; i++ {
		for j := 0; j < in.w; j++ {
			src := mm[(i*in.w+j)*win:]
			for ki := 0; ki < kh; ki++ {
				for kj := 0; kj < kw; kj++ {
					dst := full[((i*sh+ki)*fullW+j*sw+kj)*f:]
					w := src[(ki*kw+kj)*f:]
					for c := 0; c < f; c++ {
						dst[c] += w[c]
					}
				}
			}
		}
	}

	y := make([]float32, l.outH*l.outW*f)
	for oi := 0; oi < l.outH; oi++ {
		fi := oi + l.padT
		if fi >= fullH {
			continue
		}
		for oj := 0; oj < l.outW; oj++ {
			fj := oj + l.padL
			if fj >= fullW {
				continue
			}
			copy(y[(oi*l.outW+oj)*f:(oi*l.outW+oj+1)*f], full[(fi*fullW+fj)*f:])
		}
	}
	if l.useBias {
		bias := l.weight("bias").Data()
		for p := 0; p < l.outH*l.outW; p++ {
			row := y[p*f : (p+1)*f]
			for c := range row {
				row[c] += bias[c]
			}
		}
	}

	out, err := tensor.New([]int{l.outH, l.outW, f}, y)
	if err != nil {
		return nil, err
	}
	if l.chFirst {
		m, _ := l.reorder.get(l.geomKey, func() (*gatherMap, error) {
			return toChannelsFirst(l.outShape(), l.outH*l.outW, f), nil
		})
		if out, err = m.applyCPU(out); err != nil {
			return nil, err
		}
	}
	return activate(&l.base, l.act, l.act.DefaultAlpha(), out)
}

// contributors lists, for every output cell and filter, the matmul result
// cells summed into it. Depth is the largest possible count; unused slots
// hold row -1.
func (l *ConvTranspose) contributors() (rows, cols []int32, depth int) {
	in, f := l.in, l.filters
	kh, kw, sh, sw := l.kernel[0], l.kernel[1], l.strides[0], l.strides[1]
	depth = ((kh + sh - 1) / sh) * ((kw + sw - 1) / sw)
	n := l.outH * l.outW * f * depth
	rows = make([]int32, n)
	cols = make([]int32, n)
	for i := range rows {
		rows[i] = -1
	}
	for oi := 0; oi < l.outH; oi++ {
		fi := oi + l.padT
		for oj := 0; oj < l.outW; oj++ {
			fj := oj + l.padL
			slot := 0
			for ki := 0; ki < kh; ki++ {
				if (fi-ki)%sh != 0 || fi < ki || (fi-ki)/sh >= in.h {
					continue
				}
				i := (fi - ki) / sh
				for kj := 0; kj < kw; kj++ {
					if (fj-kj)%sw != 0 || fj < kj || (fj-kj)/sw >= in.w {
						continue
					}
					j := (fj - kj) / sw
					for c := 0; c < f; c++ {
						at := ((oi*l.outW+oj)*f+c)*depth + slot
						rows[at] = int32(i*in.w + j)
						cols[at] = int32((ki*kw+kj)*f + c)
					}
					slot++
				}
			}
		}
	}
	return rows, cols, depth
}

func (l *ConvTranspose) callGPU(x *tensor.Tensor) (*tensor.Tensor, error) {
	in, f := l.in, l.filters
	cells, win := in.h*in.w, l.window()
	r := l.resources(shapeKey(x))
	d, err := r.input("x", x)
	if err != nil {
		return nil, err
	}
	xl, err := r.output("x_cells", []int{cells, in.c}, tensor.PlaceRows)
	if err != nil {
		return nil, err
	}
	cl, _ := l.rows.get(l.geomKey, func() (*gatherMap, error) { return l.channelsLast(), nil })
	if err := cl.applyGPU(r, "cells", xl, d); err != nil {
		return nil, err
	}

	if l.kernelT == nil {
		k := l.weight("kernel").Data()
		l.kernelT = make([]float32, len(k))
		for w := 0; w < win; w++ {
			for c := 0; c < in.c; c++ {
				l.kernelT[c*win+w] = k[w*in.c+c]
			}
		}
	}
	kt, err := r.constant("kernel_t", []int{in.c, win}, l.kernelT)
	if err != nil {
		return nil, err
	}
	mm, err := r.output("mm", []int{cells, win}, tensor.PlaceRows)
	if err != nil {
		return nil, err
	}
	if err := r.run(device.ProgramMatMul, mm, []device.Binding{bind("A", xl), bind("B", kt)},
		device.Int("M", cells), device.Int("K", in.c), device.Int("N", win)); err != nil {
		return nil, err
	}

	kh, kw, sh, sw := l.kernel[0], l.kernel[1], l.strides[0], l.strides[1]
	depth := ((kh + sh - 1) / sh) * ((kw + sw - 1) / sw)
	maps, err := r.indexGroup("scatter", []int{l.outH * l.outW, f, depth}, device.Texture3D, 2, func() ([][]int32, error) {
		rows, cols, _ := l.contributors()
		return [][]int32{rows, cols}, nil
	})
	if err != nil {
		return nil, err
	}

	out, err := r.output("out", []int{l.outH, l.outW, f}, tensor.PlaceRows)
	if err != nil {
		return nil, err
	}
	inputs := []device.Binding{bind("matmulResult", mm), bind("rowIndexMap", maps[0]), bind("colIndexMap", maps[1])}
	if l.useBias {
		b, err := r.weight("bias", l.weight("bias"), []int{1, f})
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, bind("bias", b))
	}
	if err := r.run(device.ProgramConvTranspose, out, inputs, device.Bool("useBias", l.useBias)); err != nil {
		return nil, err
	}

	if l.chFirst {
		cf, err := r.output("out_cf", l.outShape(), tensor.PlaceAuto)
		if err != nil {
			return nil, err
		}
		m, _ := l.reorder.get(l.geomKey, func() (*gatherMap, error) {
			return toChannelsFirst(l.outShape(), l.outH*l.outW, f), nil
		})
		if err := m.applyGPU(r, "reorder", cf, out); err != nil {
			return nil, err
		}
		out = cf
	}
	return activate(&l.base, l.act, l.act.DefaultAlpha(), out)
}

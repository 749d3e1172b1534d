package layers

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// windowMap lists, for every output logical cell, depth input logical cells
// to reduce. Slots past the window or in the padding hold -1.
type windowMap struct {
	shape []int
	depth int
	index []int32
}

func (w *windowMap) reduceCPU(x *tensor.Tensor, isMax bool) (*tensor.Tensor, error) {
	h, err := host(x)
	if err != nil {
		return nil, err
	}
	src := h.Data()
	out := make([]float32, len(w.index)/w.depth)
	for i := range out {
		acc := float32(math.Inf(-1))
		if !isMax {
			acc = 0
		}
		n := 0
		for _, idx := range w.index[i*w.depth : (i+1)*w.depth] {
			if idx < 0 {
				continue
			}
			v := src[idx]
			if isMax {
				acc = max(acc, v)
			} else {
				acc += v
			}
			n++
		}
		switch {
		case n == 0:
			acc = 0
		case !isMax:
			acc /= float32(n)
		}
		out[i] = acc
	}
	return tensor.New(w.shape, out)
}

// physical translates the map to [rows, cols, depth] coordinates of x for
// the physical layout of out.
func (w *windowMap) physical(out, x *tensor.Tensor) ([][]int32, error) {
	om, err := out.IndexMap()
	if err != nil {
		return nil, err
	}
	xm, err := x.IndexMap()
	if err != nil {
		return nil, err
	}
	phys := out.PhysicalShape()
	n := phys[0] * phys[1] * w.depth
	rows := make([]int32, n)
	cols := make([]int32, n)
	for i := range rows {
		rows[i] = -1
	}
	for i := range om.Row {
		p := int(om.Row[i])*phys[1] + int(om.Col[i])
		for d, idx := range w.index[i*w.depth : (i+1)*w.depth] {
			if idx < 0 {
				continue
			}
			rows[p*w.depth+d] = xm.Row[idx]
			cols[p*w.depth+d] = xm.Col[idx]
		}
	}
	return [][]int32{rows, cols}, nil
}

// Pooling covers the local and global max and average pooling layers.
type Pooling struct {
	base
	isMax   bool
	global  bool
	oneD    bool
	threeD  bool
	pool    []int
	strides []int
	same    bool
	chFirst bool

	mapKey string
	window *windowMap
}

func newPooling(name string, c PoolingConfig) (*Pooling, error) {
	l := &Pooling{base: newBase(name, c.Kind)}
	switch c.Kind {
	case KindMaxPooling1D, KindMaxPooling2D, KindMaxPooling3D,
		KindGlobalMaxPooling1D, KindGlobalMaxPooling2D, KindGlobalMaxPooling3D:
		l.isMax = true
	}
	switch c.Kind {
	case KindGlobalMaxPooling1D, KindGlobalAveragePooling1D, KindGlobalMaxPooling2D, KindGlobalAveragePooling2D,
		KindGlobalMaxPooling3D, KindGlobalAveragePooling3D:
		l.global = true
	}
	switch c.Kind {
	case KindMaxPooling1D, KindAveragePooling1D, KindGlobalMaxPooling1D, KindGlobalAveragePooling1D:
		l.oneD = true
	case KindMaxPooling3D, KindAveragePooling3D, KindGlobalMaxPooling3D, KindGlobalAveragePooling3D:
		l.threeD = true
	}

	var err error
	if l.chFirst, err = channelsFirst(c.DataFormat); err != nil {
		return nil, err
	}
	if l.global {
		return l, nil
	}
	n := 2
	switch {
	case l.oneD:
		n = 1
	case l.threeD:
		n = 3
	}
	ps, err := c.PoolSize.expand(n, 2)
	if err != nil {
		return nil, err
	}
	st, err := c.Strides.expand(n, 0)
	if err != nil {
		return nil, err
	}
	if l.oneD {
		ps, st = append(ps, 1), append(st, 1)
	}
	for i := range ps {
		if st[i] == 0 {
			st[i] = ps[i]
		}
		if ps[i] <= 0 || st[i] <= 0 {
			return nil, errdefs.Configf("pool_size %v strides %v", ps, st)
		}
	}
	l.pool, l.strides = ps, st
	switch c.Padding {
	case "", "valid":
	case "same":
		l.same = true
	default:
		return nil, errdefs.Configf("padding %q", c.Padding)
	}
	return l, nil
}

func (l *Pooling) input(shape []int) (spatial, error) {
	if !l.oneD {
		return newSpatial(shape, l.chFirst)
	}
	if len(shape) != 2 {
		return spatial{}, errdefs.Shapef("expected [steps, features], got %v", shape)
	}
	if l.chFirst {
		return spatial{h: shape[1], w: 1, c: shape[0], channelsFirst: true}, nil
	}
	return spatial{h: shape[0], w: 1, c: shape[1]}, nil
}

func (l *Pooling) build(shape []int) (*windowMap, error) {
	if l.threeD {
		return l.build3D(shape)
	}
	in, err := l.input(shape)
	if err != nil {
		return nil, err
	}
	if l.global {
		w := &windowMap{shape: []int{in.c}, depth: in.h * in.w, index: make([]int32, in.c*in.h*in.w)}
		for c := 0; c < in.c; c++ {
			for i := 0; i < in.h; i++ {
				for j := 0; j < in.w; j++ {
					w.index[c*w.depth+i*in.w+j] = int32(in.flat(i, j, c))
				}
			}
		}
		return w, nil
	}

	outH, padT, err := convOutput(in.h, l.pool[0], l.strides[0], 1, l.same)
	if err != nil {
		return nil, err
	}
	outW, padL, err := convOutput(in.w, l.pool[1], l.strides[1], 1, l.same)
	if err != nil {
		return nil, err
	}
	out := spatial{h: outH, w: outW, c: in.c, channelsFirst: in.channelsFirst}
	shape = out.shape()
	if l.oneD {
		shape = []int{outH, in.c}
		if l.chFirst {
			shape = []int{in.c, outH}
		}
	}
	depth := l.pool[0] * l.pool[1]
	w := &windowMap{shape: shape, depth: depth, index: make([]int32, outH*outW*in.c*depth)}
	for oi := 0; oi < outH; oi++ {
		for oj := 0; oj < outW; oj++ {
			for c := 0; c < in.c; c++ {
				base := out.flat(oi, oj, c) * depth
				for pi := 0; pi < l.pool[0]; pi++ {
					for pj := 0; pj < l.pool[1]; pj++ {
						ii, jj := oi*l.strides[0]-padT+pi, oj*l.strides[1]-padL+pj
						slot := base + pi*l.pool[1] + pj
						if ii < 0 || ii >= in.h || jj < 0 || jj >= in.w {
							w.index[slot] = -1
							continue
						}
						w.index[slot] = int32(in.flat(ii, jj, c))
					}
				}
			}
		}
	}
	return w, nil
}

// build3D maps volumes of [d1, d2, d3, channels], or [channels, d1, d2, d3]
// when channels come first.
func (l *Pooling) build3D(shape []int) (*windowMap, error) {
	if len(shape) != 4 {
		return nil, errdefs.Shapef("expected a rank 4 volume, got %v", shape)
	}
	dims, ch := shape[:3], shape[3]
	if l.chFirst {
		dims, ch = shape[1:], shape[0]
	}
	cells := dims[0] * dims[1] * dims[2]
	at := func(cell, c int) int32 {
		if l.chFirst {
			return int32(c*cells + cell)
		}
		return int32(cell*ch + c)
	}

	if l.global {
		w := &windowMap{shape: []int{ch}, depth: cells, index: make([]int32, ch*cells)}
		for c := 0; c < ch; c++ {
			for cell := 0; cell < cells; cell++ {
				w.index[c*cells+cell] = at(cell, c)
			}
		}
		return w, nil
	}

	outDims, pads := make([]int, 3), make([]int, 3)
	for i := range dims {
		var err error
		if outDims[i], pads[i], err = convOutput(dims[i], l.pool[i], l.strides[i], 1, l.same); err != nil {
			return nil, err
		}
	}
	outCells := outDims[0] * outDims[1] * outDims[2]
	outShape := []int{outDims[0], outDims[1], outDims[2], ch}
	if l.chFirst {
		outShape = []int{ch, outDims[0], outDims[1], outDims[2]}
	}
	depth := l.pool[0] * l.pool[1] * l.pool[2]
	w := &windowMap{shape: outShape, depth: depth, index: make([]int32, outCells*ch*depth)}
	in := make([]int, 3)
	forEachIndex(outDims, func(o int, oi []int) {
		forEachIndex(l.pool, func(slot int, pi []int) {
			inside := true
			for a := range in {
				in[a] = oi[a]*l.strides[a] - pads[a] + pi[a]
				inside = inside && in[a] >= 0 && in[a] < dims[a]
			}
			cell := flatIndex(dims, in)
			for c := 0; c < ch; c++ {
				out := o*ch + c
				if l.chFirst {
					out = c*outCells + o
				}
				if !inside {
					w.index[out*depth+slot] = -1
					continue
				}
				w.index[out*depth+slot] = at(cell, c)
			}
		})
	})
	return w, nil
}

func (l *Pooling) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := unary(inputs)
	if err != nil {
		return nil, l.wrap(err)
	}
	out, err := l.call(x)
	return out, l.wrap(err)
}

func (l *Pooling) call(x *tensor.Tensor) (*tensor.Tensor, error) {
	key := fmt.Sprint(x.LogicalShape())
	if key != l.mapKey {
		w, err := l.build(x.LogicalShape())
		if err != nil {
			return nil, err
		}
		l.window, l.mapKey = w, key
	}
	if !l.gpu() {
		return l.window.reduceCPU(x, l.isMax)
	}

	r := l.resources(shapeKey(x))
	d, err := r.input("x", x)
	if err != nil {
		return nil, err
	}
	out, err := r.output("out", l.window.shape, tensor.PlaceRows)
	if err != nil {
		return nil, err
	}
	phys := out.PhysicalShape()
	maps, err := r.indexGroup("window", []int{phys[0], phys[1], l.window.depth}, device.Texture3D, 2, func() ([][]int32, error) {
		return l.window.physical(out, d)
	})
	if err != nil {
		return nil, err
	}
	mode := "average"
	if l.isMax {
		mode = "max"
	}
	err = r.run(device.Source(device.ProgramPool, mode), out,
		[]device.Binding{bind("x", d), bind("rowIndexMap", maps[0]), bind("colIndexMap", maps[1])})
	if err != nil {
		return nil, err
	}
	return out, nil
}

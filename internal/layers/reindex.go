package layers

import (
	"fmt"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// gatherMap is a pure data movement. Output logical cell i copies logical
// cell index[i] of source source[i], or is zero when index[i] is negative.
// A nil source slice reads everything from the first source.
type gatherMap struct {
	shape  []int
	index  []int32
	source []int32
}

func newGatherMap(shape []int) (*gatherMap, error) {
	n, err := tensor.Size(shape)
	if err != nil {
		return nil, err
	}
	return &gatherMap{shape: shape, index: make([]int32, n)}, nil
}

// identityMap keeps every cell in place; applied on the GPU it changes only
// the physical layout.
func identityMap(shape []int) *gatherMap {
	n, _ := tensor.Size(shape)
	g := &gatherMap{shape: shape, index: make([]int32, n)}
	for i := range g.index {
		g.index[i] = int32(i)
	}
	return g
}

func (g *gatherMap) src(i int) int {
	if g.source == nil {
		return 0
	}
	return int(g.source[i])
}

func (g *gatherMap) applyCPU(srcs ...*tensor.Tensor) (*tensor.Tensor, error) {
	hosts := make([][]float32, len(srcs))
	for i, s := range srcs {
		l, err := host(s)
		if err != nil {
			return nil, err
		}
		hosts[i] = l.Data()
	}
	out := make([]float32, len(g.index))
	for i, idx := range g.index {
		if idx < 0 {
			continue
		}
		out[i] = hosts[g.src(i)][idx]
	}
	return tensor.New(g.shape, out)
}

// applyGPU runs the gather program into out. The logical map is translated
// into physical coordinates of the sources, one entry per physical output
// cell, and cached in r under name.
func (g *gatherMap) applyGPU(r *resources, name string, out *tensor.Tensor, srcs ...*tensor.Tensor) error {
	phys := out.PhysicalShape()
	multi := len(srcs) > 1
	n := 2
	if multi {
		n = 3
	}
	maps, err := r.indexGroup(name, phys, device.Texture2D, n, func() ([][]int32, error) {
		return g.physical(out, srcs, multi)
	})
	if err != nil {
		return err
	}

	inputs := []device.Binding{bind("rowIndexMap", maps[0]), bind("colIndexMap", maps[1])}
	if multi {
		inputs = append(inputs, bind("sourceIndexMap", maps[2]))
		for i, s := range srcs {
			inputs = append(inputs, bind(fmt.Sprintf("x%d", i), s))
		}
	} else {
		inputs = append(inputs, bind("x", srcs[0]))
	}
	return r.run(device.ProgramGather, out, inputs)
}

func (g *gatherMap) physical(out *tensor.Tensor, srcs []*tensor.Tensor, multi bool) ([][]int32, error) {
	om, err := out.IndexMap()
	if err != nil {
		return nil, err
	}
	if len(om.Row) != len(g.index) {
		return nil, errdefs.Shapef("gather output holds %d cells, map %d", len(om.Row), len(g.index))
	}
	sms := make([]*tensor.IndexMap, len(srcs))
	for i, s := range srcs {
		if sms[i], err = s.IndexMap(); err != nil {
			return nil, err
		}
	}

	phys := out.PhysicalShape()
	cells := phys[0] * phys[1]
	rows := make([]int32, cells)
	cols := make([]int32, cells)
	var sel []int32
	if multi {
		sel = make([]int32, cells)
	}
	for i := range rows {
		rows[i] = -1
	}
	for i, idx := range g.index {
		if idx < 0 {
			continue
		}
		p := int(om.Row[i])*phys[1] + int(om.Col[i])
		s := g.src(i)
		rows[p] = sms[s].Row[idx]
		cols[p] = sms[s].Col[idx]
		if multi {
			sel[p] = int32(s)
		}
	}
	if multi {
		return [][]int32{rows, cols, sel}, nil
	}
	return [][]int32{rows, cols}, nil
}

// mapCache keeps the gather map of the last seen input shapes.
type mapCache struct {
	key string
	m   *gatherMap
}

func (c *mapCache) get(key string, build func() (*gatherMap, error)) (*gatherMap, error) {
	if c.m != nil && c.key == key {
		return c.m, nil
	}
	m, err := build()
	if err != nil {
		return nil, err
	}
	c.key, c.m = key, m
	return m, nil
}

// forEachIndex visits every multi-index of shape in row-major order. idx is
// reused between calls.
func forEachIndex(shape []int, fn func(flat int, idx []int)) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	idx := make([]int, len(shape))
	for i := 0; i < n; i++ {
		fn(i, idx)
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
}

func flatIndex(shape, idx []int) int {
	off := 0
	for i, v := range idx {
		off = off*shape[i] + v
	}
	return off
}

// reindex is the layer form of a gatherMap: every kind that only moves data
// supplies a map builder and shares the CPU and GPU paths.
type reindex struct {
	base
	build func(shapes [][]int) (*gatherMap, error)
	maps  mapCache
}

func (l *reindex) Call(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	if l.kind != KindConcatenate {
		if _, err := unary(inputs); err != nil {
			return nil, l.wrap(err)
		}
	} else if len(inputs) < 2 {
		return nil, l.wrap(errdefs.Shapef("concatenate needs at least 2 inputs, got %d", len(inputs)))
	}

	shapes := make([][]int, len(inputs))
	for i, x := range inputs {
		shapes[i] = x.LogicalShape()
	}
	g, err := l.maps.get(fmt.Sprint(shapes), func() (*gatherMap, error) { return l.build(shapes) })
	if err != nil {
		return nil, l.wrap(err)
	}

	if !l.gpu() {
		out, err := g.applyCPU(inputs...)
		return out, l.wrap(err)
	}

	r := l.resources(shapeKey(inputs...))
	srcs := make([]*tensor.Tensor, len(inputs))
	for i, x := range inputs {
		if srcs[i], err = r.input(fmt.Sprintf("x%d", i), x); err != nil {
			return nil, l.wrap(err)
		}
	}
	out, err := r.output("out", g.shape, tensor.PlaceAuto)
	if err != nil {
		return nil, l.wrap(err)
	}
	if err := g.applyGPU(r, "map", out, srcs...); err != nil {
		return nil, l.wrap(err)
	}
	return out, nil
}

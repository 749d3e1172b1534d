package tensor

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-nock/internal/errdefs"
)

// IndexMap gives, for every cell of a logical shape in row-major order, the
// (row, col) coordinate of that cell in a 2-D physical layout.
type IndexMap struct {
	Shape []int
	Row   []int32
	Col   []int32
}

// Physical returns the physical coordinate of logical flat index i.
func (m *IndexMap) Physical(i int) (row, col int) {
	return int(m.Row[i]), int(m.Col[i])
}

// rowsLayout builds the map of ReshapeTo2D(axis) for shape.
func rowsLayout(shape []int, axis int) (*IndexMap, int, int) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	cols := shape[axis]
	rows := n / cols
	m := &IndexMap{Shape: append([]int(nil), shape...), Row: make([]int32, n), Col: make([]int32, n)}

	idx := make([]int, len(shape))
	for i := 0; i < n; i++ {
		row := 0
		for d, v := range idx {
			if d != axis {
				row = row*shape[d] + v
			}
		}
		m.Row[i] = int32(row)
		m.Col[i] = int32(idx[axis])

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return m, rows, cols
}

func squareSide(n int) int {
	side := int(math.Ceil(math.Sqrt(float64(n))))
	for side*side < n {
		side++
	}
	return side
}

func squareLayout(shape []int, n int) (*IndexMap, int) {
	side := squareSide(n)
	m := &IndexMap{Shape: append([]int(nil), shape...), Row: make([]int32, n), Col: make([]int32, n)}
	for i := 0; i < n; i++ {
		m.Row[i] = int32(i / side)
		m.Col[i] = int32(i % side)
	}
	return m, side
}

// naturalLayout maps a rank 1 or 2 shape onto its own texture layout; rank 1
// occupies a single row.
func naturalLayout(shape []int) *IndexMap {
	n := 1
	for _, d := range shape {
		n *= d
	}
	cols := shape[len(shape)-1]
	m := &IndexMap{Shape: append([]int(nil), shape...), Row: make([]int32, n), Col: make([]int32, n)}
	for i := 0; i < n; i++ {
		m.Row[i] = int32(i / cols)
		m.Col[i] = int32(i % cols)
	}
	return m
}

func (t *Tensor) normalizeAxis(axis int) (int, error) {
	rank := len(t.shape)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, errdefs.Shapef("axis %d out of range for rank %d", axis, rank)
	}
	return axis, nil
}

// ReshapeTo2D flattens every axis except axis into rows; axis becomes the
// columns. The index map needed to invert the reshape is kept on the tensor.
func (t *Tensor) ReshapeTo2D(axis int) error {
	if t.layout != LayoutNatural {
		return ErrAlreadyReshaped
	}
	if err := t.Sync(); err != nil {
		return err
	}
	ax, err := t.normalizeAxis(axis)
	if err != nil {
		return err
	}
	m, rows, cols := rowsLayout(t.shape, ax)
	data := make([]float32, len(t.data))
	for i, v := range t.data {
		data[int(m.Row[i])*cols+int(m.Col[i])] = v
	}
	t.setLayout(Layout2D, ax, m, []int{rows, cols}, data)
	return nil
}

// ReshapeFrom2D inverts ReshapeTo2D.
func (t *Tensor) ReshapeFrom2D() error {
	if t.layout != Layout2D {
		return ErrNotReshaped
	}
	return t.restore()
}

// ReshapeTo2DSquare flattens the tensor and packs it into the smallest
// square of side ceil(sqrt(n)), padding the tail with zeros.
func (t *Tensor) ReshapeTo2DSquare() error {
	if t.layout != LayoutNatural {
		return ErrAlreadyReshaped
	}
	if err := t.Sync(); err != nil {
		return err
	}
	m, side := squareLayout(t.shape, len(t.data))
	data := make([]float32, side*side)
	copy(data, t.data)
	t.setLayout(LayoutSquare, 0, m, []int{side, side}, data)
	return nil
}

// ReshapeFrom2DSquare inverts ReshapeTo2DSquare.
func (t *Tensor) ReshapeFrom2DSquare() error {
	if t.layout != LayoutSquare {
		return ErrNotReshaped
	}
	return t.restore()
}

func (t *Tensor) setLayout(l Layout, axis int, m *IndexMap, shape []int, data []float32) {
	t.originalShape = append([]int(nil), t.shape...)
	t.layout = l
	t.axis = axis
	t.index = m
	t.shape = shape
	t.data = data
	t.dropStaleMirror()
}

// restore rebuilds natural-order data from the physical layout.
func (t *Tensor) restore() error {
	if err := t.Sync(); err != nil {
		return err
	}
	data := gatherLogical(t.data, t.shape[1], t.index)
	t.shape = t.originalShape
	t.originalShape = nil
	t.layout = LayoutNatural
	t.axis = 0
	t.index = nil
	t.data = data
	t.dropStaleMirror()
	return nil
}

// dropStaleMirror releases a mirror whose physical shape no longer matches.
func (t *Tensor) dropStaleMirror() {
	if t.texture == nil {
		return
	}
	t.backend.DeleteTexture(t.texture)
	t.texture = nil
	t.backend = nil
}

func gatherLogical(physical []float32, cols int, m *IndexMap) []float32 {
	out := make([]float32, len(m.Row))
	for i := range out {
		out[i] = physical[int(m.Row[i])*cols+int(m.Col[i])]
	}
	return out
}

// IndexMap returns the map from logical cells to physical coordinates of the
// current layout. Natural tensors of rank 1 or 2 get the identity layout of
// their texture; natural tensors of higher rank have no 2-D layout.
func (t *Tensor) IndexMap() (*IndexMap, error) {
	if t.layout != LayoutNatural {
		return t.index, nil
	}
	if len(t.shape) > 2 {
		return nil, fmt.Errorf("rank %d tensor has no 2-D layout", len(t.shape))
	}
	return naturalLayout(t.shape), nil
}

// PhysicalShape is the 2-D (or, for 3-D textures, 3-D) shape of the texture
// layout of the tensor.
func (t *Tensor) PhysicalShape() []int {
	if len(t.shape) == 1 {
		return []int{1, t.shape[0]}
	}
	return t.shape
}

// RowsAxis returns the axis a Layout2D tensor was reshaped around.
func (t *Tensor) RowsAxis() int { return t.axis }

// SameLayout reports whether two tensors place equal logical cells at equal
// physical coordinates.
func SameLayout(a, b *Tensor) bool {
	if !EqualShapes(a.LogicalShape(), b.LogicalShape()) || !EqualShapes(a.PhysicalShape(), b.PhysicalShape()) {
		return false
	}
	if a.layout == b.layout {
		return a.layout != Layout2D || a.axis == b.axis
	}
	// A rank 2 tensor reshaped around its last axis is laid out naturally.
	isRows := func(t *Tensor) bool {
		return t.layout == LayoutNatural || (t.layout == Layout2D && t.axis == len(t.originalShape)-1)
	}
	return isRows(a) && isRows(b) && len(a.LogicalShape()) <= 2
}

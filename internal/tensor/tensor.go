// Package tensor implements a row-major float32 tensor with an optional
// texture mirror on a compute backend.
//
// Textures are limited to two or three dimensions, so tensors of higher rank
// are reshaped to 2-D before upload. A reshaped tensor remembers its original
// shape and an index map from every logical cell to its physical (row, col)
// coordinate, which is how the reshape is inverted after read-back and how
// gather programs address it.
package tensor

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/errdefs"
)

var (
	// ErrAlreadyReshaped is returned by a forward reshape on a tensor that
	// has not been restored since its last reshape.
	ErrAlreadyReshaped = errors.New("tensor already reshaped")
	// ErrNotReshaped is returned by an inverse reshape with no matching forward reshape.
	ErrNotReshaped = errors.New("tensor not reshaped")
)

// Layout describes how a tensor's logical cells are arranged in Data.
type Layout int

const (
	// LayoutNatural is plain row-major order of Shape.
	LayoutNatural Layout = iota
	// Layout2D is the result of ReshapeTo2D.
	Layout2D
	// LayoutSquare is the result of ReshapeTo2DSquare.
	LayoutSquare
)

func (l Layout) String() string {
	switch l {
	case LayoutNatural:
		return "natural"
	case Layout2D:
		return "2d"
	case LayoutSquare:
		return "square"
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

// Tensor is a dense float32 tensor. len(Data()) == product(Shape()) always.
type Tensor struct {
	shape []int
	data  []float32

	layout        Layout
	axis          int
	originalShape []int
	index         *IndexMap

	backend   device.Backend
	texture   *device.Texture
	hostStale bool
}

// New creates a tensor of the given shape. It takes ownership of data; a nil
// data slice zero-fills the tensor.
func New(shape []int, data []float32) (*Tensor, error) {
	n, err := Size(shape)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = make([]float32, n)
	} else if len(data) != n {
		return nil, errdefs.Shapef("data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: data}, nil
}

// Zeros creates a zero-filled tensor. It panics on a non-positive dimension.
func Zeros(shape ...int) *Tensor {
	t, err := New(shape, nil)
	if err != nil {
		panic(err)
	}
	return t
}

// FromSlice copies data into a new tensor.
func FromSlice(shape []int, data []float32) (*Tensor, error) {
	return New(shape, append([]float32(nil), data...))
}

// Size returns the element count of shape.
func Size(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, errdefs.Shapef("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, errdefs.Shapef("non-positive dimension in %v", shape)
		}
		n *= d
	}
	return n, nil
}

// Strides returns the row-major strides of shape.
func Strides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// Shape returns the current shape. Callers must not modify it.
func (t *Tensor) Shape() []int { return t.shape }

// Rank returns len(Shape()).
func (t *Tensor) Rank() int { return len(t.shape) }

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.data) }

// Data returns the host buffer in the current layout. Callers must not
// modify a tensor they borrowed.
func (t *Tensor) Data() []float32 { return t.data }

// Layout returns the current layout.
func (t *Tensor) Layout() Layout { return t.layout }

// LogicalShape is the shape before any reshape.
func (t *Tensor) LogicalShape() []int {
	if t.layout != LayoutNatural {
		return t.originalShape
	}
	return t.shape
}

// At returns the element at the given multi-index of the current shape.
func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

// Set stores v at the given multi-index of the current shape.
func (t *Tensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("index %v for shape %v", idx, t.shape))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("index %v out of range for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + v
	}
	return off
}

// ReplaceData substitutes the contents in place. If the tensor has a
// texture mirror the new values are uploaded into the existing texture.
func (t *Tensor) ReplaceData(data []float32) error {
	if len(data) != len(t.data) {
		return errdefs.Shapef("replacement length %d does not match %d", len(data), len(t.data))
	}
	copy(t.data, data)
	t.hostStale = false
	if t.texture != nil {
		if err := t.backend.UpdateTexture(t.texture, 0, t.data); err != nil {
			return fmt.Errorf("re-upload: %w", err)
		}
	}
	return nil
}

// Clone returns a host copy with the same shape and layout, without a mirror.
func (t *Tensor) Clone() (*Tensor, error) {
	if err := t.Sync(); err != nil {
		return nil, err
	}
	c := &Tensor{
		shape:         append([]int(nil), t.shape...),
		data:          append([]float32(nil), t.data...),
		layout:        t.layout,
		axis:          t.axis,
		originalShape: append([]int(nil), t.originalShape...),
		index:         t.index,
	}
	return c, nil
}

// Reshape returns a host tensor with the same logical data and a new shape
// of equal size.
func (t *Tensor) Reshape(shape []int) (*Tensor, error) {
	n, err := Size(shape)
	if err != nil {
		return nil, err
	}
	l, err := t.Logical()
	if err != nil {
		return nil, err
	}
	if n != l.Len() {
		return nil, errdefs.Shapef("cannot reshape %v to %v", l.shape, shape)
	}
	return New(shape, append([]float32(nil), l.data...))
}

// EqualShapes reports whether two shapes are identical.
func EqualShapes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, layout=%s, gpu=%v)", t.LogicalShape(), t.layout, t.texture != nil)
}

package tensor

import (
	"fmt"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/errdefs"
)

// ToGPU uploads the tensor to a texture on b. Rank 1 tensors occupy a single
// row; rank 3 tensors need a 3-D texture kind; higher ranks must be reshaped
// first. An existing mirror on the same backend is updated in place.
func (t *Tensor) ToGPU(b device.Backend, kind device.TextureKind, format device.Format) error {
	if t.texture != nil && t.backend == b {
		if err := b.UpdateTexture(t.texture, 0, t.data); err != nil {
			return err
		}
		t.hostStale = false
		return nil
	}
	t.Release()

	shape := t.PhysicalShape()
	switch {
	case len(shape) == 3 && kind == device.Texture2D:
		return errdefs.Shapef("rank 3 tensor needs a 3-D texture kind")
	case len(shape) > 3:
		return errdefs.Shapef("rank %d tensor must be reshaped before upload", len(shape))
	}
	tex, err := b.CreateTexture(shape, kind, format, t.data)
	if err != nil {
		return fmt.Errorf("create texture: %w", err)
	}
	t.backend = b
	t.texture = tex
	t.hostStale = false
	return nil
}

// FromGPU reads the texture back into the host buffer, destroys the mirror
// and, if the tensor was reshaped, restores its original rank.
func (t *Tensor) FromGPU() error {
	if t.texture == nil {
		return fmt.Errorf("tensor has no texture mirror")
	}
	if err := t.Sync(); err != nil {
		return err
	}
	t.Release()
	switch t.layout {
	case Layout2D:
		return t.ReshapeFrom2D()
	case LayoutSquare:
		return t.ReshapeFrom2DSquare()
	}
	return nil
}

// Sync refreshes the host buffer from the texture after programs wrote it.
func (t *Tensor) Sync() error {
	if !t.hostStale || t.texture == nil {
		return nil
	}
	data, err := t.backend.ReadTexture(t.texture)
	if err != nil {
		return fmt.Errorf("read texture: %w", err)
	}
	if len(data) != len(t.data) {
		return fmt.Errorf("texture holds %d values, tensor %d", len(data), len(t.data))
	}
	copy(t.data, data)
	t.hostStale = false
	return nil
}

// Logical returns a host tensor in natural layout holding the current values.
// A natural tensor without a stale mirror is returned as is.
func (t *Tensor) Logical() (*Tensor, error) {
	if err := t.Sync(); err != nil {
		return nil, err
	}
	if t.layout == LayoutNatural {
		return t, nil
	}
	data := gatherLogical(t.data, t.shape[1], t.index)
	return &Tensor{shape: append([]int(nil), t.originalShape...), data: data}, nil
}

// Release deletes the texture mirror, keeping host data as last synced.
func (t *Tensor) Release() {
	if t.texture == nil {
		return
	}
	t.backend.DeleteTexture(t.texture)
	t.texture = nil
	t.backend = nil
	t.hostStale = false
}

// Texture returns the mirror or nil.
func (t *Tensor) Texture() *device.Texture { return t.texture }

// OnGPU reports whether the tensor has a texture mirror.
func (t *Tensor) OnGPU() bool { return t.texture != nil }

// MarkDeviceWritten records that a program wrote the texture, so the host
// buffer must be re-read before use.
func (t *Tensor) MarkDeviceWritten() { t.hostStale = true }

// Placement selects the physical layout of a device tensor.
type Placement int

const (
	// PlaceAuto uses the row layout when it fits the texture limit and a
	// square tile otherwise.
	PlaceAuto Placement = iota
	// PlaceRows uses the natural layout for rank 1 and 2 and ReshapeTo2D
	// around the last axis for higher ranks.
	PlaceRows
	// PlaceSquare always uses a square tile.
	PlaceSquare
)

// NewOnDevice allocates a zeroed device tensor of the given logical shape,
// ready to be written by programs.
func NewOnDevice(b device.Backend, shape []int, place Placement) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	max := b.MaxTextureSize()
	fits := func(s []int) bool { return s[0] <= max && s[len(s)-1] <= max }

	if place == PlaceAuto {
		place = PlaceRows
		if !fits(rowsShape(shape)) {
			place = PlaceSquare
		}
	}
	switch place {
	case PlaceRows:
		if !fits(rowsShape(shape)) {
			return nil, errdefs.Unsupportedf("shape %v exceeds max texture size %d", shape, max)
		}
		if len(shape) > 2 {
			m, rows, cols := rowsLayout(shape, len(shape)-1)
			t.setLayout(Layout2D, len(shape)-1, m, []int{rows, cols}, t.data)
		}
	case PlaceSquare:
		m, side := squareLayout(shape, len(t.data))
		if side > max {
			return nil, errdefs.Unsupportedf("shape %v exceeds max texture size %d", shape, max)
		}
		t.setLayout(LayoutSquare, 0, m, []int{side, side}, make([]float32, side*side))
	}
	if err := t.ToGPU(b, device.Texture2D, device.FormatFloat); err != nil {
		return nil, err
	}
	t.hostStale = true
	return t, nil
}

func rowsShape(shape []int) []int {
	if len(shape) == 1 {
		return []int{1, shape[0]}
	}
	cols := shape[len(shape)-1]
	rows := 1
	for _, d := range shape[:len(shape)-1] {
		rows *= d
	}
	return []int{rows, cols}
}

// IntTexture uploads integer index data as an int-format texture of the
// given physical shape.
func IntTexture(b device.Backend, shape []int, kind device.TextureKind, values []int32) (*Tensor, error) {
	data := make([]float32, len(values))
	for i, v := range values {
		data[i] = float32(v)
	}
	t, err := New(shape, data)
	if err != nil {
		return nil, err
	}
	if err := t.ToGPU(b, kind, device.FormatInt); err != nil {
		return nil, err
	}
	return t, nil
}

// NewOnDeviceLike allocates a zeroed device tensor with the logical shape and
// physical layout of x.
func NewOnDeviceLike(b device.Backend, x *Tensor) (*Tensor, error) {
	t := &Tensor{
		shape:  append([]int(nil), x.shape...),
		data:   make([]float32, len(x.data)),
		layout: x.layout,
		axis:   x.axis,
		index:  x.index,
	}
	if x.layout != LayoutNatural {
		t.originalShape = append([]int(nil), x.originalShape...)
	}
	if err := t.ToGPU(b, device.Texture2D, device.FormatFloat); err != nil {
		return nil, err
	}
	t.hostStale = true
	return t, nil
}

// Upload copies the logical values of x into a new device tensor on b.
func Upload(b device.Backend, x *Tensor, place Placement) (*Tensor, error) {
	l, err := x.Logical()
	if err != nil {
		return nil, err
	}
	t, err := NewOnDevice(b, l.shape, place)
	if err != nil {
		return nil, err
	}
	if err := t.WriteLogical(l.data); err != nil {
		t.Release()
		return nil, err
	}
	return t, nil
}

// WriteLogical stores values given in natural order into the physical layout
// and re-uploads the mirror if there is one.
func (t *Tensor) WriteLogical(values []float32) error {
	if t.layout == LayoutNatural {
		return t.ReplaceData(values)
	}
	if len(values) != len(t.index.Row) {
		return errdefs.Shapef("%d values for logical shape %v", len(values), t.originalShape)
	}
	clear(t.data)
	cols := t.shape[1]
	for i, v := range values {
		t.data[int(t.index.Row[i])*cols+int(t.index.Col[i])] = v
	}
	t.hostStale = false
	if t.texture != nil {
		if err := t.backend.UpdateTexture(t.texture, 0, t.data); err != nil {
			return fmt.Errorf("re-upload: %w", err)
		}
	}
	return nil
}

// Backend returns the backend holding the mirror, or nil.
func (t *Tensor) Backend() device.Backend { return t.backend }

// RowsLayout reports whether the last logical axis runs along the physical
// columns, with one physical row per combination of the leading axes.
func (t *Tensor) RowsLayout() bool {
	switch t.layout {
	case LayoutNatural:
		return len(t.shape) <= 2
	case Layout2D:
		return t.axis == len(t.originalShape)-1
	}
	return false
}

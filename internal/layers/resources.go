package layers

import (
	"fmt"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// resources is the per-layer cache of GPU objects. Programs, weight textures
// and recurrent state live as long as the layer stays on its backend; index
// maps and intermediate tensors depend on the input shape and are rebuilt
// when it changes.
type resources struct {
	backend device.Backend
	kind    string
	layer   string
	key     string

	programs map[string]device.Program
	shaped   map[string]*tensor.Tensor
	weights  map[string]*tensor.Tensor
	state    map[string]*tensor.Tensor
}

func newResources(b device.Backend, kind, layer string) *resources {
	return &resources{
		backend:  b,
		kind:     kind,
		layer:    layer,
		programs: make(map[string]device.Program),
		shaped:   make(map[string]*tensor.Tensor),
		weights:  make(map[string]*tensor.Tensor),
		state:    make(map[string]*tensor.Tensor),
	}
}

func (r *resources) prepare(key string) {
	if key == r.key {
		return
	}
	if r.key != "" && len(r.shaped) > 0 {
		resourceInvalidations.WithLabelValues(r.kind).Inc()
	}
	releaseAll(r.shaped)
	r.key = key
}

func (r *resources) release() {
	releaseAll(r.shaped)
	releaseAll(r.weights)
	releaseAll(r.state)
	r.programs = make(map[string]device.Program)
	r.key = ""
}

func releaseAll(m map[string]*tensor.Tensor) {
	for k, t := range m {
		t.Release()
		delete(m, k)
	}
}

func (r *resources) program(source string) (device.Program, error) {
	if p, ok := r.programs[source]; ok {
		return p, nil
	}
	p, err := r.backend.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", source, err)
	}
	r.programs[source] = p
	return p, nil
}

// run dispatches source writing into out.
func (r *resources) run(source string, out *tensor.Tensor, inputs []device.Binding, uniforms ...device.Uniform) error {
	p, err := r.program(source)
	if err != nil {
		return err
	}
	if err := r.backend.Run(device.Dispatch{Program: p, Output: out.Texture(), Inputs: inputs, Uniforms: uniforms}); err != nil {
		return fmt.Errorf("run %q: %w", source, err)
	}
	out.MarkDeviceWritten()
	return nil
}

func bind(name string, t *tensor.Tensor) device.Binding {
	return device.Binding{Name: name, Texture: t.Texture()}
}

// output returns the cached shape-keyed tensor name, allocating it with the
// given logical shape on first use.
func (r *resources) output(name string, shape []int, place tensor.Placement) (*tensor.Tensor, error) {
	if t, ok := r.shaped[name]; ok {
		return t, nil
	}
	t, err := tensor.NewOnDevice(r.backend, shape, place)
	if err != nil {
		return nil, err
	}
	r.shaped[name] = t
	return t, nil
}

// outputLike is output with the layout of x.
func (r *resources) outputLike(name string, x *tensor.Tensor) (*tensor.Tensor, error) {
	if t, ok := r.shaped[name]; ok {
		return t, nil
	}
	t, err := tensor.NewOnDeviceLike(r.backend, x)
	if err != nil {
		return nil, err
	}
	r.shaped[name] = t
	return t, nil
}

// indexGroup returns the cached int textures name/0 .. name/n-1, building
// their values on first use. Index maps only change with the input shape.
func (r *resources) indexGroup(name string, shape []int, kind device.TextureKind, n int, build func() ([][]int32, error)) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, n)
	cached := true
	for i := range out {
		out[i] = r.shaped[fmt.Sprintf("%s/%d", name, i)]
		cached = cached && out[i] != nil
	}
	if cached {
		return out, nil
	}
	values, err := build()
	if err != nil {
		return nil, err
	}
	if len(values) != n {
		return nil, fmt.Errorf("index group %q: built %d maps, want %d", name, len(values), n)
	}
	for i, v := range values {
		key := fmt.Sprintf("%s/%d", name, i)
		if old := r.shaped[key]; old != nil {
			old.Release()
		}
		t, err := tensor.IntTexture(r.backend, shape, kind, v)
		if err != nil {
			return nil, err
		}
		r.shaped[key] = t
		out[i] = t
	}
	return out, nil
}

// forget releases the index group name so the next indexGroup call rebuilds it.
func (r *resources) forget(name string, n int) {
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("%s/%d", name, i)
		if t := r.shaped[key]; t != nil {
			t.Release()
			delete(r.shaped, key)
		}
	}
}

// weight uploads a host weight once, as a 2-D texture of the given physical
// shape. The layer keeps its own copy so shared weights are never mirrored.
func (r *resources) weight(name string, w *tensor.Tensor, shape []int) (*tensor.Tensor, error) {
	if t, ok := r.weights[name]; ok {
		return t, nil
	}
	l, err := w.Logical()
	if err != nil {
		return nil, err
	}
	t, err := tensor.FromSlice(shape, l.Data())
	if err != nil {
		return nil, err
	}
	if err := t.ToGPU(r.backend, device.Texture2D, device.FormatFloat); err != nil {
		return nil, err
	}
	resourceUploads.WithLabelValues(r.kind).Inc()
	r.weights[name] = t
	return t, nil
}

// constant uploads host values computed by the layer, e.g. folded batch
// normalization parameters. It shares the weight cache.
func (r *resources) constant(name string, shape []int, values []float32) (*tensor.Tensor, error) {
	if t, ok := r.weights[name]; ok {
		return t, nil
	}
	t, err := tensor.FromSlice(shape, values)
	if err != nil {
		return nil, err
	}
	if err := t.ToGPU(r.backend, device.Texture2D, device.FormatFloat); err != nil {
		return nil, err
	}
	r.weights[name] = t
	return t, nil
}

// input makes x usable as a program operand on the layer backend. Device
// tensors on the same backend are used in place; anything else is copied
// into a cached upload tensor.
func (r *resources) input(name string, x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.OnGPU() && x.Backend() == r.backend {
		return x, nil
	}
	l, err := x.Logical()
	if err != nil {
		return nil, err
	}
	if t, ok := r.shaped["upload/"+name]; ok {
		if err := t.WriteLogical(l.Data()); err != nil {
			return nil, err
		}
		return t, nil
	}
	t, err := tensor.Upload(r.backend, l, tensor.PlaceAuto)
	if err != nil {
		return nil, err
	}
	r.shaped["upload/"+name] = t
	return t, nil
}

// rows is input followed, when needed, by a gather into the row layout,
// where the last logical axis runs along the physical columns.
func (r *resources) rows(name string, x *tensor.Tensor) (*tensor.Tensor, error) {
	d, err := r.input(name, x)
	if err != nil {
		return nil, err
	}
	if d.RowsLayout() {
		return d, nil
	}
	return r.relayout("rows/"+name, d, func(shape []int) (*tensor.Tensor, error) {
		return r.output("rows/"+name, shape, tensor.PlaceRows)
	})
}

// like relayouts x, when needed, to the physical layout of ref.
func (r *resources) like(name string, x, ref *tensor.Tensor) (*tensor.Tensor, error) {
	d, err := r.input(name, x)
	if err != nil {
		return nil, err
	}
	if tensor.SameLayout(d, ref) {
		return d, nil
	}
	return r.relayout("like/"+name, d, func([]int) (*tensor.Tensor, error) {
		return r.outputLike("like/"+name, ref)
	})
}

func (r *resources) relayout(name string, d *tensor.Tensor, alloc func([]int) (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	shape := d.LogicalShape()
	out, err := alloc(shape)
	if err != nil {
		return nil, err
	}
	if err := identityMap(shape).applyGPU(r, name+"/map", out, d); err != nil {
		return nil, err
	}
	return out, nil
}

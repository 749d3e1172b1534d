package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ensure interface compliance
var _ Backend = (*SoftBackend)(nil)

// DefaultMaxTextureSize matches the common WebGL/OpenGL ES limit.
const DefaultMaxTextureSize = 16384

// SoftOptions configures a SoftBackend.
type SoftOptions struct {
	// Precision is "fp32" (default) or "fp16". fp16 stores float textures as
	// half floats, the way a half-float GPU texture would.
	Precision string
	// MaxTextureSize bounds the side of 2-D textures.
	MaxTextureSize int
}

// DefaultSoftOptions returns full-precision options.
func DefaultSoftOptions() SoftOptions {
	return SoftOptions{Precision: "fp32", MaxTextureSize: DefaultMaxTextureSize}
}

// SoftBackend executes texture programs in host memory. It implements the
// same contract a GPU driver does, so layers run their GPU path against it
// on machines without a GPU and in tests.
type SoftBackend struct {
	opts SoftOptions
	half bool

	mu       sync.Mutex
	nextID   uint64
	textures map[uint64]*softTexture
	free     map[int][][]float32 // recycled buffers by length

	programs   sync.Map // source -> *softProgram
	dispatches atomic.Int64
}

type softTexture struct {
	tex  *Texture
	data []float32 // full precision storage, also used for int textures
	half []uint16  // half precision storage
}

// NewSoftBackend creates a backend with the given options.
func NewSoftBackend(opts SoftOptions) (*SoftBackend, error) {
	if opts.MaxTextureSize <= 0 {
		opts.MaxTextureSize = DefaultMaxTextureSize
	}
	switch opts.Precision {
	case "", "fp32":
		opts.Precision = "fp32"
	case "fp16":
	default:
		return nil, fmt.Errorf("unknown precision %q", opts.Precision)
	}
	return &SoftBackend{
		opts:     opts,
		half:     opts.Precision == "fp16",
		textures: make(map[uint64]*softTexture),
		free:     make(map[int][][]float32),
	}, nil
}

func (b *SoftBackend) Name() string {
	return "soft-" + b.opts.Precision
}

func (b *SoftBackend) MaxTextureSize() int {
	return b.opts.MaxTextureSize
}

// Dispatches returns the number of programs run so far.
func (b *SoftBackend) Dispatches() int64 {
	return b.dispatches.Load()
}

// LiveTextures returns the number of textures not yet deleted.
func (b *SoftBackend) LiveTextures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.textures)
}

type softProgram struct {
	source string
	kernel kernelFunc
}

func (p *softProgram) Source() string { return p.source }

// Compile resolves program source to a kernel. Programs are cached by source.
func (b *SoftBackend) Compile(source string) (Program, error) {
	if p, ok := b.programs.Load(source); ok {
		return p.(*softProgram), nil
	}
	k, err := lookupKernel(source)
	if err != nil {
		return nil, err
	}
	p := &softProgram{source: source, kernel: k}
	actual, _ := b.programs.LoadOrStore(source, p)
	log.Debug().Str("backend", b.Name()).Str("program", source).Msg("Compiled program")
	return actual.(*softProgram), nil
}

func (b *SoftBackend) validateShape(shape []int, kind TextureKind) error {
	switch kind {
	case Texture2D:
		if len(shape) != 2 {
			return fmt.Errorf("2d texture needs rank 2 shape, got %v", shape)
		}
	case Texture2DArray, Texture3D:
		if len(shape) != 3 {
			return fmt.Errorf("%s texture needs rank 3 shape, got %v", kind, shape)
		}
	default:
		return fmt.Errorf("unknown texture kind %v", kind)
	}
	for _, d := range shape[:2] {
		if d <= 0 || d > b.opts.MaxTextureSize {
			return fmt.Errorf("texture shape %v exceeds max texture size %d", shape, b.opts.MaxTextureSize)
		}
	}
	if len(shape) == 3 && shape[2] <= 0 {
		return fmt.Errorf("invalid texture depth in %v", shape)
	}
	return nil
}

func (b *SoftBackend) CreateTexture(shape []int, kind TextureKind, format Format, data []float32) (*Texture, error) {
	if err := b.validateShape(shape, kind); err != nil {
		return nil, err
	}
	tex := &Texture{Shape: append([]int(nil), shape...), Kind: kind, Format: format}
	n := tex.Len()
	if data != nil && len(data) != n {
		return nil, fmt.Errorf("texture data length %d does not match shape %v", len(data), shape)
	}

	b.mu.Lock()
	b.nextID++
	tex.ID = b.nextID
	st := &softTexture{tex: tex}
	if b.half && format == FormatFloat {
		st.half = make([]uint16, n)
	} else {
		st.data = b.getBuffer(n)
	}
	b.textures[tex.ID] = st
	liveTextures.Set(float64(len(b.textures)))
	b.mu.Unlock()

	textureBytes.Add(float64(st.bytes()))
	if data != nil {
		st.store(0, data)
	}
	return tex, nil
}

// getBuffer returns a zeroed buffer of length n, reusing a freed one when
// possible. Caller holds b.mu.
func (b *SoftBackend) getBuffer(n int) []float32 {
	if bufs := b.free[n]; len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		b.free[n] = bufs[:len(bufs)-1]
		clear(buf)
		poolHits.Inc()
		return buf
	}
	poolMisses.Inc()
	return make([]float32, n)
}

func (b *SoftBackend) lookup(t *Texture) (*softTexture, error) {
	if t == nil {
		return nil, fmt.Errorf("nil texture")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.textures[t.ID]
	if !ok {
		return nil, fmt.Errorf("texture %d was deleted or never created", t.ID)
	}
	return st, nil
}

func (b *SoftBackend) UpdateTexture(t *Texture, offset int, data []float32) error {
	st, err := b.lookup(t)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(data) > t.Len() {
		return fmt.Errorf("update of %d texels at %d overflows texture of %d", len(data), offset, t.Len())
	}
	st.store(offset, data)
	return nil
}

func (b *SoftBackend) ReadTexture(t *Texture) ([]float32, error) {
	st, err := b.lookup(t)
	if err != nil {
		return nil, err
	}
	out := make([]float32, t.Len())
	copy(out, st.load())
	return out, nil
}

func (b *SoftBackend) DeleteTexture(t *Texture) {
	if t == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.textures[t.ID]
	if !ok {
		return
	}
	delete(b.textures, t.ID)
	if st.data != nil {
		b.free[len(st.data)] = append(b.free[len(st.data)], st.data)
	}
	textureBytes.Sub(float64(st.bytes()))
	liveTextures.Set(float64(len(b.textures)))
}

// Run executes one dispatch. The output texture must not also be bound as an
// input; recurrent programs double-buffer their state for this reason.
func (b *SoftBackend) Run(d Dispatch) error {
	p, ok := d.Program.(*softProgram)
	if !ok || p == nil {
		return fmt.Errorf("program was not compiled by %s", b.Name())
	}
	out, err := b.lookup(d.Output)
	if err != nil {
		return fmt.Errorf("%s output: %w", p.source, err)
	}

	k := &kernelCtx{
		out:      out,
		inputs:   make(map[string]*softTexture, len(d.Inputs)),
		uniforms: make(map[string]float64, len(d.Uniforms)),
	}
	for _, in := range d.Inputs {
		if in.Texture != nil && in.Texture.ID == d.Output.ID {
			return fmt.Errorf("%s: input %q aliases the output texture", p.source, in.Name)
		}
		st, err := b.lookup(in.Texture)
		if err != nil {
			return fmt.Errorf("%s input %q: %w", p.source, in.Name, err)
		}
		k.inputs[in.Name] = st
	}
	for _, u := range d.Uniforms {
		k.uniforms[u.Name] = u.Value
	}

	if err := p.kernel(k); err != nil {
		return fmt.Errorf("%s: %w", p.source, err)
	}
	b.dispatches.Add(1)
	dispatchTotal.WithLabelValues(programName(p.source)).Inc()
	return nil
}

func programName(source string) string {
	name, _ := splitSource(source)
	return name
}

func (s *softTexture) bytes() int {
	if s.half != nil {
		return len(s.half) * 2
	}
	return len(s.data) * 4
}

// load returns the texels as float32. Full precision textures return their
// storage directly.
func (s *softTexture) load() []float32 {
	if s.half == nil {
		return s.data
	}
	return decodeHalf(s.half)
}

func (s *softTexture) store(offset int, values []float32) {
	if s.half == nil {
		copy(s.data[offset:], values)
		return
	}
	encodeHalf(s.half[offset:], values)
}

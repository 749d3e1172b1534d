package device

import (
	"fmt"
	"strings"
)

// TextureKind describes how a texture is bound to a program.
type TextureKind int

const (
	// Texture2D is a rows x cols texture.
	Texture2D TextureKind = iota
	// Texture2DArray is a rows x cols x depth texture sampled per slice.
	Texture2DArray
	// Texture3D is a rows x cols x depth volume.
	Texture3D
)

func (k TextureKind) String() string {
	switch k {
	case Texture2D:
		return "2d"
	case Texture2DArray:
		return "2d_array"
	case Texture3D:
		return "3d"
	}
	return fmt.Sprintf("TextureKind(%d)", int(k))
}

// Format is the texel encoding of a texture.
type Format int

const (
	FormatFloat Format = iota
	FormatInt
)

// Texture is a handle to backend-owned storage. Shape is the physical
// layout (rank 2 or 3); backends never see the logical tensor shape.
type Texture struct {
	ID     uint64
	Shape  []int
	Kind   TextureKind
	Format Format
}

// Len returns the number of texels.
func (t *Texture) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Program is a compiled backend program.
type Program interface {
	Source() string
}

// Binding binds an input texture to a program parameter.
type Binding struct {
	Name    string
	Texture *Texture
}

// UniformKind is the scalar type of a uniform.
type UniformKind int

const (
	UniformInt UniformKind = iota
	UniformFloat
	UniformBool
)

// Uniform binds a scalar program parameter.
type Uniform struct {
	Name  string
	Kind  UniformKind
	Value float64
}

// Int builds an integer uniform.
func Int(name string, v int) Uniform { return Uniform{Name: name, Kind: UniformInt, Value: float64(v)} }

// Float builds a float uniform.
func Float(name string, v float32) Uniform {
	return Uniform{Name: name, Kind: UniformFloat, Value: float64(v)}
}

// Bool builds a boolean uniform.
func Bool(name string, v bool) Uniform {
	u := Uniform{Name: name, Kind: UniformBool}
	if v {
		u.Value = 1
	}
	return u
}

// Dispatch is one program execution writing into Output.
type Dispatch struct {
	Program  Program
	Output   *Texture
	Inputs   []Binding
	Uniforms []Uniform
}

// Backend compiles programs and executes them against bound textures.
// It owns the lifetime of every texture it creates.
type Backend interface {
	Name() string

	// MaxTextureSize is the largest supported side of a 2-D texture.
	MaxTextureSize() int

	// Compile turns program source into an executable program.
	Compile(source string) (Program, error)

	// Run executes one dispatch, writing into d.Output.
	Run(d Dispatch) error

	// CreateTexture allocates a texture with the given physical shape.
	// A nil data slice zero-fills it.
	CreateTexture(shape []int, kind TextureKind, format Format, data []float32) (*Texture, error)

	// UpdateTexture overwrites texels starting at offset without reallocating.
	UpdateTexture(t *Texture, offset int, data []float32) error

	// ReadTexture copies the texture contents back to host memory.
	ReadTexture(t *Texture) ([]float32, error)

	// DeleteTexture releases a texture. Deleting nil is a no-op.
	DeleteTexture(t *Texture)
}

// Program sources understood by backends. Parameterised programs take an
// argument after a colon, e.g. "activation:relu" or "merge:max".
const (
	ProgramCopy          = "copy"
	ProgramMatMul        = "matmul"
	ProgramGather        = "gather"
	ProgramActivation    = "activation"
	ProgramGateSum       = "gate_sum"
	ProgramGateProduct   = "gate_product"
	ProgramGRUUpdate     = "gru_update"
	ProgramLSTMState     = "lstm_state"
	ProgramTimestepRead  = "timestep_read"
	ProgramTimestepWrite = "timestep_write"
	ProgramMerge         = "merge"
	ProgramScale         = "scale"
	ProgramAffine        = "affine"
	ProgramConvTranspose = "conv_transpose"
	ProgramPool          = "pool"
)

// Source joins a program name and its argument.
func Source(name, arg string) string {
	if arg == "" {
		return name
	}
	return name + ":" + arg
}

func splitSource(source string) (name, arg string) {
	name, arg, _ = strings.Cut(strings.TrimSpace(source), ":")
	return name, arg
}

package layers

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-nock/internal/errdefs"
)

// Config is the configuration payload of one layer kind. The set of
// implementations is closed; New switches over it exhaustively.
type Config interface {
	layerKind() Kind
}

// Ints decodes a Keras int-or-list option. Nested lists such as
// ((top, bottom), (left, right)) are flattened in order.
type Ints []int

func (v *Ints) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*v = nil
		return nil
	}
	if len(b) > 0 && b[0] != '[' {
		var n int
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*v = Ints{n}
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := Ints{}
	for _, r := range raw {
		var sub Ints
		if err := sub.UnmarshalJSON(r); err != nil {
			return err
		}
		out = append(out, sub...)
	}
	*v = out
	return nil
}

// expand stretches v to n values: empty uses def, a single value repeats.
func (v Ints) expand(n, def int) ([]int, error) {
	out := make([]int, n)
	switch len(v) {
	case 0:
		for i := range out {
			out[i] = def
		}
	case 1:
		for i := range out {
			out[i] = v[0]
		}
	case n:
		copy(out, v)
	default:
		return nil, errdefs.Configf("expected 1 or %d values, got %v", n, []int(v))
	}
	return out, nil
}

type InputConfig struct {
	// BatchInputShape includes the leading batch dimension, which is null.
	BatchInputShape []*int `json:"batch_input_shape"`
}

func (InputConfig) layerKind() Kind { return KindInput }

// Shape returns the example shape without the batch dimension.
func (c InputConfig) Shape() ([]int, error) {
	if len(c.BatchInputShape) < 2 {
		return nil, errdefs.Configf("batch_input_shape %d dims", len(c.BatchInputShape))
	}
	shape := make([]int, 0, len(c.BatchInputShape)-1)
	for _, d := range c.BatchInputShape[1:] {
		if d == nil || *d <= 0 {
			return nil, errdefs.Configf("batch_input_shape must be fully defined")
		}
		shape = append(shape, *d)
	}
	return shape, nil
}

type DenseConfig struct {
	Units      int    `json:"units"`
	Activation string `json:"activation"`
	UseBias    *bool  `json:"use_bias"`
}

func (DenseConfig) layerKind() Kind { return KindDense }

// HighwayConfig configures the Keras 1 Highway layer.
type HighwayConfig struct {
	Activation string `json:"activation"`
	Bias       *bool  `json:"bias"`
}

func (HighwayConfig) layerKind() Kind { return KindHighway }

// MaxoutDenseConfig configures the Keras 1 MaxoutDense layer.
type MaxoutDenseConfig struct {
	OutputDim int   `json:"output_dim"`
	NbFeature int   `json:"nb_feature"`
	Bias      *bool `json:"bias"`
}

func (MaxoutDenseConfig) layerKind() Kind { return KindMaxoutDense }

type ActivationConfig struct {
	Activation string `json:"activation"`
}

func (ActivationConfig) layerKind() Kind { return KindActivation }

// AlphaConfig configures LeakyReLU, ELU (alpha) and ThresholdedReLU (theta).
type AlphaConfig struct {
	Kind  Kind     `json:"-"`
	Alpha *float32 `json:"alpha"`
	Theta *float32 `json:"theta"`
}

func (c AlphaConfig) layerKind() Kind { return c.Kind }

// IdentityConfig configures layers that are the identity at inference time.
type IdentityConfig struct {
	Kind Kind `json:"-"`
}

func (c IdentityConfig) layerKind() Kind { return c.Kind }

type FlattenConfig struct{}

func (FlattenConfig) layerKind() Kind { return KindFlatten }

type ReshapeConfig struct {
	TargetShape []int `json:"target_shape"`
}

func (ReshapeConfig) layerKind() Kind { return KindReshape }

type PermuteConfig struct {
	// Dims is 1-based, as in Keras.
	Dims []int `json:"dims"`
}

func (PermuteConfig) layerKind() Kind { return KindPermute }

type RepeatVectorConfig struct {
	N int `json:"n"`
}

func (RepeatVectorConfig) layerKind() Kind { return KindRepeatVector }

type BatchNormConfig struct {
	Axis    *int     `json:"axis"`
	Epsilon *float32 `json:"epsilon"`
	Center  *bool    `json:"center"`
	Scale   *bool    `json:"scale"`
}

func (BatchNormConfig) layerKind() Kind { return KindBatchNormalization }

type EmbeddingConfig struct {
	InputDim  int `json:"input_dim"`
	OutputDim int `json:"output_dim"`
}

func (EmbeddingConfig) layerKind() Kind { return KindEmbedding }

// ConvConfig configures Conv1D, Conv2D, SeparableConv2D and Conv2DTranspose.
type ConvConfig struct {
	Kind            Kind   `json:"-"`
	Filters         int    `json:"filters"`
	KernelSize      Ints   `json:"kernel_size"`
	Strides         Ints   `json:"strides"`
	Padding         string `json:"padding"`
	DataFormat      string `json:"data_format"`
	DilationRate    Ints   `json:"dilation_rate"`
	Activation      string `json:"activation"`
	UseBias         *bool  `json:"use_bias"`
	DepthMultiplier int    `json:"depth_multiplier"`
}

func (c ConvConfig) layerKind() Kind { return c.Kind }

// CropPadConfig configures ZeroPadding (Padding) and Cropping (Cropping)
// layers, amounts in Keras order.
type CropPadConfig struct {
	Kind       Kind   `json:"-"`
	Padding    Ints   `json:"padding"`
	Cropping   Ints   `json:"cropping"`
	DataFormat string `json:"data_format"`
}

func (c CropPadConfig) layerKind() Kind { return c.Kind }

type UpSamplingConfig struct {
	Kind       Kind   `json:"-"`
	Size       Ints   `json:"size"`
	DataFormat string `json:"data_format"`
}

func (c UpSamplingConfig) layerKind() Kind { return c.Kind }

// PoolingConfig configures the local and global pooling layers.
type PoolingConfig struct {
	Kind       Kind   `json:"-"`
	PoolSize   Ints   `json:"pool_size"`
	Strides    Ints   `json:"strides"`
	Padding    string `json:"padding"`
	DataFormat string `json:"data_format"`
}

func (c PoolingConfig) layerKind() Kind { return c.Kind }

type RecurrentConfig struct {
	Kind                Kind   `json:"-"`
	Units               int    `json:"units"`
	Activation          string `json:"activation"`
	RecurrentActivation string `json:"recurrent_activation"`
	UseBias             *bool  `json:"use_bias"`
	ReturnSequences     bool   `json:"return_sequences"`
	GoBackwards         bool   `json:"go_backwards"`
	Stateful            bool   `json:"stateful"`
}

func (c RecurrentConfig) layerKind() Kind { return c.Kind }

type BidirectionalConfig struct {
	MergeMode string `json:"merge_mode"`
	// Inner is the wrapped recurrent layer and InnerName its Keras name,
	// used in the weight names of both directions.
	Inner     RecurrentConfig `json:"-"`
	InnerName string          `json:"-"`
}

func (BidirectionalConfig) layerKind() Kind { return KindBidirectional }

// TimeDistributedConfig wraps a unary layer applied to every step of the
// first axis. InnerName is the Keras name of the wrapped layer.
type TimeDistributedConfig struct {
	Inner     Config `json:"-"`
	InnerName string `json:"-"`
}

func (TimeDistributedConfig) layerKind() Kind { return KindTimeDistributed }

// MergeConfig configures the merge layers. Axis applies to Concatenate,
// Axes and Normalize to Dot.
type MergeConfig struct {
	Kind      Kind `json:"-"`
	Axis      *int `json:"axis"`
	Axes      Ints `json:"axes"`
	Normalize bool `json:"normalize"`
}

func (c MergeConfig) layerKind() Kind { return c.Kind }

// legacyMergeModes maps the mode of the Keras 1 Merge layer onto merge kinds.
var legacyMergeModes = map[string]Kind{
	"sum":    KindAdd,
	"mul":    KindMultiply,
	"ave":    KindAverage,
	"max":    KindMaximum,
	"concat": KindConcatenate,
	"dot":    KindDot,
}

// ParseConfig decodes the Keras config object of a layer class.
func ParseConfig(className string, raw []byte) (Config, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	if className == "Merge" {
		return parseLegacyMerge(raw)
	}
	kind, ok := KindByName(className)
	if !ok {
		return nil, errdefs.Unsupportedf("layer class %q", className)
	}

	var cfg Config
	var err error
	switch kind {
	case KindInput:
		cfg, err = decode[InputConfig](raw)
	case KindDense:
		cfg, err = decode[DenseConfig](raw)
	case KindHighway:
		cfg, err = decode[HighwayConfig](raw)
	case KindMaxoutDense:
		cfg, err = decode[MaxoutDenseConfig](raw)
	case KindActivation:
		cfg, err = decode[ActivationConfig](raw)
	case KindLeakyReLU, KindELU, KindThresholdedReLU:
		var c AlphaConfig
		c, err = decode[AlphaConfig](raw)
		c.Kind = kind
		cfg = c
	case KindDropout, KindSpatialDropout1D, KindSpatialDropout2D, KindSpatialDropout3D, KindGaussianNoise, KindGaussianDropout:
		cfg = IdentityConfig{Kind: kind}
	case KindFlatten:
		cfg = FlattenConfig{}
	case KindReshape:
		cfg, err = decode[ReshapeConfig](raw)
	case KindPermute:
		cfg, err = decode[PermuteConfig](raw)
	case KindRepeatVector:
		cfg, err = decode[RepeatVectorConfig](raw)
	case KindBatchNormalization:
		cfg, err = decode[BatchNormConfig](raw)
	case KindEmbedding:
		cfg, err = decode[EmbeddingConfig](raw)
	case KindConv1D, KindConv2D, KindSeparableConv2D, KindConv2DTranspose:
		var c ConvConfig
		c, err = decode[ConvConfig](raw)
		c.Kind = kind
		cfg = c
	case KindZeroPadding1D, KindZeroPadding2D, KindCropping1D, KindCropping2D:
		var c CropPadConfig
		c, err = decode[CropPadConfig](raw)
		c.Kind = kind
		cfg = c
	case KindUpSampling1D, KindUpSampling2D:
		var c UpSamplingConfig
		c, err = decode[UpSamplingConfig](raw)
		c.Kind = kind
		cfg = c
	case KindMaxPooling1D, KindAveragePooling1D, KindMaxPooling2D, KindAveragePooling2D,
		KindGlobalMaxPooling1D, KindGlobalAveragePooling1D, KindGlobalMaxPooling2D, KindGlobalAveragePooling2D,
		KindMaxPooling3D, KindAveragePooling3D, KindGlobalMaxPooling3D, KindGlobalAveragePooling3D:
		var c PoolingConfig
		c, err = decode[PoolingConfig](raw)
		c.Kind = kind
		cfg = c
	case KindSimpleRNN, KindGRU, KindLSTM:
		var c RecurrentConfig
		c, err = decode[RecurrentConfig](raw)
		c.Kind = kind
		cfg = c
	case KindBidirectional:
		cfg, err = parseBidirectional(raw)
	case KindTimeDistributed:
		cfg, err = parseTimeDistributed(raw)
	case KindAdd, KindSubtract, KindMultiply, KindAverage, KindMaximum, KindMinimum, KindConcatenate, KindDot:
		var c MergeConfig
		c, err = decode[MergeConfig](raw)
		c.Kind = kind
		cfg = c
	default:
		return nil, errdefs.Unsupportedf("layer class %q", className)
	}
	if err != nil {
		return nil, fmt.Errorf("%s config: %w", className, err)
	}
	return cfg, nil
}

func decode[T any](raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, errdefs.Configf("%v", err)
	}
	return v, nil
}

func parseBidirectional(raw []byte) (Config, error) {
	var mode struct {
		MergeMode string `json:"merge_mode"`
	}
	if err := json.Unmarshal(raw, &mode); err != nil {
		return nil, errdefs.Configf("%v", err)
	}
	inner, name, err := wrapped(raw)
	if err != nil {
		return nil, err
	}
	rc, ok := inner.(RecurrentConfig)
	if !ok {
		return nil, errdefs.Configf("Bidirectional wraps %s, want a recurrent layer", inner.layerKind())
	}
	return BidirectionalConfig{MergeMode: mode.MergeMode, Inner: rc, InnerName: name}, nil
}

// wrapped decodes the "layer" object of a wrapper config into the inner
// config and the inner layer name.
func wrapped(raw []byte) (Config, string, error) {
	var wrapper struct {
		Layer struct {
			ClassName string          `json:"class_name"`
			Config    json.RawMessage `json:"config"`
		} `json:"layer"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, "", errdefs.Configf("%v", err)
	}
	if wrapper.Layer.ClassName == "" {
		return nil, "", errdefs.Configf("wrapper without a layer")
	}
	inner, err := ParseConfig(wrapper.Layer.ClassName, wrapper.Layer.Config)
	if err != nil {
		return nil, "", err
	}
	var named struct {
		Name string `json:"name"`
	}
	if len(wrapper.Layer.Config) > 0 {
		if err := json.Unmarshal(wrapper.Layer.Config, &named); err != nil {
			return nil, "", errdefs.Configf("%v", err)
		}
	}
	return inner, named.Name, nil
}

func parseTimeDistributed(raw []byte) (Config, error) {
	inner, name, err := wrapped(raw)
	if err != nil {
		return nil, err
	}
	switch inner.layerKind() {
	case KindInput, KindTimeDistributed:
		return nil, errdefs.Configf("TimeDistributed cannot wrap %s", inner.layerKind())
	}
	if inner.layerKind().IsMerge() {
		return nil, errdefs.Configf("TimeDistributed cannot wrap merge layer %s", inner.layerKind())
	}
	return TimeDistributedConfig{Inner: inner, InnerName: name}, nil
}

func parseLegacyMerge(raw []byte) (Config, error) {
	var m struct {
		Mode       string `json:"mode"`
		ConcatAxis *int   `json:"concat_axis"`
		DotAxes    Ints   `json:"dot_axes"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errdefs.Configf("%v", err)
	}
	if m.Mode == "" {
		m.Mode = "sum"
	}
	kind, ok := legacyMergeModes[m.Mode]
	if !ok {
		return nil, errdefs.Unsupportedf("merge mode %q", m.Mode)
	}
	return MergeConfig{Kind: kind, Axis: m.ConcatAxis, Axes: m.DotAxes}, nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float32, def float32) float32 {
	if p == nil {
		return def
	}
	return *p
}

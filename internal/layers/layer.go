// Package layers implements the layer kinds of an inference graph. Every
// layer has a CPU path working on host buffers and a GPU path that runs
// texture programs on a device.Backend; SetBackend chooses between them.
//
// Layers borrow their inputs: Call never mutates an input tensor. The result
// is either a tensor owned by the layer's GPU resource cache, a fresh host
// tensor, or, for identity layers, the borrowed input itself.
package layers

import (
	"fmt"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// Kind identifies a layer algorithm.
type Kind int

const (
	KindInput Kind = iota
	KindDense
	KindHighway
	KindMaxoutDense
	KindActivation
	KindLeakyReLU
	KindELU
	KindThresholdedReLU
	KindDropout
	KindSpatialDropout1D
	KindSpatialDropout2D
	KindSpatialDropout3D
	KindGaussianNoise
	KindGaussianDropout
	KindFlatten
	KindReshape
	KindPermute
	KindRepeatVector
	KindBatchNormalization
	KindEmbedding
	KindConv1D
	KindConv2D
	KindSeparableConv2D
	KindConv2DTranspose
	KindZeroPadding1D
	KindZeroPadding2D
	KindCropping1D
	KindCropping2D
	KindUpSampling1D
	KindUpSampling2D
	KindMaxPooling1D
	KindAveragePooling1D
	KindMaxPooling2D
	KindAveragePooling2D
	KindGlobalMaxPooling1D
	KindGlobalAveragePooling1D
	KindGlobalMaxPooling2D
	KindGlobalAveragePooling2D
	KindMaxPooling3D
	KindAveragePooling3D
	KindGlobalMaxPooling3D
	KindGlobalAveragePooling3D
	KindSimpleRNN
	KindGRU
	KindLSTM
	KindBidirectional
	KindTimeDistributed
	KindAdd
	KindSubtract
	KindMultiply
	KindAverage
	KindMaximum
	KindMinimum
	KindConcatenate
	KindDot
)

var kindNames = [...]string{
	KindInput:                  "InputLayer",
	KindDense:                  "Dense",
	KindHighway:                "Highway",
	KindMaxoutDense:            "MaxoutDense",
	KindActivation:             "Activation",
	KindLeakyReLU:              "LeakyReLU",
	KindELU:                    "ELU",
	KindThresholdedReLU:        "ThresholdedReLU",
	KindDropout:                "Dropout",
	KindSpatialDropout1D:       "SpatialDropout1D",
	KindSpatialDropout2D:       "SpatialDropout2D",
	KindSpatialDropout3D:       "SpatialDropout3D",
	KindGaussianNoise:          "GaussianNoise",
	KindGaussianDropout:        "GaussianDropout",
	KindFlatten:                "Flatten",
	KindReshape:                "Reshape",
	KindPermute:                "Permute",
	KindRepeatVector:           "RepeatVector",
	KindBatchNormalization:     "BatchNormalization",
	KindEmbedding:              "Embedding",
	KindConv1D:                 "Conv1D",
	KindConv2D:                 "Conv2D",
	KindSeparableConv2D:        "SeparableConv2D",
	KindConv2DTranspose:        "Conv2DTranspose",
	KindZeroPadding1D:          "ZeroPadding1D",
	KindZeroPadding2D:          "ZeroPadding2D",
	KindCropping1D:             "Cropping1D",
	KindCropping2D:             "Cropping2D",
	KindUpSampling1D:           "UpSampling1D",
	KindUpSampling2D:           "UpSampling2D",
	KindMaxPooling1D:           "MaxPooling1D",
	KindAveragePooling1D:       "AveragePooling1D",
	KindMaxPooling2D:           "MaxPooling2D",
	KindAveragePooling2D:       "AveragePooling2D",
	KindGlobalMaxPooling1D:     "GlobalMaxPooling1D",
	KindGlobalAveragePooling1D: "GlobalAveragePooling1D",
	KindGlobalMaxPooling2D:     "GlobalMaxPooling2D",
	KindGlobalAveragePooling2D: "GlobalAveragePooling2D",
	KindMaxPooling3D:           "MaxPooling3D",
	KindAveragePooling3D:       "AveragePooling3D",
	KindGlobalMaxPooling3D:     "GlobalMaxPooling3D",
	KindGlobalAveragePooling3D: "GlobalAveragePooling3D",
	KindSimpleRNN:              "SimpleRNN",
	KindGRU:                    "GRU",
	KindLSTM:                   "LSTM",
	KindBidirectional:          "Bidirectional",
	KindTimeDistributed:        "TimeDistributed",
	KindAdd:                    "Add",
	KindSubtract:               "Subtract",
	KindMultiply:               "Multiply",
	KindAverage:                "Average",
	KindMaximum:                "Maximum",
	KindMinimum:                "Minimum",
	KindConcatenate:            "Concatenate",
	KindDot:                    "Dot",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// KindByName resolves a Keras class name.
func KindByName(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), true
		}
	}
	return 0, false
}

// IsMerge reports whether layers of this kind take a list of inputs.
func (k Kind) IsMerge() bool {
	return k >= KindAdd && k <= KindDot
}

// Layer is one node of an inference graph.
type Layer interface {
	Name() string
	Kind() Kind
	// Params lists the weight names, in archive order, the layer expects.
	// The archive name of a weight is "<layer name>/<param>".
	Params() []string
	// SetWeights attaches weights once, keyed by param name.
	SetWeights(weights map[string]*tensor.Tensor) error
	// Call computes the layer output. Unary layers take exactly one input.
	Call(inputs []*tensor.Tensor) (*tensor.Tensor, error)
	// SetBackend selects the GPU path on b, or the CPU path when b is nil.
	SetBackend(b device.Backend)
	Backend() device.Backend
	// Stateful reports whether Call results depend on previous calls.
	Stateful() bool
	// Release frees every backend resource held by the layer.
	Release()
}

// Resetter is implemented by layers whose state survives between calls.
type Resetter interface {
	ResetStates()
}

type base struct {
	name    string
	kind    Kind
	params  []string
	weights map[string]*tensor.Tensor
	backend device.Backend
	res     *resources
}

func newBase(name string, kind Kind, params ...string) base {
	return base{name: name, kind: kind, params: params}
}

func (b *base) Name() string { return b.name }
func (b *base) Kind() Kind { return b.kind }
func (b *base) Params() []string { return b.params }
func (b *base) Backend() device.Backend { return b.backend }
func (b *base) Stateful() bool { return false }
func (b *base) gpu() bool { return b.backend != nil }
func (b *base) wrap(err error) error { return errdefs.WithLayer(b.kind.String(), b.name, err) }
func (b *base) weight(name string) *tensor.Tensor { return b.weights[name] }

func (b *base) SetBackend(be device.Backend) {
	if be != b.backend {
		b.Release()
	}
	b.backend = be
}

func (b *base) Release() {
	if b.res != nil {
		b.res.release()
		b.res = nil
	}
}

// SetWeights stores the declared params; unknown or missing names fail.
func (b *base) SetWeights(ws map[string]*tensor.Tensor) error {
	if b.weights != nil {
		return b.wrap(fmt.Errorf("weights already attached"))
	}
	for _, p := range b.params {
		if _, ok := ws[p]; !ok {
			return b.wrap(errdefs.MissingWeightf("param %q", p))
		}
	}
	b.weights = make(map[string]*tensor.Tensor, len(b.params))
	for _, p := range b.params {
		b.weights[p] = ws[p]
	}
	return nil
}

// resources returns the GPU resource cache prepared for inputs of the given
// shape signature.
func (b *base) resources(key string) *resources {
	if b.res == nil {
		b.res = newResources(b.backend, b.kind.String(), b.name)
	}
	b.res.prepare(key)
	return b.res
}

func unary(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 || inputs[0] == nil {
		return nil, errdefs.Shapef("expected exactly one input, got %d", len(inputs))
	}
	return inputs[0], nil
}

// host returns a natural-layout host view of a possibly device-resident input.
func host(x *tensor.Tensor) (*tensor.Tensor, error) {
	return x.Logical()
}

// dims is a shape check helper for layer preconditions.
func dims(x *tensor.Tensor, rank int) ([]int, error) {
	s := x.LogicalShape()
	if len(s) != rank {
		return nil, errdefs.Shapef("expected rank %d input, got shape %v", rank, s)
	}
	return s, nil
}

func shapeKey(xs ...*tensor.Tensor) string {
	key := ""
	for _, x := range xs {
		key += fmt.Sprintf("%v/%s/%d;", x.LogicalShape(), x.Layout(), x.RowsAxis())
	}
	return key
}

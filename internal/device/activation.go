package device

import (
	"fmt"

	"github.com/23skdu/longbow-nock/internal/simd"
)

// ActivationType is an element-wise activation function.
type ActivationType int

const (
	ActivationLinear ActivationType = iota
	ActivationReLU
	ActivationELU
	ActivationSELU
	ActivationSigmoid
	ActivationHardSigmoid
	ActivationTanh
	ActivationSoftmax
	ActivationSoftplus
	ActivationSoftsign
	ActivationLeakyReLU
	ActivationThresholdedReLU
)

var activationNames = map[string]ActivationType{
	"linear":           ActivationLinear,
	"relu":             ActivationReLU,
	"elu":              ActivationELU,
	"selu":             ActivationSELU,
	"sigmoid":          ActivationSigmoid,
	"hard_sigmoid":     ActivationHardSigmoid,
	"tanh":             ActivationTanh,
	"softmax":          ActivationSoftmax,
	"softplus":         ActivationSoftplus,
	"softsign":         ActivationSoftsign,
	"leaky_relu":       ActivationLeakyReLU,
	"thresholded_relu": ActivationThresholdedReLU,
}

// ParseActivation resolves an activation by name. The empty name is linear.
func ParseActivation(name string) (ActivationType, error) {
	if name == "" {
		return ActivationLinear, nil
	}
	a, ok := activationNames[name]
	if !ok {
		return 0, fmt.Errorf("unknown activation %q", name)
	}
	return a, nil
}

func (a ActivationType) String() string {
	for name, v := range activationNames {
		if v == a {
			return name
		}
	}
	return fmt.Sprintf("ActivationType(%d)", int(a))
}

// Apply runs the activation in place. cols is the length of the last axis,
// used by softmax to normalise each row. alpha parameterises ELU, LeakyReLU
// and ThresholdedReLU.
func (a ActivationType) Apply(data []float32, cols int, alpha float32) {
	switch a {
	case ActivationLinear:
	case ActivationReLU:
		simd.ReLU(data)
	case ActivationELU:
		simd.ELU(data, alpha)
	case ActivationSELU:
		simd.SELU(data)
	case ActivationSigmoid:
		simd.Sigmoid(data)
	case ActivationHardSigmoid:
		simd.HardSigmoid(data)
	case ActivationTanh:
		simd.Tanh(data)
	case ActivationSoftmax:
		if cols <= 0 {
			cols = len(data)
		}
		for off := 0; off+cols <= len(data); off += cols {
			simd.Softmax(data[off : off+cols])
		}
	case ActivationSoftplus:
		simd.Softplus(data)
	case ActivationSoftsign:
		simd.Softsign(data)
	case ActivationLeakyReLU:
		simd.LeakyReLU(data, alpha)
	case ActivationThresholdedReLU:
		simd.ThresholdedReLU(data, alpha)
	}
}

// DefaultAlpha returns the Keras default parameter of an activation.
func (a ActivationType) DefaultAlpha() float32 {
	switch a {
	case ActivationELU:
		return 1.0
	case ActivationLeakyReLU:
		return 0.3
	case ActivationThresholdedReLU:
		return 1.0
	}
	return 0
}

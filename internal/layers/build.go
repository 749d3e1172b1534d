package layers

import (
	"fmt"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/errdefs"
)

// New instantiates the layer described by cfg.
func New(name string, cfg Config) (Layer, error) {
	l, err := build(name, cfg)
	if err != nil {
		kind := "unknown"
		if cfg != nil {
			kind = cfg.layerKind().String()
		}
		return nil, errdefs.WithLayer(kind, name, err)
	}
	return l, nil
}

func build(name string, cfg Config) (Layer, error) {
	switch c := cfg.(type) {
	case InputConfig:
		shape, err := c.Shape()
		if err != nil {
			return nil, err
		}
		return newInput(name, shape), nil
	case DenseConfig:
		return newDense(name, c)
	case HighwayConfig:
		return newHighway(name, c)
	case MaxoutDenseConfig:
		return newMaxoutDense(name, c)
	case ActivationConfig:
		act, err := device.ParseActivation(c.Activation)
		if err != nil {
			return nil, errdefs.Configf("%v", err)
		}
		return newActivation(name, KindActivation, act, act.DefaultAlpha()), nil
	case AlphaConfig:
		switch c.Kind {
		case KindLeakyReLU:
			return newActivation(name, c.Kind, device.ActivationLeakyReLU, floatOr(c.Alpha, 0.3)), nil
		case KindELU:
			return newActivation(name, c.Kind, device.ActivationELU, floatOr(c.Alpha, 1)), nil
		case KindThresholdedReLU:
			return newActivation(name, c.Kind, device.ActivationThresholdedReLU, floatOr(c.Theta, 1)), nil
		}
	case IdentityConfig:
		return &Identity{base: newBase(name, c.Kind)}, nil
	case FlattenConfig:
		return newReshape(name, KindFlatten, nil), nil
	case ReshapeConfig:
		if len(c.TargetShape) == 0 {
			return nil, errdefs.Configf("empty target_shape")
		}
		return newReshape(name, KindReshape, c.TargetShape), nil
	case PermuteConfig:
		return newPermute(name, c.Dims)
	case RepeatVectorConfig:
		if c.N <= 0 {
			return nil, errdefs.Configf("n %d", c.N)
		}
		return newRepeatVector(name, c.N), nil
	case BatchNormConfig:
		return newBatchNorm(name, c), nil
	case EmbeddingConfig:
		return newEmbedding(name, c)
	case ConvConfig:
		switch c.Kind {
		case KindSeparableConv2D:
			return newSeparableConv(name, c)
		case KindConv2DTranspose:
			return newConvTranspose(name, c)
		}
		return newConv(name, c)
	case CropPadConfig:
		return buildCropPad(name, c)
	case UpSamplingConfig:
		if c.Kind == KindUpSampling1D {
			size, err := c.Size.expand(1, 2)
			if err != nil {
				return nil, err
			}
			if size[0] <= 0 {
				return nil, errdefs.Configf("size %d", size[0])
			}
			return newUpSampling1D(name, size[0]), nil
		}
		size, err := c.Size.expand(2, 2)
		if err != nil {
			return nil, err
		}
		if size[0] <= 0 || size[1] <= 0 {
			return nil, errdefs.Configf("size %v", size)
		}
		chFirst, err := channelsFirst(c.DataFormat)
		if err != nil {
			return nil, err
		}
		return newUpSampling2D(name, [2]int{size[0], size[1]}, chFirst), nil
	case PoolingConfig:
		return newPooling(name, c)
	case RecurrentConfig:
		return newRecurrent(name, c)
	case BidirectionalConfig:
		return newBidirectional(name, c)
	case TimeDistributedConfig:
		return newTimeDistributed(name, c)
	case MergeConfig:
		switch c.Kind {
		case KindConcatenate:
			axis := -1
			if c.Axis != nil {
				axis = *c.Axis
			}
			return newConcatenate(name, axis), nil
		case KindDot:
			return newDot(name, c)
		}
		return newMerge(name, c.Kind), nil
	case nil:
		return nil, errdefs.Configf("nil config")
	}
	return nil, errdefs.Unsupportedf("config %T", cfg)
}

func buildCropPad(name string, c CropPadConfig) (Layer, error) {
	switch c.Kind {
	case KindZeroPadding1D, KindCropping1D:
		amounts, sign := c.Padding, 1
		if c.Kind == KindCropping1D {
			amounts, sign = c.Cropping, -1
		}
		sides, err := twoSides(amounts, 1)
		if err != nil {
			return nil, err
		}
		return newTemporalShift(name, c.Kind, sides, sign), nil
	case KindZeroPadding2D, KindCropping2D:
		amounts, sign, def := c.Padding, 1, 1
		if c.Kind == KindCropping2D {
			amounts, sign, def = c.Cropping, -1, 0
		}
		sides, err := fourSides(amounts, def)
		if err != nil {
			return nil, err
		}
		for _, s := range sides {
			if s < 0 {
				return nil, errdefs.Configf("negative amount %v", sides)
			}
		}
		chFirst, err := channelsFirst(c.DataFormat)
		if err != nil {
			return nil, err
		}
		return newSpatialShift(name, c.Kind, sides, sign, chFirst), nil
	}
	return nil, fmt.Errorf("%s is not a cropping or padding layer", c.Kind)
}

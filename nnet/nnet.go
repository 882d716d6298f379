// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nnet defines the model representation consumed by the decomposition
// propagators: an ordered sequence of typed layer descriptors holding the learned
// parameters of an already-trained feedforward/convolutional network, plus the
// gate-wise weights of a single-layer LSTM classifier.
//
// The layer kinds form a closed set: each kind is a concrete struct implementing
// the sealed Layer interface, and the propagators match exhaustively over them.
// This replaces dispatching on runtime type names, so an unhandled kind is a
// visible gap in a type switch rather than a silently skipped string match.
//
// Parameters are held as gomlx local tensors (see github.com/gomlx/gomlx/types/tensors)
// and are only ever read. Supported dtypes are Float32 and Float64.
package nnet

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Layer is one typed layer descriptor of a Model. It is a sealed interface: the
// complete set of implementations lives in this package -- Dense, Conv2D, ReLU,
// MaxPool2D, Dropout and Flatten.
type Layer interface {
	isLayer()
}

// Dense is a fully-connected layer: y = Weight·x + Bias.
//
// Weight is shaped [outputDim, inputDim], one row per output, the layout trained
// weights are commonly exported in. Bias is shaped [outputDim] and may be nil.
type Dense struct {
	Weight, Bias *tensors.Tensor
}

// Conv2D is a 2D convolution over NCHW inputs.
//
// Weight is shaped [outputChannels, inputChannels, kernelH, kernelW], Bias is
// shaped [outputChannels] and may be nil. Padding is symmetric zero padding.
// A Stride of 0 is taken as 1.
type Conv2D struct {
	Weight, Bias *tensors.Tensor
	Stride       int
	Padding      int
}

// ReLU is the rectified-linear activation layer.
type ReLU struct{}

// MaxPool2D max-pools each channel with a square window. A Stride of 0 is taken as
// Window (non-overlapping pooling, the common configuration).
type MaxPool2D struct {
	Window int
	Stride int
}

// Dropout is a dropout layer. At inference -- the only mode a trained model is
// propagated in -- it is an identity. Rate is kept for completeness of the
// descriptor, it plays no role in inference.
type Dropout struct {
	Rate float64
}

// Flatten reshapes its input to [batch, features]. Models that feed convolutional
// activations to a Dense layer may list it explicitly; the propagators also flatten
// implicitly in front of a Dense layer, matching the usual framework behavior.
type Flatten struct{}

func (Dense) isLayer()     {}
func (Conv2D) isLayer()    {}
func (ReLU) isLayer()      {}
func (MaxPool2D) isLayer() {}
func (Dropout) isLayer()   {}
func (Flatten) isLayer()   {}

// Model is an ordered, immutable sequence of layers, in execution order.
type Model struct {
	Layers []Layer
}

// NewModel returns a Model with the given layers, in execution order.
func NewModel(layers ...Layer) *Model {
	return &Model{Layers: layers}
}

// EffectiveStride returns the layer's stride, defaulting to 1.
func (l Conv2D) EffectiveStride() int {
	if l.Stride <= 0 {
		return 1
	}
	return l.Stride
}

// EffectiveStride returns the layer's stride, defaulting to the window size.
func (l MaxPool2D) EffectiveStride() int {
	if l.Stride <= 0 {
		return l.Window
	}
	return l.Stride
}

// Validate checks that every weighted layer carries well-formed parameters: ranks,
// bias sizes and a uniform dtype across all parameters. It does not check the
// layer-to-layer shape chain, which depends on the input shape and is verified
// during propagation.
func (m *Model) Validate() error {
	var dtype = dtypes.InvalidDType
	checkDType := func(t *tensors.Tensor) error {
		if dtype == dtypes.InvalidDType {
			dtype = t.DType()
		} else if t.DType() != dtype {
			return errors.Errorf("mixed parameter dtypes: found both %s and %s", dtype, t.DType())
		}
		return nil
	}
	for i, layer := range m.Layers {
		switch l := layer.(type) {
		case Dense:
			if l.Weight == nil || l.Weight.Rank() != 2 {
				return errors.Errorf("layer #%d (Dense): weight must be rank-2 [output, input], got %s", i, shapeOf(l.Weight))
			}
			if err := checkDType(l.Weight); err != nil {
				return errors.WithMessagef(err, "layer #%d (Dense)", i)
			}
			if l.Bias != nil {
				if l.Bias.Rank() != 1 || l.Bias.Shape().Dimensions[0] != l.Weight.Shape().Dimensions[0] {
					return errors.Errorf("layer #%d (Dense): bias shaped %s does not match weight %s", i, l.Bias.Shape(), l.Weight.Shape())
				}
				if err := checkDType(l.Bias); err != nil {
					return errors.WithMessagef(err, "layer #%d (Dense)", i)
				}
			}
		case Conv2D:
			if l.Weight == nil || l.Weight.Rank() != 4 {
				return errors.Errorf("layer #%d (Conv2D): weight must be rank-4 [outC, inC, kH, kW], got %s", i, shapeOf(l.Weight))
			}
			if err := checkDType(l.Weight); err != nil {
				return errors.WithMessagef(err, "layer #%d (Conv2D)", i)
			}
			if l.Bias != nil {
				if l.Bias.Rank() != 1 || l.Bias.Shape().Dimensions[0] != l.Weight.Shape().Dimensions[0] {
					return errors.Errorf("layer #%d (Conv2D): bias shaped %s does not match weight %s", i, l.Bias.Shape(), l.Weight.Shape())
				}
				if err := checkDType(l.Bias); err != nil {
					return errors.WithMessagef(err, "layer #%d (Conv2D)", i)
				}
			}
		case MaxPool2D:
			if l.Window <= 0 {
				return errors.Errorf("layer #%d (MaxPool2D): window must be > 0, got %d", i, l.Window)
			}
		case Dropout:
			if l.Rate < 0 || l.Rate >= 1 {
				return errors.Errorf("layer #%d (Dropout): rate must be in [0, 1), got %g", i, l.Rate)
			}
		case ReLU, Flatten:
			// No parameters.
		}
	}
	return nil
}

func shapeOf(t *tensors.Tensor) string {
	if t == nil {
		return "<nil>"
	}
	return t.Shape().String()
}

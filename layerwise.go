// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/gomlx/decompose/internal/kernels"
	"github.com/gomlx/decompose/nnet"
)

// New starts a layer-wise Contextual Decomposition of model's output over input,
// split against mask. Configure the returned Builder and call Builder.Done (or
// Builder.DoneWithTrace) to run the propagation.
//
// input must have a leading batch axis ([batch, channels, height, width] for
// convolutional models, [batch, features] for dense ones). mask is a binary
// tensor, either shaped exactly like input or like a trailing suffix of its axes
// (e.g. a [height, width] mask against a [batch, channels, height, width] input),
// in which case it broadcasts over the leading axes. The mask is read once and
// never mutated.
func New(model *nnet.Model, input, mask *tensors.Tensor) *Builder {
	return &Builder{model: model, input: input, mask: mask}
}

// Builder configures one layer-wise decomposition. All configuration is explicit
// and per-call; there is no global state. A Builder is single-use.
type Builder struct {
	model       *nnet.Model
	input, mask *tensors.Tensor
	pipeline    Pipeline
}

// Pipeline selects a fixed, statically declared propagation pipeline (see the
// Pipeline type) instead of the generic per-layer dispatch. Use it for model
// variants whose execution order is not fully described by their layer list,
// e.g. MNISTPipeline.
func (b *Builder) Pipeline(p Pipeline) *Builder {
	b.pipeline = p
	return b
}

// Done runs the propagation and returns the final decomposition Pair: class-wise
// relevant and irrelevant score tensors whose sum equals the model's output
// activations for the undivided input, within float tolerance.
func (b *Builder) Done() Pair {
	pair, _ := b.run(false)
	return pair
}

// DoneWithTrace is Done with instrumentation: it additionally returns a snapshot
// of the decomposition pair after every layer boundary, in execution order, for
// inspection of how attribution evolves through the network. The snapshots are
// deep copies, unaffected by later propagation.
func (b *Builder) DoneWithTrace() (Pair, []Pair) {
	return b.run(true)
}

func (b *Builder) run(withTrace bool) (Pair, []Pair) {
	assertFloatDType(b.input.DType())
	if b.mask.DType() != b.input.DType() {
		exceptions.Panicf("decompose: mask dtype %s does not match input dtype %s", b.mask.DType(), b.input.DType())
	}
	if b.input.DType() == dtypes.Float32 {
		return layerwise[float32](b, withTrace)
	}
	return layerwise[float64](b, withTrace)
}

func layerwise[T kernels.Float](b *Builder, withTrace bool) (Pair, []Pair) {
	sp := splitByMask[T](b.input, b.mask)
	var trace []Pair
	snapshot := func() {
		if withTrace {
			trace = append(trace, pairFromSlices(sp))
		}
	}
	if b.pipeline != nil {
		for _, step := range b.pipeline {
			sp = applyStep(sp, step, b.model)
			snapshot()
		}
		return pairFromSlices(sp), trace
	}
	for i, layer := range b.model.Layers {
		switch l := layer.(type) {
		case nnet.Conv2D:
			sp = convPair(sp, l)
		case nnet.Dense:
			sp = densePair(sp, l)
		case nnet.ReLU:
			sp = reluPair(sp)
		case nnet.MaxPool2D:
			sp = poolPair(sp, l)
		case nnet.Dropout:
			// Identity at inference, on both sides.
		case nnet.Flatten:
			sp.dims = flattenDims(sp.dims)
		default:
			// Pass-through policy for unsupported kinds: see the package documentation.
			klog.Warningf("decompose: layer #%d (%T) has no propagation rule; decomposition passed through unchanged, this layer's contribution is not attributed", i, layer)
		}
		snapshot()
	}
	return pairFromSlices(sp), trace
}

// splitByMask builds the initial decomposition: relevant = mask*input,
// irrelevant = (1-mask)*input.
func splitByMask[T kernels.Float](input, mask *tensors.Tensor) slicePair[T] {
	inDims := input.Shape().Dimensions
	maskDims := mask.Shape().Dimensions
	if len(maskDims) > len(inDims) {
		exceptions.Panicf("decompose: mask shaped %s has higher rank than input %s", mask.Shape(), input.Shape())
	}
	suffix := inDims[len(inDims)-len(maskDims):]
	for axis, dim := range maskDims {
		if suffix[axis] != dim {
			exceptions.Panicf("decompose: mask shaped %s does not match a trailing suffix of input %s", mask.Shape(), input.Shape())
		}
	}
	x := tensors.CopyFlatData[T](input)
	sp := slicePair[T]{
		rel:   make([]T, len(x)),
		irrel: make([]T, len(x)),
		dims:  input.Shape().Clone().Dimensions,
	}
	tensors.ConstFlatData(mask, func(m []T) {
		for j, v := range x {
			mv := m[j%len(m)]
			if mv != 0 && mv != 1 {
				exceptions.Panicf("decompose: mask must be binary (entries in {0, 1}), found %v", mv)
			}
			sp.rel[j] = mv * v
			sp.irrel[j] = (1 - mv) * v
		}
	})
	return sp
}

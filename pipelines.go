// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"github.com/gomlx/exceptions"

	"github.com/gomlx/decompose/internal/kernels"
	"github.com/gomlx/decompose/nnet"
)

// StepKind identifies the decomposition primitive one pipeline step applies.
type StepKind int

const (
	StepConv2D StepKind = iota
	StepDense
	StepReLU
	StepMaxPool2D
	StepDropout
	StepFlatten
)

// Step is one primitive application in a fixed pipeline. LayerIndex points into
// the model's layer list for the weighted kinds (StepConv2D, StepDense) and for
// StepMaxPool2D when Window is zero; a positive Window declares the pooling
// inline, for architectures whose pooling is functional and not listed as a
// layer.
type Step struct {
	Kind       StepKind
	LayerIndex int
	Window     int
}

// Pipeline is a named, statically declared propagation order: an ordered list of
// primitive calls. Architectures whose execution order is not derivable from
// their layer list get a declared Pipeline value instead of hand-unrolled code;
// adding support for a new fixed architecture means declaring a new value, not
// writing new propagation functions.
type Pipeline []Step

// MNISTPipeline is the fixed pipeline for the small reference MNIST CNN: two 5x5
// convolutions, each followed by functional 2x2 max-pooling and ReLU, then two
// dense layers with a ReLU between them. The model is expected to list the four
// weighted layers in order: Conv2D, Conv2D, Dense, Dense.
var MNISTPipeline = Pipeline{
	{Kind: StepConv2D, LayerIndex: 0},
	{Kind: StepMaxPool2D, Window: 2},
	{Kind: StepReLU},
	{Kind: StepConv2D, LayerIndex: 1},
	{Kind: StepMaxPool2D, Window: 2},
	{Kind: StepReLU},
	{Kind: StepFlatten},
	{Kind: StepDense, LayerIndex: 2},
	{Kind: StepReLU},
	{Kind: StepDense, LayerIndex: 3},
}

func pipelineLayer[L nnet.Layer](model *nnet.Model, step Step) L {
	if step.LayerIndex < 0 || step.LayerIndex >= len(model.Layers) {
		exceptions.Panicf("decompose: pipeline step references layer #%d, model has %d layers",
			step.LayerIndex, len(model.Layers))
	}
	layer, ok := model.Layers[step.LayerIndex].(L)
	if !ok {
		var want L
		exceptions.Panicf("decompose: pipeline step expects layer #%d to be %T, got %T",
			step.LayerIndex, want, model.Layers[step.LayerIndex])
	}
	return layer
}

func applyStep[T kernels.Float](sp slicePair[T], step Step, model *nnet.Model) slicePair[T] {
	switch step.Kind {
	case StepConv2D:
		return convPair(sp, pipelineLayer[nnet.Conv2D](model, step))
	case StepDense:
		return densePair(sp, pipelineLayer[nnet.Dense](model, step))
	case StepReLU:
		return reluPair(sp)
	case StepMaxPool2D:
		if step.Window > 0 {
			return poolPair(sp, nnet.MaxPool2D{Window: step.Window})
		}
		return poolPair(sp, pipelineLayer[nnet.MaxPool2D](model, step))
	case StepDropout:
		// Identity at inference.
		return sp
	case StepFlatten:
		sp.dims = flattenDims(sp.dims)
		return sp
	}
	exceptions.Panicf("decompose: invalid pipeline step kind %d", step.Kind)
	return sp
}

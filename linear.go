// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/decompose/internal/kernels"
	"github.com/gomlx/decompose/nnet"
)

// This file implements the decomposition rule for linear maps (fully-connected and
// convolutional layers): the transform is applied separately to each side, so
//
//	relOut + irrelOut == layer(rel + irrel)
//
// holds exactly. The layer bias, which belongs to neither side a priori, is
// attributed by biasSideFor: wholly to the irrelevant side by default; to the
// relevant side if the irrelevant input is identically zero while the relevant one
// is not; split evenly only when both inputs are exactly zero. Either way the sum
// above is preserved.

type biasSide int

const (
	biasToIrrelevant biasSide = iota
	biasToRelevant
	biasSplitEven
)

// biasSideFor decides bias attribution from the *inputs* of the linear layer, so
// that a degenerate side (all zeros, e.g. from an all-ones mask) stays exactly
// zero through the layer.
func biasSideFor[T kernels.Float](relIn, irrelIn []T) biasSide {
	relZero := allZero(relIn)
	irrelZero := allZero(irrelIn)
	switch {
	case relZero && irrelZero:
		return biasSplitEven
	case irrelZero:
		return biasToRelevant
	default:
		return biasToIrrelevant
	}
}

func allZero[T kernels.Float](values []T) bool {
	for _, v := range values {
		if v != 0 {
			return false
		}
	}
	return true
}

// PropagateDense propagates the decomposition through a fully-connected layer.
// Inputs of rank > 2 are flattened to [batch, features] first, the implicit
// reshape frameworks perform in front of dense layers.
func PropagateDense(p Pair, layer nnet.Dense) Pair {
	p.AssertValid()
	if p.Relevant.DType() == dtypes.Float32 {
		return pairFromSlices(densePair(pairData[float32](p), layer))
	}
	return pairFromSlices(densePair(pairData[float64](p), layer))
}

// PropagateConv2D propagates the decomposition through a 2D convolution over NCHW
// inputs.
func PropagateConv2D(p Pair, layer nnet.Conv2D) Pair {
	p.AssertValid()
	if p.Relevant.DType() == dtypes.Float32 {
		return pairFromSlices(convPair(pairData[float32](p), layer))
	}
	return pairFromSlices(convPair(pairData[float64](p), layer))
}

// slicePair is the flat-slice view of a Pair the propagation loop works on, to
// avoid re-materializing tensors between layers.
type slicePair[T kernels.Float] struct {
	rel, irrel []T
	dims       []int
}

func pairData[T kernels.Float](p Pair) slicePair[T] {
	return slicePair[T]{
		rel:   tensors.CopyFlatData[T](p.Relevant),
		irrel: tensors.CopyFlatData[T](p.Irrelevant),
		dims:  p.Relevant.Shape().Clone().Dimensions,
	}
}

func pairFromSlices[T kernels.Float](sp slicePair[T]) Pair {
	return Pair{
		Relevant:   tensors.FromFlatDataAndDimensions(sp.rel, sp.dims...),
		Irrelevant: tensors.FromFlatDataAndDimensions(sp.irrel, sp.dims...),
	}
}

func densePair[T kernels.Float](sp slicePair[T], layer nnet.Dense) slicePair[T] {
	if len(sp.dims) > 2 {
		sp.dims = flattenDims(sp.dims)
	}
	if len(sp.dims) != 2 {
		exceptions.Panicf("decompose: Dense propagation needs [batch, features] input, got rank %d", len(sp.dims))
	}
	batch, in := sp.dims[0], sp.dims[1]
	outDim := layer.Weight.Shape().Dimensions[0]
	if layer.Weight.Shape().Dimensions[1] != in {
		exceptions.Panicf("decompose: Dense weight %s incompatible with %d input features", layer.Weight.Shape(), in)
	}
	out := slicePair[T]{
		rel:   make([]T, batch*outDim),
		irrel: make([]T, batch*outDim),
		dims:  []int{batch, outDim},
	}
	tensors.ConstFlatData(layer.Weight, func(w []T) {
		kernels.MatMul(sp.rel, batch, in, w, outDim, out.rel)
		kernels.MatMul(sp.irrel, batch, in, w, outDim, out.irrel)
	})
	if layer.Bias != nil {
		side := biasSideFor(sp.rel, sp.irrel)
		tensors.ConstFlatData(layer.Bias, func(bias []T) {
			for b := range batch {
				relRow := out.rel[b*outDim : (b+1)*outDim]
				irrelRow := out.irrel[b*outDim : (b+1)*outDim]
				for o := range outDim {
					switch side {
					case biasToRelevant:
						relRow[o] += bias[o]
					case biasToIrrelevant:
						irrelRow[o] += bias[o]
					case biasSplitEven:
						relRow[o] += bias[o] / 2
						irrelRow[o] += bias[o] / 2
					}
				}
			}
		})
	}
	return out
}

func convPair[T kernels.Float](sp slicePair[T], layer nnet.Conv2D) slicePair[T] {
	if len(sp.dims) != 4 {
		exceptions.Panicf("decompose: Conv2D propagation needs rank-4 NCHW input, got rank %d", len(sp.dims))
	}
	batch, inC, h, w := sp.dims[0], sp.dims[1], sp.dims[2], sp.dims[3]
	wDims := layer.Weight.Shape().Dimensions
	outC, kh, kw := wDims[0], wDims[2], wDims[3]
	if wDims[1] != inC {
		exceptions.Panicf("decompose: Conv2D weight %s incompatible with %d input channels", layer.Weight.Shape(), inC)
	}
	stride := layer.EffectiveStride()
	outH, outW := kernels.Conv2DOutputDims(h, w, kh, kw, stride, layer.Padding)
	out := slicePair[T]{
		rel:   make([]T, batch*outC*outH*outW),
		irrel: make([]T, batch*outC*outH*outW),
		dims:  []int{batch, outC, outH, outW},
	}
	tensors.ConstFlatData(layer.Weight, func(kernel []T) {
		kernels.Conv2D(sp.rel, batch, inC, h, w, kernel, outC, kh, kw, stride, layer.Padding, out.rel)
		kernels.Conv2D(sp.irrel, batch, inC, h, w, kernel, outC, kh, kw, stride, layer.Padding, out.irrel)
	})
	if layer.Bias != nil {
		side := biasSideFor(sp.rel, sp.irrel)
		tensors.ConstFlatData(layer.Bias, func(bias []T) {
			plane := outH * outW
			for b := range batch {
				for oc := range outC {
					relPlane := out.rel[(b*outC+oc)*plane : (b*outC+oc+1)*plane]
					irrelPlane := out.irrel[(b*outC+oc)*plane : (b*outC+oc+1)*plane]
					for j := range plane {
						switch side {
						case biasToRelevant:
							relPlane[j] += bias[oc]
						case biasToIrrelevant:
							irrelPlane[j] += bias[oc]
						case biasSplitEven:
							relPlane[j] += bias[oc] / 2
							irrelPlane[j] += bias[oc] / 2
						}
					}
				}
			}
		})
	}
	return out
}

// flattenDims collapses all axes but the leading batch axis.
func flattenDims(dims []int) []int {
	features := 1
	for _, d := range dims[1:] {
		features *= d
	}
	return []int{dims[0], features}
}

// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/decompose/internal/kernels"
	"github.com/gomlx/decompose/nnet"
)

// PropagateMaxPool2D propagates the decomposition through max-pooling.
//
// The arg-max location of every pooling window is found on the *combined* tensor
// relevant+irrelevant, and then both sides are gathered at that same location.
// This index sharing is the correctness property of the rule: pooling each side
// independently would pick different positions and break the additive invariant.
// With the shared index, relOut + irrelOut == maxpool(rel + irrel) elementwise.
// Ties inside a window resolve to the first maximal element in row-major order.
func PropagateMaxPool2D(p Pair, layer nnet.MaxPool2D) Pair {
	p.AssertValid()
	if p.Relevant.DType() == dtypes.Float32 {
		return pairFromSlices(poolPair(pairData[float32](p), layer))
	}
	return pairFromSlices(poolPair(pairData[float64](p), layer))
}

func poolPair[T kernels.Float](sp slicePair[T], layer nnet.MaxPool2D) slicePair[T] {
	if len(sp.dims) != 4 {
		exceptions.Panicf("decompose: MaxPool2D propagation needs rank-4 NCHW input, got rank %d", len(sp.dims))
	}
	batch, channels, h, w := sp.dims[0], sp.dims[1], sp.dims[2], sp.dims[3]
	stride := layer.EffectiveStride()
	outH, outW := kernels.MaxPool2DOutputDims(h, w, layer.Window, stride)
	outSize := batch * channels * outH * outW

	combined := make([]T, len(sp.rel))
	for j := range combined {
		combined[j] = sp.rel[j] + sp.irrel[j]
	}
	pooled := make([]T, outSize)
	argmax := make([]int, outSize)
	kernels.MaxPool2DArgmax(combined, batch, channels, h, w, layer.Window, stride, pooled, argmax)

	out := slicePair[T]{
		rel:   make([]T, outSize),
		irrel: make([]T, outSize),
		dims:  []int{batch, channels, outH, outW},
	}
	kernels.Gather(sp.rel, argmax, out.rel)
	kernels.Gather(sp.irrel, argmax, out.irrel)
	return out
}

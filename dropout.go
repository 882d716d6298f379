// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/decompose/internal/kernels"
)

// PropagateDropout propagates the decomposition through a dropout layer.
//
// At inference -- the only mode a trained model is decomposed in -- dropout is an
// identity, selected by passing a nil keepMask: the pair is returned unchanged.
//
// If a keepMask is given (one shared random draw, entries 0 or the inverse keep
// probability), the *same* mask scales both sides, so the additive invariant is
// preserved: masking each side with independent draws would not decompose
// anything.
func PropagateDropout(p Pair, keepMask *tensors.Tensor) Pair {
	p.AssertValid()
	if keepMask == nil {
		return p
	}
	if !keepMask.Shape().Equal(p.Relevant.Shape()) {
		exceptions.Panicf("decompose: dropout keep-mask shaped %s does not match activations shaped %s",
			keepMask.Shape(), p.Relevant.Shape())
	}
	if p.Relevant.DType() == dtypes.Float32 {
		return pairFromSlices(dropoutPair(pairData[float32](p), keepMask))
	}
	return pairFromSlices(dropoutPair(pairData[float64](p), keepMask))
}

func dropoutPair[T kernels.Float](sp slicePair[T], keepMask *tensors.Tensor) slicePair[T] {
	tensors.ConstFlatData(keepMask, func(keep []T) {
		for j, k := range keep {
			sp.rel[j] *= k
			sp.irrel[j] *= k
		}
	})
	return sp
}

// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/decompose/internal/kernels"
)

// PropagateReLU propagates the decomposition through a ReLU activation.
//
// The apportionment is defined per element by a 2x2 table over the signs of the
// relevant (r) and irrelevant (i) values:
//
//	r >= 0, i >= 0:  (r, i)                     -- both pass through as themselves
//	r >= 0, i <  0:  (r, relu(r+i) - r)         -- irrelevant absorbs the cancellation
//	r <  0, i >= 0:  (0, relu(r+i))             -- the surviving activation is irrelevant
//	r <  0, i <  0:  (0, 0)                     -- both clipped
//
// The table is equivalent to relOut = relu(r), irrelOut = relu(r+i) - relu(r), but
// is implemented branch by branch so each case is independently testable and the
// tie-breaking cannot silently drift. In every case relOut + irrelOut == relu(r+i)
// exactly.
func PropagateReLU(p Pair) Pair {
	p.AssertValid()
	if p.Relevant.DType() == dtypes.Float32 {
		return pairFromSlices(reluPair(pairData[float32](p)))
	}
	return pairFromSlices(reluPair(pairData[float64](p)))
}

func reluPair[T kernels.Float](sp slicePair[T]) slicePair[T] {
	out := slicePair[T]{
		rel:   make([]T, len(sp.rel)),
		irrel: make([]T, len(sp.irrel)),
		dims:  sp.dims,
	}
	for j := range sp.rel {
		r, i := sp.rel[j], sp.irrel[j]
		switch {
		case r >= 0 && i >= 0:
			out.rel[j] = r
			out.irrel[j] = i
		case r >= 0: // i < 0: relevant keeps its own activation, irrelevant the (negative) remainder.
			out.rel[j] = r
			sum := r + i
			if sum < 0 {
				sum = 0
			}
			out.irrel[j] = sum - r
		case i >= 0: // r < 0: whatever survives the clipping is the irrelevant side's.
			sum := r + i
			if sum < 0 {
				sum = 0
			}
			out.irrel[j] = sum
		default: // both negative: the sum is clipped, neither side gets anything.
		}
	}
	return out
}

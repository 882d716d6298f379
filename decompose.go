// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decompose computes Contextual Decomposition (CD) scores for trained
// neural networks.
//
// Given an input example and a binary mask marking a subset of input features as
// "relevant", CD analytically splits every layer's activation into a component
// attributable to the relevant features and a component attributable to everything
// else, and propagates that split through the network. The result is a pair of
// class-wise score tensors -- relevant and irrelevant -- whose sum reconstructs the
// model's output for the undivided input (pre-bias for the text readout), within
// float tolerance.
//
// Two propagators share one decomposition algebra:
//
//   - The layer-wise propagator (decompose.New) iterates a feedforward or
//     convolutional model layer by layer. See nnet.Model for the model
//     representation it consumes.
//   - The sequence propagator (decompose.NewText) manually unrolls a single-layer
//     LSTM classifier, splitting every gate's pre-activation into relevant,
//     irrelevant and bias parts at each timestep, attributing the output to a
//     contiguous token range versus the rest of the sequence.
//
// The primitives the propagators are built from (PropagateDense, PropagateConv2D,
// PropagateReLU, PropagateMaxPool2D, PropagateDropout, PropagateThree,
// PropagateTanhTwo) are exported so callers can assemble decompositions for
// architectures the generic loop does not cover.
//
// All computation is host-side, synchronous and free of shared mutable state: a
// propagation is a pure function of the input tensors and the model weights, which
// are only read. Independent calls may run concurrently with no coordination.
//
// # Failure semantics
//
// The propagators and primitives are pure numeric functions with no recoverable
// error path. Precondition violations -- a shape or dtype mismatch between the two
// sides of a Pair, a non-binary mask, an invalid token range -- panic immediately
// via github.com/gomlx/exceptions. There are no retries and no partial results.
//
// # Unsupported layers
//
// A layer kind the propagator has no rule for is passed through unchanged on both
// sides, and a warning is logged. This is a deliberate policy, not an error: it
// keeps the propagation total over model descriptors that carry auxiliary layers
// (normalization variants, reshapes) -- but note it silently under-attributes
// whatever such a layer would have contributed. Watch the logs when propagating
// through architectures with layers outside the supported set.
package decompose

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Pair is an additive split of an activation tensor: Relevant holds the part
// attributed to the masked ("relevant") input features, Irrelevant the part
// attributed to the rest. The two tensors always have identical shape and dtype,
// and their sum equals the activation of the undivided input at every linear layer
// boundary, and the activation of the summed pre-activations across
// nonlinearities.
type Pair struct {
	Relevant, Irrelevant *tensors.Tensor
}

// AssertValid panics if the two sides of the pair diverge in shape or dtype, or if
// the dtype is not one of the supported float types.
func (p Pair) AssertValid() {
	if p.Relevant == nil || p.Irrelevant == nil {
		exceptions.Panicf("decompose: Pair has nil side (relevant=%v, irrelevant=%v)", p.Relevant, p.Irrelevant)
	}
	if !p.Relevant.Shape().Equal(p.Irrelevant.Shape()) {
		exceptions.Panicf("decompose: relevant and irrelevant shapes diverged: %s vs %s",
			p.Relevant.Shape(), p.Irrelevant.Shape())
	}
	assertFloatDType(p.Relevant.DType())
}

// Clone returns a deep copy of the pair. Used by the trace instrumentation to
// snapshot intermediate states.
func (p Pair) Clone() Pair {
	return Pair{Relevant: p.Relevant.LocalClone(), Irrelevant: p.Irrelevant.LocalClone()}
}

func assertFloatDType(dtype dtypes.DType) {
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		exceptions.Panicf("decompose: only Float32 and Float64 tensors are supported, got %s", dtype)
	}
}

// Activation selects the nonlinearity used by PropagateThree.
type Activation int

const (
	// Sigmoid is used for the LSTM input, forget and output gates.
	Sigmoid Activation = iota
	// Tanh is used for the LSTM candidate ("cell") gate.
	Tanh
)

// String implements fmt.Stringer.
func (a Activation) String() string {
	switch a {
	case Sigmoid:
		return "Sigmoid"
	case Tanh:
		return "Tanh"
	}
	return "InvalidActivation"
}

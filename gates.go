// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/decompose/internal/kernels"
)

// This file implements the gate-wise splitting rules of the text (LSTM) path: a
// nonlinearity applied to a sum of terms is linearized into per-term
// contributions, by evaluating it at zeroed-out combinations of the terms.

// PropagateThree splits act(a+b+c) into contributions of a (relevant
// pre-activation), b (irrelevant pre-activation) and c (gate bias):
//
//	aContrib = 1/2 * (act(a+c) - act(c) + act(a+b+c) - act(b+c))
//	bContrib = 1/2 * (act(b+c) - act(c) + act(a+b+c) - act(a+c))
//	cContrib = act(c)
//
// The three contributions sum to act(a+b+c) exactly. When there is no previous
// hidden state (first timestep), the recurrent term inside a and b is simply
// zero; the formula requires no special case.
//
// All three tensors must share shape and dtype.
func PropagateThree(a, b, c *tensors.Tensor, activation Activation) (aContrib, bContrib, cContrib *tensors.Tensor) {
	assertSameShape(a, b)
	assertSameShape(a, c)
	if a.DType() == dtypes.Float32 {
		return threeTensors[float32](a, b, c, activation)
	}
	return threeTensors[float64](a, b, c, activation)
}

// PropagateTanhTwo splits tanh(a+b) into two contributions:
//
//	aContrib = 1/2 * (tanh(a) + tanh(a+b) - tanh(b))
//	bContrib = 1/2 * (tanh(b) + tanh(a+b) - tanh(a))
//
// They sum to tanh(a+b) exactly. Used to split the cell state before the output
// gate is applied.
func PropagateTanhTwo(a, b *tensors.Tensor) (aContrib, bContrib *tensors.Tensor) {
	assertSameShape(a, b)
	if a.DType() == dtypes.Float32 {
		return tanhTwoTensors[float32](a, b)
	}
	return tanhTwoTensors[float64](a, b)
}

func assertSameShape(a, b *tensors.Tensor) {
	if !a.Shape().Equal(b.Shape()) {
		exceptions.Panicf("decompose: tensors diverge in shape: %s vs %s", a.Shape(), b.Shape())
	}
	assertFloatDType(a.DType())
}

func activationFn[T kernels.Float](activation Activation) func(T) T {
	switch activation {
	case Sigmoid:
		return kernels.Sigmoid[T]
	case Tanh:
		return kernels.Tanh[T]
	}
	exceptions.Panicf("decompose: invalid activation %d", activation)
	return nil
}

func threeTensors[T kernels.Float](a, b, c *tensors.Tensor, activation Activation) (*tensors.Tensor, *tensors.Tensor, *tensors.Tensor) {
	aC, bC, cC := propagateThree(
		tensors.CopyFlatData[T](a), tensors.CopyFlatData[T](b), tensors.CopyFlatData[T](c),
		activationFn[T](activation))
	dims := a.Shape().Dimensions
	return tensors.FromFlatDataAndDimensions(aC, dims...),
		tensors.FromFlatDataAndDimensions(bC, dims...),
		tensors.FromFlatDataAndDimensions(cC, dims...)
}

func tanhTwoTensors[T kernels.Float](a, b *tensors.Tensor) (*tensors.Tensor, *tensors.Tensor) {
	aC, bC := propagateTanhTwo(tensors.CopyFlatData[T](a), tensors.CopyFlatData[T](b))
	dims := a.Shape().Dimensions
	return tensors.FromFlatDataAndDimensions(aC, dims...), tensors.FromFlatDataAndDimensions(bC, dims...)
}

func propagateThree[T kernels.Float](a, b, c []T, act func(T) T) (aContrib, bContrib, cContrib []T) {
	aContrib = make([]T, len(a))
	bContrib = make([]T, len(a))
	cContrib = make([]T, len(a))
	for j := range a {
		actC := act(c[j])
		actAC := act(a[j] + c[j])
		actBC := act(b[j] + c[j])
		actABC := act(a[j] + b[j] + c[j])
		aContrib[j] = (actAC - actC + actABC - actBC) / 2
		bContrib[j] = (actBC - actC + actABC - actAC) / 2
		cContrib[j] = actC
	}
	return
}

func propagateTanhTwo[T kernels.Float](a, b []T) (aContrib, bContrib []T) {
	aContrib = make([]T, len(a))
	bContrib = make([]T, len(a))
	for j := range a {
		tanhA := kernels.Tanh(a[j])
		tanhB := kernels.Tanh(b[j])
		tanhAB := kernels.Tanh(a[j] + b[j])
		aContrib[j] = (tanhA + tanhAB - tanhB) / 2
		bContrib[j] = (tanhB + tanhAB - tanhA) / 2
	}
	return
}

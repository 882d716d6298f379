// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nnet

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/gomlx/decompose/internal/kernels"
)

// Forward runs the plain, undecomposed forward pass of the model over input and
// returns the final activations (pre-output logits for a classifier). It is the
// reference the decomposed propagation is measured against: the relevant and
// irrelevant outputs of a decomposition sum to this, within float tolerance.
//
// The input must have a leading batch axis: [batch, channels, height, width] for
// convolutional models, or [batch, features] for purely dense ones.
//
// It panics on unsupported dtypes or on a layer/input shape mismatch; layers with
// no forward rule pass activations through unchanged (see the package decompose
// documentation on the pass-through policy).
func (m *Model) Forward(input *tensors.Tensor) *tensors.Tensor {
	switch input.DType() {
	case dtypes.Float32:
		return forwardT[float32](m, input)
	case dtypes.Float64:
		return forwardT[float64](m, input)
	default:
		exceptions.Panicf("nnet.Model.Forward: only Float32 and Float64 are supported, input is %s", input.DType())
	}
	return nil
}

func forwardT[T kernels.Float](m *Model, input *tensors.Tensor) *tensors.Tensor {
	data := tensors.CopyFlatData[T](input)
	dims := slices.Clone(input.Shape().Dimensions)
	for i, layer := range m.Layers {
		switch l := layer.(type) {
		case Dense:
			data, dims = denseForward(data, dims, l, i)
		case Conv2D:
			data, dims = convForward(data, dims, l, i)
		case ReLU:
			for j, v := range data {
				if v < 0 {
					data[j] = 0
				}
			}
		case MaxPool2D:
			data, dims = poolForward(data, dims, l, i)
		case Dropout:
			// Identity at inference.
		case Flatten:
			dims = flattenDims(dims)
		default:
			klog.Warningf("nnet.Model.Forward: layer #%d (%T) has no forward rule, activations passed through unchanged", i, layer)
		}
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

// flattenDims collapses all axes but the leading batch axis.
func flattenDims(dims []int) []int {
	features := 1
	for _, d := range dims[1:] {
		features *= d
	}
	return []int{dims[0], features}
}

func denseForward[T kernels.Float](data []T, dims []int, l Dense, layerIdx int) ([]T, []int) {
	if len(dims) > 2 {
		dims = flattenDims(dims)
	}
	batch, in := dims[0], dims[1]
	outDim := l.Weight.Shape().Dimensions[0]
	if l.Weight.Shape().Dimensions[1] != in {
		exceptions.Panicf("layer #%d (Dense): weight %s incompatible with input features %d", layerIdx, l.Weight.Shape(), in)
	}
	dst := make([]T, batch*outDim)
	tensors.ConstFlatData(l.Weight, func(w []T) {
		kernels.MatMul(data, batch, in, w, outDim, dst)
	})
	if l.Bias != nil {
		tensors.ConstFlatData(l.Bias, func(bias []T) {
			for b := range batch {
				row := dst[b*outDim : (b+1)*outDim]
				for o := range row {
					row[o] += bias[o]
				}
			}
		})
	}
	return dst, []int{batch, outDim}
}

func convForward[T kernels.Float](data []T, dims []int, l Conv2D, layerIdx int) ([]T, []int) {
	if len(dims) != 4 {
		exceptions.Panicf("layer #%d (Conv2D): input must be rank-4 NCHW, got rank %d", layerIdx, len(dims))
	}
	batch, inC, h, w := dims[0], dims[1], dims[2], dims[3]
	wDims := l.Weight.Shape().Dimensions
	outC, kh, kw := wDims[0], wDims[2], wDims[3]
	if wDims[1] != inC {
		exceptions.Panicf("layer #%d (Conv2D): weight %s incompatible with %d input channels", layerIdx, l.Weight.Shape(), inC)
	}
	stride := l.EffectiveStride()
	outH, outW := kernels.Conv2DOutputDims(h, w, kh, kw, stride, l.Padding)
	dst := make([]T, batch*outC*outH*outW)
	tensors.ConstFlatData(l.Weight, func(kernel []T) {
		kernels.Conv2D(data, batch, inC, h, w, kernel, outC, kh, kw, stride, l.Padding, dst)
	})
	if l.Bias != nil {
		tensors.ConstFlatData(l.Bias, func(bias []T) {
			plane := outH * outW
			for b := range batch {
				for oc := range outC {
					channel := dst[(b*outC+oc)*plane : (b*outC+oc+1)*plane]
					for j := range channel {
						channel[j] += bias[oc]
					}
				}
			}
		})
	}
	return dst, []int{batch, outC, outH, outW}
}

func poolForward[T kernels.Float](data []T, dims []int, l MaxPool2D, layerIdx int) ([]T, []int) {
	if len(dims) != 4 {
		exceptions.Panicf("layer #%d (MaxPool2D): input must be rank-4 NCHW, got rank %d", layerIdx, len(dims))
	}
	batch, channels, h, w := dims[0], dims[1], dims[2], dims[3]
	stride := l.EffectiveStride()
	outH, outW := kernels.MaxPool2DOutputDims(h, w, l.Window, stride)
	pooled := make([]T, batch*channels*outH*outW)
	argmax := make([]int, len(pooled))
	kernels.MaxPool2DArgmax(data, batch, channels, h, w, l.Window, stride, pooled, argmax)
	return pooled, []int{batch, channels, outH, outW}
}

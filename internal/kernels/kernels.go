// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels implements the host-side numeric kernels used by the decomposition
// propagators: matrix multiplication, 2D convolution, max-pooling with argmax and the
// gate nonlinearities.
//
// All kernels operate on flat slices laid out row-major (the same layout used by
// tensors.Tensor), are generic over the supported float types, synchronous and
// allocation-free: callers provide the destination slices. Shape checking is the
// caller's responsibility; the kernels only assume len(dst) is consistent with the
// dimensions given.
package kernels

import "math"

// Float are the element types the decomposition kernels operate on.
// It is a subset of dtypes.Supported, so values can flow directly to and from
// tensors.ConstFlatData / tensors.MutableFlatData.
type Float interface {
	float32 | float64
}

// MatMul computes dst = x · wᵀ with x shaped [batch, in], w shaped [out, in] and
// dst shaped [batch, out]. This is the dense-layer contraction with the weights
// stored one output row at a time, the usual layout of trained fully-connected
// weights.
func MatMul[T Float](x []T, batch, in int, w []T, out int, dst []T) {
	for b := range batch {
		xRow := x[b*in : (b+1)*in]
		dstRow := dst[b*out : (b+1)*out]
		for o := range out {
			wRow := w[o*in : (o+1)*in]
			var acc T
			for k, xv := range xRow {
				acc += xv * wRow[k]
			}
			dstRow[o] = acc
		}
	}
}

// MatVec computes dst = w · v with w shaped [rows, cols], v shaped [cols] and dst
// shaped [rows].
func MatVec[T Float](w []T, rows, cols int, v, dst []T) {
	for r := range rows {
		wRow := w[r*cols : (r+1)*cols]
		var acc T
		for c, wv := range wRow {
			acc += wv * v[c]
		}
		dst[r] = acc
	}
}

// Conv2DOutputDims returns the spatial output dimensions of a 2D convolution over an
// input of spatial size [h, w] with kernel [kh, kw], the given stride and symmetric
// zero padding.
func Conv2DOutputDims(h, w, kh, kw, stride, padding int) (outH, outW int) {
	outH = (h+2*padding-kh)/stride + 1
	outW = (w+2*padding-kw)/stride + 1
	return
}

// Conv2D computes a 2D convolution (cross-correlation, as trained models use) over an
// NCHW input.
//
//   - input is shaped [batch, inC, h, w];
//   - kernel is shaped [outC, inC, kh, kw];
//   - dst is shaped [batch, outC, outH, outW], with outH/outW given by Conv2DOutputDims.
//
// The iteration order prioritizes writing dst sequentially, each output position
// visited exactly once.
func Conv2D[T Float](input []T, batch, inC, h, w int, kernel []T, outC, kh, kw, stride, padding int, dst []T) {
	outH, outW := Conv2DOutputDims(h, w, kh, kw, stride, padding)
	dstIdx := 0
	for b := range batch {
		inBatch := input[b*inC*h*w:]
		for oc := range outC {
			kernelOut := kernel[oc*inC*kh*kw:]
			for oy := range outH {
				for ox := range outW {
					var acc T
					for ic := range inC {
						inChannel := inBatch[ic*h*w : (ic+1)*h*w]
						kernelChannel := kernelOut[ic*kh*kw : (ic+1)*kh*kw]
						for ky := range kh {
							iy := oy*stride + ky - padding
							if iy < 0 || iy >= h {
								continue
							}
							inRow := inChannel[iy*w : (iy+1)*w]
							kernelRow := kernelChannel[ky*kw : (ky+1)*kw]
							for kx := range kw {
								ix := ox*stride + kx - padding
								if ix < 0 || ix >= w {
									continue
								}
								acc += inRow[ix] * kernelRow[kx]
							}
						}
					}
					dst[dstIdx] = acc
					dstIdx++
				}
			}
		}
	}
}

// MaxPool2DOutputDims returns the spatial output dimensions of max-pooling with the
// given window and stride (no padding).
func MaxPool2DOutputDims(h, w, window, stride int) (outH, outW int) {
	outH = (h-window)/stride + 1
	outW = (w-window)/stride + 1
	return
}

// MaxPool2DArgmax max-pools an NCHW input shaped [batch, channels, h, w] and records,
// for every output position, the flat index into the input where the maximum was
// found. Ties resolve to the first maximal element in row-major window order.
//
// pooled and argmax must be shaped/sized [batch, channels, outH, outW]. The argmax
// indices are what lets the caller gather a second tensor at the exact same positions,
// keeping an additive decomposition intact through the pooling.
func MaxPool2DArgmax[T Float](input []T, batch, channels, h, w, window, stride int, pooled []T, argmax []int) {
	outH, outW := MaxPool2DOutputDims(h, w, window, stride)
	outIdx := 0
	for b := range batch {
		for c := range channels {
			base := (b*channels + c) * h * w
			for oy := range outH {
				for ox := range outW {
					bestIdx := -1
					var best T
					for ky := range window {
						iy := oy*stride + ky
						rowBase := base + iy*w
						for kx := range window {
							ix := ox*stride + kx
							idx := rowBase + ix
							if bestIdx < 0 || input[idx] > best {
								best = input[idx]
								bestIdx = idx
							}
						}
					}
					pooled[outIdx] = best
					argmax[outIdx] = bestIdx
					outIdx++
				}
			}
		}
	}
}

// Gather copies src values at the given flat indices into dst: dst[i] = src[indices[i]].
func Gather[T Float](src []T, indices []int, dst []T) {
	for i, idx := range indices {
		dst[i] = src[idx]
	}
}

// Sigmoid is the logistic function.
func Sigmoid[T Float](x T) T {
	return T(1 / (1 + math.Exp(-float64(x))))
}

// Tanh is the hyperbolic tangent.
func Tanh[T Float](x T) T {
	return T(math.Tanh(float64(x)))
}

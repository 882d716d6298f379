// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestMatMul(t *testing.T) {
	// x is [2, 3], w is [2, 3] (one output row per row), dst = x · wᵀ is [2, 2].
	x := []float64{1, 2, 3, 4, 5, 6}
	w := []float64{1, 0, 0, 0, 1, 0}
	dst := make([]float64, 4)
	MatMul(x, 2, 3, w, 2, dst)
	assert.Equal(t, []float64{1, 2, 4, 5}, dst)
}

func TestMatMulAgainstGonum(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const batch, in, out = 5, 7, 3
	x := make([]float64, batch*in)
	w := make([]float64, out*in)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	for i := range w {
		w[i] = rng.NormFloat64()
	}
	dst := make([]float64, batch*out)
	MatMul(x, batch, in, w, out, dst)

	var want mat.Dense
	want.Mul(mat.NewDense(batch, in, x), mat.NewDense(out, in, w).T())
	for b := range batch {
		for o := range out {
			assert.InDelta(t, want.At(b, o), dst[b*out+o], 1e-12)
		}
	}
}

func TestMatVec(t *testing.T) {
	w := []float32{1, 2, 3, 4} // [2, 2]
	v := []float32{1, -1}
	dst := make([]float32, 2)
	MatVec(w, 2, 2, v, dst)
	assert.Equal(t, []float32{-1, -1}, dst)
}

func TestConv2DOutputDims(t *testing.T) {
	tests := []struct {
		name                      string
		h, w, kh, kw, stride, pad int
		wantH, wantW              int
	}{
		{"same-padding", 28, 28, 5, 5, 1, 2, 28, 28},
		{"valid", 28, 28, 5, 5, 1, 0, 24, 24},
		{"strided", 8, 8, 2, 2, 2, 0, 4, 4},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			outH, outW := Conv2DOutputDims(test.h, test.w, test.kh, test.kw, test.stride, test.pad)
			assert.Equal(t, test.wantH, outH)
			assert.Equal(t, test.wantW, outW)
		})
	}
}

func TestConv2DIdentityKernel(t *testing.T) {
	// A 1x1 kernel with weight 1 reproduces the input.
	input := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	kernel := []float64{1}
	dst := make([]float64, 9)
	Conv2D(input, 1, 1, 3, 3, kernel, 1, 1, 1, 1, 0, dst)
	assert.Equal(t, input, dst)
}

func TestConv2DPadding(t *testing.T) {
	// 3x3 all-ones kernel over a 3x3 all-ones image with padding 1: each output
	// counts the in-bounds neighbors.
	input := []float64{1, 1, 1, 1, 1, 1, 1, 1, 1}
	kernel := []float64{1, 1, 1, 1, 1, 1, 1, 1, 1}
	dst := make([]float64, 9)
	Conv2D(input, 1, 1, 3, 3, kernel, 1, 3, 3, 1, 1, dst)
	want := []float64{4, 6, 4, 6, 9, 6, 4, 6, 4}
	assert.Equal(t, want, dst)
}

func TestConv2DMultiChannel(t *testing.T) {
	// Two input channels, one output channel, 1x1 kernel summing the channels.
	input := []float32{
		1, 2, 3, 4, // channel 0
		10, 20, 30, 40, // channel 1
	}
	kernel := []float32{1, 1}
	dst := make([]float32, 4)
	Conv2D(input, 1, 2, 2, 2, kernel, 1, 1, 1, 1, 0, dst)
	assert.Equal(t, []float32{11, 22, 33, 44}, dst)
}

func TestMaxPool2DArgmax(t *testing.T) {
	// 4x4 single channel, 2x2 window, stride 2.
	input := []float64{
		1, 2, 5, 3,
		4, 3, 2, 1,
		0, 0, 9, 8,
		0, 7, 6, 9,
	}
	pooled := make([]float64, 4)
	argmax := make([]int, 4)
	MaxPool2DArgmax(input, 1, 1, 4, 4, 2, 2, pooled, argmax)
	assert.Equal(t, []float64{4, 5, 7, 9}, pooled)
	// The 9 appears twice in the last window; the first in row-major order wins.
	assert.Equal(t, []int{4, 2, 13, 10}, argmax)
}

func TestMaxPool2DArgmaxTieBreak(t *testing.T) {
	input := []float32{7, 7, 7, 7}
	pooled := make([]float32, 1)
	argmax := make([]int, 1)
	MaxPool2DArgmax(input, 1, 1, 2, 2, 2, 2, pooled, argmax)
	assert.Equal(t, float32(7), pooled[0])
	assert.Equal(t, 0, argmax[0])
}

func TestGather(t *testing.T) {
	src := []float64{10, 20, 30, 40}
	dst := make([]float64, 2)
	Gather(src, []int{3, 0}, dst)
	assert.Equal(t, []float64{40, 10}, dst)
}

func TestActivations(t *testing.T) {
	require.InDelta(t, 0.5, Sigmoid(0.0), 1e-12)
	require.InDelta(t, 0.0, Tanh(0.0), 1e-12)
	require.InDelta(t, 1/(1+math.Exp(-2)), Sigmoid(2.0), 1e-12)
	require.InDelta(t, math.Tanh(-0.7), Tanh(-0.7), 1e-12)
	// Odd/complement symmetries.
	assert.InDelta(t, 1-Sigmoid(1.3), Sigmoid(-1.3), 1e-12)
	assert.InDelta(t, -Tanh(0.9), Tanh(-0.9), 1e-12)
	// float32 instantiation.
	assert.InDelta(t, 0.5, float64(Sigmoid(float32(0))), 1e-6)
}

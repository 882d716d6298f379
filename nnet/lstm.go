// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nnet

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/decompose/internal/kernels"
)

// LSTM holds the trained weights of one LSTM layer, split by gate: input (I),
// forget (F), candidate (G, also called "cell" gate) and output (O).
//
// Per gate there is an input-to-hidden block Wx* shaped [hidden, input], a
// hidden-to-hidden block Wh* shaped [hidden, hidden], and a bias Bias* shaped
// [hidden]. Use LSTMFromStacked to build an LSTM from the stacked 4-gate layout
// most frameworks export.
type LSTM struct {
	WxI, WxF, WxG, WxO         *tensors.Tensor
	WhI, WhF, WhG, WhO         *tensors.Tensor
	BiasI, BiasF, BiasG, BiasO *tensors.Tensor
}

// HiddenDim returns the hidden-state dimension.
func (l *LSTM) HiddenDim() int { return l.WxI.Shape().Dimensions[0] }

// InputDim returns the per-timestep input (embedding) dimension.
func (l *LSTM) InputDim() int { return l.WxI.Shape().Dimensions[1] }

// Validate checks the consistency of all twelve weight blocks: shapes against
// [hidden, input] / [hidden, hidden] / [hidden], and a uniform dtype.
func (l *LSTM) Validate() error {
	hidden, input := l.HiddenDim(), l.InputDim()
	dtype := l.WxI.DType()
	check := func(t *tensors.Tensor, name string, wantDims ...int) error {
		if t == nil {
			return errors.Errorf("LSTM weight %s is nil", name)
		}
		if t.DType() != dtype {
			return errors.Errorf("LSTM weight %s has dtype %s, expected %s", name, t.DType(), dtype)
		}
		if t.Rank() != len(wantDims) {
			return errors.Errorf("LSTM weight %s shaped %s, expected rank %d", name, t.Shape(), len(wantDims))
		}
		for axis, want := range wantDims {
			if t.Shape().Dimensions[axis] != want {
				return errors.Errorf("LSTM weight %s shaped %s, expected dimensions %v", name, t.Shape(), wantDims)
			}
		}
		return nil
	}
	for _, w := range []struct {
		t    *tensors.Tensor
		name string
		dims []int
	}{
		{l.WxI, "WxI", []int{hidden, input}}, {l.WxF, "WxF", []int{hidden, input}},
		{l.WxG, "WxG", []int{hidden, input}}, {l.WxO, "WxO", []int{hidden, input}},
		{l.WhI, "WhI", []int{hidden, hidden}}, {l.WhF, "WhF", []int{hidden, hidden}},
		{l.WhG, "WhG", []int{hidden, hidden}}, {l.WhO, "WhO", []int{hidden, hidden}},
		{l.BiasI, "BiasI", []int{hidden}}, {l.BiasF, "BiasF", []int{hidden}},
		{l.BiasG, "BiasG", []int{hidden}}, {l.BiasO, "BiasO", []int{hidden}},
	} {
		if err := check(w.t, w.name, w.dims...); err != nil {
			return err
		}
	}
	return nil
}

// LSTMFromStacked builds an LSTM from the stacked single-tensor layout:
// weightIH shaped [4*hidden, input] and weightHH shaped [4*hidden, hidden], rows
// grouped by gate in the order input, forget, candidate, output; biasIH and biasHH
// each shaped [4*hidden] and summed together into the per-gate bias.
func LSTMFromStacked(weightIH, weightHH, biasIH, biasHH *tensors.Tensor) (*LSTM, error) {
	switch weightIH.DType() {
	case dtypes.Float32:
		return lstmFromStacked[float32](weightIH, weightHH, biasIH, biasHH)
	case dtypes.Float64:
		return lstmFromStacked[float64](weightIH, weightHH, biasIH, biasHH)
	default:
		return nil, errors.Errorf("LSTMFromStacked: only Float32 and Float64 are supported, got %s", weightIH.DType())
	}
}

func lstmFromStacked[T kernels.Float](weightIH, weightHH, biasIH, biasHH *tensors.Tensor) (*LSTM, error) {
	if weightIH.Rank() != 2 || weightIH.Shape().Dimensions[0]%4 != 0 {
		return nil, errors.Errorf("stacked input-to-hidden weight must be [4*hidden, input], got %s", weightIH.Shape())
	}
	hidden := weightIH.Shape().Dimensions[0] / 4
	input := weightIH.Shape().Dimensions[1]
	if weightHH.Rank() != 2 || weightHH.Shape().Dimensions[0] != 4*hidden || weightHH.Shape().Dimensions[1] != hidden {
		return nil, errors.Errorf("stacked hidden-to-hidden weight must be [4*hidden=%d, hidden=%d], got %s", 4*hidden, hidden, weightHH.Shape())
	}
	if biasIH.Rank() != 1 || biasIH.Shape().Dimensions[0] != 4*hidden ||
		biasHH.Rank() != 1 || biasHH.Shape().Dimensions[0] != 4*hidden {
		return nil, errors.Errorf("stacked biases must be [4*hidden=%d], got %s and %s", 4*hidden, biasIH.Shape(), biasHH.Shape())
	}

	splitRows := func(t *tensors.Tensor, gate, cols int) *tensors.Tensor {
		var block []T
		tensors.ConstFlatData(t, func(flat []T) {
			start := gate * hidden * cols
			block = append([]T(nil), flat[start:start+hidden*cols]...)
		})
		return tensors.FromFlatDataAndDimensions(block, hidden, cols)
	}
	sumBias := func(gate int) *tensors.Tensor {
		bias := make([]T, hidden)
		tensors.ConstFlatData(biasIH, func(bIH []T) {
			tensors.ConstFlatData(biasHH, func(bHH []T) {
				for j := range bias {
					bias[j] = bIH[gate*hidden+j] + bHH[gate*hidden+j]
				}
			})
		})
		return tensors.FromFlatDataAndDimensions(bias, hidden)
	}

	return &LSTM{
		WxI: splitRows(weightIH, 0, input), WxF: splitRows(weightIH, 1, input),
		WxG: splitRows(weightIH, 2, input), WxO: splitRows(weightIH, 3, input),
		WhI: splitRows(weightHH, 0, hidden), WhF: splitRows(weightHH, 1, hidden),
		WhG: splitRows(weightHH, 2, hidden), WhO: splitRows(weightHH, 3, hidden),
		BiasI: sumBias(0), BiasF: sumBias(1), BiasG: sumBias(2), BiasO: sumBias(3),
	}, nil
}

// Forward runs the plain LSTM recurrence over an embedded sequence shaped
// [seqLen, input] (zero initial hidden and cell states) and returns the last
// hidden state, shaped [hidden]. It is the reference the text decomposition is
// measured against.
func (l *LSTM) Forward(embedded *tensors.Tensor) *tensors.Tensor {
	switch embedded.DType() {
	case dtypes.Float32:
		return lstmForward[float32](l, embedded)
	case dtypes.Float64:
		return lstmForward[float64](l, embedded)
	default:
		exceptions.Panicf("nnet.LSTM.Forward: only Float32 and Float64 are supported, input is %s", embedded.DType())
	}
	return nil
}

func lstmForward[T kernels.Float](l *LSTM, embedded *tensors.Tensor) *tensors.Tensor {
	if embedded.Rank() != 2 || embedded.Shape().Dimensions[1] != l.InputDim() {
		exceptions.Panicf("nnet.LSTM.Forward: embedded sequence must be [seqLen, input=%d], got %s", l.InputDim(), embedded.Shape())
	}
	seqLen := embedded.Shape().Dimensions[0]
	hidden, input := l.HiddenDim(), l.InputDim()

	gates := func(wx, wh, bias *tensors.Tensor, x, h, dst []T) {
		tmp := make([]T, hidden)
		tensors.ConstFlatData(wx, func(w []T) { kernels.MatVec(w, hidden, input, x, dst) })
		tensors.ConstFlatData(wh, func(w []T) { kernels.MatVec(w, hidden, hidden, h, tmp) })
		tensors.ConstFlatData(bias, func(b []T) {
			for j := range dst {
				dst[j] += tmp[j] + b[j]
			}
		})
	}

	h := make([]T, hidden)
	c := make([]T, hidden)
	iGate := make([]T, hidden)
	fGate := make([]T, hidden)
	gGate := make([]T, hidden)
	oGate := make([]T, hidden)
	tensors.ConstFlatData(embedded, func(seq []T) {
		for t := range seqLen {
			x := seq[t*input : (t+1)*input]
			gates(l.WxI, l.WhI, l.BiasI, x, h, iGate)
			gates(l.WxF, l.WhF, l.BiasF, x, h, fGate)
			gates(l.WxG, l.WhG, l.BiasG, x, h, gGate)
			gates(l.WxO, l.WhO, l.BiasO, x, h, oGate)
			for j := range hidden {
				i := kernels.Sigmoid(iGate[j])
				f := kernels.Sigmoid(fGate[j])
				g := kernels.Tanh(gGate[j])
				o := kernels.Sigmoid(oGate[j])
				c[j] = f*c[j] + i*g
				h[j] = o * kernels.Tanh(c[j])
			}
		}
	})
	return tensors.FromFlatDataAndDimensions(h, hidden)
}

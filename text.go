// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/decompose/internal/kernels"
	"github.com/gomlx/decompose/nnet"
)

// NewText starts a Contextual Decomposition of a single-layer LSTM classifier's
// output, attributing it to a contiguous token-index range versus the rest of the
// sequence. Configure the returned TextBuilder (Range is mandatory) and call
// Done or DoneWithIrrelevant.
//
// embedded is the already-embedded token sequence, shaped [seqLen, inputDim] --
// one vector per timestep; embedding lookup is the caller's concern. readout is
// the final linear layer mapping the last hidden state to class scores; its bias
// is by definition excluded from the returned scores, so relevant + irrelevant
// equals the model's pre-bias logit.
func NewText(lstm *nnet.LSTM, readout nnet.Dense, embedded *tensors.Tensor) *TextBuilder {
	return &TextBuilder{lstm: lstm, readout: readout, embedded: embedded, start: -1, stop: -1}
}

// TextBuilder configures one sequence decomposition. All configuration is
// explicit and per-call. A TextBuilder is single-use.
type TextBuilder struct {
	lstm        *nnet.LSTM
	readout     nnet.Dense
	embedded    *tensors.Tensor
	start, stop int
}

// Range sets the inclusive token-index range [start, stop] whose contribution is
// scored as relevant. It must satisfy 0 <= start <= stop < seqLen; anything else
// is a fatal precondition violation, reported when the propagation runs.
func (b *TextBuilder) Range(start, stop int) *TextBuilder {
	b.start, b.stop = start, stop
	return b
}

// Done runs the decomposition and returns the relevant class-score vector,
// shaped [classes].
func (b *TextBuilder) Done() *tensors.Tensor {
	rel, _ := b.run(false)
	return rel
}

// DoneWithIrrelevant runs the decomposition and returns both the relevant and the
// irrelevant class-score vectors. Their sum equals the model's pre-bias logit for
// the full sequence, within float tolerance.
func (b *TextBuilder) DoneWithIrrelevant() (relevant, irrelevant *tensors.Tensor) {
	return b.run(true)
}

func (b *TextBuilder) run(withIrrelevant bool) (*tensors.Tensor, *tensors.Tensor) {
	if b.embedded.Rank() != 2 {
		exceptions.Panicf("decompose: embedded sequence must be rank-2 [seqLen, inputDim], got %s", b.embedded.Shape())
	}
	seqLen := b.embedded.Shape().Dimensions[0]
	if b.start < 0 || b.start > b.stop || b.stop >= seqLen {
		exceptions.Panicf("decompose: invalid token range [%d, %d] for sequence of length %d, need 0 <= start <= stop < seqLen",
			b.start, b.stop, seqLen)
	}
	assertFloatDType(b.embedded.DType())
	if b.embedded.DType() == dtypes.Float32 {
		return textCD[float32](b, withIrrelevant)
	}
	return textCD[float64](b, withIrrelevant)
}

// lstmWeights is the flat-slice view of the LSTM parameters, extracted once per
// propagation.
type lstmWeights[T kernels.Float] struct {
	wxI, wxF, wxG, wxO []T
	whI, whF, whG, whO []T
	bI, bF, bG, bO     []T
	hidden, input      int
}

func extractLSTM[T kernels.Float](l *nnet.LSTM) lstmWeights[T] {
	return lstmWeights[T]{
		wxI: tensors.CopyFlatData[T](l.WxI), wxF: tensors.CopyFlatData[T](l.WxF),
		wxG: tensors.CopyFlatData[T](l.WxG), wxO: tensors.CopyFlatData[T](l.WxO),
		whI: tensors.CopyFlatData[T](l.WhI), whF: tensors.CopyFlatData[T](l.WhF),
		whG: tensors.CopyFlatData[T](l.WhG), whO: tensors.CopyFlatData[T](l.WhO),
		bI: tensors.CopyFlatData[T](l.BiasI), bF: tensors.CopyFlatData[T](l.BiasF),
		bG: tensors.CopyFlatData[T](l.BiasG), bO: tensors.CopyFlatData[T](l.BiasO),
		hidden: l.HiddenDim(), input: l.InputDim(),
	}
}

func textCD[T kernels.Float](b *TextBuilder, withIrrelevant bool) (*tensors.Tensor, *tensors.Tensor) {
	lw := extractLSTM[T](b.lstm)
	hidden := lw.hidden
	if b.embedded.Shape().Dimensions[1] != lw.input {
		exceptions.Panicf("decompose: embedded sequence %s incompatible with LSTM input dimension %d",
			b.embedded.Shape(), lw.input)
	}
	seqLen := b.embedded.Shape().Dimensions[0]
	seq := tensors.CopyFlatData[T](b.embedded)

	// Per-timestep scratch, each row fully overwritten at its timestep; only the
	// t-1 rows are ever read back.
	relCell := make([]T, seqLen*hidden)
	irrelCell := make([]T, seqLen*hidden)
	relH := make([]T, seqLen*hidden)
	irrelH := make([]T, seqLen*hidden)

	prevRelH := make([]T, hidden)
	prevIrrelH := make([]T, hidden)
	relPre := make([]T, hidden)
	irrelPre := make([]T, hidden)
	inContrib := make([]T, hidden)
	oGate := make([]T, hidden)
	oTmp := make([]T, hidden)
	sumPrevH := make([]T, hidden)

	// gateSplit computes the relevant/irrelevant pre-activations of one gate --
	// recurrent contributions from the previous split hidden states, the current
	// token's input contribution routed wholly to the side given by the
	// timestep's range membership -- and splits the activated gate three ways.
	gateSplit := func(wx, wh, bias []T, x []T, inRange bool, act func(T) T) (relC, irrelC, biasC []T) {
		kernels.MatVec(wh, hidden, hidden, prevRelH, relPre)
		kernels.MatVec(wh, hidden, hidden, prevIrrelH, irrelPre)
		kernels.MatVec(wx, hidden, lw.input, x, inContrib)
		if inRange {
			for j := range relPre {
				relPre[j] += inContrib[j]
			}
		} else {
			for j := range irrelPre {
				irrelPre[j] += inContrib[j]
			}
		}
		return propagateThree(relPre, irrelPre, bias, act)
	}

	for t := range seqLen {
		x := seq[t*lw.input : (t+1)*lw.input]
		inRange := t >= b.start && t <= b.stop

		relI, irrelI, biasI := gateSplit(lw.wxI, lw.whI, lw.bI, x, inRange, kernels.Sigmoid[T])
		relG, irrelG, biasG := gateSplit(lw.wxG, lw.whG, lw.bG, x, inRange, kernels.Tanh[T])

		relRow := relCell[t*hidden : (t+1)*hidden]
		irrelRow := irrelCell[t*hidden : (t+1)*hidden]
		for j := range hidden {
			relRow[j] = relI[j]*(relG[j]+biasG[j]) + biasI[j]*relG[j]
			irrelRow[j] = irrelI[j]*(relG[j]+irrelG[j]+biasG[j]) + (relI[j]+biasI[j])*irrelG[j]
			// The pure bias cross term follows the current timestep's membership.
			if inRange {
				relRow[j] += biasI[j] * biasG[j]
			} else {
				irrelRow[j] += biasI[j] * biasG[j]
			}
		}

		if t > 0 {
			relF, irrelF, biasF := gateSplit(lw.wxF, lw.whF, lw.bF, x, inRange, kernels.Sigmoid[T])
			prevRelC := relCell[(t-1)*hidden : t*hidden]
			prevIrrelC := irrelCell[(t-1)*hidden : t*hidden]
			for j := range hidden {
				relRow[j] += (relF[j] + biasF[j]) * prevRelC[j]
				irrelRow[j] += (relF[j]+irrelF[j]+biasF[j])*prevIrrelC[j] + irrelF[j]*prevRelC[j]
			}
		}

		// The output gate is deliberately kept combined (un-split): both tanh-split
		// hidden sides are scaled by the same gate value, leaving its own
		// relevant/irrelevant cross terms aggregated.
		for j := range sumPrevH {
			sumPrevH[j] = prevRelH[j] + prevIrrelH[j]
		}
		kernels.MatVec(lw.wxO, hidden, lw.input, x, oGate)
		kernels.MatVec(lw.whO, hidden, hidden, sumPrevH, oTmp)
		for j := range oGate {
			oGate[j] = kernels.Sigmoid(oGate[j] + oTmp[j] + lw.bO[j])
		}

		newRelH, newIrrelH := propagateTanhTwo(relRow, irrelRow)
		relHRow := relH[t*hidden : (t+1)*hidden]
		irrelHRow := irrelH[t*hidden : (t+1)*hidden]
		for j := range hidden {
			relHRow[j] = oGate[j] * newRelH[j]
			irrelHRow[j] = oGate[j] * newIrrelH[j]
		}
		copy(prevRelH, relHRow)
		copy(prevIrrelH, irrelHRow)
	}

	// Final linear readout on each side's last hidden state; the readout bias is
	// excluded from both.
	if b.readout.Weight.Rank() != 2 || b.readout.Weight.Shape().Dimensions[1] != hidden {
		exceptions.Panicf("decompose: readout weight %s incompatible with hidden dimension %d",
			b.readout.Weight.Shape(), hidden)
	}
	classes := b.readout.Weight.Shape().Dimensions[0]
	relScores := make([]T, classes)
	wOut := tensors.CopyFlatData[T](b.readout.Weight)
	kernels.MatVec(wOut, classes, hidden, prevRelH, relScores)
	relTensor := tensors.FromFlatDataAndDimensions(relScores, classes)
	if !withIrrelevant {
		return relTensor, nil
	}
	irrelScores := make([]T, classes)
	kernels.MatVec(wOut, classes, hidden, prevIrrelH, irrelScores)
	return relTensor, tensors.FromFlatDataAndDimensions(irrelScores, classes)
}

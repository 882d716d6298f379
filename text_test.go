// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose_test

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/gomlx/decompose"
	"github.com/gomlx/decompose/nnet"
)

func randLSTM(t *testing.T, rng *rand.Rand, hidden, input int) *nnet.LSTM {
	t.Helper()
	lstm, err := nnet.LSTMFromStacked(
		randTensor64(rng, 4*hidden, input),
		randTensor64(rng, 4*hidden, hidden),
		randTensor64(rng, 4*hidden),
		randTensor64(rng, 4*hidden),
	)
	require.NoError(t, err)
	require.NoError(t, lstm.Validate())
	return lstm
}

// preBiasLogits computes readoutWeight · lastHidden with gonum, the pre-bias
// logits the text decomposition must reconstruct.
func preBiasLogits(readout nnet.Dense, lastHidden *tensors.Tensor) []float64 {
	classes := readout.Weight.Shape().Dimensions[0]
	hidden := readout.Weight.Shape().Dimensions[1]
	w := mat.NewDense(classes, hidden, tensors.CopyFlatData[float64](readout.Weight))
	h := mat.NewVecDense(hidden, tensors.CopyFlatData[float64](lastHidden))
	var out mat.VecDense
	out.MulVec(w, h)
	return out.RawVector().Data
}

func TestTextReconstruction(t *testing.T) {
	rng := rand.New(rand.NewSource(41))
	const hidden, input, seqLen, classes = 8, 5, 7, 3
	lstm := randLSTM(t, rng, hidden, input)
	readout := nnet.Dense{Weight: randTensor64(rng, classes, hidden), Bias: randTensor64(rng, classes)}
	embedded := randTensor64(rng, seqLen, input)

	want := preBiasLogits(readout, lstm.Forward(embedded))
	for _, tokenRange := range [][2]int{{0, 0}, {1, 2}, {0, seqLen - 1}, {seqLen - 1, seqLen - 1}} {
		rel, irrel := decompose.NewText(lstm, readout, embedded).
			Range(tokenRange[0], tokenRange[1]).
			DoneWithIrrelevant()
		require.NoError(t, rel.Shape().CheckDims(classes))
		relFlat := tensors.CopyFlatData[float64](rel)
		irrelFlat := tensors.CopyFlatData[float64](irrel)
		for k := range classes {
			assert.InDelta(t, want[k], relFlat[k]+irrelFlat[k], 1e-9,
				"class %d, token range %v", k, tokenRange)
		}
	}
}

func TestTextRangeSensitivity(t *testing.T) {
	// Widening the range must change the split (on a random model the odds of a
	// collision are nil), while the sum stays fixed.
	rng := rand.New(rand.NewSource(42))
	const hidden, input, seqLen = 6, 4, 5
	lstm := randLSTM(t, rng, hidden, input)
	readout := nnet.Dense{Weight: randTensor64(rng, 2, hidden)}
	embedded := randTensor64(rng, seqLen, input)

	narrow := decompose.NewText(lstm, readout, embedded).Range(2, 2).Done()
	wide := decompose.NewText(lstm, readout, embedded).Range(0, seqLen-1).Done()
	require.False(t, narrow.InDelta(wide, 1e-9))
}

func TestTextFloat32(t *testing.T) {
	rng := rand.New(rand.NewSource(43))
	const hidden, input, seqLen, classes = 4, 3, 4, 2
	lstm, err := nnet.LSTMFromStacked(
		randTensor32(rng, 4*hidden, input),
		randTensor32(rng, 4*hidden, hidden),
		randTensor32(rng, 4*hidden),
		randTensor32(rng, 4*hidden),
	)
	require.NoError(t, err)
	readout := nnet.Dense{Weight: randTensor32(rng, classes, hidden)}
	embedded := randTensor32(rng, seqLen, input)

	rel, irrel := decompose.NewText(lstm, readout, embedded).
		Range(1, 2).
		DoneWithIrrelevant()

	lastHidden := tensors.CopyFlatData[float32](lstm.Forward(embedded))
	w := tensors.CopyFlatData[float32](readout.Weight)
	relFlat := tensors.CopyFlatData[float32](rel)
	irrelFlat := tensors.CopyFlatData[float32](irrel)
	for k := range classes {
		var want float32
		for j := range hidden {
			want += w[k*hidden+j] * lastHidden[j]
		}
		assert.InDelta(t, want, relFlat[k]+irrelFlat[k], 1e-4)
	}
}

func TestTextInvalidRange(t *testing.T) {
	rng := rand.New(rand.NewSource(44))
	const hidden, input, seqLen = 4, 3, 5
	lstm := randLSTM(t, rng, hidden, input)
	readout := nnet.Dense{Weight: randTensor64(rng, 2, hidden)}
	embedded := randTensor64(rng, seqLen, input)

	tests := []struct {
		name        string
		start, stop int
	}{
		{"negative-start", -1, 2},
		{"start-after-stop", 3, 2},
		{"stop-past-end", 0, seqLen},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Panics(t, func() {
				decompose.NewText(lstm, readout, embedded).Range(test.start, test.stop).Done()
			})
		})
	}
	t.Run("range-not-set", func(t *testing.T) {
		require.Panics(t, func() {
			decompose.NewText(lstm, readout, embedded).Done()
		})
	})
}

func TestTextShapeErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(45))
	lstm := randLSTM(t, rng, 4, 3)
	readout := nnet.Dense{Weight: randTensor64(rng, 2, 4)}
	t.Run("embedded-rank", func(t *testing.T) {
		require.Panics(t, func() {
			decompose.NewText(lstm, readout, randTensor64(rng, 5)).Range(0, 1).Done()
		})
	})
	t.Run("embedding-dimension", func(t *testing.T) {
		require.Panics(t, func() {
			decompose.NewText(lstm, readout, randTensor64(rng, 5, 7)).Range(0, 1).Done()
		})
	})
	t.Run("readout-dimension", func(t *testing.T) {
		badReadout := nnet.Dense{Weight: randTensor64(rng, 2, 9)}
		require.Panics(t, func() {
			decompose.NewText(lstm, badReadout, randTensor64(rng, 5, 3)).Range(0, 1).Done()
		})
	})
}

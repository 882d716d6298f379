// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nnet

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	flat := make([]float64, size)
	for i := range flat {
		flat[i] = rng.NormFloat64()
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

func TestModelValidate(t *testing.T) {
	good := randTensor(rand.New(rand.NewSource(0)), 3, 2)
	goodBias := randTensor(rand.New(rand.NewSource(0)), 3)

	tests := []struct {
		name    string
		model   *Model
		wantErr string
	}{
		{"valid", NewModel(Dense{Weight: good, Bias: goodBias}, ReLU{}), ""},
		{"nil-bias-ok", NewModel(Dense{Weight: good}), ""},
		{"nil-weight", NewModel(Dense{}), "weight must be rank-2"},
		{"wrong-weight-rank", NewModel(Dense{Weight: goodBias}), "weight must be rank-2"},
		{"bias-mismatch", NewModel(Dense{Weight: good, Bias: randTensor(rand.New(rand.NewSource(0)), 2)}), "does not match weight"},
		{"conv-weight-rank", NewModel(Conv2D{Weight: good}), "rank-4"},
		{"pool-window", NewModel(MaxPool2D{Window: 0}), "window must be > 0"},
		{"dropout-rate", NewModel(Dropout{Rate: 1.0}), "rate must be in [0, 1)"},
		{"mixed-dtypes", NewModel(
			Dense{Weight: good},
			Dense{Weight: tensors.FromValue([][]float32{{1, 2, 3}})},
		), "mixed parameter dtypes"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.model.Validate()
			if test.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, test.wantErr)
		})
	}
}

func TestDenseForwardAgainstGonum(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const batch, in, out = 4, 6, 3
	weight := randTensor(rng, out, in)
	bias := randTensor(rng, out)
	input := randTensor(rng, batch, in)
	model := NewModel(Dense{Weight: weight, Bias: bias})

	got := model.Forward(input)
	require.NoError(t, got.Shape().CheckDims(batch, out))

	var want mat.Dense
	want.Mul(
		mat.NewDense(batch, in, tensors.CopyFlatData[float64](input)),
		mat.NewDense(out, in, tensors.CopyFlatData[float64](weight)).T(),
	)
	biasFlat := tensors.CopyFlatData[float64](bias)
	gotFlat := tensors.CopyFlatData[float64](got)
	for b := range batch {
		for o := range out {
			assert.InDelta(t, want.At(b, o)+biasFlat[o], gotFlat[b*out+o], 1e-12)
		}
	}
}

func TestForwardConvNetShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	model := NewModel(
		Conv2D{Weight: randTensor(rng, 4, 1, 3, 3), Bias: randTensor(rng, 4), Padding: 1},
		ReLU{},
		MaxPool2D{Window: 2},
		Flatten{},
		Dense{Weight: randTensor(rng, 10, 4*4*4), Bias: randTensor(rng, 10)},
	)
	require.NoError(t, model.Validate())
	out := model.Forward(randTensor(rng, 2, 1, 8, 8))
	require.NoError(t, out.Shape().CheckDims(2, 10))
}

func TestForwardImplicitFlatten(t *testing.T) {
	// A Dense layer directly after a rank-4 activation flattens implicitly.
	rng := rand.New(rand.NewSource(3))
	withFlatten := NewModel(
		Conv2D{Weight: randTensor(rng, 2, 1, 2, 2)},
		Flatten{},
		Dense{Weight: randTensor(rng, 3, 2*3*3)},
	)
	without := NewModel(withFlatten.Layers[0], withFlatten.Layers[2])
	input := randTensor(rng, 1, 1, 4, 4)
	a := withFlatten.Forward(input)
	b := without.Forward(input)
	require.True(t, a.InDelta(b, 1e-12))
}

func TestForwardReLU(t *testing.T) {
	model := NewModel(ReLU{})
	got := model.Forward(tensors.FromValue([][]float64{{-1, 0, 2.5}}))
	require.True(t, got.InDelta(tensors.FromValue([][]float64{{0, 0, 2.5}}), 1e-12))
}

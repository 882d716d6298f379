// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// cdsweep is a small demo driver for the decompose library: it builds a random
// toy model, sweeps a contiguous relevance window across the input, and prints
// the Contextual Decomposition score attributed to each window position.
//
// Two modes are supported:
//
//	-mode=text  (default) a single-layer LSTM over an embedded token sequence;
//	            the window is a token-index range.
//	-mode=image a tiny conv net over a single-channel square image; the window
//	            is a band of columns marked relevant in the pixel mask.
//
// The models are randomly initialized, so the scores themselves carry no
// meaning; the point is exercising both propagation paths end to end.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/decompose"
	"github.com/gomlx/decompose/nnet"
)

var (
	flagMode   = flag.String("mode", "text", "Sweep mode: \"text\" (LSTM over a token sequence) or \"image\" (conv net over an image).")
	flagSeed   = flag.Int64("seed", 42, "Seed for the random model and input.")
	flagLen    = flag.Int("len", 20, "Sequence length (text mode) or image side (image mode).")
	flagWindow = flag.Int("window", 3, "Width of the relevance window swept across the input.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagWindow < 1 || *flagWindow > *flagLen {
		klog.Fatalf("-window=%d must be in [1, %d]", *flagWindow, *flagLen)
	}
	err := exceptions.TryCatch[error](func() {
		switch *flagMode {
		case "text":
			sweepText()
		case "image":
			sweepImage()
		default:
			exceptions.Panicf("unknown -mode=%q, want \"text\" or \"image\"", *flagMode)
		}
	})
	if err != nil {
		klog.Fatalf("cdsweep failed: %+v", err)
	}
}

func shapeF32(dims ...int) shapes.Shape {
	return shapes.Make(dtypes.Float32, dims...)
}

// randTensor returns a float32 tensor with entries uniform in [-0.5, 0.5).
func randTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	t := tensors.FromShape(shapeF32(dims...))
	tensors.MutableFlatData(t, func(flat []float32) {
		for i := range flat {
			flat[i] = rng.Float32() - 0.5
		}
	})
	return t
}

func sweepText() {
	const (
		inputDim  = 16
		hiddenDim = 32
		classes   = 2
	)
	seqLen := *flagLen
	rng := rand.New(rand.NewSource(*flagSeed))

	// Random stacked weights in the usual [4*hidden, .] layout, gate order
	// input, forget, cell, output.
	lstm := must.M1(nnet.LSTMFromStacked(
		randTensor(rng, 4*hiddenDim, inputDim),
		randTensor(rng, 4*hiddenDim, hiddenDim),
		randTensor(rng, 4*hiddenDim),
		randTensor(rng, 4*hiddenDim),
	))
	readout := nnet.Dense{
		Weight: randTensor(rng, classes, hiddenDim),
		Bias:   randTensor(rng, classes),
	}
	embedded := randTensor(rng, seqLen, inputDim)

	positions := seqLen - *flagWindow + 1
	scores := make([]float32, positions)
	bar := progressbar.Default(int64(positions), "sweep")
	start := time.Now()
	for pos := range positions {
		rel := decompose.NewText(lstm, readout, embedded).
			Range(pos, pos+*flagWindow-1).
			Done()
		flat := tensors.CopyFlatData[float32](rel)
		scores[pos] = flat[0] - flat[1] // class-0 margin
		must.M(bar.Add(1))
	}
	elapsed := time.Since(start)

	fmt.Printf("\nLSTM sweep: seqLen=%d, window=%d, hidden=%d\n", seqLen, *flagWindow, hiddenDim)
	for pos, s := range scores {
		fmt.Printf("  tokens [%2d, %2d]: %+9.5f\n", pos, pos+*flagWindow-1, s)
	}
	fmt.Printf("%d decompositions in %s (%sdec/s)\n", positions, elapsed,
		humanize.SIWithDigits(float64(positions)/elapsed.Seconds(), 1, ""))
}

func sweepImage() {
	side := *flagLen
	rng := rand.New(rand.NewSource(*flagSeed))

	const filters = 4
	pooledSide := side / 2
	model := nnet.NewModel(
		nnet.Conv2D{
			Weight:  randTensor(rng, filters, 1, 3, 3),
			Bias:    randTensor(rng, filters),
			Stride:  1,
			Padding: 1,
		},
		nnet.ReLU{},
		nnet.MaxPool2D{Window: 2},
		nnet.Flatten{},
		nnet.Dense{
			Weight: randTensor(rng, 10, filters*pooledSide*pooledSide),
			Bias:   randTensor(rng, 10),
		},
	)
	must.M(model.Validate())
	input := randTensor(rng, 1, 1, side, side)

	positions := side - *flagWindow + 1
	scores := make([]float32, positions)
	bar := progressbar.Default(int64(positions), "sweep")
	start := time.Now()
	for pos := range positions {
		mask := columnBandMask(side, pos, pos+*flagWindow-1)
		pair := decompose.New(model, input, mask).Done()
		flat := tensors.CopyFlatData[float32](pair.Relevant)
		scores[pos] = flat[0]
		must.M(bar.Add(1))
	}
	elapsed := time.Since(start)

	fmt.Printf("\nConv sweep: image %dx%d, column band width %d\n", side, side, *flagWindow)
	for pos, s := range scores {
		fmt.Printf("  columns [%2d, %2d]: %+9.5f\n", pos, pos+*flagWindow-1, s)
	}
	fmt.Printf("%d decompositions in %s (%sdec/s)\n", positions, elapsed,
		humanize.SIWithDigits(float64(positions)/elapsed.Seconds(), 1, ""))
}

// columnBandMask builds a [1, 1, side, side] binary mask marking the inclusive
// column range [first, last] as relevant.
func columnBandMask(side, first, last int) *tensors.Tensor {
	mask := tensors.FromShape(shapeF32(1, 1, side, side))
	tensors.MutableFlatData(mask, func(flat []float32) {
		for row := range side {
			for col := first; col <= last; col++ {
				flat[row*side+col] = 1
			}
		}
	})
	return mask
}

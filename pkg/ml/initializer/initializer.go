// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializer fills variables with their initial values.
//
// Weights are assumed to be either dense `[inputs, outputs]` or channels-first convolution
// kernels `[outChannels, inChannels, kernelHeight, kernelWidth]`. Anything with rank <= 1
// (biases) is initialized to zero by the random initializers.
package initializer

import (
	"math"
	"math/rand"

	"github.com/gomlx/vdenoise/pkg/core/tensors"
)

// Initializer sets the values of t, drawing random numbers from rng.
type Initializer func(rng *rand.Rand, t *tensors.Tensor)

// Zero initializes variables with zero.
var Zero Initializer = func(_ *rand.Rand, t *tensors.Tensor) {
	t.Fill(0)
}

// Uniform returns an initializer that generates random uniform values from [min, max).
func Uniform(minValue, maxValue float64) Initializer {
	return func(rng *rand.Rand, t *tensors.Tensor) {
		data := t.Data()
		for ii := range data {
			data[ii] = float32(minValue + rng.Float64()*(maxValue-minValue))
		}
	}
}

// computeFanInFanOut of a variable expected to be the weights of either a dense layer or
// a channels-first convolution.
func computeFanInFanOut(t *tensors.Tensor) (fanIn, fanOut int) {
	rank := t.Rank()
	switch rank {
	case 0: // Scalar.
		fanIn = 1
		fanOut = fanIn
	case 1: // 1D shape, like a bias term.
		fanIn = 0
		fanOut = fanIn
	case 2: // 2D shape, weights of a dense layer.
		fanIn = t.Dim(0)
		fanOut = t.Dim(1)
	default: // Assuming convolution kernels, with the spatial dimensions last.
		receptiveFieldSize := 1
		for axis := 2; axis < rank; axis++ {
			receptiveFieldSize *= t.Dim(axis)
		}
		fanIn = t.Dim(1) * receptiveFieldSize
		fanOut = t.Dim(0) * receptiveFieldSize
	}
	return
}

// XavierUniform returns an initializer that generates random values with a uniform distribution with a range
// defined by +/- sqrt(6 / (fanIn+fanOut)).
//
// It initializes biases (anything with rank <= 1) to zeros.
func XavierUniform() Initializer {
	return func(rng *rand.Rand, t *tensors.Tensor) {
		if t.Rank() <= 1 {
			t.Fill(0)
			return
		}
		fanIn, fanOut := computeFanInFanOut(t)
		limit := math.Sqrt(6.0 / max(1.0, float64(fanIn+fanOut)))
		Uniform(-limit, limit)(rng, t)
	}
}

// HeUniform returns the initializer that tries to preserve the variance of 1 through ReLU activations,
// drawing from a uniform distribution in +/- sqrt(6 / fanIn).
//
// It initializes biases (anything with rank <= 1) to zeros.
//
// [1] https://arxiv.org/pdf/1502.01852
func HeUniform() Initializer {
	return func(rng *rand.Rand, t *tensors.Tensor) {
		if t.Rank() <= 1 {
			t.Fill(0)
			return
		}
		fanIn, _ := computeFanInFanOut(t)
		limit := math.Sqrt(6.0 / max(1.0, float64(fanIn)))
		Uniform(-limit, limit)(rng, t)
	}
}

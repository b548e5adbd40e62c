// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"math/rand"

	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/pkg/errors"
)

// DrawNoiseStd draws one noise standard deviation per example, uniformly from [lo, hi).
func DrawNoiseStd(numExamples int, lo, hi float64, rng *rand.Rand) []float32 {
	stds := make([]float32, numExamples)
	for ii := range stds {
		stds[ii] = float32(lo + rng.Float64()*(hi-lo))
	}
	return stds
}

// NoiseMap expands the per-example noise standard deviations into the model's noise map
// input, shaped `[len(stds), 1, height, width]`.
func NoiseMap(stds []float32, height, width int) *tensors.Tensor {
	noiseMap := tensors.Make(len(stds), 1, height, width)
	for ii, std := range stds {
		noiseMap.Slice(ii).Fill(std)
	}
	return noiseMap
}

// AddGaussianNoise returns a copy of x (the first axis being the example) with zero-mean
// Gaussian noise added, using the standard deviation of each example.
func AddGaussianNoise(x *tensors.Tensor, stds []float32, rng *rand.Rand) (*tensors.Tensor, error) {
	if x.Rank() == 0 || x.Dim(0) != len(stds) {
		return nil, errors.Errorf("AddGaussianNoise requires %d examples, got tensor %s", len(stds), x)
	}
	noisy := x.Clone()
	for ii, std := range stds {
		data := noisy.Slice(ii).Data()
		for jj := range data {
			data[jj] += float32(rng.NormFloat64()) * std
		}
	}
	return noisy, nil
}

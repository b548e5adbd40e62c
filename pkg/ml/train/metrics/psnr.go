// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"

	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/pkg/errors"
)

// PSNR returns the peak signal-to-noise ratio in dB between a and b, for signals whose
// peak value is maxValue: `20·log10(maxValue / sqrt(MSE))`.
//
// If a and b are equal it returns +Inf.
func PSNR(a, b *tensors.Tensor, maxValue float64) (float64, error) {
	if !a.SameShape(b) {
		return 0, errors.Errorf("PSNR requires tensors of the same shape, got %s and %s", a, b)
	}
	if a.Size() == 0 {
		return 0, errors.Errorf("PSNR of empty tensors %s", a)
	}
	return psnrFromData(a.Data(), b.Data(), maxValue), nil
}

func psnrFromData(a, b []float32, maxValue float64) float64 {
	var sse float64
	for ii, v := range a {
		diff := float64(v) - float64(b[ii])
		sse += diff * diff
	}
	mse := sse / float64(len(a))
	if mse == 0 {
		return math.Inf(1)
	}
	return 20 * math.Log10(maxValue/math.Sqrt(mse))
}

// BatchPSNR returns the mean over the examples (first axis) of the PSNR of each example.
// If any example is reconstructed exactly, the result is +Inf.
func BatchPSNR(output, groundTruth *tensors.Tensor, maxValue float64) (float64, error) {
	if !output.SameShape(groundTruth) {
		return 0, errors.Errorf("BatchPSNR requires tensors of the same shape, got %s and %s", output, groundTruth)
	}
	if output.Rank() < 2 || output.Size() == 0 {
		return 0, errors.Errorf("BatchPSNR requires a non-empty batch with rank >= 2, got %s", output)
	}
	var total float64
	n := output.Dim(0)
	for ii := range n {
		total += psnrFromData(output.Slice(ii).Data(), groundTruth.Slice(ii).Data(), maxValue)
	}
	return total / float64(n), nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the training loss of the denoiser and its gradient.
package losses

import (
	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/pkg/errors"
)

// HalfSumSquaredError returns `Σ(groundTruth - output)² / (2·N)`, where N is the batch size
// (first axis), along with the gradient of the loss with respect to output, `(output - groundTruth) / N`.
//
// The sum runs over all elements, so the loss scales with the number of pixels per example.
func HalfSumSquaredError(output, groundTruth *tensors.Tensor) (loss float64, gradOutput *tensors.Tensor, err error) {
	if !output.SameShape(groundTruth) {
		return 0, nil, errors.Errorf("loss requires output and ground truth of the same shape, got %s and %s",
			output, groundTruth)
	}
	if output.Rank() == 0 || output.Dim(0) == 0 {
		return 0, nil, errors.Errorf("loss requires a non-empty batch, got %s", output)
	}
	n := float64(output.Dim(0))
	gradOutput = tensors.Make(output.Shape()...)
	outData, gtData, gradData := output.Data(), groundTruth.Data(), gradOutput.Data()
	var sse float64
	for ii, v := range outData {
		diff := float64(v) - float64(gtData[ii])
		sse += diff * diff
		gradData[ii] = float32(diff / n)
	}
	return sse / (2 * n), gradOutput, nil
}

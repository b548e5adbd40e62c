// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data reads video sequences stored as directories of frames, and prepares the
// batches used to train and validate the denoiser.
//
// Training batches are random spatio-temporal crops of paired clean (original) and noisy
// sequences, see PairedDataset. Validation sequences are loaded whole, see LoadSequences.
package data

import (
	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batch of training examples, with raw pixel values in [0, 255].
type Batch struct {
	// Original (clean) crops shaped `[batchSize, numFrames, channels, height, width]`.
	Original *tensors.Tensor

	// Noisy crops with the same shape as Original, taken at the same positions of the paired
	// noisy sequences. It is nil if the dataset has no noisy sequences.
	Noisy *tensors.Tensor
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	return b.Original.Dim(0)
}

// Check validates the shapes of the batch.
func (b *Batch) Check() error {
	if b.Original == nil || b.Original.Rank() != 5 {
		return errors.Errorf("batch requires Original shaped [batch, frames, channels, height, width], got %v", b.Original)
	}
	if b.Noisy != nil && !b.Noisy.SameShape(b.Original) {
		return errors.Errorf("batch Noisy shape %s doesn't match Original shape %s", b.Noisy, b.Original)
	}
	return nil
}

// Source is anything that yields batches: PairedDataset and ParallelDataset implement it.
//
// Yield returns io.EOF at the end of an epoch, and Reset restarts it.
type Source interface {
	Name() string
	Yield() (*Batch, error)
	Reset()
}

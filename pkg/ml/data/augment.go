// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"math/rand"

	"github.com/gomlx/vdenoise/pkg/config"
	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Transform is one of the data augmentations applied to a training batch.
// Besides AddConstant, they are the 8 symmetries of the square (dihedral group).
type Transform int

const (
	Identity Transform = iota
	FlipUD
	Rot90
	Rot90FlipUD
	Rot180
	Rot180FlipUD
	Rot270
	Rot270FlipUD

	// AddConstant adds a small random brightness offset per example.
	AddConstant

	numTransforms
)

var transformNames = []string{"Identity", "FlipUD", "Rot90", "Rot90FlipUD", "Rot180", "Rot180FlipUD",
	"Rot270", "Rot270FlipUD", "AddConstant"}

// String implements fmt.Stringer.
func (t Transform) String() string {
	if t >= 0 && t < numTransforms {
		return transformNames[t]
	}
	return fmt.Sprintf("Transform(%d)", int(t))
}

// transformWeights are the relative odds of each Transform: the untouched batch is the most likely.
var transformWeights = [numTransforms]int{32, 12, 12, 12, 12, 12, 12, 12, 12}

// AddConstantStdDev is the standard deviation of the brightness offset of AddConstant,
// in the normalized [0, 1] scale.
const AddConstantStdDev = 5.0 / config.PixelRange

// RandomTransform draws a Transform according to transformWeights.
func RandomTransform(rng *rand.Rand) Transform {
	total := 0
	for _, w := range transformWeights {
		total += w
	}
	r := rng.Intn(total)
	for ii, w := range transformWeights {
		if r < w {
			return Transform(ii)
		}
		r -= w
	}
	return Identity
}

// sourceIndex maps the output position (y, x) of a transform of a size x size square
// to the input position it is read from.
func (t Transform) sourceIndex(y, x, size int) (int, int) {
	last := size - 1
	switch t {
	case FlipUD:
		return last - y, x
	case Rot90:
		return x, last - y
	case Rot90FlipUD:
		return x, y
	case Rot180:
		return last - y, last - x
	case Rot180FlipUD:
		return y, last - x
	case Rot270:
		return last - x, y
	case Rot270FlipUD:
		return last - x, last - y
	}
	return y, x
}

// Apply the transform in place to the images in x, shaped `[batchSize, channels, height, width]`.
// For AddConstant the per-example offsets must be given.
//
// Geometric transforms require square images.
func (t Transform) Apply(x *tensors.Tensor, offsets []float32) error {
	if x.Rank() != 4 {
		return errors.Errorf("Transform.Apply requires a tensor shaped [batch, channels, height, width], got %s", x)
	}
	batchSize, height, width := x.Dim(0), x.Dim(2), x.Dim(3)
	switch t {
	case Identity:
		return nil
	case AddConstant:
		if len(offsets) != batchSize {
			return errors.Errorf("AddConstant requires %d offsets, got %d", batchSize, len(offsets))
		}
		for ii := range batchSize {
			data := x.Slice(ii).Data()
			for jj := range data {
				data[jj] += offsets[ii]
			}
		}
		return nil
	}
	if height != width {
		return errors.Errorf("transform %s requires square images, got %dx%d", t, height, width)
	}
	data := x.Data()
	plane := make([]float32, height*width)
	for offset := 0; offset < len(data); offset += height * width {
		copy(plane, data[offset:offset+height*width])
		for y := range height {
			for xx := range width {
				sy, sx := t.sourceIndex(y, xx, height)
				data[offset+y*width+xx] = plane[sy*width+sx]
			}
		}
	}
	return nil
}

// Sample is a training batch normalized and ready to be fed to the model.
type Sample struct {
	// Clean and Noisy are shaped `[batchSize, numFrames*channels, height, width]` with values in [0, 1].
	// Noisy is nil if the batch had no noisy crops.
	Clean, Noisy *tensors.Tensor

	// GroundTruth is the central frame of Clean, shaped `[batchSize, channels, height, width]`.
	GroundTruth *tensors.Tensor

	// Transform applied to the batch.
	Transform Transform
}

// NormalizeAugment converts a raw batch into a Sample: values are scaled to [0, 1], the
// frames are stacked on the channels axis and one random transform is applied identically
// to the clean and noisy crops. centralFrame is the index of the frame to denoise.
//
// The input batch is not modified.
func NormalizeAugment(batch *Batch, centralFrame int, rng *rand.Rand) (*Sample, error) {
	if err := batch.Check(); err != nil {
		return nil, err
	}
	numFrames := batch.Original.Dim(1)
	if centralFrame < 0 || centralFrame >= numFrames {
		return nil, errors.Errorf("central frame %d out of range for %d frames", centralFrame, numFrames)
	}
	transform := RandomTransform(rng)
	if transform != AddConstant && transform != Identity && batch.Original.Dim(3) != batch.Original.Dim(4) {
		transform = Identity
	}
	var offsets []float32
	if transform == AddConstant {
		offsets = make([]float32, batch.Size())
		for ii := range offsets {
			offsets[ii] = float32(rng.NormFloat64() * AddConstantStdDev)
		}
	}
	sample := &Sample{Transform: transform}
	var err error
	sample.Clean, err = normalizeStack(batch.Original, transform, offsets)
	if err != nil {
		return nil, err
	}
	if batch.Noisy != nil {
		sample.Noisy, err = normalizeStack(batch.Noisy, transform, offsets)
		if err != nil {
			return nil, err
		}
	}
	channels := batch.Original.Dim(2)
	sample.GroundTruth = sample.Clean.Narrow(1, centralFrame*channels, channels)
	return sample, nil
}

// normalizeStack returns a copy of x `[N, T, C, H, W]` reshaped to `[N, T*C, H, W]`, scaled
// to [0, 1] and transformed.
func normalizeStack(x *tensors.Tensor, transform Transform, offsets []float32) (*tensors.Tensor, error) {
	shape := x.Shape()
	out := x.Clone().Reshape(shape[0], shape[1]*shape[2], shape[3], shape[4])
	data := out.Data()
	for ii := range data {
		data[ii] /= config.PixelRange
	}
	if err := transform.Apply(out, offsets); err != nil {
		return nil, err
	}
	return out, nil
}

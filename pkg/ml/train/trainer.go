// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"
	"math/rand"

	"github.com/gomlx/vdenoise/pkg/config"
	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/gomlx/vdenoise/pkg/ml/data"
	"github.com/gomlx/vdenoise/pkg/ml/train/losses"
	"github.com/pkg/errors"
)

// ErrNonFiniteLoss is returned (wrapped) by Trainer.TrainStep when the loss is NaN or infinite.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// StepResult is what one training step produced. It is passed to the OnStep hooks.
type StepResult struct {
	Loss float64

	// Input given to the model `[batchSize, numFrames*channels, height, width]`, in [0, 1].
	Input *tensors.Tensor

	// Clean input frames, same shape as Input.
	Clean *tensors.Tensor

	// Output of the model and GroundTruth (central clean frame), `[batchSize, channels, height, width]`.
	Output, GroundTruth *tensors.Tensor

	// NoiseStd drawn for each example, normalized to [0, 1].
	NoiseStd []float32

	// Transform used to augment the batch.
	Transform data.Transform
}

// Trainer executes one optimization step at a time: it prepares the model input from a
// batch, runs the model forward and backward and applies the optimizer.
type Trainer struct {
	Model     Model
	Optimizer Optimizer

	noiseMode        config.NoiseMode
	noiseLo, noiseHi float64
	centralFrame     int
	seed             int64
	rng              *rand.Rand
}

// NewTrainer creates a Trainer configured from cfg: noise mode, noise interval, temporal patch
// size and random seed. The random draws start as those of epoch 0, see SetEpoch.
func NewTrainer(model Model, optimizer Optimizer, cfg *config.RunConfig) *Trainer {
	lo, hi := cfg.NoiseInterval()
	return &Trainer{
		Model:        model,
		Optimizer:    optimizer,
		noiseMode:    cfg.NoiseMode,
		noiseLo:      lo,
		noiseHi:      hi,
		centralFrame: cfg.CentralFrame(),
		seed:         cfg.Seed,
		rng:          rand.New(rand.NewSource(epochSeed(cfg.Seed, 0))),
	}
}

// SetEpoch reseeds the random augmentations and noise draws for the given epoch, so a run
// resumed at some epoch draws the same values as an uninterrupted one.
func (t *Trainer) SetEpoch(epoch int) {
	t.rng = rand.New(rand.NewSource(epochSeed(t.seed, epoch)))
}

func epochSeed(seed int64, epoch int) int64 {
	return (seed+1)*0x5DEECE66D ^ int64(epoch)<<32
}

// TrainStep runs one optimization step on the batch:
//
//  1. Zero the gradients.
//  2. Normalize and augment the batch.
//  3. Draw one noise level per example, from the configured interval, and build the noise map.
//  4. Select the noisy input: the recorded noisy crops or the clean ones with synthetic noise.
//  5. Run the model forward, compute the loss `Σ(groundTruth-output)²/(2N)` and run backward.
//  6. Apply the optimizer step.
//
// If the loss is not finite it returns an error wrapping ErrNonFiniteLoss, before changing any variable.
func (t *Trainer) TrainStep(batch *data.Batch) (*StepResult, error) {
	t.Optimizer.ZeroGradients()
	sample, err := data.NormalizeAugment(batch, t.centralFrame, t.rng)
	if err != nil {
		return nil, err
	}
	numExamples, height, width := sample.Clean.Dim(0), sample.Clean.Dim(2), sample.Clean.Dim(3)
	stds := data.DrawNoiseStd(numExamples, t.noiseLo, t.noiseHi, t.rng)
	result := &StepResult{
		Clean:       sample.Clean,
		GroundTruth: sample.GroundTruth,
		NoiseStd:    stds,
		Transform:   sample.Transform,
	}
	switch t.noiseMode {
	case config.PreNoisedPair:
		if sample.Noisy == nil {
			return nil, errors.Errorf("noise mode %s requires noisy sequences, but the batch has none", t.noiseMode)
		}
		result.Input = sample.Noisy
	case config.SyntheticNoise:
		result.Input, err = data.AddGaussianNoise(sample.Clean, stds, t.rng)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unknown noise mode %s", t.noiseMode)
	}

	result.Output, err = t.Model.Forward(result.Input, data.NoiseMap(stds, height, width))
	if err != nil {
		return nil, errors.WithMessage(err, "model forward")
	}
	var gradOutput *tensors.Tensor
	result.Loss, gradOutput, err = losses.HalfSumSquaredError(result.Output, result.GroundTruth)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(result.Loss) || math.IsInf(result.Loss, 0) {
		return result, errors.Wrapf(ErrNonFiniteLoss, "batch loss is %f", result.Loss)
	}
	if err = t.Model.Backward(gradOutput); err != nil {
		return nil, errors.WithMessage(err, "model backward")
	}
	if err = t.Optimizer.Step(); err != nil {
		return nil, errors.WithMessage(err, "optimizer step")
	}
	return result, nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/gomlx/vdenoise/pkg/ml/data"
	"github.com/gomlx/vdenoise/pkg/ml/train/metrics"
	"github.com/gomlx/vdenoise/pkg/ml/variables"
)

// Model is the denoiser being trained.
type Model interface {
	// Forward denoises the central frame of input, shaped `[batchSize, numFrames*channels, height, width]`,
	// given the noise map `[batchSize, 1, height, width]`. It returns `[batchSize, channels, height, width]`.
	//
	// In training mode, it keeps what is needed by Backward.
	Forward(input, noiseMap *tensors.Tensor) (*tensors.Tensor, error)

	// Backward accumulates in the variables' gradients the gradient of the loss, given the
	// gradient with respect to the output of the last Forward call.
	Backward(gradOutput *tensors.Tensor) error

	// SetTraining switches between training and inference modes.
	SetTraining(training bool)

	// Variables returns the model parameters.
	Variables() []*variables.Variable
}

// Optimizer updates the model's variables from their gradients.
type Optimizer interface {
	ZeroGradients()
	Step() error
	SetLearningRate(rate float64)
	LearningRate() float64

	// StateVariables are saved and restored along with the model in checkpoints.
	StateVariables() []*variables.Variable
}

// BatchSource provides the training batches. Yield returns io.EOF at the end of an epoch,
// and Reset is called by the Loop to start the next epoch.
//
// Both data.PairedDataset and data.ParallelDataset implement it.
type BatchSource interface {
	Name() string
	Yield() (*data.Batch, error)
	Reset()
}

// Schedule returns the learning rate for each epoch, and whether orthogonalization should be
// suspended during that epoch.
type Schedule interface {
	Rate(epoch int) (rate float64, resetOrthog bool)
}

// Checkpointer durably saves the training state, along with the variables it is attached to.
type Checkpointer interface {
	Save(state TrainingState, epoch int) error
}

// Validator evaluates the model at the end of each epoch. It must not change the model's variables.
// lastTrain is the result of the last training step of the epoch, and may be nil.
type Validator interface {
	Validate(epoch, step int, learningRate float64, lastTrain *StepResult) error
}

// MetricsSink receives the reported metrics and sample images.
type MetricsSink interface {
	AddScalar(metric metrics.Descriptor, value float64, epoch, step int) error

	// AddImage receives an image shaped `[channels, height, width]` with values in [0, 1].
	AddImage(tag string, img *tensors.Tensor, epoch, step int) error

	Close() error
}

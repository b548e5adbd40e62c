// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dvdnet implements a small multi-frame residual denoiser, trained by the train.Loop.
//
// The input frames `[batchSize, numFrames*channels, height, width]` are concatenated with the
// noise map `[batchSize, 1, height, width]` and go through three 3x3 convolutions
// (the first two followed by ReLU) that predict the noise of the central frame. The output is
// the central frame minus the predicted noise.
//
// It runs on the CPU: the examples of a batch are processed in parallel, and their gradients
// are reduced in a fixed order, so results don't depend on the scheduling of the goroutines.
package dvdnet

import (
	"fmt"
	"math/rand"
	"runtime"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/gomlx/vdenoise/pkg/ml/initializer"
	"github.com/gomlx/vdenoise/pkg/ml/variables"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Config of the model.
type Config struct {
	// NumFrames in the temporal window, and Channels of each frame.
	NumFrames, Channels int

	// Filters of the hidden convolutions.
	Filters int

	// Seed for the initialization of the weights.
	Seed int64

	// Parallelism is the maximum number of examples processed concurrently. 0 means runtime.NumCPU().
	Parallelism int
}

// Model implements train.Model.
type Model struct {
	config   Config
	layers   []*convLayer
	training bool

	// Kept from the last Forward in training mode, for Backward.
	cache []*exampleCache
}

type convLayer struct {
	shape           convShape
	weights, biases *variables.Variable
	activation      bool
}

// exampleCache holds the inputs of each layer for one example; the inputs of the second and
// third layers are the (post-ReLU) activations of the previous one.
type exampleCache struct {
	layerInputs [][]float32
}

// New creates the model, initializing the biases with zero and the weights with HeUniform,
// except for the last (linear) layer which uses XavierUniform.
func New(config Config) (*Model, error) {
	if config.NumFrames < 1 || config.NumFrames%2 != 1 {
		return nil, errors.Errorf("dvdnet: NumFrames must be odd and positive, got %d", config.NumFrames)
	}
	if config.Channels < 1 || config.Filters < 1 {
		return nil, errors.Errorf("dvdnet: Channels and Filters must be positive, got %d and %d",
			config.Channels, config.Filters)
	}
	if config.Parallelism <= 0 {
		config.Parallelism = runtime.NumCPU()
	}
	m := &Model{config: config}
	rng := rand.New(rand.NewSource(config.Seed))
	channels := []int{config.NumFrames*config.Channels + 1, config.Filters, config.Filters, config.Channels}
	for ii := range 3 {
		inC, outC := channels[ii], channels[ii+1]
		layer := &convLayer{
			shape:      convShape{inChannels: inC, outChannels: outC},
			weights:    variables.New(fmt.Sprintf("dvdnet/conv%d/weights", ii), variables.ConvFilter, outC, inC, KernelSize, KernelSize),
			biases:     variables.New(fmt.Sprintf("dvdnet/conv%d/biases", ii), variables.Bias, outC),
			activation: ii < 2,
		}
		if layer.activation {
			initializer.HeUniform()(rng, layer.weights.Value)
		} else {
			initializer.XavierUniform()(rng, layer.weights.Value)
		}
		initializer.Zero(rng, layer.biases.Value)
		m.layers = append(m.layers, layer)
	}
	return m, nil
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	return fmt.Sprintf("dvdnet(frames=%d, channels=%d, filters=%d, #params=%d)",
		m.config.NumFrames, m.config.Channels, m.config.Filters, variables.NumParameters(m.Variables()))
}

// Variables implements train.Model.
func (m *Model) Variables() []*variables.Variable {
	vars := make([]*variables.Variable, 0, 2*len(m.layers))
	for _, layer := range m.layers {
		vars = append(vars, layer.weights, layer.biases)
	}
	return vars
}

// SetTraining implements train.Model. Leaving training mode drops the values kept for Backward.
func (m *Model) SetTraining(training bool) {
	m.training = training
	if !training {
		m.cache = nil
	}
}

// Forward implements train.Model.
func (m *Model) Forward(input, noiseMap *tensors.Tensor) (*tensors.Tensor, error) {
	numChannels := m.config.NumFrames * m.config.Channels
	if input.Rank() != 4 || input.Dim(1) != numChannels {
		return nil, errors.Errorf("dvdnet: input must be shaped [batch, %d, height, width], got %s", numChannels, input)
	}
	batchSize, height, width := input.Dim(0), input.Dim(2), input.Dim(3)
	if noiseMap.Rank() != 4 || noiseMap.Dim(0) != batchSize || noiseMap.Dim(1) != 1 ||
		noiseMap.Dim(2) != height || noiseMap.Dim(3) != width {
		return nil, errors.Errorf("dvdnet: noise map must be shaped [%d, 1, %d, %d], got %s", batchSize, height, width, noiseMap)
	}
	output := tensors.Make(batchSize, m.config.Channels, height, width)
	var cache []*exampleCache
	if m.training {
		cache = make([]*exampleCache, batchSize)
	}
	err := m.parallel(batchSize, func(example int) {
		c := m.forwardExample(input.Slice(example), noiseMap.Slice(example), output.Slice(example))
		if cache != nil {
			cache[example] = c
		}
	})
	if err != nil {
		return nil, err
	}
	m.cache = cache
	return output, nil
}

// forwardExample runs one example `[numFrames*channels, height, width]`, writing the result to output.
func (m *Model) forwardExample(input, noiseMap, output *tensors.Tensor) *exampleCache {
	height, width := input.Dim(1), input.Dim(2)
	plane := height * width
	x := make([]float32, 0, input.Size()+plane)
	x = append(x, input.Data()...)
	x = append(x, noiseMap.Data()...)
	c := &exampleCache{}
	for _, layer := range m.layers {
		shape := layer.shape
		shape.height, shape.width = height, width
		c.layerInputs = append(c.layerInputs, x)
		out := make([]float32, shape.outChannels*plane)
		shape.forward(x, layer.weights.Value.Data(), layer.biases.Value.Data(), out)
		if layer.activation {
			relu(out)
		}
		x = out
	}

	// x holds the predicted noise: subtract it from the central frame.
	central := (m.config.NumFrames / 2) * m.config.Channels * plane
	noisyCentral := input.Data()[central : central+m.config.Channels*plane]
	out := output.Data()
	for ii := range out {
		out[ii] = noisyCentral[ii] - x[ii]
	}
	return c
}

// Backward implements train.Model.
func (m *Model) Backward(gradOutput *tensors.Tensor) error {
	if m.cache == nil {
		return errors.New("dvdnet: Backward called without a Forward in training mode")
	}
	batchSize := len(m.cache)
	if gradOutput.Rank() != 4 || gradOutput.Dim(0) != batchSize || gradOutput.Dim(1) != m.config.Channels {
		return errors.Errorf("dvdnet: gradient must be shaped [%d, %d, height, width], got %s",
			batchSize, m.config.Channels, gradOutput)
	}
	height, width := gradOutput.Dim(2), gradOutput.Dim(3)

	// Per-example gradients, reduced afterward in example order.
	grads := make([][]*tensors.Tensor, batchSize)
	err := m.parallel(batchSize, func(example int) {
		grads[example] = m.backwardExample(m.cache[example], gradOutput.Slice(example), height, width)
	})
	if err != nil {
		return err
	}
	vars := m.Variables()
	for _, exampleGrads := range grads {
		for ii, v := range vars {
			gradData := v.Grad.Data()
			for jj, g := range exampleGrads[ii].Data() {
				gradData[jj] += g
			}
		}
	}
	m.cache = nil
	return nil
}

// backwardExample returns the gradients of one example, in the order of Variables.
func (m *Model) backwardExample(c *exampleCache, gradOutput *tensors.Tensor, height, width int) []*tensors.Tensor {
	if gradOutput.Dim(1) != height || len(c.layerInputs[0]) != m.layers[0].shape.inChannels*height*width {
		exceptions.Panicf("dvdnet: gradient shape %s doesn't match the last Forward", gradOutput)
	}
	plane := height * width
	grads := make([]*tensors.Tensor, 2*len(m.layers))

	// The output is central - residual.
	grad := make([]float32, gradOutput.Size())
	for ii, g := range gradOutput.Data() {
		grad[ii] = -g
	}
	for ii := len(m.layers) - 1; ii >= 0; ii-- {
		layer := m.layers[ii]
		shape := layer.shape
		shape.height, shape.width = height, width
		gradWeights := tensors.Make(layer.weights.Value.Shape()...)
		gradBiases := tensors.Make(layer.biases.Value.Shape()...)
		var gradIn []float32
		if ii > 0 {
			gradIn = make([]float32, shape.inChannels*plane)
		}
		shape.backward(c.layerInputs[ii], layer.weights.Value.Data(), grad, gradIn, gradWeights.Data(), gradBiases.Data())
		grads[2*ii], grads[2*ii+1] = gradWeights, gradBiases
		if ii > 0 {
			// The input of this layer is the activation of the previous one.
			if m.layers[ii-1].activation {
				reluBackward(c.layerInputs[ii], gradIn)
			}
			grad = gradIn
		}
	}
	return grads
}

// parallel runs fn for each example, with at most config.Parallelism running concurrently.
// Panics in fn are converted to errors.
func (m *Model) parallel(numExamples int, fn func(example int)) error {
	var g errgroup.Group
	g.SetLimit(m.config.Parallelism)
	for example := range numExamples {
		g.Go(func() error {
			return exceptions.TryCatch[error](func() { fn(example) })
		})
	}
	return g.Wait()
}

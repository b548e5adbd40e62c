// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/vdenoise/pkg/ml/variables"
	"github.com/pkg/errors"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001
)

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done
// with the variables to optimize.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// AdamConfig holds the configuration for an Adam optimizer, create using Adam(), and once configured
// call Done to create the optimizer.
type AdamConfig struct {
	learningRate, beta1, beta2, epsilon float64
}

// LearningRate sets the initial learning rate. It can be changed later with AdamOptimizer.SetLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas set the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
//
// The first is for the gradient momentum (the numerator of the step taken), and the second
// is for the variance of the gradients (denominator).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Done creates the optimizer for the trainable variables in vars. The moments are created
// as zero-initialized variables named "adam/m/<variable>" and "adam/v/<variable>", plus the
// step counter "adam/num_steps", see AdamOptimizer.StateVariables.
func (c *AdamConfig) Done(vars []*variables.Variable) (*AdamOptimizer, error) {
	if c.learningRate <= 0 || c.epsilon <= 0 || c.beta1 < 0 || c.beta1 >= 1 || c.beta2 < 0 || c.beta2 >= 1 {
		return nil, errors.Errorf("invalid Adam configuration %+v", *c)
	}
	o := &AdamOptimizer{
		config:       *c,
		learningRate: c.learningRate,
		numSteps:     variables.New(StateScope+"/num_steps", variables.OptimizerState),
	}
	for _, v := range vars {
		if !v.Trainable() {
			continue
		}
		shape := v.Value.Shape()
		o.vars = append(o.vars, v)
		o.moments1 = append(o.moments1, variables.New(StateScope+"/m/"+v.Name, variables.OptimizerState, shape...))
		o.moments2 = append(o.moments2, variables.New(StateScope+"/v/"+v.Name, variables.OptimizerState, shape...))
	}
	if len(o.vars) == 0 {
		return nil, errors.New("Adam requires at least one trainable variable")
	}
	return o, nil
}

// AdamOptimizer updates variables in place using the gradients accumulated in them.
type AdamOptimizer struct {
	config             AdamConfig
	learningRate       float64
	vars               []*variables.Variable
	moments1, moments2 []*variables.Variable
	numSteps           *variables.Variable
}

// ZeroGradients resets the gradients of the optimized variables.
func (o *AdamOptimizer) ZeroGradients() {
	for _, v := range o.vars {
		v.ZeroGrad()
	}
}

// SetLearningRate changes the learning rate used in the following steps.
func (o *AdamOptimizer) SetLearningRate(rate float64) {
	o.learningRate = rate
}

// LearningRate currently used.
func (o *AdamOptimizer) LearningRate() float64 {
	return o.learningRate
}

// NumSteps returns the number of steps taken so far, including the ones restored from a checkpoint.
func (o *AdamOptimizer) NumSteps() int {
	return int(o.numSteps.Value.Data()[0])
}

// StateVariables returns the moments and step counter, to be saved and restored with the model.
func (o *AdamOptimizer) StateVariables() []*variables.Variable {
	state := make([]*variables.Variable, 0, 2*len(o.vars)+1)
	state = append(state, o.moments1...)
	state = append(state, o.moments2...)
	return append(state, o.numSteps)
}

// Step applies one update to every variable, with bias-corrected moments.
// It returns an error, without changing any variable, if a gradient is not finite.
func (o *AdamOptimizer) Step() error {
	if err := checkGradients(o.vars); err != nil {
		return errors.WithMessage(err, "Adam.Step")
	}
	step := float64(o.NumSteps() + 1)
	o.numSteps.Value.Data()[0] = float32(step)
	c := o.config
	biasCorrection1 := 1 - math.Pow(c.beta1, step)
	biasCorrection2 := 1 - math.Pow(c.beta2, step)
	stepSize := o.learningRate / biasCorrection1
	sqrtBiasCorrection2 := math.Sqrt(biasCorrection2)
	for ii, v := range o.vars {
		weights, grads := v.Value.Data(), v.Grad.Data()
		m, s := o.moments1[ii].Value.Data(), o.moments2[ii].Value.Data()
		for jj, g64 := range grads {
			g := float64(g64)
			m1 := c.beta1*float64(m[jj]) + (1-c.beta1)*g
			m2 := c.beta2*float64(s[jj]) + (1-c.beta2)*g*g
			m[jj], s[jj] = float32(m1), float32(m2)
			w := float64(weights[jj])
			w -= stepSize * m1 / (math.Sqrt(m2)/sqrtBiasCorrection2 + c.epsilon)
			weights[jj] = float32(w)
		}
	}
	return nil
}

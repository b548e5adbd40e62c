// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds the training control loop of the denoiser: the Trainer, which runs one
// optimization step, and the Loop, which drives epochs and steps, the learning rate schedule,
// periodic regularization and metrics, checkpointing and validation.
//
// Functionality is attached to the Loop with hooks (OnStart, OnStep, OnEpochEnd and OnEnd),
// run in order of priority. See also EveryNSteps, AtSteps and PeriodicCallback.
package train

import (
	"io"
	"iter"
	"maps"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/vdenoise/pkg/config"
	"github.com/gomlx/vdenoise/pkg/ml/data"
	"github.com/gomlx/vdenoise/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

const (
	// RegularizationPriority is the priority of the orthogonalization hook, which runs first.
	RegularizationPriority Priority = -100

	// MetricsPriority is the priority of the batch metrics hook.
	MetricsPriority Priority = -50
)

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks. loop.State.Step is the global step just executed.
type OnStepFn func(loop *Loop, result *StepResult) error

// OnEpochEndFn is the type of OnEpochEnd hooks, called after the epoch is validated and checkpointed.
type OnEpochEndFn func(loop *Loop, epoch int) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop) error

// Loop runs the training: for each epoch it sets the learning rate from the Schedule,
// runs Trainer.TrainStep on every batch of the BatchSource and calls the step hooks;
// at the end of each epoch it saves a checkpoint, validates and saves again.
//
// The public attributes are meant for reading only, don't change them while running:
// behavior can be undefined.
type Loop struct {
	Trainer  *Trainer
	Config   *config.RunConfig
	Schedule Schedule

	// Checkpointer, Validator and Sink are optional and can be set before Run.
	Checkpointer Checkpointer
	Validator    Validator
	Sink         MetricsSink

	// State of the run. Run initializes it from the state it is given.
	State TrainingState

	// StepInEpoch is the index of the current batch in the epoch, starting from 0.
	StepInEpoch int

	// StepsPerEpoch is the expected number of batches per epoch. Used only for reporting.
	StepsPerEpoch int

	// StartStep is the value of State.Step when Run started.
	StartStep int

	// LastResult is the result of the last training step.
	LastResult *StepResult

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	startEpoch    int
	phase         Phase
	stepDurations *metrics.StreamingMedian

	// Registered hooks.
	onStart    *priorityHooks[*hookWithName[OnStartFn]]
	onStep     *priorityHooks[*hookWithName[OnStepFn]]
	onEpochEnd *priorityHooks[*hookWithName[OnEpochEndFn]]
	onEnd      *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop, with the orthogonalization and batch metrics hooks
// already attached. Set the optional Checkpointer, Validator and Sink before calling Run.
func NewLoop(trainer *Trainer, schedule Schedule, cfg *config.RunConfig) *Loop {
	loop := &Loop{
		Trainer:       trainer,
		Config:        cfg,
		Schedule:      schedule,
		StepsPerEpoch: cfg.StepsPerEpoch(),
		SharedData:    make(map[string]any),
		stepDurations: metrics.NewStreamingMedian(1000),
		onStart:       newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:        newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpochEnd:    newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onEnd:         newPriorityHooks[*hookWithName[OnEndFn]](),
	}
	attachOrthogonalization(loop)
	attachBatchMetrics(loop)
	return loop
}

// Phase returns the current phase of the loop state machine.
func (loop *Loop) Phase() Phase {
	return loop.phase
}

// Run trains from the given state (see NewTrainingState, or the state of a restored
// checkpoint) until the configured number of epochs is reached.
//
// It returns on the first error of a training step, a checkpoint save or a hook.
// Validation errors are logged and training continues. The Sink is closed at the end.
func (loop *Loop) Run(source BatchSource, state TrainingState) (err error) {
	startTime := time.Now()
	loop.phase = Initializing
	loop.State = state
	loop.StartStep = state.Step
	loop.startEpoch = state.StartEpoch
	defer func() {
		if loop.Sink == nil {
			return
		}
		if closeErr := loop.Sink.Close(); closeErr != nil {
			if err == nil {
				err = errors.WithMessage(closeErr, "failed to close metrics sink")
			} else {
				klog.Errorf("Failed to close metrics sink: %+v", closeErr)
			}
		}
	}()

	if loop.State.StartEpoch >= loop.Config.Epochs {
		klog.Infof("Nothing to train: start epoch %d >= epochs %d", loop.State.StartEpoch, loop.Config.Epochs)
	}
	if err = loop.start(); err != nil {
		return err
	}
	for epoch := loop.State.StartEpoch; epoch < loop.Config.Epochs; epoch++ {
		if err = loop.runEpoch(source, epoch); err != nil {
			return errors.WithMessagef(err, "Loop.Run(epoch=%d, step=%d)", epoch, loop.State.Step)
		}
	}
	loop.phase = Finished
	klog.Infof("Elapsed time %s", FormatElapsed(time.Since(startTime)))
	return loop.end()
}

func (loop *Loop) runEpoch(source BatchSource, epoch int) error {
	loop.phase = RunningEpoch
	loop.State.Epoch = epoch
	rate, resetOrthog := loop.Schedule.Rate(epoch)
	loop.State.NoOrthog = loop.Config.NoOrthog || resetOrthog
	loop.Trainer.Optimizer.SetLearningRate(rate)
	loop.Trainer.SetEpoch(epoch)
	klog.Infof("Epoch %d: learning rate %g", epoch, rate)
	if resetOrthog {
		klog.Infof("Epoch %d: learning rate milestone, orthogonalization suspended for this epoch", epoch)
	}

	loop.Trainer.Model.SetTraining(true)
	for loop.StepInEpoch = 0; ; loop.StepInEpoch++ {
		batch, err := source.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "failed reading from %q", source.Name())
		}
		loop.phase = RunningMinibatch
		if err = loop.step(batch); err != nil {
			return err
		}
	}
	if loop.StepInEpoch == 0 {
		klog.Warningf("Epoch %d: source %q yielded no batches", epoch, source.Name())
	}

	// End of epoch: checkpoint before validation, so a failed validation loses nothing, and after it.
	loop.Trainer.Model.SetTraining(false)
	if err := loop.save(epoch); err != nil {
		return err
	}
	if loop.Validator != nil {
		loop.phase = Validating
		rate := loop.Trainer.Optimizer.LearningRate()
		var validateErr error
		panicErr := exceptions.TryCatch[error](func() {
			validateErr = loop.Validator.Validate(epoch, loop.State.Step, rate, loop.LastResult)
		})
		if panicErr != nil {
			validateErr = panicErr
		}
		if validateErr != nil {
			klog.Errorf("Validation of epoch %d failed, training continues: %+v", epoch, validateErr)
		}
	}
	loop.State.StartEpoch = epoch + 1
	if err := loop.save(epoch); err != nil {
		return err
	}
	loop.phase = Checkpointed
	for hook := range loop.onEpochEnd.All() {
		if err := hook.fn(loop, epoch); err != nil {
			return errors.WithMessagef(err, "OnEpochEnd(hook %q)", hook.name)
		}
	}
	source.Reset()
	return nil
}

func (loop *Loop) save(epoch int) error {
	if loop.Checkpointer == nil {
		return nil
	}
	return errors.WithMessagef(loop.Checkpointer.Save(loop.State, epoch), "failed to save checkpoint")
}

// start of loop: it calls the OnStart hooks.
func (loop *Loop) start() error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step runs one training step and the OnStep hooks, and then advances the global step.
func (loop *Loop) step(batch *data.Batch) error {
	startTime := time.Now()
	result, err := loop.Trainer.TrainStep(batch)
	if err != nil {
		if errors.Is(err, ErrNonFiniteLoss) {
			return errors.WithMessagef(err, "training interrupted at step %d", loop.State.Step)
		}
		return errors.WithMessagef(err, "failed TrainStep(step=%d)", loop.State.Step)
	}
	loop.stepDurations.Add(float64(time.Since(startTime)))
	loop.LastResult = result
	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, result); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	loop.State.Step++
	return nil
}

// end of loop: it calls the OnEnd hooks.
func (loop *Loop) end() error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// MedianTrainStepDuration returns the (approximate) median duration of the training steps
// run so far. It returns 1 millisecond if no training step was recorded, to avoid division by 0.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if loop.stepDurations.Count() == 0 {
		return time.Millisecond
	}
	return time.Duration(loop.stepDurations.Median())
}

// TotalSteps returns the expected global step at the end of the run, or -1 if unknown.
func (loop *Loop) TotalSteps() int {
	if loop.StepsPerEpoch <= 0 {
		return -1
	}
	return loop.StartStep + max(loop.Config.Epochs-loop.startEpoch, 0)*loop.StepsPerEpoch
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Trainer.TrainStep`.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpochEnd adds a hook with given priority and name (for error reporting) called at the end of
// each epoch, after validation and checkpointing.
func (loop *Loop) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	loop.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last epoch.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
// Hooks with the same priority are returned in the order they were added.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		for _, key := range slices.Sorted(maps.Keys(h.hooks)) {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}

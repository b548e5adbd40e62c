// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package framedump saves the frames of the training batches at a few chosen steps, to
// inspect what the model is being fed and what it returns.
//
// For each example x and frame y of the batch at a step s it writes:
//
//	<dir>/step-<s>/example-<x>/frame-<y>-original.png
//	<dir>/step-<s>/example-<x>/frame-<y>-noisy.png
//
// plus, for the central frame c, the model's output with its PSNR:
//
//	<dir>/step-<s>/example-<x>/frame-<c>-denoised-psnr-<v>.png
package framedump

import (
	"fmt"
	"path/filepath"

	"github.com/gomlx/vdenoise/pkg/core/tensors/image"
	"github.com/gomlx/vdenoise/pkg/ml/train"
	"github.com/gomlx/vdenoise/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority of the dump hook: it runs after the metrics are reported.
const Priority train.Priority = 10

// Config of the frame dump.
type Config struct {
	// Steps (global) at which to dump the batch.
	Steps []int

	// Dir where to write the frames.
	Dir string
}

// Attach the frame dump to the loop. It's a no-op if no steps are configured.
//
// Write errors are logged, and never interrupt training.
func Attach(loop *train.Loop, config Config) {
	if len(config.Steps) == 0 {
		return
	}
	centralFrame := loop.Config.CentralFrame()
	train.AtSteps(loop, config.Steps, "framedump", Priority, func(loop *train.Loop, result *train.StepResult) error {
		if err := Dump(config.Dir, loop.State.Step, centralFrame, result); err != nil {
			klog.Errorf("Failed to dump frames of step %d: %+v", loop.State.Step, err)
		}
		return nil
	})
}

// StepDir returns the directory where the frames of the given step are written.
func StepDir(dir string, step int) string {
	return filepath.Join(dir, fmt.Sprintf("step-%d", step))
}

// Dump writes the frames of the result of one training step.
func Dump(dir string, step, centralFrame int, result *train.StepResult) error {
	numExamples := result.Output.Dim(0)
	channels := result.Output.Dim(1)
	numFrames := result.Input.Dim(1) / channels
	output := result.Output.Clamped(0, 1)
	for example := range numExamples {
		exampleDir := filepath.Join(StepDir(dir, step), fmt.Sprintf("example-%d", example))
		clean, noisy := result.Clean.Slice(example), result.Input.Slice(example)
		for frame := range numFrames {
			framePrefix := filepath.Join(exampleDir, fmt.Sprintf("frame-%d", frame))
			if err := image.Save(clean.Narrow(0, frame*channels, channels), 1.0, framePrefix+"-original.png"); err != nil {
				return err
			}
			if err := image.Save(noisy.Narrow(0, frame*channels, channels), 1.0, framePrefix+"-noisy.png"); err != nil {
				return err
			}
			if frame != centralFrame {
				continue
			}
			denoised := output.Slice(example)
			psnr, err := metrics.PSNR(denoised, result.GroundTruth.Slice(example), 1.0)
			if err != nil {
				return errors.WithMessagef(err, "PSNR of example %d", example)
			}
			if err = image.Save(denoised, 1.0, fmt.Sprintf("%s-denoised-psnr-%.2f.png", framePrefix, psnr)); err != nil {
				return err
			}
		}
	}
	return nil
}

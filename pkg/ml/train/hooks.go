// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/vdenoise/pkg/ml/train/metrics"
	"github.com/gomlx/vdenoise/pkg/ml/train/regularizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// attachOrthogonalization projects the convolution filters onto the nearest orthogonal matrices
// every Config.SaveEvery global steps, unless orthogonalization is suspended (State.NoOrthog).
//
// It runs before the batch metrics, so the reported values reflect the step as executed.
func attachOrthogonalization(loop *Loop) {
	loop.OnStep("Orthogonalize", RegularizationPriority, func(loop *Loop, _ *StepResult) error {
		if !regularizers.ShouldOrthogonalize(loop.State.Step, loop.Config.SaveEvery, loop.State.NoOrthog) {
			return nil
		}
		result := regularizers.Orthogonalize(loop.Trainer.Model.Variables())
		if result.Failed > 0 {
			klog.Warningf("Step %d: orthogonalization %s", loop.State.Step, result)
		} else if klog.V(1).Enabled() {
			klog.Infof("Step %d: orthogonalization %s", loop.State.Step, result)
		}
		return nil
	})
}

// attachBatchMetrics reports the loss and the PSNR of the training batch (output clamped to [0, 1])
// every Config.SaveEvery global steps.
func attachBatchMetrics(loop *Loop) {
	EveryNSteps(loop, loop.Config.SaveEvery, "BatchMetrics", MetricsPriority, reportBatchMetrics)
}

func reportBatchMetrics(loop *Loop, result *StepResult) error {
	psnr, err := metrics.BatchPSNR(result.Output.Clamped(0, 1), result.GroundTruth, 1.0)
	if err != nil {
		return errors.WithMessage(err, "training PSNR")
	}
	klog.Infof("[epoch %d][%d/%d] loss: %.4f PSNR_train: %.4f",
		loop.State.Epoch+1, loop.StepInEpoch+1, loop.StepsPerEpoch, result.Loss, psnr)
	if loop.Sink == nil {
		return nil
	}
	if err = loop.Sink.AddScalar(metrics.Loss, result.Loss, loop.State.Epoch, loop.State.Step); err != nil {
		return err
	}
	return loop.Sink.AddScalar(metrics.TrainPSNR, psnr, loop.State.Epoch, loop.State.Step)
}

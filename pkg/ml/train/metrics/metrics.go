// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the quality metrics of the denoiser (PSNR) and a few streaming
// aggregates used to report them.
package metrics

import (
	"fmt"
	"math"
)

// Descriptor describes a reported metric: its full name, a short name used in progress bars
// and tables, and its type, which groups metrics sharing the same quantity in plots.
type Descriptor struct {
	Name, ShortName, Type string
}

const (
	// LossMetricType is the type of loss metrics.
	LossMetricType = "loss"

	// PSNRMetricType is the type of PSNR metrics, in dB.
	PSNRMetricType = "PSNR"

	// LearningRateMetricType is the type of the learning rate.
	LearningRateMetricType = "learning rate"
)

var (
	// Loss is the training loss, reported every few steps.
	Loss = Descriptor{Name: "loss", ShortName: "loss", Type: LossMetricType}

	// TrainPSNR is the mean PSNR of the training batch.
	TrainPSNR = Descriptor{Name: "PSNR on training data", ShortName: "psnr_train", Type: PSNRMetricType}

	// ValidationPSNR is the mean PSNR over the validation sequences, reported once per epoch.
	ValidationPSNR = Descriptor{Name: "PSNR on validation data", ShortName: "psnr_val", Type: PSNRMetricType}

	// LearningRate used in the epoch, reported along with validation.
	LearningRate = Descriptor{Name: "Learning rate", ShortName: "lr", Type: LearningRateMetricType}

	// All lists the known metrics.
	All = []Descriptor{Loss, TrainPSNR, ValidationPSNR, LearningRate}
)

// ByName returns the Descriptor for the given metric name, or one with the name as its
// short name and type if it's not a known metric.
func ByName(name string) Descriptor {
	for _, d := range All {
		if d.Name == name {
			return d
		}
	}
	return Descriptor{Name: name, ShortName: name, Type: name}
}

// PrettyPrint formats a value of the metric.
func (d Descriptor) PrettyPrint(value float64) string {
	switch d.Type {
	case PSNRMetricType:
		if math.IsInf(value, 1) {
			return "+Inf dB"
		}
		return fmt.Sprintf("%.2f dB", value)
	case LearningRateMetricType:
		return fmt.Sprintf("%.2g", value)
	}
	return fmt.Sprintf("%.4f", value)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// RunningMean accumulates values to report their mean, e.g. the loss over an epoch.
type RunningMean struct {
	values []float64
}

// Add a value.
func (m *RunningMean) Add(v float64) {
	m.values = append(m.values, v)
}

// Count of values added.
func (m *RunningMean) Count() int { return len(m.values) }

// Mean of the values added so far, or NaN if none.
// If any value is +Inf (e.g. a perfect PSNR), the mean is +Inf.
func (m *RunningMean) Mean() float64 {
	if len(m.values) == 0 {
		return math.NaN()
	}
	return stat.Mean(m.values, nil)
}

// StdDev returns the sample standard deviation, or 0 for less than 2 values.
func (m *RunningMean) StdDev() float64 {
	if len(m.values) < 2 {
		return 0
	}
	return stat.StdDev(m.values, nil)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the learning rate schedule and the optimizer that update the
// model's variables from their gradients.
package optimizers

import (
	"math"

	"github.com/gomlx/vdenoise/pkg/ml/variables"
	"github.com/pkg/errors"
)

// StateScope is the prefix of the names of the optimizer state variables.
const StateScope = "adam"

// checkGradients returns an error naming the first trainable variable with a non-finite gradient.
func checkGradients(vars []*variables.Variable) error {
	for _, v := range vars {
		for _, g := range v.Grad.Data() {
			if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) {
				return errors.Errorf("non-finite gradient for variable %q", v.Name)
			}
		}
	}
	return nil
}

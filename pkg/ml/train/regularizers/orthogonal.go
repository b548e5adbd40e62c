// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package regularizers implements constraints imposed on the weights after optimization steps.
//
// The only one currently used is the orthogonalization of convolution filters: every few
// steps each filter bank is replaced by the closest matrix with orthonormal rows (or columns).
package regularizers

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/vdenoise/pkg/ml/variables"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// ShouldOrthogonalize returns whether the filters should be orthogonalized at the given
// global step: only if cadence > 0, the step is a multiple of cadence and orthogonalization
// is not suspended (noOrthog).
func ShouldOrthogonalize(step, cadence int, noOrthog bool) bool {
	return cadence > 0 && step%cadence == 0 && !noOrthog
}

// OrthogonalizeResult counts the outcome of Orthogonalize over the variables.
type OrthogonalizeResult struct {
	// Projected filters were replaced by their orthogonal projection.
	Projected int

	// Skipped variables are not convolution filters with a valid shape.
	Skipped int

	// Failed filters were left untouched because the projection failed.
	Failed int
}

// String implements fmt.Stringer.
func (r OrthogonalizeResult) String() string {
	return fmt.Sprintf("projected=%d, skipped=%d, failed=%d", r.Projected, r.Skipped, r.Failed)
}

// Orthogonalize replaces each convolution filter bank W, shaped `[outChannels, inChannels, kH, kW]`
// and viewed as a matrix `[outChannels, inChannels*kH*kW]`, by U·Vᵀ, where W = U·Σ·Vᵀ is its
// thin singular value decomposition. U·Vᵀ is the matrix with orthonormal rows (or columns)
// closest to W in the Frobenius norm.
//
// Variables that are not of kind ConvFilter, or whose shape is not a non-empty rank-4, are skipped.
// A failure on one filter is logged and the filter is left untouched: it doesn't affect the others.
func Orthogonalize(vars []*variables.Variable) OrthogonalizeResult {
	var result OrthogonalizeResult
	for _, v := range vars {
		if !isEligible(v) {
			result.Skipped++
			continue
		}
		var err error
		panicErr := exceptions.TryCatch[error](func() { err = orthogonalizeFilter(v) })
		if panicErr != nil {
			err = panicErr
		}
		if err != nil {
			klog.Warningf("Orthogonalization of %q failed, leaving it untouched: %v", v.Name, err)
			result.Failed++
			continue
		}
		result.Projected++
	}
	return result
}

func isEligible(v *variables.Variable) bool {
	if v.Kind != variables.ConvFilter || v.Value.Rank() != 4 {
		return false
	}
	for _, d := range v.Value.Shape() {
		if d == 0 {
			return false
		}
	}
	return true
}

func orthogonalizeFilter(v *variables.Variable) error {
	if !v.Value.IsFinite() {
		return errors.Errorf("filter %q has non-finite values", v.Name)
	}
	rows := v.Value.Dim(0)
	cols := v.Value.Size() / rows
	data := v.Value.Data()
	values := make([]float64, len(data))
	for ii, x := range data {
		values[ii] = float64(x)
	}
	w := mat.NewDense(rows, cols, values)

	var svd mat.SVD
	if ok := svd.Factorize(w, mat.SVDThin); !ok {
		return errors.Errorf("SVD of filter %q (%dx%d) did not converge", v.Name, rows, cols)
	}
	var u, vt mat.Dense
	svd.UTo(&u)
	svd.VTo(&vt)
	var projected mat.Dense
	projected.Mul(&u, vt.T())

	result := make([]float32, len(data))
	for r := range rows {
		for c := range cols {
			x := projected.At(r, c)
			if math.IsNaN(x) {
				return errors.Errorf("orthogonal projection of filter %q produced NaN", v.Name)
			}
			result[r*cols+c] = float32(x)
		}
	}
	copy(data, result)
	return nil
}

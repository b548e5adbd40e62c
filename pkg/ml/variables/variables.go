// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package variables defines the named, mutable tensors that make up a model's
// trainable parameters and an optimizer's state.
package variables

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Kind classifies a Variable.
type Kind int

const (
	// ConvFilter is a convolution kernel shaped `[outChannels, inChannels, kernelHeight, kernelWidth]`.
	// These are the variables eligible for orthogonalization.
	ConvFilter Kind = iota

	// Bias is an additive per-channel term.
	Bias

	// OptimizerState is not trainable: it holds optimizer moments and counters.
	OptimizerState
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case ConvFilter:
		return "ConvFilter"
	case Bias:
		return "Bias"
	case OptimizerState:
		return "OptimizerState"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case ConvFilter, Bias, OptimizerState:
		return []byte(k.String()), nil
	}
	return nil, errors.Errorf("invalid variable kind %d", int(k))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	for _, candidate := range []Kind{ConvFilter, Bias, OptimizerState} {
		if candidate.String() == string(text) {
			*k = candidate
			return nil
		}
	}
	return errors.Errorf("unknown variable kind %q", string(text))
}

// Variable is a named tensor, plus its gradient if it is trainable.
//
// Values are mutated in place: by the optimizer step, by regularizers and when restored
// from a checkpoint.
type Variable struct {
	Name  string
	Kind  Kind
	Value *tensors.Tensor

	// Grad has the same shape as Value. It is nil for non-trainable variables.
	Grad *tensors.Tensor
}

// New creates a zero-initialized variable. Trainable kinds get a gradient buffer.
func New(name string, kind Kind, dims ...int) *Variable {
	v := &Variable{Name: name, Kind: kind, Value: tensors.Make(dims...)}
	if v.Trainable() {
		v.Grad = tensors.Make(dims...)
	}
	return v
}

// Trainable returns whether the variable is updated by gradient descent.
func (v *Variable) Trainable() bool {
	return v.Kind != OptimizerState
}

// ZeroGrad resets the gradient accumulator.
func (v *Variable) ZeroGrad() {
	if v.Grad != nil {
		v.Grad.Fill(0)
	}
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	return fmt.Sprintf("%s(%s, %s)", v.Name, v.Kind, v.Value)
}

// NumParameters returns the total number of scalar values in vars.
func NumParameters(vars []*Variable) int {
	var n int
	for _, v := range vars {
		n += v.Value.Size()
	}
	return n
}

// Memory returns the number of bytes used by the values in vars.
func Memory(vars []*Variable) uintptr {
	var n uintptr
	for _, v := range vars {
		n += v.Value.Memory()
	}
	return n
}

// ByName indexes vars by name. It returns an error on duplicate names.
func ByName(vars []*Variable) (map[string]*Variable, error) {
	index := make(map[string]*Variable, len(vars))
	for _, v := range vars {
		if _, found := index[v.Name]; found {
			return nil, errors.Errorf("duplicate variable name %q", v.Name)
		}
		index[v.Name] = v
	}
	return index, nil
}

// OfKind returns the variables of the given kind, in their original order.
func OfKind(vars []*Variable, kind Kind) []*Variable {
	var selected []*Variable
	for _, v := range vars {
		if v.Kind == kind {
			selected = append(selected, v)
		}
	}
	return selected
}

// Sorted returns a copy of vars sorted by name.
func Sorted(vars []*Variable) []*Variable {
	sorted := slices.Clone(vars)
	slices.SortFunc(sorted, func(a, b *Variable) int { return strings.Compare(a.Name, b.Name) })
	return sorted
}

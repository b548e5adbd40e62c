// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a dense, row-major, float32 tensor used to move
// video frames, activations and weights around.
//
// A Tensor is a shape plus a flat slice of values. Views created with Reshape or
// Slice share the underlying data; use Clone to get an independent copy.
package tensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	dims []int
	data []float32
}

// Make returns a zero-filled tensor with the given dimensions.
//
// It panics if any dimension is negative.
func Make(dims ...int) *Tensor {
	size := sizeOf(dims)
	return &Tensor{dims: slices.Clone(dims), data: make([]float32, size)}
}

// FromData creates a tensor that owns data, shaped with dims.
// It returns an error if the number of values doesn't match the shape.
func FromData(data []float32, dims ...int) (*Tensor, error) {
	size := sizeOf(dims)
	if size != len(data) {
		return nil, errors.Errorf("shape %v requires %d values, got %d", dims, size, len(data))
	}
	return &Tensor{dims: slices.Clone(dims), data: data}, nil
}

// MustFromData is like FromData, but panics on error.
func MustFromData(data []float32, dims ...int) *Tensor {
	t, err := FromData(data, dims...)
	if err != nil {
		panic(err)
	}
	return t
}

// Full returns a tensor with every element set to value.
func Full(value float32, dims ...int) *Tensor {
	t := Make(dims...)
	t.Fill(value)
	return t
}

func sizeOf(dims []int) int {
	size := 1
	for _, d := range dims {
		if d < 0 {
			exceptions.Panicf("negative dimension in shape %v", dims)
		}
		size *= d
	}
	return size
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int { return slices.Clone(t.dims) }

// Dim returns the size of axis.
func (t *Tensor) Dim(axis int) int { return t.dims[axis] }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.dims) }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Memory returns the number of bytes used by the values.
func (t *Tensor) Memory() uintptr { return uintptr(len(t.data)) * 4 }

// Data returns the flat values. Changes are reflected in the tensor.
func (t *Tensor) Data() []float32 { return t.data }

// SameShape returns whether t and other have exactly the same dimensions.
func (t *Tensor) SameShape(other *Tensor) bool {
	return slices.Equal(t.dims, other.dims)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{dims: slices.Clone(t.dims), data: slices.Clone(t.data)}
}

// Fill sets all values to v.
func (t *Tensor) Fill(v float32) {
	for ii := range t.data {
		t.data[ii] = v
	}
}

// CopyFrom copies the values of other into t. Both must have the same number of elements.
func (t *Tensor) CopyFrom(other *Tensor) error {
	if len(t.data) != len(other.data) {
		return errors.Errorf("cannot copy tensor of shape %v into tensor of shape %v", other.dims, t.dims)
	}
	copy(t.data, other.data)
	return nil
}

// Reshape returns a view with new dimensions sharing the same data.
// A single dimension can be -1, in which case it is inferred.
func (t *Tensor) Reshape(dims ...int) *Tensor {
	dims = slices.Clone(dims)
	inferred := -1
	known := 1
	for ii, d := range dims {
		if d == -1 {
			if inferred >= 0 {
				exceptions.Panicf("Reshape(%v): only one dimension can be inferred", dims)
			}
			inferred = ii
			continue
		}
		known *= d
	}
	if inferred >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			exceptions.Panicf("Reshape(%v): cannot infer dimension for tensor of shape %v", dims, t.dims)
		}
		dims[inferred] = len(t.data) / known
	}
	if sizeOf(dims) != len(t.data) {
		exceptions.Panicf("Reshape(%v): incompatible with tensor of shape %v", dims, t.dims)
	}
	return &Tensor{dims: dims, data: t.data}
}

// Slice returns a view of the index-th sub-tensor along the first axis.
// E.g.: for a batch shaped [N, C, H, W], Slice(i) returns example i shaped [C, H, W].
func (t *Tensor) Slice(index int) *Tensor {
	if len(t.dims) == 0 {
		exceptions.Panicf("cannot Slice a scalar")
	}
	if index < 0 || index >= t.dims[0] {
		exceptions.Panicf("Slice(%d) out of range for shape %v", index, t.dims)
	}
	stride := len(t.data) / t.dims[0]
	return &Tensor{dims: slices.Clone(t.dims[1:]), data: t.data[index*stride : (index+1)*stride]}
}

// Narrow returns a copy of the range [start, start+length) along the given axis.
func (t *Tensor) Narrow(axis, start, length int) *Tensor {
	if axis < 0 || axis >= len(t.dims) || start < 0 || start+length > t.dims[axis] {
		exceptions.Panicf("Narrow(axis=%d, start=%d, length=%d) out of range for shape %v", axis, start, length, t.dims)
	}
	outer := 1
	for _, d := range t.dims[:axis] {
		outer *= d
	}
	inner := 1
	for _, d := range t.dims[axis+1:] {
		inner *= d
	}
	newDims := slices.Clone(t.dims)
	newDims[axis] = length
	out := Make(newDims...)
	srcBlock := t.dims[axis] * inner
	dstBlock := length * inner
	for o := 0; o < outer; o++ {
		copy(out.data[o*dstBlock:(o+1)*dstBlock], t.data[o*srcBlock+start*inner:o*srcBlock+(start+length)*inner])
	}
	return out
}

// IsFinite returns whether all values are finite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

// Bytes serializes the values as little-endian float32.
func (t *Tensor) Bytes() []byte {
	buf := make([]byte, 4*len(t.data))
	for ii, v := range t.data {
		binary.LittleEndian.PutUint32(buf[4*ii:], math.Float32bits(v))
	}
	return buf
}

// SetBytes sets the values from little-endian float32 bytes, as generated by Bytes.
func (t *Tensor) SetBytes(raw []byte) error {
	if len(raw) != 4*len(t.data) {
		return errors.Errorf("tensor of shape %v requires %d bytes, got %d", t.dims, 4*len(t.data), len(raw))
	}
	for ii := range t.data {
		t.data[ii] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*ii:]))
	}
	return nil
}

// Clamped returns a copy of the tensor with values limited to [lo, hi]. NaN values become lo.
func (t *Tensor) Clamped(lo, hi float32) *Tensor {
	c := t.Clone()
	for ii, v := range c.data {
		switch {
		case v > hi:
			c.data[ii] = hi
		case v >= lo:
		default:
			c.data[ii] = lo
		}
	}
	return c
}

// Float16Bytes serializes the values as little-endian IEEE 754 half-precision floats.
// Values out of the float16 range saturate to infinity.
func (t *Tensor) Float16Bytes() []byte {
	buf := make([]byte, 2*len(t.data))
	for ii, v := range t.data {
		binary.LittleEndian.PutUint16(buf[2*ii:], float16.Fromfloat32(v).Bits())
	}
	return buf
}

// SetFloat16Bytes sets the values from half-precision bytes, as generated by Float16Bytes.
func (t *Tensor) SetFloat16Bytes(raw []byte) error {
	if len(raw) != 2*len(t.data) {
		return errors.Errorf("tensor of shape %v requires %d float16 bytes, got %d", t.dims, 2*len(t.data), len(raw))
	}
	for ii := range t.data {
		t.data[ii] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*ii:])).Float32()
	}
	return nil
}

// String implements fmt.Stringer, printing only the shape.
func (t *Tensor) String() string {
	parts := make([]string, len(t.dims))
	for ii, d := range t.dims {
		parts[ii] = fmt.Sprintf("%d", d)
	}
	return fmt.Sprintf("(Float32)[%s]", strings.Join(parts, " "))
}

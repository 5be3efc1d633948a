// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor implements the dense float32 arrays that carry
// volume samples, normalization statistics, and model parameters
// through the pipeline, together with the binary blob format in
// which they are stored.
package tensor

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// A Tensor is a dense, row-major array of float32 values.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New returns a zero-valued tensor of the provided shape.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, Size(shape))}
}

// FromData returns a tensor with the provided shape backed by data.
// FromData returns an error if the data length does not match the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if n := Size(shape); n != len(data) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("tensor: shape %v requires %d values, got %d", shape, n, len(data)))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Size returns the number of elements described by shape.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Rank returns the number of dimensions of t.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Len returns the number of elements in t.
func (t *Tensor) Len() int { return len(t.Data) }

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// SameShape tells whether t and u have identical shapes.
func (t *Tensor) SameShape(u *Tensor) bool {
	if len(t.Shape) != len(u.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != u.Shape[i] {
			return false
		}
	}
	return true
}

// Equal tells whether t and u have the same shape and bitwise equal
// values.
func (t *Tensor) Equal(u *Tensor) bool {
	if !t.SameShape(u) {
		return false
	}
	for i := range t.Data {
		if math.Float32bits(t.Data[i]) != math.Float32bits(u.Data[i]) {
			return false
		}
	}
	return true
}

// Reshape returns a view of t with a new shape. The number of elements
// must be preserved.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if Size(shape) != len(t.Data) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("tensor: cannot reshape %v into %v", t.Shape, shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: t.Data}, nil
}

// Strides returns the row-major strides of t.
func (t *Tensor) Strides() []int {
	strides := make([]int, len(t.Shape))
	s := 1
	for i := len(t.Shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= t.Shape[i]
	}
	return strides
}

// Permute returns a copy of t with its axes reordered: axis i of the
// result is axis perm[i] of t.
func (t *Tensor) Permute(perm ...int) (*Tensor, error) {
	if len(perm) != len(t.Shape) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("tensor: permutation %v does not match rank %d", perm, len(t.Shape)))
	}
	seen := make([]bool, len(perm))
	shape := make([]int, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("tensor: invalid permutation %v", perm))
		}
		seen[p] = true
		shape[i] = t.Shape[p]
	}
	var (
		out     = New(shape...)
		strides = t.Strides()
		// srcStrides[i] is the source stride of output axis i.
		srcStrides = make([]int, len(perm))
		index      = make([]int, len(perm))
	)
	for i, p := range perm {
		srcStrides[i] = strides[p]
	}
	src := 0
	for dst := range out.Data {
		out.Data[dst] = t.Data[src]
		// Advance the output multi-index, tracking the source offset.
		for ax := len(shape) - 1; ax >= 0; ax-- {
			index[ax]++
			src += srcStrides[ax]
			if index[ax] < shape[ax] {
				break
			}
			src -= srcStrides[ax] * shape[ax]
			index[ax] = 0
		}
	}
	return out, nil
}

// Stack stacks tensors of identical shape along a new leading axis.
func Stack(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.E(errors.Invalid, "tensor: stack of zero tensors")
	}
	shape := append([]int{len(ts)}, ts[0].Shape...)
	out := New(shape...)
	n := ts[0].Len()
	for i, t := range ts {
		if !t.SameShape(ts[0]) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("tensor: stack: shape %v != %v", t.Shape, ts[0].Shape))
		}
		copy(out.Data[i*n:], t.Data)
	}
	return out, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor%v", t.Shape)
}

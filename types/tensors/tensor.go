// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Tensor, the host-side buffer pair (values and gradients) used by the
// prefetch managers and the gradient broadcast.
//
// A Tensor holds two float32 buffers of the same shape:
//
//   - Data: the values, e.g.: a batch of images written by a prefetch manager.
//   - Diff: the accumulated gradient ("diff") of the values, synchronized across replicas by the
//     broadcast package.
//
// Tensors are reshaped in place: Reshape reuses the allocated memory whenever the new shape fits
// in the current capacity, so buffers reshaped every batch (variable-size images) don't reallocate.
//
// A Tensor is also tagged with the device number it belongs to. The tag is informative, data is
// always kept on the host.
//
// Tensors are not safe for concurrent mutation.
package tensors

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/replicafeed/types/shapes"
	"github.com/pkg/errors"
)

// Tensor is a shaped pair of float32 buffers (values and gradients).
type Tensor struct {
	shape      shapes.Shape
	data, diff []float32
	device     int
}

// New creates a Tensor with the given dimensions, filled with zeros.
func New(dimensions ...int) *Tensor {
	t := &Tensor{}
	t.Reshape(dimensions...)
	return t
}

// Empty returns a Tensor that was never shaped: Count() == 0.
func Empty() *Tensor {
	return &Tensor{}
}

// FromValues creates a Tensor with the given dimensions, and copies data into its values.
// It panics if len(data) doesn't match the dimensions.
func FromValues(data []float32, dimensions ...int) *Tensor {
	t := New(dimensions...)
	if len(data) != t.Count() {
		exceptions.Panicf("tensors.FromValues: %d values given for shape %s (size %d)",
			len(data), t.shape, t.Count())
	}
	copy(t.data, data)
	return t
}

// OnDevice tags the tensor as belonging to the given device. It returns the tensor itself, so
// calls can be cascaded.
func (t *Tensor) OnDevice(device int) *Tensor {
	t.device = device
	return t
}

// Device the tensor was assigned to.
func (t *Tensor) Device() int { return t.device }

// Shape of the tensor. The returned value should not be modified.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Count returns the number of elements in the tensor. It is 0 for a tensor never shaped.
func (t *Tensor) Count() int { return t.shape.Size() }

// Capacity returns the number of elements the tensor can hold without reallocating.
func (t *Tensor) Capacity() int { return cap(t.data) }

// Data returns the values of the tensor, as a flat slice in row-major order. The slice is owned
// by the tensor and is invalidated by a Reshape that grows the tensor.
func (t *Tensor) Data() []float32 { return t.data }

// Diff returns the gradients of the tensor, with the same layout as Data.
func (t *Tensor) Diff() []float32 { return t.diff }

// Reshape the tensor in place. If the new shape fits in the current capacity the memory is reused
// (and its previous contents preserved), otherwise new zeroed buffers are allocated.
func (t *Tensor) Reshape(dimensions ...int) {
	t.ReshapeTo(shapes.Make(dimensions...))
}

// ReshapeTo is like Reshape, but takes a shapes.Shape.
func (t *Tensor) ReshapeTo(shape shapes.Shape) {
	size := shape.Size()
	if size > cap(t.data) {
		t.data = make([]float32, size)
		t.diff = make([]float32, size)
	} else {
		t.data = t.data[:size]
		t.diff = t.diff[:size]
	}
	t.shape = shape.Clone()
}

// ReshapeLike reshapes the tensor to the shape of other.
func (t *Tensor) ReshapeLike(other *Tensor) {
	t.ReshapeTo(other.shape)
}

// Zero sets values and gradients to 0.
func (t *Tensor) Zero() {
	clear(t.data)
	clear(t.diff)
}

// ZeroDiff sets the gradients to 0.
func (t *Tensor) ZeroDiff() {
	clear(t.diff)
}

// Offset returns the flat position of the element at the given indices. Missing trailing indices
// are taken as 0, so Offset(n) is the start of the n-th item of a batch.
func (t *Tensor) Offset(indices ...int) int {
	if len(indices) > t.shape.Rank() {
		exceptions.Panicf("Tensor.Offset(%v): too many indices for shape %s", indices, t.shape)
	}
	strides := t.shape.Strides()
	offset := 0
	for axis, index := range indices {
		if index < 0 || index >= t.shape.Dimensions[axis] {
			exceptions.Panicf("Tensor.Offset(%v): index out-of-bounds for shape %s", indices, t.shape)
		}
		offset += index * strides[axis]
	}
	return offset
}

// CopyFrom copies the values (and, if copyDiff is set, the gradients) of src.
//
// If reshape is false, src must have the same shape as t. Otherwise, t is reshaped to src's
// shape first.
func (t *Tensor) CopyFrom(src *Tensor, copyDiff, reshape bool) error {
	if !t.shape.Equal(src.shape) {
		if !reshape {
			return errors.Errorf("Tensor.CopyFrom: shape mismatch, trying to copy %s into %s",
				src.shape, t.shape)
		}
		t.ReshapeLike(src)
	}
	copy(t.data, src.data)
	if copyDiff {
		copy(t.diff, src.diff)
	}
	return nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	const maxPrinted = 16
	if t.Count() <= maxPrinted {
		return fmt.Sprintf("Tensor(device=%d, shape=%s, data=%v)", t.device, t.shape, t.data)
	}
	return fmt.Sprintf("Tensor(device=%d, shape=%s, data=%v...)", t.device, t.shape, t.data[:maxPrinted])
}

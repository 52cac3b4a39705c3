// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines the Shape of the float32 buffers exchanged between the prefetch
// managers, the replicas and the gradient broadcast.
//
// Shapes here carry no dtype: every buffer is float32 on the host. Axis conventions follow
// the image layout used throughout replicafeed: `[batch, channels, height, width]`.
//
// ## Glossary
//
//   - Rank: number of axes of a shape.
//   - Axis: index of a dimension. Negative axes count from the end (-1 is the last axis).
//   - Dimension: the size of a shape along one axis.
//   - Unset: the zero value `Shape{}`. It represents a buffer that was never shaped (an "empty"
//     tensor, with Size() == 0). It is different from a scalar, that has rank 0 and Size() == 1.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Shape of a multidimensional float32 buffer.
//
// Use Make to create a new shape.
type Shape struct {
	Dimensions []int
}

// Make returns a Shape with the given dimensions. Dimensions can be 0 (a buffer with no elements),
// but negative dimensions panic.
//
// Make() with no dimensions returns a scalar shape.
func Make(dimensions ...int) Shape {
	s := Shape{Dimensions: append([]int{}, dimensions...)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%v): cannot create a shape with an axis with dimension < 0", dimensions)
		}
	}
	return s
}

// Unset returns the shape of a tensor that was never shaped.
//
// Unset().Ok() == false.
func Unset() Shape {
	return Shape{}
}

// Ok returns whether the shape was set. The zero value `Shape{}` is not Ok.
func (s Shape) Ok() bool { return s.Dimensions != nil }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape was set and has no axes.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Size returns the number of elements of a buffer with this shape. It is 0 for an unset shape
// and 1 for a scalar.
func (s Shape) Size() int {
	if !s.Ok() {
		return 0
	}
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes used by a float32 buffer of this shape.
func (s Shape) Memory() uintptr {
	return uintptr(s.Size()) * 4
}

// Equal compares two shapes for equality: both must be unset, or have the same dimensions.
func (s Shape) Equal(s2 Shape) bool {
	if s.Ok() != s2.Ok() {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions returns whether the shape has exactly the given dimensions.
func (s Shape) EqualDimensions(dimensions ...int) bool {
	return s.Ok() && slices.Equal(s.Dimensions, dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	if !s.Ok() {
		return Shape{}
	}
	return Shape{Dimensions: slices.Clone(s.Dimensions)}
}

// Strides returns the number of elements to skip to move one position along each axis, for the
// row-major layout used by the tensors.
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// String implements fmt.Stringer. It prints the dimensions, e.g.: "[2 3]". Unset shapes print
// as "[unset]".
func (s Shape) String() string {
	if !s.Ok() {
		return "[unset]"
	}
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		parts[ii] = fmt.Sprintf("%d", dim)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

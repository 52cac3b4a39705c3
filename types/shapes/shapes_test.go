// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	unset := Unset()
	require.False(t, unset.Ok())
	require.Equal(t, 0, unset.Size())
	require.Equal(t, "[unset]", unset.String())

	scalar := Make()
	require.True(t, scalar.Ok())
	require.True(t, scalar.IsScalar())
	require.Equal(t, 0, scalar.Rank())
	require.Equal(t, 1, scalar.Size())

	shape1 := Make(4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, "[4 3 2]", shape1.String())
	require.Equal(t, []int{6, 2, 1}, shape1.Strides())

	empty := Make(0, 3)
	require.True(t, empty.Ok())
	require.Equal(t, 0, empty.Size())

	require.Panics(t, func() { _ = Make(2, -1) })
}

func TestDim(t *testing.T) {
	shape := Make(4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 3, shape.Dim(1))
	require.Equal(t, 2, shape.Dim(2))
	require.Equal(t, 4, shape.Dim(-3))
	require.Equal(t, 3, shape.Dim(-2))
	require.Equal(t, 2, shape.Dim(-1))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestEqual(t *testing.T) {
	require.True(t, Make(2, 3).Equal(Make(2, 3)))
	require.False(t, Make(2, 3).Equal(Make(3, 2)))
	require.False(t, Make().Equal(Unset()))
	require.True(t, Unset().Equal(Shape{}))
	require.True(t, Make(2, 3).EqualDimensions(2, 3))
	require.False(t, Unset().EqualDimensions())

	original := Make(5, 7)
	clone := original.Clone()
	clone.Dimensions[0] = 1
	require.Equal(t, 5, original.Dim(0))
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedKeys(t *testing.T) {
	m := map[int]string{3: "c", 0: "a", 7: "x", 1: "b"}
	assert.Equal(t, []int{0, 1, 3, 7}, SortedKeys(m))
	assert.Len(t, Keys(m), 4)
	assert.Empty(t, SortedKeys(map[string]int{}))
}

func TestMapAndMax(t *testing.T) {
	assert.Equal(t, []string{"1", "2", "3"}, Map([]int{1, 2, 3}, strconv.Itoa))
	assert.Equal(t, 9, Max([]int{3, 9, -1}))
	assert.Equal(t, 0, Max([]int{}))
}

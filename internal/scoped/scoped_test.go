// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scoped_test

import (
	"testing"

	"github.com/gomlx/replicafeed/internal/scoped"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestScopedParams(t *testing.T) {
	p := scoped.New("/")
	p.Set("/", "batch_size", 32)
	p.Set("/", "mirror", false)
	p.Set("/", "crop_size", 0)
	p.Set("/train", "mirror", true)
	p.Set("/train/large", "batch_size", 256)

	value, found := p.Get("/train/large", "batch_size")
	assert.True(t, found)
	assert.Equal(t, 256, value.(int))

	value, found = p.Get("/train/large", "mirror")
	assert.True(t, found, "/train:mirror should be set and found")
	assert.Equal(t, true, value.(bool))

	value, found = p.Get("/test", "mirror")
	assert.True(t, found, "/:mirror should be set and found")
	assert.Equal(t, false, value.(bool))

	_, found = p.Get("/test", "seed")
	assert.False(t, found)

	want := []struct {
		scope string
		key   string
	}{
		{"/", "batch_size"},
		{"/", "crop_size"},
		{"/", "mirror"},
		{"/train", "mirror"},
		{"/train/large", "batch_size"},
	}
	pos := 0
	p.Enumerate(func(scope, key string, _ any) {
		require.Lessf(t, pos, len(want), "Enumerate returned more elements than expected: scope=%q, key=%q", scope, key)
		require.Equal(t, want[pos].scope, scope)
		require.Equal(t, want[pos].key, key)
		pos++
	})
	require.Equal(t, len(want), pos)

	clone := p.Clone()
	clone.Set("/", "batch_size", 1)
	value, _ = p.Get("/", "batch_size")
	assert.Equal(t, 32, value.(int))
}

func TestGetOr(t *testing.T) {
	p := scoped.New("/")
	p.Set("/", "scale", 0.5)
	p.Set("/layer", "name", "data")

	scale, err := scoped.GetOr(p, "/layer", "scale", 1.0)
	require.NoError(t, err)
	assert.Equal(t, 0.5, scale)

	missing, err := scoped.GetOr(p, "/layer", "crop_size", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, missing)

	_, err = scoped.GetOr(p, "/layer", "name", 3)
	require.Error(t, err)
}

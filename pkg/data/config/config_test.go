// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 32, c.ReplicaBatchSize())

	c.NumReplicas = 3
	require.Error(t, c.Validate(), "32 is not divisible by 3")

	c = Default()
	c.BatchSize = 0
	require.Error(t, c.Validate())

	c = Default()
	c.VariableSize = true
	require.Error(t, c.Validate(), "variable_size requires max_pixels")
	c.MaxPixels = 100
	require.NoError(t, c.Validate())
	c.Transform.CropSize = 4
	require.Error(t, c.Validate(), "crop not supported with variable size")

	c = Default()
	c.Channels = 3
	c.Transform.MeanValues = []float64{1, 2}
	require.Error(t, c.Validate())
	c.Transform.MeanValues = []float64{1, 2, 3}
	require.NoError(t, c.Validate())
}

func TestParseSettings(t *testing.T) {
	p := NewParams()
	paramsSet, err := ParseSettings(p, "batch_size=1_024;num_replicas=4;mean_values=104,117,123;"+
		"train/mirror=true;train/phase=train;test/phase=test;scale=0.5")
	require.NoError(t, err)
	assert.Len(t, paramsSet, 7)

	train, err := FromParams(p, "/train")
	require.NoError(t, err)
	assert.Equal(t, "train", train.Name)
	assert.Equal(t, 1024, train.BatchSize)
	assert.Equal(t, 4, train.NumReplicas)
	assert.Equal(t, 256, train.ReplicaBatchSize())
	assert.True(t, train.Transform.Mirror)
	assert.Equal(t, Train, train.Transform.Phase)
	assert.Equal(t, []float64{104, 117, 123}, train.Transform.MeanValues)
	assert.Equal(t, 0.5, train.Transform.Scale)

	test, err := FromParams(p, "/test")
	require.NoError(t, err)
	assert.False(t, test.Transform.Mirror)
	assert.Equal(t, Test, test.Transform.Phase)

	_, err = ParseSettings(p, "unknown_param=3")
	require.Error(t, err)
	_, err = ParseSettings(p, "batch_size=abc")
	require.Error(t, err)
	_, err = ParseSettings(p, "batch_size")
	require.Error(t, err)
}

func TestParseSettingsFromFile(t *testing.T) {
	settingsPath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(settingsPath, []byte(
		"# Data layer.\nbatch_size=6;num_replicas=3\n\nselective_list=/tmp/list.txt\n"), 0644))
	p := NewParams()
	_, err := ParseSettings(p, "file:"+settingsPath)
	require.NoError(t, err)
	c, err := FromParams(p, "")
	require.NoError(t, err)
	assert.Equal(t, "data", c.Name)
	assert.Equal(t, 6, c.BatchSize)
	assert.Equal(t, 3, c.NumReplicas)
	assert.Equal(t, "/tmp/list.txt", c.SelectiveList)
}

func TestFromParamsInvalid(t *testing.T) {
	p := NewParams()
	_, err := ParseSettings(p, "num_replicas=5")
	require.NoError(t, err)
	_, err = FromParams(p, "/data")
	require.Error(t, err, "32 not divisible by 5")

	p = NewParams()
	_, err = ParseSettings(p, "phase=validation")
	require.NoError(t, err)
	_, err = FromParams(p, "/data")
	require.Error(t, err)

	_, err = FromParams(NewParams(), "data")
	require.Error(t, err, "scope must be absolute")
}

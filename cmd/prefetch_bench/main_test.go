// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/replicafeed/pkg/broadcast"
	"github.com/gomlx/replicafeed/pkg/data/config"
	"github.com/gomlx/replicafeed/pkg/data/records"
	"github.com/gomlx/replicafeed/pkg/devices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	*flagNumRecords = 10
	*flagHeight, *flagWidth = 8, 6
	*flagGradSize = 16
	for _, variableSize := range []bool{false, true} {
		p := config.NewParams()
		settings := "train_data/batch_size=4;num_replicas=2;parallelism=2"
		if variableSize {
			settings += ";variable_size=true;max_pixels=48"
		}
		_, err := config.ParseSettings(p, settings)
		require.NoError(t, err)
		cfg, err := config.FromParams(p, "/train_data")
		require.NoError(t, err)

		db := records.NewMemDB()
		require.NoError(t, generate(db, variableSize))
		require.Equal(t, 10, db.Len())
		m := newManager(cfg, db)

		topology := devices.NewHostTopology(2)
		broadcaster := broadcast.New(topology)
		require.NoError(t, broadcaster.Init([]int{0, 1}))
		stats := run(m, broadcaster, 3)
		assert.Equal(t, 3, stats.steps)
		assert.False(t, stats.broadcastSkip)
		assert.Equal(t, 3, m.NumBatches())
		assert.Greater(t, broadcaster.Streams().TotalBytes(), uint64(0))
		assert.Contains(t, summaryTable(cfg, m, stats), m.ID())
		assert.Contains(t, streamsTable(broadcaster.Streams()), "0 -> 1")
		require.NoError(t, m.Close())
	}
}

func TestRunWithoutPeerAccess(t *testing.T) {
	*flagNumRecords = 4
	*flagHeight, *flagWidth = 4, 4
	*flagGradSize = 8
	cfg := config.Default()
	cfg.BatchSize, cfg.NumReplicas = 3, 3
	db := records.NewMemDB()
	require.NoError(t, generate(db, false))
	m := newManager(cfg, db)
	stats := run(m, broadcast.New(devices.NewHostTopology(3)), 2)
	assert.True(t, stats.broadcastSkip, "3 devices without host staging")
	require.NoError(t, m.Close())
}

func TestParamsTable(t *testing.T) {
	p := config.NewParams()
	paramsSet, err := config.ParseSettings(p, "train_data/crop_size=8;mirror=true")
	require.NoError(t, err)
	table := paramsTable(p, paramsSet)
	assert.Contains(t, table, config.ParamCropSize)
	assert.Contains(t, table, "/train_data")
}

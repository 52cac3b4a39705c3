// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package broadcast

import (
	"testing"

	"github.com/gomlx/replicafeed/pkg/devices"
	"github.com/gomlx/replicafeed/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// diffTensor creates a tensor on the device with the given gradient values.
func diffTensor(device int, values ...float32) *tensors.Tensor {
	t := tensors.New(len(values)).OnDevice(device)
	copy(t.Diff(), values)
	return t
}

// recordingTopology records every device made active.
type recordingTopology struct {
	*devices.HostTopology
	history []int
}

func (r *recordingTopology) SetDevice(id int) error {
	r.history = append(r.history, id)
	return r.HostTopology.SetDevice(id)
}

func TestShapePropagation(t *testing.T) {
	b := New(devices.NewHostTopology(2))
	filled := tensors.New(2, 3).OnDevice(1)
	copy(filled.Diff(), []float32{1, 2, 3, 4, 5, 6})
	empty := tensors.Empty().OnDevice(0)
	require.NoError(t, b.TransferGPUDiff(map[int]*tensors.Tensor{0: empty, 1: filled}, 0, 1, 1))
	assert.Equal(t, []int{2, 3}, empty.Shape().Dimensions)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, filled.Diff(), "no data copied")
	assert.Equal(t, 0, b.Streams().Len())
}

func TestPeerTransfer(t *testing.T) {
	topo := &recordingTopology{HostTopology: devices.NewHostTopology(2)}
	b := New(topo)
	src, tgt := diffTensor(0, 1, 2), diffTensor(1, 10, 20)
	require.NoError(t, b.TransferGPUDiff(map[int]*tensors.Tensor{0: src, 1: tgt}, 0, 1, 1))
	assert.Equal(t, []float32{11, 22}, tgt.Diff())
	assert.Equal(t, []float32{1, 2}, src.Diff())
	assert.Equal(t, []int{1, 0}, topo.history, "target device active during the transfer, then restored")
	assert.Equal(t, 0, topo.CurrentDevice())

	// Scaled, in the other direction.
	require.NoError(t, topo.SetDevice(1))
	topo.history = nil
	require.NoError(t, b.TransferGPUDiff(map[int]*tensors.Tensor{0: src, 1: tgt}, 1, 0.5, 2))
	assert.Equal(t, []float32{0.5*1 + 2*11, 0.5*2 + 2*22}, src.Diff())
	assert.Equal(t, []int{0, 1}, topo.history)
	assert.Equal(t, 1, topo.CurrentDevice())

	s01, found := b.Streams().Lookup(0, 1)
	require.True(t, found)
	transfers, bytes := s01.Stats()
	assert.Equal(t, 1, transfers)
	assert.Equal(t, uint64(8), bytes)

	// Device ids don't need to be contiguous: the target is the smallest id that is not the source.
	b = New(devices.NewHostTopology(4))
	src, tgt = diffTensor(3, 1, 1), diffTensor(2, 1, 1)
	require.NoError(t, b.TransferGPUDiff(map[int]*tensors.Tensor{3: src, 2: tgt}, 3, 1, -1))
	assert.Equal(t, []float32{0, 0}, tgt.Diff())
}

func TestNoOp(t *testing.T) {
	b := New(devices.NewHostTopology(2))
	only := diffTensor(0, 1, 2)
	require.NoError(t, b.TransferGPUDiff(map[int]*tensors.Tensor{0: only}, 0, 1, 1))
	assert.Equal(t, []float32{1, 2}, only.Diff())
}

func TestNotImplemented(t *testing.T) {
	topo := devices.NewHostTopology(3)
	b := New(topo)
	diffs := map[int]*tensors.Tensor{0: diffTensor(0, 1), 1: diffTensor(1, 2), 2: diffTensor(2, 3)}
	for src := range 3 {
		err := b.TransferGPUDiff(diffs, src, 1, 1)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotImplemented))
		assert.False(t, errors.Is(err, ErrInvalidArgument))
	}
	assert.Equal(t, []float32{2}, diffs[1].Diff(), "nothing transferred")

	// Two devices without peer access.
	require.NoError(t, topo.DisablePeerAccess(0, 1))
	err := b.TransferGPUDiff(map[int]*tensors.Tensor{0: diffs[0], 1: diffs[1]}, 0, 1, 1)
	require.ErrorIs(t, err, ErrNotImplemented)
	assert.Equal(t, 0, topo.CurrentDevice())
}

func TestInvalidArgument(t *testing.T) {
	b := New(devices.NewHostTopology(2))
	diffs := map[int]*tensors.Tensor{0: diffTensor(0, 1, 2), 1: diffTensor(1, 3, 4)}
	err := b.TransferGPUDiff(diffs, 5, 1, 1)
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.False(t, errors.Is(err, ErrNotImplemented))

	err = b.TransferGPUDiff(map[int]*tensors.Tensor{0: diffTensor(0, 1, 2), 1: diffTensor(1, 3)}, 0, 1, 1)
	require.ErrorIs(t, err, ErrInvalidArgument, "different number of values")

	err = b.TransferGPUDiff(map[int]*tensors.Tensor{0: diffTensor(0, 1), 1: nil}, 0, 1, 1)
	require.ErrorIs(t, err, ErrInvalidArgument, "nil tensor")

	err = b.TransferGPUDiff(map[int]*tensors.Tensor{0: diffTensor(0, 1), 9: diffTensor(9, 1)}, 0, 1, 1)
	require.ErrorIs(t, err, ErrInvalidArgument, "device not in the topology")

	err = b.TransferGPUDiff(map[int]*tensors.Tensor{}, 0, 1, 1)
	require.ErrorIs(t, err, ErrInvalidArgument, "empty map")
}

func TestHostStaging(t *testing.T) {
	for _, half := range []bool{false, true} {
		topo := devices.NewHostTopology(3)
		require.NoError(t, topo.SetDevice(2))
		b := New(topo).WithHostStaging(half)
		diffs := map[int]*tensors.Tensor{
			0: diffTensor(0, 1, 2, 3),
			1: diffTensor(1, 0.5, 1.5, -2),
			2: diffTensor(2, 4, 0, 1),
		}
		require.NoError(t, b.TransferGPUDiff(diffs, 1, 2, 1))
		// Values are exactly representable in float16.
		assert.Equal(t, []float32{2.5, 5.5, 4}, diffs[0].Diff(), "half=%v", half)
		assert.Equal(t, []float32{8.5, 1.5, 0}, diffs[2].Diff(), "half=%v", half)
		assert.Equal(t, []float32{0.5, 1.5, -2}, diffs[1].Diff(), "source unchanged")
		assert.Equal(t, 2, topo.CurrentDevice())

		wantBytes := uint64(12)
		if half {
			wantBytes = 6
		}
		for _, dst := range []int{0, 2} {
			s, found := b.Streams().Lookup(1, dst)
			require.True(t, found)
			_, bytes := s.Stats()
			assert.Equal(t, wantBytes, bytes)
		}
	}

	// Half precision loses precision.
	b := New(devices.NewHostTopology(3)).WithHostStaging(true)
	diffs := map[int]*tensors.Tensor{0: diffTensor(0, 1.0001), 1: diffTensor(1, 0), 2: diffTensor(2, 0)}
	require.NoError(t, b.TransferGPUDiff(diffs, 0, 1, 1))
	assert.Equal(t, float32(1), diffs[1].Diff()[0])
}

func TestInit(t *testing.T) {
	b := New(devices.NewHostTopology(4))
	require.NoError(t, b.Init([]int{0, 1, 3}))
	assert.Equal(t, 6, b.Streams().Len())
	assert.Equal(t, []int{0, 1, 3}, b.DeviceIDs())
	_, found := b.Streams().Lookup(3, 1)
	assert.True(t, found)

	require.ErrorIs(t, b.Init([]int{0, 0}), ErrInvalidArgument)
	require.ErrorIs(t, b.Init([]int{4}), ErrInvalidArgument)
	require.NoError(t, New(devices.NewHostTopology(1)).Init(nil))
}

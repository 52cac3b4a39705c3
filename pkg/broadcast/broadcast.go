// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package broadcast synchronizes the gradients ("diffs") accumulated by the replicas of a model,
// one replica per device.
//
// StreamBroadcast.TransferGPUDiff accumulates the diff of a source device into the other devices:
//
//	target.diff = scaleTgt * target.diff + scaleSrc * source.diff
//
// Only two devices with peer-to-peer access are supported directly. Other topologies return an
// error wrapping ErrNotImplemented, unless host staging is enabled with WithHostStaging, in which
// case the source diff is copied to a host buffer and accumulated into every other device.
package broadcast

import (
	"github.com/gomlx/replicafeed/pkg/devices"
	"github.com/gomlx/replicafeed/pkg/support/xslices"
	"github.com/gomlx/replicafeed/types"
	"github.com/gomlx/replicafeed/types/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas/blas32"
	"k8s.io/klog/v2"
)

var (
	// ErrInvalidArgument is returned (wrapped) for invalid device ids or incompatible gradients.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotImplemented is returned (wrapped) for topologies without a supported transfer path.
	ErrNotImplemented = errors.New("not implemented")
)

// StreamBroadcast transfers gradients between the devices of a topology.
type StreamBroadcast struct {
	topology devices.Topology
	streams  *devices.StreamSet

	hostStaging, halfPrecision bool
	deviceIDs                  []int
}

// New creates a StreamBroadcast for the topology.
func New(topology devices.Topology) *StreamBroadcast {
	return &StreamBroadcast{
		topology: topology,
		streams:  devices.NewStreamSet(),
	}
}

// WithHostStaging enables the transfer through a host buffer for topologies not supported
// directly: more than two devices, or devices without peer access.
// If halfPrecision is true, the staged values are stored as float16.
//
// It returns itself, to allow cascading configuration calls.
func (b *StreamBroadcast) WithHostStaging(halfPrecision bool) *StreamBroadcast {
	b.hostStaging = true
	b.halfPrecision = halfPrecision
	return b
}

// Streams returns the streams used by the transfers, with their accounting.
func (b *StreamBroadcast) Streams() *devices.StreamSet { return b.streams }

// DeviceIDs returns the devices given to Init.
func (b *StreamBroadcast) DeviceIDs() []int { return b.deviceIDs }

// Init validates the devices that will participate in the transfers and creates one stream per
// ordered pair of devices. Calling it is optional: streams are otherwise created on first use.
func (b *StreamBroadcast) Init(deviceIDs []int) error {
	seen := types.MakeSet[int](len(deviceIDs))
	for _, id := range deviceIDs {
		if err := devices.ValidDevice(b.topology, id); err != nil {
			return errors.Wrapf(ErrInvalidArgument, "StreamBroadcast.Init: %v", err)
		}
		if seen.Has(id) {
			return errors.Wrapf(ErrInvalidArgument, "StreamBroadcast.Init: device %d given more than once", id)
		}
		seen.Insert(id)
	}
	for _, src := range deviceIDs {
		for _, dst := range deviceIDs {
			if src != dst {
				b.streams.Get(src, dst)
			}
		}
	}
	b.deviceIDs = append([]int(nil), deviceIDs...)
	klog.V(1).Infof("StreamBroadcast initialized for devices %v with %d streams", b.deviceIDs, b.streams.Len())
	return nil
}

// TransferGPUDiff accumulates the diff of srcDevice into the other devices of diffs, see package
// documentation.
//
// If diffs has only one entry it is a no-op. If the source tensor is empty, the other tensors are
// only reshaped to the source shape, no data is copied.
func (b *StreamBroadcast) TransferGPUDiff(diffs map[int]*tensors.Tensor, srcDevice int, scaleTgt, scaleSrc float32) error {
	src, found := diffs[srcDevice]
	if !found || src == nil {
		return errors.Wrapf(ErrInvalidArgument, "source device %d not in the gradients map", srcDevice)
	}
	for id, t := range diffs {
		if t == nil {
			return errors.Wrapf(ErrInvalidArgument, "nil gradients tensor for device %d", id)
		}
		if err := devices.ValidDevice(b.topology, id); err != nil {
			return errors.Wrapf(ErrInvalidArgument, "gradients map: %v", err)
		}
	}
	if len(diffs) <= 1 {
		return nil
	}

	ids := xslices.SortedKeys(diffs)
	if src.Count() == 0 {
		for _, id := range ids {
			if id != srcDevice {
				diffs[id].ReshapeLike(src)
			}
		}
		return nil
	}

	target := ids[0]
	if target == srcDevice {
		target = ids[1]
	}
	if len(diffs) == 2 && b.topology.CanAccessPeer(srcDevice, target) {
		return b.peerTransfer(src, diffs[target], srcDevice, target, scaleTgt, scaleSrc)
	}
	if !b.hostStaging {
		return errors.Wrapf(ErrNotImplemented,
			"gradient transfer across %d devices (peer access %d->%d: %v) requires host staging",
			len(diffs), srcDevice, target, b.topology.CanAccessPeer(srcDevice, target))
	}
	return b.hostStagedTransfer(diffs, ids, srcDevice, scaleTgt, scaleSrc)
}

func checkCount(src, tgt *tensors.Tensor, srcDevice, target int) error {
	if tgt.Count() != src.Count() {
		return errors.Wrapf(ErrInvalidArgument, "gradients of device %d have %d values, source device %d has %d",
			target, tgt.Count(), srcDevice, src.Count())
	}
	return nil
}

// peerTransfer accumulates directly from the source memory, with the target device active.
func (b *StreamBroadcast) peerTransfer(src, tgt *tensors.Tensor, srcDevice, target int, scaleTgt, scaleSrc float32) error {
	if err := checkCount(src, tgt, srcDevice, target); err != nil {
		return err
	}
	stream := b.streams.Get(srcDevice, target)
	return devices.WithDevice(b.topology, target, func() error {
		axpby(tgt.Diff(), src.Diff(), scaleTgt, scaleSrc)
		stream.Record(uint64(src.Shape().Memory()))
		return nil
	})
}

// hostStagedTransfer copies the source diff to the host once, and accumulates it into every other
// device.
func (b *StreamBroadcast) hostStagedTransfer(diffs map[int]*tensors.Tensor, ids []int, srcDevice int, scaleTgt, scaleSrc float32) error {
	src := diffs[srcDevice]
	for _, id := range ids {
		if id != srcDevice {
			if err := checkCount(src, diffs[id], srcDevice, id); err != nil {
				return err
			}
		}
	}

	var staged []float32
	var stagedBytes uint64
	err := devices.WithDevice(b.topology, srcDevice, func() error {
		if b.halfPrecision {
			half := make([]float16.Float16, src.Count())
			for ii, v := range src.Diff() {
				half[ii] = float16.Fromfloat32(v)
			}
			staged = make([]float32, len(half))
			for ii, v := range half {
				staged[ii] = v.Float32()
			}
			stagedBytes = uint64(2 * len(half))
		} else {
			staged = append([]float32(nil), src.Diff()...)
			stagedBytes = uint64(src.Shape().Memory())
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range ids {
		if id == srcDevice {
			continue
		}
		tgt := diffs[id]
		stream := b.streams.Get(srcDevice, id)
		err = devices.WithDevice(b.topology, id, func() error {
			axpby(tgt.Diff(), staged, scaleTgt, scaleSrc)
			stream.Record(stagedBytes)
			return nil
		})
		if err != nil {
			return err
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("StreamBroadcast: host staged gradients of device %d to %d devices (half precision: %v)",
			srcDevice, len(ids)-1, b.halfPrecision)
	}
	return nil
}

// axpby computes y = scaleY*y + scaleX*x.
func axpby(y, x []float32, scaleY, scaleX float32) {
	yVec := blas32.Vector{N: len(y), Inc: 1, Data: y}
	xVec := blas32.Vector{N: len(x), Inc: 1, Data: x}
	if scaleY != 1 {
		blas32.Scal(scaleY, yVec)
	}
	blas32.Axpy(scaleX, xVec, yVec)
}

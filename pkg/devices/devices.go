// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devices models the accelerator topology used to synchronize gradients across replicas:
// the number of devices, which pairs can access each other's memory directly (peer-to-peer) and the
// currently active device.
//
// The active device is ambient state of the topology. Code that needs to run on a specific device
// acquires a Scope (or uses WithDevice), which restores the previously active device when released.
package devices

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Topology of the devices available.
type Topology interface {
	// NumDevices returns the number of devices, with ids from 0 to NumDevices()-1.
	NumDevices() int

	// CanAccessPeer returns whether device a can directly access the memory of device b.
	CanAccessPeer(a, b int) bool

	// CurrentDevice returns the active device.
	CurrentDevice() int

	// SetDevice makes the device active.
	SetDevice(id int) error
}

// ValidDevice returns an error if id is not a device of the topology.
func ValidDevice(topology Topology, id int) error {
	if id < 0 || id >= topology.NumDevices() {
		return errors.Errorf("invalid device id %d, topology has %d devices", id, topology.NumDevices())
	}
	return nil
}

// HostTopology simulates devices on the host: every device shares the host memory, and peer access
// between pairs of devices can be disabled to emulate hardware without a direct link.
//
// It is safe for concurrent use.
type HostTopology struct {
	mu         sync.Mutex
	numDevices int
	peerAccess [][]bool
	current    int
}

var _ Topology = (*HostTopology)(nil)

// NewHostTopology creates a HostTopology with numDevices devices, all with peer access to each other.
// Device 0 is initially active.
func NewHostTopology(numDevices int) *HostTopology {
	if numDevices <= 0 {
		exceptions.Panicf("NewHostTopology(%d): the number of devices must be > 0", numDevices)
	}
	t := &HostTopology{numDevices: numDevices}
	t.peerAccess = make([][]bool, numDevices)
	for a := range numDevices {
		t.peerAccess[a] = make([]bool, numDevices)
		for b := range numDevices {
			t.peerAccess[a][b] = a != b
		}
	}
	return t
}

// NumDevices implements Topology.
func (t *HostTopology) NumDevices() int { return t.numDevices }

// CanAccessPeer implements Topology. It returns false for invalid device ids, or if a == b.
func (t *HostTopology) CanAccessPeer(a, b int) bool {
	if ValidDevice(t, a) != nil || ValidDevice(t, b) != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerAccess[a][b]
}

// DisablePeerAccess disables direct access between devices a and b, in both directions.
func (t *HostTopology) DisablePeerAccess(a, b int) error {
	return t.setPeerAccess(a, b, false)
}

// EnablePeerAccess enables direct access between devices a and b, in both directions.
func (t *HostTopology) EnablePeerAccess(a, b int) error {
	return t.setPeerAccess(a, b, true)
}

func (t *HostTopology) setPeerAccess(a, b int, enabled bool) error {
	if err := ValidDevice(t, a); err != nil {
		return err
	}
	if err := ValidDevice(t, b); err != nil {
		return err
	}
	if a == b {
		return errors.Errorf("peer access of device %d to itself can't be changed", a)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerAccess[a][b] = enabled
	t.peerAccess[b][a] = enabled
	return nil
}

// CurrentDevice implements Topology.
func (t *HostTopology) CurrentDevice() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// SetDevice implements Topology.
func (t *HostTopology) SetDevice(id int) error {
	if err := ValidDevice(t, id); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = id
	return nil
}

// Scope is an acquired active device: Release restores the device that was active before.
type Scope struct {
	topology         Topology
	device, previous int
	released         bool
}

// Acquire makes the device active and returns a Scope that restores the previous active device
// when released.
func Acquire(topology Topology, device int) (*Scope, error) {
	previous := topology.CurrentDevice()
	if previous != device {
		if err := topology.SetDevice(device); err != nil {
			return nil, errors.WithMessagef(err, "failed to acquire device %d", device)
		}
	}
	if klog.V(3).Enabled() {
		klog.Infof("device %d acquired (previous device %d)", device, previous)
	}
	return &Scope{topology: topology, device: device, previous: previous}, nil
}

// Device returns the device acquired by the scope.
func (s *Scope) Device() int { return s.device }

// Previous returns the device that was active when the scope was acquired.
func (s *Scope) Previous() int { return s.previous }

// Release restores the previously active device. Calling it more than once is a no-op.
func (s *Scope) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	if s.topology.CurrentDevice() == s.previous {
		return nil
	}
	if err := s.topology.SetDevice(s.previous); err != nil {
		return errors.WithMessagef(err, "failed to restore device %d", s.previous)
	}
	return nil
}

// WithDevice runs fn with the device active, and restores the previous active device on every
// exit path, including panics.
func WithDevice(topology Topology, device int, fn func() error) (err error) {
	scope, err := Acquire(topology, device)
	if err != nil {
		return err
	}
	defer func() {
		releaseErr := scope.Release()
		if err == nil {
			err = releaseErr
		}
	}()
	return fn()
}

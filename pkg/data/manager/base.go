// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package manager implements the prefetching data managers: a background goroutine reads and
// transforms the next batch while the replicas consume the current one.
//
// Each manager holds exactly one prefetch buffer, and the protocol between the prefetch goroutine
// and the replicas is an explicit handshake (see State):
//
//	StateIdle --StartPrefetch--> StatePrefetching --(fill done)--> StateReady --JoinPrefetch--> StateConsuming
//	StateConsuming --StartPrefetch--> StatePrefetching
//
// Violations of the protocol (starting a prefetch twice, copying data before joining) are bugs in
// the caller and panic. Errors reading or transforming the data are returned by JoinPrefetch.
//
// Two managers are provided: FixedSizeManager, where all items of a batch have the same shape, and
// VariableSizeManager, where items are packed with their own height and width.
//
// Most users only use Forward, which implements the full protocol for a set of replicas.
package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/replicafeed/internal/workerspool"
	"github.com/gomlx/replicafeed/pkg/data/config"
	"github.com/gomlx/replicafeed/pkg/data/records"
	"github.com/gomlx/replicafeed/pkg/data/transform"
	"github.com/gomlx/replicafeed/types/tensors"
	"github.com/gomlx/replicafeed/types/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of the prefetch handshake.
type State int

const (
	// StateIdle means no batch is available and no prefetch is in flight.
	StateIdle State = iota

	// StatePrefetching means the prefetch goroutine is filling the buffer.
	StatePrefetching

	// StateReady means the prefetch goroutine finished, but JoinPrefetch was not called yet.
	StateReady

	// StateConsuming means the batch was joined and replicas can copy it.
	StateConsuming
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePrefetching:
		return "Prefetching"
	case StateReady:
		return "Ready"
	case StateConsuming:
		return "Consuming"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Manager is the interface implemented by FixedSizeManager and VariableSizeManager.
type Manager interface {
	// ID is a unique identifier of the manager, used in logs.
	ID() string

	// Name of the data layer.
	Name() string

	// State of the prefetch handshake.
	State() State

	// StartPrefetch starts filling the buffer with the next batch in a background goroutine.
	// It panics if a prefetch is in flight and was not joined.
	StartPrefetch()

	// JoinPrefetch waits for the prefetch to finish. It panics if no prefetch was started.
	JoinPrefetch() error

	// CopyToReplica copies the partition of the batch owned by replica to the top tensors.
	// It panics if called before JoinPrefetch.
	CopyToReplica(replica int, top []*tensors.Tensor) error

	// Forward joins the pending batch (starting it if needed), copies the replica's partition
	// to top, and starts the next prefetch once all replicas have copied.
	Forward(replica int, top []*tensors.Tensor) error

	// SetBatchSize changes the total batch size.
	SetBatchSize(total int) error

	TotalBatchSize() int
	ReplicaBatchSize() int
	NumReplicas() int

	// ReplicaRange returns the range of batch items [start, end) owned by the replica.
	ReplicaRange(replica int) (start, end int)

	// Channels, Height and Width of the stored datum.
	Channels() int
	Height() int
	Width() int

	// Close waits for any in-flight prefetch and releases the record cursor.
	Close() error
}

// fetcher implements the buffer specific parts of a manager.
type fetcher interface {
	// fillBuffer reads and transforms a full batch into the prefetch buffers.
	// It runs in the prefetch goroutine.
	fillBuffer() error

	// copyToReplica copies the replica's partition of the prefetch buffers to top.
	copyToReplica(replica int, top []*tensors.Tensor) error

	// reshapeBuffers is called whenever the batch size changes.
	reshapeBuffers()
}

// Base implements the handshake, the batch partitioning and the forward protocol shared by the
// managers. It delegates buffer handling to a fetcher.
type Base struct {
	cfg     config.LayerConfig
	id      string
	fetcher fetcher
	reader  *recordReader
	pool    *workerspool.Pool

	channels, height, width      int
	totalBatchSize, replicaBatch int

	muState      sync.Mutex
	state        State
	done         *xsync.LatchWithValue[error]
	closed       bool
	numBatches   int
	lastDuration time.Duration

	// muForward protects the forward protocol.
	muForward  sync.Mutex
	arrived    []bool
	numArrived int
	numCopied  int
}

// newBase validates the configuration, loads the selective list, opens the reader and infers the
// datum shape from the first record if not configured.
func newBase(cfg config.LayerConfig, db records.DB) (*Base, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Base{
		cfg:            cfg,
		id:             uuid.NewString(),
		pool:           workerspool.NewWithParallelism(cfg.Parallelism),
		channels:       cfg.Channels,
		height:         cfg.Height,
		width:          cfg.Width,
		totalBatchSize: cfg.BatchSize,
		replicaBatch:   cfg.ReplicaBatchSize(),
		arrived:        make([]bool, cfg.NumReplicas),
	}

	var list []records.SelectiveItem
	if cfg.SelectiveList != "" {
		var err error
		list, err = records.LoadSelectiveList(cfg.SelectiveList)
		if err != nil {
			return nil, errors.WithMessagef(err, "data layer %q", cfg.Name)
		}
		klog.V(1).Infof("data layer %q (%s): using selective list %q with %d items",
			cfg.Name, b.id, cfg.SelectiveList, len(list))
	}
	var err error
	b.reader, err = newRecordReader(db, list)
	if err != nil {
		return nil, errors.WithMessagef(err, "data layer %q", cfg.Name)
	}

	if b.channels == 0 || b.height == 0 || b.width == 0 {
		first, err := b.reader.peek()
		if err != nil {
			_ = b.reader.close()
			return nil, errors.WithMessagef(err, "data layer %q: reading first record to infer datum shape", cfg.Name)
		}
		c, h, w, err := transform.DatumShape(first)
		if err != nil {
			_ = b.reader.close()
			return nil, errors.WithMessagef(err, "data layer %q: inferring datum shape", cfg.Name)
		}
		if b.channels == 0 {
			b.channels = c
		}
		if b.height == 0 {
			b.height = h
		}
		if b.width == 0 {
			b.width = w
		}
		klog.V(1).Infof("data layer %q (%s): datum shape inferred as [%d %d %d]",
			cfg.Name, b.id, b.channels, b.height, b.width)
	}
	return b, nil
}

// ID implements Manager.
func (b *Base) ID() string { return b.id }

// Name implements Manager.
func (b *Base) Name() string { return b.cfg.Name }

// Config returns the layer configuration, with the datum shape and batch size currently in use.
func (b *Base) Config() config.LayerConfig {
	cfg := b.cfg
	cfg.Channels, cfg.Height, cfg.Width = b.channels, b.height, b.width
	cfg.BatchSize = b.totalBatchSize
	return cfg
}

// Channels implements Manager.
func (b *Base) Channels() int { return b.channels }

// Height implements Manager.
func (b *Base) Height() int { return b.height }

// Width implements Manager.
func (b *Base) Width() int { return b.width }

// TotalBatchSize implements Manager.
func (b *Base) TotalBatchSize() int { return b.totalBatchSize }

// ReplicaBatchSize implements Manager.
func (b *Base) ReplicaBatchSize() int { return b.replicaBatch }

// NumReplicas implements Manager.
func (b *Base) NumReplicas() int { return b.cfg.NumReplicas }

// NumBatches returns the number of batches successfully joined so far.
func (b *Base) NumBatches() int {
	b.muState.Lock()
	defer b.muState.Unlock()
	return b.numBatches
}

// Epochs returns how many times the records (or the selective list) were read to the end.
func (b *Base) Epochs() int { return int(b.reader.epochs.Load()) }

// State implements Manager.
func (b *Base) State() State {
	b.muState.Lock()
	defer b.muState.Unlock()
	return b.state
}

// ReplicaRange implements Manager.
func (b *Base) ReplicaRange(replica int) (start, end int) {
	b.checkReplica(replica)
	start = replica * b.replicaBatch
	end = start + b.replicaBatch
	return
}

func (b *Base) checkReplica(replica int) {
	if replica < 0 || replica >= b.cfg.NumReplicas {
		exceptions.Panicf("data layer %q: replica %d out of range, there are %d replicas",
			b.cfg.Name, replica, b.cfg.NumReplicas)
	}
}

// SetBatchSize implements Manager.
//
// The total must be divisible by the number of replicas. Any batch already joined is discarded.
// It panics if a prefetch is in flight.
func (b *Base) SetBatchSize(total int) error {
	if total <= 0 || total%b.cfg.NumReplicas != 0 {
		return errors.Errorf("data layer %q: batch size %d must be > 0 and divisible by the number of replicas (%d)",
			b.cfg.Name, total, b.cfg.NumReplicas)
	}
	b.muState.Lock()
	defer b.muState.Unlock()
	if b.state == StatePrefetching || b.state == StateReady {
		exceptions.Panicf("data layer %q: SetBatchSize called while state is %s", b.cfg.Name, b.state)
	}
	b.totalBatchSize = total
	b.replicaBatch = total / b.cfg.NumReplicas
	b.state = StateIdle
	b.fetcher.reshapeBuffers()
	klog.V(1).Infof("data layer %q (%s): batch size set to %d (%d per replica)",
		b.cfg.Name, b.id, b.totalBatchSize, b.replicaBatch)
	return nil
}

// StartPrefetch implements Manager.
func (b *Base) StartPrefetch() {
	b.muState.Lock()
	defer b.muState.Unlock()
	if b.closed {
		exceptions.Panicf("data layer %q: StartPrefetch called after Close", b.cfg.Name)
	}
	if b.state == StatePrefetching || b.state == StateReady {
		exceptions.Panicf("data layer %q: StartPrefetch called while state is %s, a previous prefetch was not joined",
			b.cfg.Name, b.state)
	}
	b.state = StatePrefetching
	done := xsync.NewLatchWithValue[error]()
	b.done = done
	go b.prefetch(done)
}

// prefetch runs in its own goroutine.
func (b *Base) prefetch(done *xsync.LatchWithValue[error]) {
	start := time.Now()
	var err error
	exception := exceptions.Try(func() { err = b.fetcher.fillBuffer() })
	if exception != nil {
		if e, ok := exception.(error); ok {
			err = errors.WithMessage(e, "panic while filling prefetch buffer")
		} else {
			err = errors.Errorf("panic while filling prefetch buffer: %v", exception)
		}
	}
	elapsed := time.Since(start)
	b.muState.Lock()
	b.state = StateReady
	b.lastDuration = elapsed
	b.muState.Unlock()
	if klog.V(2).Enabled() {
		klog.Infof("data layer %q (%s): prefetched batch of %d in %s", b.cfg.Name, b.id, b.totalBatchSize, elapsed)
	}
	done.Trigger(err)
}

// JoinPrefetch implements Manager.
//
// If reading or transforming the batch failed, the error is returned and the manager goes back to
// StateIdle: no partial batch is ever made available.
func (b *Base) JoinPrefetch() error {
	b.muState.Lock()
	if b.state != StatePrefetching && b.state != StateReady {
		state := b.state
		b.muState.Unlock()
		exceptions.Panicf("data layer %q: JoinPrefetch called while state is %s, no prefetch in flight",
			b.cfg.Name, state)
	}
	done := b.done
	b.muState.Unlock()

	err := done.Wait()

	b.muState.Lock()
	defer b.muState.Unlock()
	if b.done != done {
		// Another caller joined concurrently.
		return err
	}
	b.done = nil
	if err != nil {
		b.state = StateIdle
		return errors.WithMessagef(err, "data layer %q (%s): prefetch failed", b.cfg.Name, b.id)
	}
	b.state = StateConsuming
	b.numBatches++
	return nil
}

// LastPrefetchDuration returns how long the last prefetch took to fill the buffer.
func (b *Base) LastPrefetchDuration() time.Duration {
	b.muState.Lock()
	defer b.muState.Unlock()
	return b.lastDuration
}

// CopyToReplica implements Manager.
//
// It doesn't change the state of the manager: it can be called any number of times until the next
// StartPrefetch.
func (b *Base) CopyToReplica(replica int, top []*tensors.Tensor) error {
	b.checkReplica(replica)
	if state := b.State(); state != StateConsuming {
		exceptions.Panicf("data layer %q: CopyToReplica(%d) called while state is %s, JoinPrefetch must be called first",
			b.cfg.Name, replica, state)
	}
	if err := b.fetcher.copyToReplica(replica, top); err != nil {
		return errors.WithMessagef(err, "data layer %q: copying to replica %d", b.cfg.Name, replica)
	}
	return nil
}

// Forward implements Manager. It is safe to call concurrently from one goroutine per replica.
//
// The first replica to arrive in a round joins the pending prefetch (starting one if none is in
// flight). Every replica copies its partition, and the last one to finish starts the prefetch of the
// next batch. A replica calling Forward twice in the same round panics.
func (b *Base) Forward(replica int, top []*tensors.Tensor) error {
	b.checkReplica(replica)
	if err := b.arrive(replica); err != nil {
		return err
	}
	defer b.finishCopy()
	return b.CopyToReplica(replica, top)
}

func (b *Base) arrive(replica int) error {
	b.muForward.Lock()
	defer b.muForward.Unlock()
	if b.arrived[replica] {
		exceptions.Panicf("data layer %q: replica %d called Forward twice in the same round", b.cfg.Name, replica)
	}
	if b.numArrived == 0 {
		switch b.State() {
		case StateIdle:
			b.StartPrefetch()
			fallthrough
		case StatePrefetching, StateReady:
			if err := b.JoinPrefetch(); err != nil {
				return err
			}
		case StateConsuming:
			// Batch already joined by the caller.
		}
	}
	b.arrived[replica] = true
	b.numArrived++
	return nil
}

func (b *Base) finishCopy() {
	b.muForward.Lock()
	defer b.muForward.Unlock()
	b.numCopied++
	if b.numCopied < b.cfg.NumReplicas {
		return
	}
	clear(b.arrived)
	b.numArrived, b.numCopied = 0, 0
	b.StartPrefetch()
}

// forEachItem runs fn for each item of the batch, in parallel if configured.
func (b *Base) forEachItem(n int, fn func(i int) error) error {
	if !b.pool.IsEnabled() {
		for i := range n {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}
	return b.pool.ForEach(n, fn)
}

// readBatch reads the next n records sequentially.
func (b *Base) readBatch(n int) ([]*records.Datum, []string, error) {
	items := make([]*records.Datum, n)
	keys := make([]string, n)
	for i := range n {
		var err error
		keys[i], items[i], err = b.reader.next()
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "reading item %d of the batch", i)
		}
	}
	return items, keys, nil
}

// Close implements Manager.
func (b *Base) Close() error {
	b.muState.Lock()
	if b.closed {
		b.muState.Unlock()
		return nil
	}
	b.closed = true
	done := b.done
	b.muState.Unlock()
	if done != nil {
		// The error, if any, would have been returned by JoinPrefetch.
		_ = done.Wait()
	}
	klog.V(1).Infof("data layer %q (%s): closed after %d batches", b.cfg.Name, b.id, b.NumBatches())
	return b.reader.close()
}

// logBuffers logs the memory used by the prefetch buffers.
func (b *Base) logBuffers(kind string, buffers ...*tensors.Tensor) {
	if !klog.V(1).Enabled() {
		return
	}
	var total uint64
	for _, t := range buffers {
		total += uint64(t.Shape().Memory())
	}
	klog.Infof("data layer %q (%s): %s manager with batch of %d (%d replicas x %d), datum [%d %d %d], prefetch buffers using %s",
		b.cfg.Name, b.id, kind, b.totalBatchSize, b.cfg.NumReplicas, b.replicaBatch,
		b.channels, b.height, b.width, humanize.Bytes(total))
}

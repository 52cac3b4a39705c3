// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package manager

import (
	"github.com/gomlx/replicafeed/pkg/data/config"
	"github.com/gomlx/replicafeed/pkg/data/records"
	"github.com/gomlx/replicafeed/pkg/data/transform"
	"github.com/gomlx/replicafeed/types/tensors"
	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
)

// VariableSizeManager prefetches batches where each item has its own height and width, limited to
// MaxPixels pixels.
//
// Items are transformed into a buffer sized for the maximum number of pixels. Once the batch is
// complete, the items of each replica are reorganized into a tensor shaped
// [replica_batch, C, max_h, max_w], where (max_h, max_w) is the envelope of the replica's items
// in this batch: each item is placed at the top-left corner, and the rest is zero padded.
//
// The top tensors given to CopyToReplica (and Forward) are reshaped on every call:
// top[0] the data, [replica_batch, C, max_h, max_w]; top[1] the true size of each item,
// [replica_batch, 2] with (height, width); and, if the layer outputs labels, top[2] the labels,
// [replica_batch].
type VariableSizeManager struct {
	*Base
	transformer transform.VariableTransformer
	maxPixels   int

	prefetchData       *tensors.Tensor   // [batch, C, max_pixels], items stored compactly.
	prefetchDataSize   *tensors.Tensor   // [batch, 2]
	replicasMaxSize    *tensors.Tensor   // [replicas, 2]
	prefetchLabel      *tensors.Tensor   // [batch]
	replicaReorganized []*tensors.Tensor // One per replica: [replica_batch, C, max_h, max_w]
}

var _ Manager = (*VariableSizeManager)(nil)

// NewVariableSizeManager creates a VariableSizeManager reading from db.
//
// If transformer is nil, a transform.ImageTransformer is created from the configuration.
// No prefetch is started: either call StartPrefetch or let the first Forward start it.
func NewVariableSizeManager(cfg config.LayerConfig, db records.DB, transformer transform.VariableTransformer) (*VariableSizeManager, error) {
	if !cfg.VariableSize {
		return nil, errors.Errorf("data layer %q is not configured with variable_size, use NewFixedSizeManager", cfg.Name)
	}
	b, err := newBase(cfg, db)
	if err != nil {
		return nil, err
	}
	if transformer == nil {
		transformer = transform.NewImageTransformer(b.Config())
	}
	m := &VariableSizeManager{
		Base:             b,
		transformer:      transformer,
		maxPixels:        cfg.MaxPixels,
		prefetchData:     tensors.Empty(),
		prefetchDataSize: tensors.Empty(),
		replicasMaxSize:  tensors.New(cfg.NumReplicas, 2),
		prefetchLabel:    tensors.Empty(),
	}
	m.replicaReorganized = make([]*tensors.Tensor, cfg.NumReplicas)
	for replica := range m.replicaReorganized {
		m.replicaReorganized[replica] = tensors.Empty()
	}
	b.fetcher = m
	m.reshapeBuffers()
	b.logBuffers("variable-size", m.prefetchData, m.prefetchDataSize, m.prefetchLabel)
	return m, nil
}

// MaxPixels returns the maximum number of pixels (height*width) of an item.
func (m *VariableSizeManager) MaxPixels() int { return m.maxPixels }

// ReplicaEnvelope returns the maximum height and width of the items of the replica in the current
// batch. Only valid after JoinPrefetch.
func (m *VariableSizeManager) ReplicaEnvelope(replica int) (height, width int) {
	m.checkReplica(replica)
	sizes := m.replicasMaxSize.Data()
	return int(sizes[2*replica]), int(sizes[2*replica+1])
}

// NewReplicaTop allocates the top tensors used by CopyToReplica. They are reshaped on every copy.
func (m *VariableSizeManager) NewReplicaTop() []*tensors.Tensor {
	top := []*tensors.Tensor{tensors.Empty(), tensors.Empty()}
	if m.cfg.OutputLabels {
		top = append(top, tensors.Empty())
	}
	return top
}

func (m *VariableSizeManager) reshapeBuffers() {
	m.prefetchData.Reshape(m.totalBatchSize, m.channels, m.maxPixels)
	m.prefetchDataSize.Reshape(m.totalBatchSize, 2)
	m.prefetchLabel.Reshape(m.totalBatchSize)
}

func (m *VariableSizeManager) fillBuffer() error {
	n := m.totalBatchSize
	items, keys, err := m.readBatch(n)
	if err != nil {
		return err
	}
	itemCapacity := m.channels * m.maxPixels
	data := m.prefetchData.Data()
	sizes := m.prefetchDataSize.Data()
	labels := m.prefetchLabel.Data()
	err = m.forEachItem(n, func(i int) error {
		h, w, err := m.transformer.TransformVariable(items[i], data[i*itemCapacity:(i+1)*itemCapacity])
		if err != nil {
			return errors.WithMessagef(err, "transforming item %d (%q)", i, keys[i])
		}
		if h <= 0 || w <= 0 || h*w > m.maxPixels {
			return errors.Errorf("item %d (%q) transformed to size %dx%d, it must be non-empty and at most max_pixels=%d",
				i, keys[i], h, w, m.maxPixels)
		}
		sizes[2*i], sizes[2*i+1] = float32(h), float32(w)
		labels[i] = float32(items[i].Label)
		return nil
	})
	if err != nil {
		return err
	}
	m.updateEnvelopes()
	return m.forEachItem(m.cfg.NumReplicas, func(replica int) error {
		m.reorganize(replica)
		return nil
	})
}

// updateEnvelopes computes the maximum height and width of each replica's items.
func (m *VariableSizeManager) updateEnvelopes() {
	sizes := m.prefetchDataSize.Data()
	maxSizes := m.replicasMaxSize.Data()
	for replica := range m.cfg.NumReplicas {
		var maxH, maxW int
		start, end := m.ReplicaRange(replica)
		for i := start; i < end; i++ {
			maxH = essentials.MaxInt(maxH, int(sizes[2*i]))
			maxW = essentials.MaxInt(maxW, int(sizes[2*i+1]))
		}
		maxSizes[2*replica], maxSizes[2*replica+1] = float32(maxH), float32(maxW)
	}
}

// reorganize copies the compact items of the replica into its padded tensor.
func (m *VariableSizeManager) reorganize(replica int) {
	maxH, maxW := m.ReplicaEnvelope(replica)
	dst := m.replicaReorganized[replica]
	dst.Reshape(m.replicaBatch, m.channels, maxH, maxW)
	dst.Zero()
	dstData := dst.Data()
	src := m.prefetchData.Data()
	sizes := m.prefetchDataSize.Data()
	itemCapacity := m.channels * m.maxPixels
	start, end := m.ReplicaRange(replica)
	for i := start; i < end; i++ {
		h, w := int(sizes[2*i]), int(sizes[2*i+1])
		item := src[i*itemCapacity : i*itemCapacity+m.channels*h*w]
		for c := range m.channels {
			for y := range h {
				srcRow := item[(c*h+y)*w : (c*h+y+1)*w]
				dstOffset := dst.Offset(i-start, c, y)
				copy(dstData[dstOffset:dstOffset+w], srcRow)
			}
		}
	}
}

func (m *VariableSizeManager) copyToReplica(replica int, top []*tensors.Tensor) error {
	numTop := 2
	if m.cfg.OutputLabels {
		numTop = 3
	}
	if len(top) < numTop {
		return errors.Errorf("expected %d top tensors, got %d", numTop, len(top))
	}
	if err := top[0].CopyFrom(m.replicaReorganized[replica], false, true); err != nil {
		return err
	}
	start, end := m.ReplicaRange(replica)
	top[1].Reshape(m.replicaBatch, 2)
	copy(top[1].Data(), m.prefetchDataSize.Data()[2*start:2*end])
	if m.cfg.OutputLabels {
		top[2].Reshape(m.replicaBatch)
		copy(top[2].Data(), m.prefetchLabel.Data()[start:end])
	}
	return nil
}

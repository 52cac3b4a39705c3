// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package manager

import (
	"github.com/gomlx/replicafeed/pkg/data/config"
	"github.com/gomlx/replicafeed/pkg/data/records"
	"github.com/gomlx/replicafeed/pkg/data/transform"
	"github.com/gomlx/replicafeed/types/shapes"
	"github.com/gomlx/replicafeed/types/tensors"
	"github.com/pkg/errors"
)

// FixedSizeManager prefetches batches where every item has the same shape.
//
// The top tensors given to CopyToReplica (and Forward) are: top[0] the data, shaped
// ReplicaDataShape(), and, if the layer outputs labels, top[1] the labels, shaped ReplicaLabelShape().
type FixedSizeManager struct {
	*Base
	transformer transform.Transformer

	// Shape of the transformed items.
	itemChannels, itemHeight, itemWidth int

	prefetchData  *tensors.Tensor // [batch, C, H, W]
	prefetchLabel *tensors.Tensor // [batch]
}

var _ Manager = (*FixedSizeManager)(nil)

// NewFixedSizeManager creates a FixedSizeManager reading from db.
//
// If transformer is nil, a transform.ImageTransformer is created from the configuration. If the
// transformer implements transform.Shaper, it defines the shape of the items, otherwise the items
// have the shape of the datum.
//
// No prefetch is started: either call StartPrefetch or let the first Forward start it.
func NewFixedSizeManager(cfg config.LayerConfig, db records.DB, transformer transform.Transformer) (*FixedSizeManager, error) {
	if cfg.VariableSize {
		return nil, errors.Errorf("data layer %q is configured with variable_size, use NewVariableSizeManager", cfg.Name)
	}
	b, err := newBase(cfg, db)
	if err != nil {
		return nil, err
	}
	if transformer == nil {
		transformer = transform.NewImageTransformer(b.Config())
	}
	m := &FixedSizeManager{
		Base:          b,
		transformer:   transformer,
		prefetchData:  tensors.Empty(),
		prefetchLabel: tensors.Empty(),
	}
	m.itemChannels, m.itemHeight, m.itemWidth = b.channels, b.height, b.width
	if shaper, ok := transformer.(transform.Shaper); ok {
		m.itemChannels, m.itemHeight, m.itemWidth = shaper.OutputShape(b.channels, b.height, b.width)
	}
	b.fetcher = m
	m.reshapeBuffers()
	b.logBuffers("fixed-size", m.prefetchData, m.prefetchLabel)
	return m, nil
}

// ItemShape returns the shape of one transformed item: channels, height and width.
func (m *FixedSizeManager) ItemShape() shapes.Shape {
	return shapes.Make(m.itemChannels, m.itemHeight, m.itemWidth)
}

// ReplicaDataShape returns the shape top[0] must have: [replica_batch, C, H, W].
func (m *FixedSizeManager) ReplicaDataShape() shapes.Shape {
	return shapes.Make(m.replicaBatch, m.itemChannels, m.itemHeight, m.itemWidth)
}

// ReplicaLabelShape returns the shape top[1] must have: [replica_batch].
func (m *FixedSizeManager) ReplicaLabelShape() shapes.Shape {
	return shapes.Make(m.replicaBatch)
}

// NewReplicaTop allocates top tensors with the shapes expected by CopyToReplica.
func (m *FixedSizeManager) NewReplicaTop() []*tensors.Tensor {
	top := []*tensors.Tensor{tensors.New(m.ReplicaDataShape().Dimensions...)}
	if m.cfg.OutputLabels {
		top = append(top, tensors.New(m.ReplicaLabelShape().Dimensions...))
	}
	return top
}

func (m *FixedSizeManager) itemSize() int {
	return m.itemChannels * m.itemHeight * m.itemWidth
}

func (m *FixedSizeManager) reshapeBuffers() {
	m.prefetchData.Reshape(m.totalBatchSize, m.itemChannels, m.itemHeight, m.itemWidth)
	m.prefetchLabel.Reshape(m.totalBatchSize)
}

func (m *FixedSizeManager) fillBuffer() error {
	n := m.totalBatchSize
	items, keys, err := m.readBatch(n)
	if err != nil {
		return err
	}
	itemSize := m.itemSize()
	data := m.prefetchData.Data()
	labels := m.prefetchLabel.Data()
	return m.forEachItem(n, func(i int) error {
		c, h, w, err := m.transformer.Transform(items[i], data[i*itemSize:(i+1)*itemSize])
		if err != nil {
			return errors.WithMessagef(err, "transforming item %d (%q)", i, keys[i])
		}
		if c != m.itemChannels || h != m.itemHeight || w != m.itemWidth {
			return errors.Errorf("item %d (%q) transformed to shape [%d %d %d], expected [%d %d %d]",
				i, keys[i], c, h, w, m.itemChannels, m.itemHeight, m.itemWidth)
		}
		labels[i] = float32(items[i].Label)
		return nil
	})
}

func (m *FixedSizeManager) copyToReplica(replica int, top []*tensors.Tensor) error {
	numTop := 1
	if m.cfg.OutputLabels {
		numTop = 2
	}
	if len(top) < numTop {
		return errors.Errorf("expected %d top tensors, got %d", numTop, len(top))
	}
	start, end := m.ReplicaRange(replica)
	if want := m.ReplicaDataShape(); !top[0].Shape().Equal(want) {
		return errors.Errorf("data tensor has shape %s, expected %s", top[0].Shape(), want)
	}
	itemSize := m.itemSize()
	copy(top[0].Data(), m.prefetchData.Data()[start*itemSize:end*itemSize])
	if m.cfg.OutputLabels {
		if want := m.ReplicaLabelShape(); !top[1].Shape().Equal(want) {
			return errors.Errorf("label tensor has shape %s, expected %s", top[1].Shape(), want)
		}
		copy(top[1].Data(), m.prefetchLabel.Data()[start:end])
	}
	return nil
}

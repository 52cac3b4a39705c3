// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Stream is the handle used for transfers from one device to another. It accounts for the
// transfers issued through it.
type Stream struct {
	ID       uuid.UUID
	Src, Dst int

	mu        sync.Mutex
	transfers int
	bytes     uint64
}

// Record accounts for one transfer of numBytes.
func (s *Stream) Record(numBytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers++
	s.bytes += numBytes
}

// Stats returns the number of transfers and the total bytes transferred.
func (s *Stream) Stats() (transfers int, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfers, s.bytes
}

// String implements fmt.Stringer.
func (s *Stream) String() string {
	transfers, bytes := s.Stats()
	return fmt.Sprintf("Stream(%d->%d, id=%s, %d transfers, %s)", s.Src, s.Dst, s.ID, transfers, humanize.Bytes(bytes))
}

type devicePair struct {
	src, dst int
}

// StreamSet holds one Stream per ordered pair of devices. It is safe for concurrent use.
type StreamSet struct {
	mu      sync.Mutex
	streams map[devicePair]*Stream
}

// NewStreamSet creates an empty StreamSet.
func NewStreamSet() *StreamSet {
	return &StreamSet{streams: make(map[devicePair]*Stream)}
}

// Get returns the stream from src to dst, creating it if needed.
func (ss *StreamSet) Get(src, dst int) *Stream {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	pair := devicePair{src, dst}
	s, found := ss.streams[pair]
	if !found {
		s = &Stream{ID: uuid.New(), Src: src, Dst: dst}
		ss.streams[pair] = s
	}
	return s
}

// Lookup returns the stream from src to dst, if it exists.
func (ss *StreamSet) Lookup(src, dst int) (*Stream, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, found := ss.streams[devicePair{src, dst}]
	return s, found
}

// Len returns the number of streams.
func (ss *StreamSet) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.streams)
}

// All returns the streams ordered by source and destination device.
func (ss *StreamSet) All() []*Stream {
	ss.mu.Lock()
	all := make([]*Stream, 0, len(ss.streams))
	for _, s := range ss.streams {
		all = append(all, s)
	}
	ss.mu.Unlock()
	slices.SortFunc(all, func(a, b *Stream) int {
		if c := cmp.Compare(a.Src, b.Src); c != 0 {
			return c
		}
		return cmp.Compare(a.Dst, b.Dst)
	})
	return all
}

// TotalBytes returns the bytes transferred by all streams.
func (ss *StreamSet) TotalBytes() uint64 {
	var total uint64
	for _, s := range ss.All() {
		_, bytes := s.Stats()
		total += bytes
	}
	return total
}

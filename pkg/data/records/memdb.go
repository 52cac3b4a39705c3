// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package records

import (
	"slices"
	"sync"

	"github.com/gomlx/replicafeed/pkg/support/xslices"
	"github.com/pkg/errors"
)

// MemDB is an in-memory DB. It is safe for concurrent use.
//
// Cursors iterate over a snapshot of the keys taken when they are created or repositioned.
type MemDB struct {
	mu     sync.RWMutex
	values map[string][]byte
	closed bool
}

var _ DB = (*MemDB)(nil)

// NewMemDB creates an empty MemDB.
func NewMemDB() *MemDB {
	return &MemDB{values: make(map[string][]byte)}
}

// Len returns the number of records.
func (db *MemDB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.values)
}

// Get implements DB.
func (db *MemDB) Get(key string) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, errors.New("MemDB is closed")
	}
	value, found := db.values[key]
	if !found {
		return nil, errors.Wrapf(ErrNotFound, "key %q", key)
	}
	return value, nil
}

// NewCursor implements DB.
func (db *MemDB) NewCursor() (Cursor, error) {
	c := &memCursor{db: db}
	if err := c.SeekToFirst(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewTransaction implements DB.
func (db *MemDB) NewTransaction() Transaction {
	return &memTransaction{db: db, pending: make(map[string][]byte)}
}

// Close implements DB.
func (db *MemDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}

func (db *MemDB) sortedKeys() ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, errors.New("MemDB is closed")
	}
	return xslices.SortedKeys(db.values), nil
}

type memCursor struct {
	db   *MemDB
	keys []string
	pos  int
}

func (c *memCursor) SeekToFirst() (err error) {
	c.keys, err = c.db.sortedKeys()
	c.pos = 0
	return
}

func (c *memCursor) Valid() bool { return c.pos < len(c.keys) }

func (c *memCursor) Key() string { return c.keys[c.pos] }

func (c *memCursor) Value() []byte {
	value, err := c.db.Get(c.keys[c.pos])
	if err != nil {
		return nil
	}
	return value
}

func (c *memCursor) Next() error {
	if !c.Valid() {
		return errors.New("cursor moved past the last record")
	}
	c.pos++
	return nil
}

func (c *memCursor) Close() error {
	c.keys = nil
	return nil
}

type memTransaction struct {
	db      *MemDB
	pending map[string][]byte
}

func (txn *memTransaction) Put(key string, value []byte) {
	txn.pending[key] = slices.Clone(value)
}

func (txn *memTransaction) Commit() error {
	txn.db.mu.Lock()
	defer txn.db.mu.Unlock()
	if txn.db.closed {
		return errors.New("MemDB is closed")
	}
	for key, value := range txn.pending {
		txn.db.values[key] = value
	}
	clear(txn.pending)
	return nil
}

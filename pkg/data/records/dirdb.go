// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package records

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/replicafeed/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirDB is a DB backed by a directory: each record is a file, named after its key.
//
// Keys can't contain path separators, and files starting with "." are ignored.
type DirDB struct {
	dir string
}

var _ DB = (*DirDB)(nil)

// OpenDirDB opens the directory as a DB. If create is true the directory is created if missing.
func OpenDirDB(dir string, create bool) (*DirDB, error) {
	dir, err := fsutil.ResolvePath(dir)
	if err != nil {
		return nil, err
	}
	if create {
		if err = os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create DirDB directory %q", dir)
		}
	}
	if err = fsutil.MustExist("DirDB directory", dir); err != nil {
		return nil, err
	}
	klog.V(1).Infof("opened DirDB at %q", dir)
	return &DirDB{dir: dir}, nil
}

// Dir returns the directory of the DB.
func (db *DirDB) Dir() string { return db.dir }

func validKey(key string) error {
	if key == "" || strings.ContainsRune(key, os.PathSeparator) || strings.HasPrefix(key, ".") {
		return errors.Errorf("invalid DirDB key %q", key)
	}
	return nil
}

// Get implements DB.
func (db *DirDB) Get(key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	value, err := os.ReadFile(filepath.Join(db.dir, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrNotFound, "key %q in %q", key, db.dir)
		}
		return nil, errors.Wrapf(err, "failed to read key %q in %q", key, db.dir)
	}
	return value, nil
}

// NewCursor implements DB.
func (db *DirDB) NewCursor() (Cursor, error) {
	c := &dirCursor{db: db}
	if err := c.SeekToFirst(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewTransaction implements DB.
func (db *DirDB) NewTransaction() Transaction {
	return &dirTransaction{db: db}
}

// Close implements DB. It's a no-op.
func (db *DirDB) Close() error { return nil }

type dirCursor struct {
	db    *DirDB
	keys  []string
	pos   int
	value []byte
	err   error
}

func (c *dirCursor) SeekToFirst() error {
	entries, err := os.ReadDir(c.db.dir)
	if err != nil {
		return errors.Wrapf(err, "failed to list DirDB %q", c.db.dir)
	}
	c.keys = c.keys[:0]
	for _, entry := range entries { // os.ReadDir returns entries sorted by name.
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		c.keys = append(c.keys, entry.Name())
	}
	c.pos = 0
	return c.load()
}

func (c *dirCursor) load() error {
	c.value = nil
	if !c.Valid() {
		return nil
	}
	c.value, c.err = c.db.Get(c.keys[c.pos])
	return c.err
}

func (c *dirCursor) Valid() bool { return c.pos < len(c.keys) }

func (c *dirCursor) Key() string { return c.keys[c.pos] }

func (c *dirCursor) Value() []byte { return c.value }

func (c *dirCursor) Next() error {
	if !c.Valid() {
		return errors.New("cursor moved past the last record")
	}
	c.pos++
	return c.load()
}

func (c *dirCursor) Close() error {
	c.keys, c.value = nil, nil
	return nil
}

type dirTransaction struct {
	db      *DirDB
	keys    []string
	pending [][]byte
}

func (txn *dirTransaction) Put(key string, value []byte) {
	txn.keys = append(txn.keys, key)
	txn.pending = append(txn.pending, value)
}

// Commit writes each record to a temporary file and renames it in place.
func (txn *dirTransaction) Commit() error {
	for ii, key := range txn.keys {
		if err := validKey(key); err != nil {
			return err
		}
		tmpPath := filepath.Join(txn.db.dir, "."+key+".tmp")
		if err := os.WriteFile(tmpPath, txn.pending[ii], 0644); err != nil {
			return errors.Wrapf(err, "failed to write record %q", key)
		}
		if err := os.Rename(tmpPath, filepath.Join(txn.db.dir, key)); err != nil {
			return errors.Wrapf(err, "failed to commit record %q", key)
		}
	}
	txn.keys, txn.pending = nil, nil
	return nil
}

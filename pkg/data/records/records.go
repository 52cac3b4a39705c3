// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package records defines the key/value record store read by the data managers, and the Datum
// stored in it.
//
// The store contract is small: a DB opens cursors that iterate over records in key order, and
// allows random access by key (used when a selective list drives the order). Two implementations
// are provided: MemDB (in memory) and DirDB (one file per record in a directory).
package records

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by DB.Get when the key doesn't exist.
var ErrNotFound = errors.New("record not found")

// Datum is one stored training example.
//
// Its pixels are either raw (Data holds Channels*Height*Width bytes in CHW order) or encoded
// (Encoded holds a PNG or JPEG image, and Channels/Height/Width may be left as 0).
type Datum struct {
	Channels, Height, Width int
	Label                   int
	Data                    []byte
	Encoded                 []byte
}

// IsEncoded returns whether the datum holds an encoded image.
func (d *Datum) IsEncoded() bool { return len(d.Encoded) > 0 }

// Validate checks that raw data matches the declared shape.
func (d *Datum) Validate() error {
	if d.IsEncoded() {
		return nil
	}
	if d.Channels <= 0 || d.Height <= 0 || d.Width <= 0 {
		return errors.Errorf("datum has invalid shape channels=%d, height=%d, width=%d",
			d.Channels, d.Height, d.Width)
	}
	if want := d.Channels * d.Height * d.Width; len(d.Data) != want {
		return errors.Errorf("datum with shape [%d %d %d] has %d bytes of data, wanted %d",
			d.Channels, d.Height, d.Width, len(d.Data), want)
	}
	return nil
}

// Marshal serializes the datum to be stored as a record value.
func (d *Datum) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return nil, errors.Wrap(err, "failed to encode datum")
	}
	return buf.Bytes(), nil
}

// UnmarshalDatum parses a record value created with Datum.Marshal.
func UnmarshalDatum(value []byte) (*Datum, error) {
	d := &Datum{}
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(d); err != nil {
		return nil, errors.Wrap(err, "failed to decode datum")
	}
	return d, nil
}

// DB is a key/value record store.
type DB interface {
	// NewCursor returns a cursor positioned at the first record.
	NewCursor() (Cursor, error)

	// Get returns the value for key, or an error wrapping ErrNotFound.
	Get(key string) ([]byte, error)

	// NewTransaction returns a transaction to write records.
	NewTransaction() Transaction

	// Close the store.
	Close() error
}

// Cursor iterates over the records of a DB in key order.
type Cursor interface {
	// SeekToFirst repositions the cursor to the first record.
	SeekToFirst() error

	// Valid returns whether the cursor points to a record: it is false past the last record.
	Valid() bool

	// Key of the current record.
	Key() string

	// Value of the current record.
	Value() []byte

	// Next moves to the following record.
	Next() error

	// Close releases the cursor.
	Close() error
}

// Transaction accumulates writes, applied on Commit.
type Transaction interface {
	Put(key string, value []byte)
	Commit() error
}

// PutDatum is a convenience to marshal and add a datum to a transaction.
func PutDatum(txn Transaction, key string, d *Datum) error {
	value, err := d.Marshal()
	if err != nil {
		return errors.WithMessagef(err, "while storing %q", key)
	}
	txn.Put(key, value)
	return nil
}

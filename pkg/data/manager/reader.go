// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package manager

import (
	"sync/atomic"

	"github.com/gomlx/replicafeed/pkg/data/records"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// recordReader yields the records of a batch in order: either the store order, or the order of
// the selective list. Both wrap around at the end.
//
// It is only used by the prefetch goroutine (or during construction), so it needs no locking.
type recordReader struct {
	db     records.DB
	cursor records.Cursor

	list    []records.SelectiveItem
	listPos int

	// epochs counts the number of times the reader wrapped around.
	epochs atomic.Int64
}

func newRecordReader(db records.DB, list []records.SelectiveItem) (*recordReader, error) {
	cursor, err := db.NewCursor()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to open cursor")
	}
	if len(list) == 0 && !cursor.Valid() {
		_ = cursor.Close()
		return nil, errors.New("record store is empty")
	}
	return &recordReader{db: db, cursor: cursor, list: list}, nil
}

// peek returns the record that the next call to next would return, without advancing.
func (r *recordReader) peek() (*records.Datum, error) {
	if len(r.list) > 0 {
		return r.getListItem(r.list[r.listPos])
	}
	datum, err := records.UnmarshalDatum(r.cursor.Value())
	if err != nil {
		return nil, errors.WithMessagef(err, "record %q", r.cursor.Key())
	}
	return datum, nil
}

func (r *recordReader) getListItem(item records.SelectiveItem) (*records.Datum, error) {
	value, err := r.db.Get(item.Name)
	if err != nil {
		return nil, errors.WithMessage(err, "item from selective list")
	}
	datum, err := records.UnmarshalDatum(value)
	if err != nil {
		return nil, errors.WithMessagef(err, "record %q", item.Name)
	}
	datum.Label = item.Label
	return datum, nil
}

// next returns the key and datum of the next record, and advances the reader.
func (r *recordReader) next() (key string, datum *records.Datum, err error) {
	if len(r.list) > 0 {
		item := r.list[r.listPos]
		r.listPos++
		if r.listPos == len(r.list) {
			klog.V(2).Infof("selective list of %d items finished, restarting from the start", len(r.list))
			r.listPos = 0
			r.epochs.Add(1)
			if err = r.cursor.SeekToFirst(); err != nil {
				return
			}
		}
		key = item.Name
		datum, err = r.getListItem(item)
		return
	}

	if !r.cursor.Valid() {
		if err = r.cursor.SeekToFirst(); err != nil {
			return
		}
		if !r.cursor.Valid() {
			err = errors.New("record store is empty")
			return
		}
	}
	// Advance before decoding, so a corrupt record is skipped by the following batches.
	key = r.cursor.Key()
	value := r.cursor.Value()
	if err = r.cursor.Next(); err != nil {
		return
	}
	if !r.cursor.Valid() {
		klog.V(2).Infof("end of record store reached, restarting from the start")
		r.epochs.Add(1)
		if err = r.cursor.SeekToFirst(); err != nil {
			return
		}
	}
	datum, err = records.UnmarshalDatum(value)
	if err != nil {
		err = errors.WithMessagef(err, "record %q", key)
	}
	return
}

func (r *recordReader) close() error {
	return r.cursor.Close()
}

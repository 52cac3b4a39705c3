// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math/rand"

	"github.com/gomlx/replicafeed/pkg/data/records"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// generate writes the synthetic records: random pixels, labels in [0, 10).
// With variableSize their height and width are drawn between half and the full configured size.
func generate(db records.DB, variableSize bool) error {
	rng := rand.New(rand.NewSource(int64(*flagNumRecords)))
	txn := db.NewTransaction()
	for ii := range *flagNumRecords {
		height, width := *flagHeight, *flagWidth
		if variableSize {
			height = max(1, height/2+rng.Intn(height/2+1))
			width = max(1, width/2+rng.Intn(width/2+1))
		}
		d := &records.Datum{Channels: *flagChannels, Height: height, Width: width, Label: ii % 10}
		d.Data = make([]byte, d.Channels*height*width)
		_, _ = rng.Read(d.Data)
		if err := records.PutDatum(txn, fmt.Sprintf("%08d", ii), d); err != nil {
			return err
		}
	}
	if err := txn.Commit(); err != nil {
		return errors.WithMessage(err, "failed to write synthetic records")
	}
	klog.V(1).Infof("generated %d synthetic records", *flagNumRecords)
	return nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"bytes"
	"image"

	"github.com/gomlx/replicafeed/pkg/data/records"
	"github.com/pkg/errors"
)

// DatumShape returns the channels, height and width of the datum.
//
// For encoded datum only the image header is decoded, and the number of channels defaults to 3
// if not set in the datum.
func DatumShape(datum *records.Datum) (channels, height, width int, err error) {
	if !datum.IsEncoded() {
		if err = datum.Validate(); err != nil {
			return
		}
		return datum.Channels, datum.Height, datum.Width, nil
	}
	var cfg image.Config
	cfg, _, err = image.DecodeConfig(bytes.NewReader(datum.Encoded))
	if err != nil {
		err = errors.Wrap(err, "failed to decode datum image header")
		return
	}
	channels = datum.Channels
	if channels == 0 {
		channels = 3
	}
	return channels, cfg.Height, cfg.Width, nil
}

// Shaper is implemented by transformers whose output shape differs from the datum shape
// (e.g.: when cropping).
type Shaper interface {
	OutputShape(channels, height, width int) (int, int, int)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transform converts stored records.Datum to the float32 CHW layout consumed by the
// replicas, applying the configured augmentation (crop, mirror, resize, mean subtraction and scale).
package transform

import (
	"bytes"
	"image"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/replicafeed/pkg/data/config"
	"github.com/gomlx/replicafeed/pkg/data/records"
	"github.com/pkg/errors"
)

// Transformer converts a datum to a fixed-size item.
//
// Implementations must be safe for concurrent use: the managers call it from a pool of goroutines.
type Transformer interface {
	// Transform writes the item in CHW order to dst, and returns its shape.
	// It returns an error if dst is too small.
	Transform(datum *records.Datum, dst []float32) (channels, height, width int, err error)
}

// VariableTransformer converts a datum to a variable-size item, limited in number of pixels.
//
// Implementations must be safe for concurrent use.
type VariableTransformer interface {
	// TransformVariable writes the item compactly in CHW order (channels*height*width values) to dst,
	// and returns its height and width.
	TransformVariable(datum *records.Datum, dst []float32) (height, width int, err error)
}

// ImageTransformer implements Transformer and VariableTransformer with the imaging library.
type ImageTransformer struct {
	cfg       config.TransformConfig
	channels  int
	maxPixels int

	muRng sync.Mutex
	rng   *rand.Rand
}

var (
	_ Transformer         = (*ImageTransformer)(nil)
	_ VariableTransformer = (*ImageTransformer)(nil)
	_ Shaper              = (*ImageTransformer)(nil)
)

// NewImageTransformer creates an ImageTransformer for the layer: it uses the layer's Transform
// configuration, its number of channels (for encoded datum) and its MaxPixels (for variable-size items).
func NewImageTransformer(layer config.LayerConfig) *ImageTransformer {
	seed := layer.Transform.Seed
	if seed == 0 {
		seed = time.Now().UTC().UnixNano()
	}
	return &ImageTransformer{
		cfg:       layer.Transform,
		channels:  layer.Channels,
		maxPixels: layer.MaxPixels,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// OutputShape returns the shape of the items generated by Transform for a datum of the given shape.
func (t *ImageTransformer) OutputShape(channels, height, width int) (int, int, int) {
	if t.cfg.CropSize > 0 {
		return channels, t.cfg.CropSize, t.cfg.CropSize
	}
	return channels, height, width
}

func (t *ImageTransformer) randIntn(n int) int {
	t.muRng.Lock()
	defer t.muRng.Unlock()
	return t.rng.Intn(n)
}

func (t *ImageTransformer) shouldMirror() bool {
	return t.cfg.Phase == config.Train && t.cfg.Mirror && t.randIntn(2) == 1
}

// Transform implements Transformer.
func (t *ImageTransformer) Transform(datum *records.Datum, dst []float32) (channels, height, width int, err error) {
	var img *image.NRGBA
	img, channels, err = t.decode(datum)
	if err != nil {
		return
	}
	if crop := t.cfg.CropSize; crop > 0 {
		bounds := img.Bounds()
		if bounds.Dx() < crop || bounds.Dy() < crop {
			err = errors.Errorf("crop_size=%d larger than item of size %dx%d", crop, bounds.Dy(), bounds.Dx())
			return
		}
		var x0, y0 int
		if t.cfg.Phase == config.Train {
			y0 = t.randIntn(bounds.Dy() - crop + 1)
			x0 = t.randIntn(bounds.Dx() - crop + 1)
		} else {
			y0 = (bounds.Dy() - crop) / 2
			x0 = (bounds.Dx() - crop) / 2
		}
		img = imaging.Crop(img, image.Rect(x0, y0, x0+crop, y0+crop))
	}
	if t.shouldMirror() {
		img = imaging.FlipH(img)
	}
	height, width = img.Bounds().Dy(), img.Bounds().Dx()
	err = t.writeCHW(img, channels, dst)
	return
}

// TransformVariable implements VariableTransformer.
//
// The item is optionally resized so its shorter side is ShorterSide, and then downscaled, keeping
// the aspect ratio, so that height*width <= MaxPixels.
func (t *ImageTransformer) TransformVariable(datum *records.Datum, dst []float32) (height, width int, err error) {
	if t.maxPixels <= 0 {
		err = errors.Errorf("variable-size transformation requires max_pixels > 0, got %d", t.maxPixels)
		return
	}
	var img *image.NRGBA
	var channels int
	img, channels, err = t.decode(datum)
	if err != nil {
		return
	}
	height, width = img.Bounds().Dy(), img.Bounds().Dx()
	if side := t.cfg.ShorterSide; side > 0 && min(height, width) != side {
		ratio := float64(side) / float64(min(height, width))
		height = max(1, int(math.Round(float64(height)*ratio)))
		width = max(1, int(math.Round(float64(width)*ratio)))
	}
	if height*width > t.maxPixels {
		ratio := math.Sqrt(float64(t.maxPixels) / float64(height*width))
		height = max(1, int(float64(height)*ratio))
		width = max(1, int(float64(width)*ratio))
		for height*width > t.maxPixels {
			if height >= width {
				height--
			} else {
				width--
			}
		}
	}
	if height != img.Bounds().Dy() || width != img.Bounds().Dx() {
		img = imaging.Resize(img, width, height, imaging.Linear)
	}
	if t.shouldMirror() {
		img = imaging.FlipH(img)
	}
	err = t.writeCHW(img, channels, dst)
	return
}

// decode returns the datum as an image and its number of channels.
func (t *ImageTransformer) decode(datum *records.Datum) (*image.NRGBA, int, error) {
	channels := datum.Channels
	if channels == 0 {
		channels = t.channels
	}
	if channels == 0 {
		channels = 3
	}
	if channels != 1 && channels != 3 && channels != 4 {
		return nil, 0, errors.Errorf("datum with %d channels not supported, only 1, 3 or 4", channels)
	}
	if t.channels > 0 && channels != t.channels {
		return nil, 0, errors.Errorf("datum has %d channels, layer configured with %d", channels, t.channels)
	}

	if datum.IsEncoded() {
		img, err := imaging.Decode(bytes.NewReader(datum.Encoded))
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to decode datum image")
		}
		return imaging.Clone(img), channels, nil
	}

	if err := datum.Validate(); err != nil {
		return nil, 0, err
	}
	height, width := datum.Height, datum.Width
	planeSize := height * width
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			pos := y*width + x
			pix := img.Pix[img.PixOffset(x, y):]
			switch channels {
			case 1:
				v := datum.Data[pos]
				pix[0], pix[1], pix[2], pix[3] = v, v, v, 255
			case 3:
				pix[0], pix[1], pix[2], pix[3] = datum.Data[pos], datum.Data[planeSize+pos], datum.Data[2*planeSize+pos], 255
			case 4:
				pix[0], pix[1], pix[2], pix[3] = datum.Data[pos], datum.Data[planeSize+pos], datum.Data[2*planeSize+pos], datum.Data[3*planeSize+pos]
			}
		}
	}
	return img, channels, nil
}

// writeCHW converts the image to float32 values in CHW order, applying mean and scale.
func (t *ImageTransformer) writeCHW(img *image.NRGBA, channels int, dst []float32) error {
	bounds := img.Bounds()
	height, width := bounds.Dy(), bounds.Dx()
	planeSize := height * width
	if len(dst) < channels*planeSize {
		return errors.Errorf("destination has %d values, item of shape [%d %d %d] requires %d",
			len(dst), channels, height, width, channels*planeSize)
	}
	means := t.cfg.MeanValues
	if len(means) > 1 && len(means) < channels {
		return errors.Errorf("%d mean_values given, but item has %d channels", len(means), channels)
	}
	scale := float32(t.cfg.Scale)
	for c := range channels {
		var mean float32
		switch {
		case len(means) == 1:
			mean = float32(means[0])
		case len(means) > 1:
			mean = float32(means[c])
		}
		plane := dst[c*planeSize : (c+1)*planeSize]
		for y := range height {
			for x := range width {
				v := float32(img.Pix[img.PixOffset(bounds.Min.X+x, bounds.Min.Y+y)+c])
				plane[y*width+x] = (v - mean) * scale
			}
		}
	}
	return nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/gomlx/replicafeed/pkg/data/config"
	"github.com/gomlx/replicafeed/pkg/data/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rampDatum creates a raw datum whose values are 0, 1, 2, ... in CHW order.
func rampDatum(channels, height, width int) *records.Datum {
	d := &records.Datum{Channels: channels, Height: height, Width: width, Label: 1}
	d.Data = make([]byte, channels*height*width)
	for ii := range d.Data {
		d.Data[ii] = byte(ii)
	}
	return d
}

func testLayer(channels, height, width int) config.LayerConfig {
	layer := config.Default()
	layer.Channels, layer.Height, layer.Width = channels, height, width
	layer.Transform.Seed = 42
	layer.Transform.Phase = config.Test
	return layer
}

func TestIdentity(t *testing.T) {
	for _, channels := range []int{1, 3, 4} {
		datum := rampDatum(channels, 3, 2)
		tr := NewImageTransformer(testLayer(channels, 3, 2))
		dst := make([]float32, channels*3*2)
		c, h, w, err := tr.Transform(datum, dst)
		require.NoError(t, err)
		assert.Equal(t, []int{channels, 3, 2}, []int{c, h, w})
		for ii, v := range dst {
			require.Equalf(t, float32(ii), v, "channels=%d, position %d", channels, ii)
		}
	}
}

func TestMeanAndScale(t *testing.T) {
	layer := testLayer(3, 1, 2)
	layer.Transform.MeanValues = []float64{1, 2, 3}
	layer.Transform.Scale = 0.5
	tr := NewImageTransformer(layer)
	dst := make([]float32, 6)
	_, _, _, err := tr.Transform(rampDatum(3, 1, 2), dst)
	require.NoError(t, err)
	// Values 0..5, channel c subtracts mean[c].
	assert.Equal(t, []float32{-0.5, 0, 0, 0.5, 0.5, 1}, dst)

	layer.Transform.MeanValues = []float64{2}
	layer.Transform.Scale = 1
	tr = NewImageTransformer(layer)
	_, _, _, err = tr.Transform(rampDatum(3, 1, 2), dst)
	require.NoError(t, err)
	assert.Equal(t, []float32{-2, -1, 0, 1, 2, 3}, dst)
}

func TestCrop(t *testing.T) {
	layer := testLayer(1, 4, 4)
	layer.Transform.CropSize = 2
	layer.Transform.Mirror = true // Ignored in the test phase.
	tr := NewImageTransformer(layer)
	c, h, w := tr.OutputShape(1, 4, 4)
	assert.Equal(t, []int{1, 2, 2}, []int{c, h, w})

	dst := make([]float32, 4)
	c, h, w, err := tr.Transform(rampDatum(1, 4, 4), dst)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2}, []int{c, h, w})
	assert.Equal(t, []float32{5, 6, 9, 10}, dst)

	// Random crops in training stay within the item.
	layer.Transform.Phase = config.Train
	tr = NewImageTransformer(layer)
	for range 20 {
		_, _, _, err = tr.Transform(rampDatum(1, 4, 4), dst)
		require.NoError(t, err)
		for _, v := range dst {
			require.True(t, v >= 0 && v < 16)
		}
		require.Equal(t, float32(4), absDiff(dst[2], dst[0]), "rows must be consecutive")
	}

	layer.Transform.CropSize = 5
	tr = NewImageTransformer(layer)
	_, _, _, err = tr.Transform(rampDatum(1, 4, 4), make([]float32, 25))
	require.Error(t, err)
}

func absDiff(a, b float32) float32 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestMirror(t *testing.T) {
	layer := testLayer(1, 1, 3)
	layer.Transform.Phase = config.Train
	layer.Transform.Mirror = true
	tr := NewImageTransformer(layer)
	dst := make([]float32, 3)
	var mirrored, original int
	for range 50 {
		_, _, _, err := tr.Transform(rampDatum(1, 1, 3), dst)
		require.NoError(t, err)
		switch {
		case dst[0] == 0 && dst[2] == 2:
			original++
		case dst[0] == 2 && dst[2] == 0:
			mirrored++
		default:
			t.Fatalf("unexpected transformed values %v", dst)
		}
	}
	assert.Greater(t, mirrored, 0)
	assert.Greater(t, original, 0)
}

func TestTransformVariable(t *testing.T) {
	layer := testLayer(1, 0, 0)
	layer.VariableSize = true
	layer.MaxPixels = 25
	tr := NewImageTransformer(layer)
	dst := make([]float32, 25)

	// Small items are kept as is.
	h, w, err := tr.TransformVariable(rampDatum(1, 2, 3), dst)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, []int{h, w})
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5}, dst[:6])

	// Large items are downscaled to at most MaxPixels.
	h, w, err = tr.TransformVariable(rampDatum(1, 10, 20), dst)
	require.NoError(t, err)
	assert.LessOrEqual(t, h*w, 25)
	assert.Greater(t, w, h)

	layer.Transform.ShorterSide = 4
	tr = NewImageTransformer(layer)
	h, w, err = tr.TransformVariable(rampDatum(1, 2, 3), dst)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 6}, []int{h, w})

	layer.MaxPixels = 0
	tr = NewImageTransformer(layer)
	_, _, err = tr.TransformVariable(rampDatum(1, 2, 3), dst)
	require.Error(t, err)
}

func TestEncoded(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	img.Set(1, 0, color.NRGBA{R: 40, G: 50, B: 60, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	tr := NewImageTransformer(testLayer(3, 0, 0))
	dst := make([]float32, 6)
	c, h, w, err := tr.Transform(&records.Datum{Encoded: buf.Bytes()}, dst)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 2}, []int{c, h, w})
	assert.Equal(t, []float32{10, 40, 20, 50, 30, 60}, dst)

	_, _, _, err = tr.Transform(&records.Datum{Encoded: []byte("not an image")}, dst)
	require.Error(t, err)
}

func TestErrors(t *testing.T) {
	tr := NewImageTransformer(testLayer(3, 2, 2))
	_, _, _, err := tr.Transform(rampDatum(3, 2, 2), make([]float32, 3))
	require.Error(t, err, "destination too small")
	_, _, _, err = tr.Transform(rampDatum(1, 2, 2), make([]float32, 12))
	require.Error(t, err, "channels mismatch")
	_, _, _, err = tr.Transform(&records.Datum{Channels: 3, Height: 2, Width: 2, Data: []byte{1}}, make([]float32, 12))
	require.Error(t, err, "invalid raw datum")
}

func TestDatumShape(t *testing.T) {
	c, h, w, err := DatumShape(rampDatum(3, 4, 5))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, []int{c, h, w})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 7, 2))))
	c, h, w, err = DatumShape(&records.Datum{Encoded: buf.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 7}, []int{c, h, w})

	_, _, _, err = DatumShape(&records.Datum{Channels: 1})
	require.Error(t, err)
}

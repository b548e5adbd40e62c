// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package image provides several functions to transform video frames back and
// forth from tensors, and to read and write them as image files.
//
// Tensors holding images are channels-first: `[channels, height, width]`, and batches
// of images are `[batch_size, channels, height, width]`.
package image

import (
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/pkg/errors"
)

// NumChannels is the number of color channels used: alpha is dropped.
const NumChannels = 3

// ToTensorConfig holds the configuration returned by the ToTensor function. Once
// configured, use Single or Batch to actually convert.
type ToTensorConfig struct {
	maxValue float64
}

// ToTensor converts an image (or a batch of images) to a tensor.
//
// It returns a configuration object that can be further configured. Once set, use Single or Batch
// methods to convert an image or a batch of images.
func ToTensor() *ToTensorConfig {
	return &ToTensorConfig{maxValue: 255.0}
}

// MaxValue sets the value of a fully saturated channel. It defaults to 255, the raw
// 8-bit range of video frames.
func (tt *ToTensorConfig) MaxValue(v float64) *ToTensorConfig {
	tt.maxValue = v
	return tt
}

// Single converts img to a tensor shaped `[3, height, width]`.
func (tt *ToTensorConfig) Single(img image.Image) *tensors.Tensor {
	size := img.Bounds().Size()
	t := tensors.Make(NumChannels, size.Y, size.X)
	tt.fill(t.Data(), img)
	return t
}

// Batch converts images to a tensor shaped `[len(images), 3, height, width]`.
// All images must have the same size.
func (tt *ToTensorConfig) Batch(images []image.Image) (*tensors.Tensor, error) {
	if len(images) == 0 {
		return nil, errors.New("image.ToTensor().Batch() requires at least one image")
	}
	size := images[0].Bounds().Size()
	t := tensors.Make(len(images), NumChannels, size.Y, size.X)
	for ii, img := range images {
		if !img.Bounds().Size().Eq(size) {
			return nil, errors.Errorf("image[%d] has size %s, but image[0] has size %s -- they must all be the same",
				ii, img.Bounds().Size(), size)
		}
		tt.fill(t.Slice(ii).Data(), img)
	}
	return t, nil
}

func (tt *ToTensorConfig) fill(data []float32, img image.Image) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	convert := func(v uint32) float32 {
		return float32(float64(v) * tt.maxValue / float64(0xFFFF))
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			// color.RGBA() returns 16 bits values packaged in uint32.
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			pos := y*width + x
			data[pos] = convert(r)
			data[plane+pos] = convert(g)
			data[2*plane+pos] = convert(b)
		}
	}
}

// ToImage converts a tensor shaped `[3, height, width]` (or `[1, height, width]` for
// grayscale) to an *image.NRGBA. Values are scaled by 255/maxValue and clamped.
func ToImage(t *tensors.Tensor, maxValue float64) (*image.NRGBA, error) {
	if t.Rank() != 3 || (t.Dim(0) != NumChannels && t.Dim(0) != 1) {
		return nil, errors.Errorf("ToImage requires a tensor shaped [3 or 1, height, width], got %s", t)
	}
	channels, height, width := t.Dim(0), t.Dim(1), t.Dim(2)
	plane := height * width
	data := t.Data()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	toUint8 := func(v float32) uint8 {
		f := math.Round(float64(v) * 255.0 / maxValue)
		if math.IsNaN(f) || f < 0 {
			return 0
		}
		if f > 255 {
			return 255
		}
		return uint8(f)
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			pos := y*width + x
			var c color.NRGBA
			c.A = 255
			if channels == 1 {
				v := toUint8(data[pos])
				c.R, c.G, c.B = v, v, v
			} else {
				c.R = toUint8(data[pos])
				c.G = toUint8(data[plane+pos])
				c.B = toUint8(data[2*plane+pos])
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img, nil
}

// LoadFrame reads an image file and returns it as a tensor `[3, height, width]` with
// values in `[0, 255]`.
func LoadFrame(filePath string) (*tensors.Tensor, error) {
	img, err := imaging.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read frame %q", filePath)
	}
	return ToTensor().Single(img), nil
}

// Save writes the tensor `[3 or 1, height, width]` as an image file, whose format is taken
// from the file extension (e.g.: ".png"). Parent directories are created as needed.
func Save(t *tensors.Tensor, maxValue float64, filePath string) error {
	img, err := ToImage(t, maxValue)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(filePath), 0770); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	if err = imaging.Save(img, filePath); err != nil {
		return errors.Wrapf(err, "failed to save image %q", filePath)
	}
	return nil
}

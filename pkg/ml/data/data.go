// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data implements the datasets that feed the training of segmentation models: batches of
// images (mean subtracted, BGR channel order) and their label maps.
//
// ImageReader reads a VOC style dataset from disk with augmentation, SyntheticDataset generates a
// procedural dataset, and Parallel prefetches batches of any concurrency-safe Dataset with a pool
// of workers.
package data

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Dataset yields batches of images and labels. Implementations used with Parallel must be safe for
// concurrent use.
type Dataset interface {
	// Name of the dataset, for logging.
	Name() string

	// Yield returns the next batch. It returns io.EOF if the dataset is exhausted (finite datasets only).
	Yield() (Batch, error)
}

// Batch of examples.
type Batch struct {
	// Images shaped [batchSize, height, width, 3] (float32), channels in BGR order with ImageMean subtracted.
	Images *tensors.Tensor

	// Labels with the class id of each pixel, or the ignore label.
	Labels *LabelMap
}

// ImageMean is the per-channel mean (in BGR order) subtracted from the images.
var ImageMean = [3]float32{104.00698793, 116.66876762, 122.67891434}

// LabelMap holds the class ids of each pixel of a batch, shaped [batchSize, height, width].
type LabelMap struct {
	BatchSize, Height, Width int

	// Labels in row-major order.
	Labels []int32
}

// NewLabelMap returns a LabelMap filled with zeros.
func NewLabelMap(batchSize, height, width int) *LabelMap {
	return &LabelMap{
		BatchSize: batchSize,
		Height:    height,
		Width:     width,
		Labels:    make([]int32, batchSize*height*width),
	}
}

// LabelMapFromFlat creates a LabelMap owning labels. It panics if the size doesn't match.
func LabelMapFromFlat(labels []int32, batchSize, height, width int) *LabelMap {
	if len(labels) != batchSize*height*width {
		exceptions.Panicf("LabelMapFromFlat: %d labels given for dimensions [%d, %d, %d]", len(labels), batchSize, height, width)
	}
	return &LabelMap{BatchSize: batchSize, Height: height, Width: width, Labels: labels}
}

// Size is the number of pixels in the label map.
func (lm *LabelMap) Size() int { return len(lm.Labels) }

// At returns the label of the pixel.
func (lm *LabelMap) At(example, y, x int) int32 {
	return lm.Labels[(example*lm.Height+y)*lm.Width+x]
}

// Set the label of the pixel.
func (lm *LabelMap) Set(example, y, x int, label int32) {
	lm.Labels[(example*lm.Height+y)*lm.Width+x] = label
}

// Example returns the labels of one example, sharing the underlying data.
func (lm *LabelMap) Example(example int) []int32 {
	size := lm.Height * lm.Width
	return lm.Labels[example*size : (example+1)*size]
}

// Slice returns the first n examples, sharing the underlying data.
func (lm *LabelMap) Slice(n int) *LabelMap {
	n = min(n, lm.BatchSize)
	return LabelMapFromFlat(lm.Labels[:n*lm.Height*lm.Width], n, lm.Height, lm.Width)
}

// Clone returns a deep copy.
func (lm *LabelMap) Clone() *LabelMap {
	return LabelMapFromFlat(append([]int32(nil), lm.Labels...), lm.BatchSize, lm.Height, lm.Width)
}

// ToTensor returns the labels as an int32 tensor shaped [batchSize, height, width].
func (lm *LabelMap) ToTensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(append([]int32(nil), lm.Labels...), lm.BatchSize, lm.Height, lm.Width)
}

// LabelMapFromTensor converts an int32 tensor shaped [batchSize, height, width] to a LabelMap.
func LabelMapFromTensor(t *tensors.Tensor) *LabelMap {
	dims := t.Shape().Dimensions
	if len(dims) != 3 {
		exceptions.Panicf("LabelMapFromTensor: labels must be shaped [batchSize, height, width], got %s", t.Shape())
	}
	return LabelMapFromFlat(tensors.MustCopyFlatData[int32](t), dims[0], dims[1], dims[2])
}

// stackExamples builds a Batch from examples with flat images of height*width*3 values and labels with
// height*width elements.
func stackExamples(images [][]float32, labels [][]int32, height, width int) Batch {
	batchSize := len(images)
	imageSize := height * width * 3
	flat := make([]float32, batchSize*imageSize)
	labelMap := NewLabelMap(batchSize, height, width)
	for ii, img := range images {
		if len(img) != imageSize {
			exceptions.Panicf("example #%d has %d values, expected %dx%dx3", ii, len(img), height, width)
		}
		copy(flat[ii*imageSize:], img)
		copy(labelMap.Example(ii), labels[ii])
	}
	return Batch{Images: tensors.FromFlatDataAndDimensions(flat, batchSize, height, width, 3), Labels: labelMap}
}

// RGBToNormalized converts in place flat image values with RGB channels in [0, 255] (as created by
// images.ToTensor) to BGR with ImageMean subtracted.
func RGBToNormalized(flat []float32) {
	for ii := 0; ii+2 < len(flat); ii += 3 {
		r, g, b := flat[ii], flat[ii+1], flat[ii+2]
		flat[ii] = b - ImageMean[0]
		flat[ii+1] = g - ImageMean[1]
		flat[ii+2] = r - ImageMean[2]
	}
}

// NormalizedToRGB converts images yielded in a Batch (BGR with mean subtracted) back to RGB with
// values in [0, maxValue]. It returns a new tensor.
func NormalizedToRGB(images *tensors.Tensor, maxValue float64) *tensors.Tensor {
	flat := tensors.MustCopyFlatData[float32](images)
	scale := float32(maxValue / 255.0)
	for ii := 0; ii+2 < len(flat); ii += 3 {
		b := flat[ii] + ImageMean[0]
		g := flat[ii+1] + ImageMean[1]
		r := flat[ii+2] + ImageMean[2]
		flat[ii], flat[ii+1], flat[ii+2] = r*scale, g*scale, b*scale
	}
	return tensors.FromFlatDataAndDimensions(flat, images.Shape().Dimensions...)
}

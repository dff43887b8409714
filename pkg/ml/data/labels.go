// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"image"
)

// ToLabels converts a label image (where each pixel value is a class id) to a flat slice of class ids,
// in row-major order.
//
// Paletted images (the usual format of segmentation datasets) use the palette index of each pixel, other
// images use the gray level (or, equivalently for gray images stored as RGB, the red channel).
func ToLabels(img image.Image) []int32 {
	bounds := img.Bounds()
	labels := make([]int32, 0, bounds.Dx()*bounds.Dy())
	switch typed := img.(type) {
	case *image.Paletted:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				labels = append(labels, int32(typed.ColorIndexAt(x, y)))
			}
		}
	case *image.Gray:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				labels = append(labels, int32(typed.GrayAt(x, y).Y))
			}
		}
	default:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, _, _, _ := img.At(x, y).RGBA()
				labels = append(labels, int32(r>>8))
			}
		}
	}
	return labels
}

// LabelsToGray converts a label image to an *image.Gray where each pixel holds the class id, so it can be
// transformed (flipped, resized with nearest neighbour, cropped) as a regular image. Class ids must fit
// in a byte.
func LabelsToGray(img image.Image) *image.Gray {
	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for ii, label := range ToLabels(img) {
		gray.Pix[ii] = uint8(label)
	}
	return gray
}

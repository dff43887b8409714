// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"image"
	"image/color"
	"math"

	"github.com/gomlx/segan/pkg/ml/data"
	"github.com/lucasb-eyer/go-colorful"
)

// goldenAngle spreads the hues of consecutive classes around the color wheel.
const goldenAngle = 137.50776405003785

// LabelPalette returns the colors used to render each of the numClasses classes: black for the
// background (class 0), and well separated hues for the others.
func LabelPalette(numClasses int) []color.NRGBA {
	palette := make([]color.NRGBA, numClasses)
	palette[0] = color.NRGBA{A: 255}
	for class := 1; class < numClasses; class++ {
		hue := math.Mod(float64(class-1)*goldenAngle, 360)
		c := colorful.Hcl(hue, 0.6, 0.65).Clamped()
		r, g, b := c.RGB255()
		palette[class] = color.NRGBA{R: r, G: g, B: b, A: 255}
	}
	return palette
}

// IgnoredColor is used to render pixels with labels outside of the palette (e.g. the ignore label).
var IgnoredColor = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

// ColorizeLabels renders one example of the label map with the palette.
func ColorizeLabels(labels *data.LabelMap, example int, palette []color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, labels.Width, labels.Height))
	for y := range labels.Height {
		for x := range labels.Width {
			c := IgnoredColor
			if label := labels.At(example, y, x); label >= 0 && int(label) < len(palette) {
				c = palette[label]
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"image/color"
	"testing"

	"github.com/gomlx/segan/pkg/ml/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelPalette(t *testing.T) {
	palette := LabelPalette(21)
	require.Len(t, palette, 21)
	assert.Equal(t, color.NRGBA{A: 255}, palette[0])
	seen := make(map[color.NRGBA]bool)
	for _, c := range palette {
		assert.Equal(t, uint8(255), c.A)
		assert.NotEqual(t, IgnoredColor, c)
		assert.Falsef(t, seen[c], "color %v repeated", c)
		seen[c] = true
	}
}

func TestColorizeLabels(t *testing.T) {
	labels := data.LabelMapFromFlat([]int32{
		0, 1, 2,
		255, 1, 0,

		2, 2, 2,
		2, 2, 2,
	}, 2, 2, 3)
	palette := LabelPalette(3)
	img := ColorizeLabels(labels, 0, palette)
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())
	assert.Equal(t, palette[0], img.NRGBAAt(0, 0))
	assert.Equal(t, palette[1], img.NRGBAAt(1, 0))
	assert.Equal(t, palette[2], img.NRGBAAt(2, 0))
	assert.Equal(t, IgnoredColor, img.NRGBAAt(0, 1))
	assert.Equal(t, palette[0], img.NRGBAAt(2, 1))

	img = ColorizeLabels(labels, 1, palette)
	assert.Equal(t, palette[2], img.NRGBAAt(1, 1))
}

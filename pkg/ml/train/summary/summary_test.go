// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalars(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	runID := w.RunID()
	require.NotEmpty(t, runID)
	require.NoError(t, w.Scalars(0, map[string]float64{"g_loss": 2, "d_loss": 1}))
	require.NoError(t, w.Scalars(50, map[string]float64{"d_loss": math.NaN()}))
	require.NoError(t, w.Close())

	// Re-open appends, and keeps the run id.
	w, err = NewWriter(dir)
	require.NoError(t, err)
	assert.Equal(t, runID, w.RunID())
	require.NoError(t, w.Scalars(100, map[string]float64{"d_loss": 0.5}))
	require.NoError(t, w.Close())

	points, err := ReadScalars(dir)
	require.NoError(t, err)
	require.Len(t, points, 4)
	assert.Equal(t, Point{Step: 0, Name: "d_loss", Value: 1}, points[0])
	assert.True(t, math.IsNaN(points[2].Value))

	grouped := GroupByName(points)
	want := []Point{{Step: 0, Name: "d_loss", Value: 1}, {Step: 100, Name: "d_loss", Value: 0.5}}
	if diff := cmp.Diff(want, grouped["d_loss"]); diff != "" {
		t.Errorf("GroupByName()[\"d_loss\"] mismatch (-want +got):\n%s", diff)
	}
}

func TestImages(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()

	red := imaging.New(2, 3, color.NRGBA{R: 255, A: 255})
	blue := imaging.New(4, 2, color.NRGBA{B: 255, A: 255})
	triplet := SideBySide(red, blue)
	assert.Equal(t, image.Rect(0, 0, 6, 3), triplet.Bounds())
	require.NoError(t, w.Images(7, []image.Image{triplet, red}))

	imgPath := w.ImagePath(7, 0)
	assert.Contains(t, imgPath, "step-00000007-0.png")
	assert.True(t, fsutil.MustFileExists(imgPath))
	loaded, err := imaging.Open(imgPath)
	require.NoError(t, err)
	r, _, b, _ := loaded.At(3, 0).RGBA()
	assert.Equal(t, uint32(0), r)
	assert.Equal(t, uint32(0xFFFF), b)
}

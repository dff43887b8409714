// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path"
	"sync/atomic"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestLabelMap(t *testing.T) {
	lm := NewLabelMap(2, 2, 3)
	lm.Set(1, 1, 2, 7)
	assert.Equal(t, int32(7), lm.At(1, 1, 2))
	assert.Equal(t, int32(7), lm.Example(1)[5])
	assert.Equal(t, 1, lm.Slice(1).BatchSize)
	clone := lm.Clone()
	clone.Set(1, 1, 2, 0)
	assert.Equal(t, int32(7), lm.At(1, 1, 2))
	assert.Panics(t, func() { LabelMapFromFlat([]int32{1, 2}, 1, 1, 3) })
}

func TestLabelMapTensor(t *testing.T) {
	lm := LabelMapFromFlat([]int32{0, 1, 255, 2, 2, 1}, 2, 1, 3)
	labelsT := lm.ToTensor()
	require.NoError(t, labelsT.Shape().CheckDims(2, 1, 3))
	assert.Equal(t, [][][]int32{{{0, 1, 255}}, {{2, 2, 1}}}, labelsT.Value())
	back := LabelMapFromTensor(labelsT)
	assert.Equal(t, lm.Labels, back.Labels)
	assert.Equal(t, 3, back.Width)
	assert.Panics(t, func() { LabelMapFromTensor(tensors.FromValue([]int32{1, 2})) })
}

func TestNormalization(t *testing.T) {
	flat := []float32{10, 20, 30, 255, 0, 128}
	RGBToNormalized(flat)
	assert.InDelta(t, 30-ImageMean[0], flat[0], 1e-4)
	assert.InDelta(t, 10-ImageMean[2], flat[2], 1e-4)
	normalized := tensors.FromFlatDataAndDimensions(flat, 1, 2, 3)
	assert.InDeltaSlice(t, []float32{10, 20, 30, 255, 0, 128},
		tensors.MustCopyFlatData[float32](NormalizedToRGB(normalized, 255)), 1e-3)
	assert.InDeltaSlice(t, []float32{10. / 255, 20. / 255, 30. / 255, 1, 0, 128. / 255},
		tensors.MustCopyFlatData[float32](NormalizedToRGB(normalized, 1)), 1e-5)
	assert.InDelta(t, 30-ImageMean[0], tensors.MustCopyFlatData[float32](normalized)[0], 1e-4,
		"input must not be modified")
}

func TestLabelImages(t *testing.T) {
	palette := color.Palette{color.Black, color.White, color.NRGBA{R: 128, A: 255}}
	paletted := image.NewPaletted(image.Rect(0, 0, 3, 1), palette)
	paletted.SetColorIndex(1, 0, 2)
	paletted.SetColorIndex(2, 0, 1)
	assert.Equal(t, []int32{0, 2, 1}, ToLabels(paletted))

	gray := LabelsToGray(paletted)
	assert.Equal(t, []uint8{0, 2, 1}, gray.Pix)
	assert.Equal(t, []int32{0, 2, 1}, ToLabels(gray))

	rgba := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	rgba.SetNRGBA(0, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	rgba.SetNRGBA(1, 0, color.NRGBA{R: 7, G: 7, B: 7, A: 255})
	assert.Equal(t, []int32{255, 7}, ToLabels(rgba))
}

func TestSyntheticDataset(t *testing.T) {
	ds, err := NewSyntheticDataset(8, 10, 3, 4, 255, 42)
	require.NoError(t, err)
	batch, err := ds.Yield()
	require.NoError(t, err)
	require.NoError(t, batch.Images.Shape().CheckDims(3, 8, 10, 3))
	require.Equal(t, 3*8*10, batch.Labels.Size())
	for example := range 3 {
		assert.Equal(t, int32(255), batch.Labels.At(example, 0, 5))
		assert.Equal(t, int32(255), batch.Labels.At(example, 4, 9))
		for y := 1; y < 7; y++ {
			for x := 1; x < 9; x++ {
				label := batch.Labels.At(example, y, x)
				require.True(t, label >= 0 && label < 4, "label %d out of range", label)
			}
		}
	}

	// Same seed, same data.
	ds2, err := NewSyntheticDataset(8, 10, 3, 4, 255, 42)
	require.NoError(t, err)
	batch2, err := ds2.Yield()
	require.NoError(t, err)
	assert.True(t, batch.Images.Equal(batch2.Images))
	assert.Equal(t, batch.Labels.Labels, batch2.Labels.Labels)

	_, err = NewSyntheticDataset(8, 10, 3, 1, 255, 42)
	require.Error(t, err)
}

// writeVOCDataset writes numExamples images of the given size, with a label image where the left half is
// class 1 and the right half is class 2.
func writeVOCDataset(t *testing.T, numExamples, height, width int) (dataDir, listPath string) {
	dataDir = t.TempDir()
	require.NoError(t, os.MkdirAll(path.Join(dataDir, "JPEGImages"), 0o755))
	require.NoError(t, os.MkdirAll(path.Join(dataDir, "SegmentationClass"), 0o755))
	var list string
	palette := color.Palette{color.Black, color.NRGBA{R: 128, A: 255}, color.NRGBA{G: 128, A: 255}}
	for ii := range numExamples {
		img := imaging.New(width, height, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		labels := image.NewPaletted(image.Rect(0, 0, width, height), palette)
		for y := range height {
			for x := range width {
				if x < width/2 {
					labels.SetColorIndex(x, y, 1)
				} else {
					labels.SetColorIndex(x, y, 2)
				}
			}
		}
		imgName := fmt.Sprintf("/JPEGImages/%04d.png", ii)
		labelName := fmt.Sprintf("/SegmentationClass/%04d.png", ii)
		require.NoError(t, imaging.Save(img, path.Join(dataDir, imgName)))
		require.NoError(t, imaging.Save(labels, path.Join(dataDir, labelName)))
		list += imgName + " " + labelName + "\n"
	}
	listPath = path.Join(dataDir, "train.txt")
	require.NoError(t, os.WriteFile(listPath, []byte(list), 0o644))
	return
}

func TestImageReader(t *testing.T) {
	dataDir, listPath := writeVOCDataset(t, 3, 6, 8)

	// Padding: target size larger than the images.
	reader, err := NewImageReader(dataDir, listPath).ImageSize(10, 8).BatchSize(2).
		RandomCrop(true).Validation(true).Seed(1).Done()
	require.NoError(t, err)
	assert.Equal(t, 3, reader.NumExamples())
	batch, err := reader.Yield()
	require.NoError(t, err)
	require.NoError(t, batch.Images.Shape().CheckDims(2, 10, 8, 3))
	// Images are padded at the bottom, with ignore labels.
	assert.Equal(t, int32(1), batch.Labels.At(0, 0, 0))
	assert.Equal(t, int32(1), batch.Labels.At(0, 5, 3))
	assert.Equal(t, int32(2), batch.Labels.At(1, 5, 7))
	assert.Equal(t, int32(255), batch.Labels.At(1, 6, 7))
	assert.Equal(t, int32(255), batch.Labels.At(1, 9, 0))
	// Image pixels: BGR minus mean. Padding is ~0.
	pixels := tensors.MustCopyFlatData[float32](batch.Images)
	assert.InDelta(t, 50-ImageMean[0], pixels[0], 1.0)
	assert.InDelta(t, 200-ImageMean[2], pixels[2], 1.0)
	assert.InDelta(t, 0, pixels[(9*8)*3], 1.0)

	// Resizing (no crop) with augmentations keeps labels in {1, 2}.
	reader, err = NewImageReader(dataDir, listPath).ImageSize(4, 4).BatchSize(3).
		RandomCrop(false).RandomScale(true).RandomMirror(true).Seed(2).Done()
	require.NoError(t, err)
	for range 3 {
		batch, err = reader.Yield()
		require.NoError(t, err)
		for _, label := range batch.Labels.Labels {
			require.Contains(t, []int32{1, 2}, label)
		}
	}

	_, err = NewImageReader(dataDir, path.Join(dataDir, "missing.txt")).Done()
	require.Error(t, err)
}

type failingDataset struct {
	count, failAt int32
}

func (ds *failingDataset) Name() string { return "failing" }

func (ds *failingDataset) Yield() (Batch, error) {
	n := atomic.AddInt32(&ds.count, 1)
	if ds.failAt > 0 && n >= ds.failAt {
		return Batch{}, errors.New("disk on fire")
	}
	return Batch{Labels: NewLabelMap(1, 1, 1)}, nil
}

func TestParallel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ds, err := NewSyntheticDataset(6, 6, 2, 3, 255, 7)
	require.NoError(t, err)
	pds := Parallel(ds).Workers(3).Buffer(2).Start(context.Background())
	for range 10 {
		batch, err := pds.Yield()
		require.NoError(t, err)
		require.NoError(t, batch.Images.Shape().CheckDims(2, 6, 6, 3))
	}
	require.NoError(t, pds.Stop())
	require.NoError(t, pds.Stop())
	_, err = pds.Yield()
	require.ErrorIs(t, err, ErrStopped)
}

func TestParallelError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pds := Parallel(&failingDataset{failAt: 5}).Workers(2).Buffer(1).Start(context.Background())
	var err error
	for range 100 {
		if _, err = pds.Yield(); err != nil {
			break
		}
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	err = pds.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestParallelCancelledContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	pds := Parallel(&failingDataset{}).Workers(4).Buffer(0).Start(ctx)
	cancel()
	require.NoError(t, pds.Stop())
}

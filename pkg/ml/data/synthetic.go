// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"
)

// SyntheticDataset generates images with a few filled rectangles and disks over a background, each shape
// of a class with its own base color (plus noise). The label map has the class of each pixel, and a
// one pixel border of the image is labeled with the ignore label.
//
// It's deterministic given the seed, infinite, and safe for concurrent use.
type SyntheticDataset struct {
	height, width, batchSize int
	numClasses, ignoreLabel  int

	mu  sync.Mutex
	rng *rand.Rand
}

var _ Dataset = (*SyntheticDataset)(nil)

// NewSyntheticDataset creates a SyntheticDataset. numClasses must be at least 2 (class 0 is the background).
func NewSyntheticDataset(height, width, batchSize, numClasses, ignoreLabel int, seed int64) (*SyntheticDataset, error) {
	if height < 4 || width < 4 || batchSize <= 0 || numClasses < 2 {
		return nil, errors.Errorf("NewSyntheticDataset: invalid configuration height=%d, width=%d, batchSize=%d, numClasses=%d",
			height, width, batchSize, numClasses)
	}
	return &SyntheticDataset{
		height:      height,
		width:       width,
		batchSize:   batchSize,
		numClasses:  numClasses,
		ignoreLabel: ignoreLabel,
		rng:         rand.New(rand.NewPCG(uint64(seed), uint64(seed)+1)),
	}, nil
}

// Name implements Dataset.
func (ds *SyntheticDataset) Name() string {
	return fmt.Sprintf("Synthetic(%dx%d, %d classes)", ds.height, ds.width, ds.numClasses)
}

// Yield implements Dataset.
func (ds *SyntheticDataset) Yield() (Batch, error) {
	ds.mu.Lock()
	seeds := make([]uint64, ds.batchSize)
	for ii := range seeds {
		seeds[ii] = ds.rng.Uint64()
	}
	ds.mu.Unlock()

	imgs := make([][]float32, ds.batchSize)
	labels := make([][]int32, ds.batchSize)
	for ii, seed := range seeds {
		imgs[ii], labels[ii] = ds.Example(seed)
	}
	return stackExamples(imgs, labels, ds.height, ds.width), nil
}

// classColor is the base RGB color of a class.
func classColor(class int) [3]float32 {
	return [3]float32{
		float32((class * 97) % 256),
		float32((class*57 + 80) % 256),
		float32((class*151 + 160) % 256),
	}
}

// Example generates the example for the given seed: a normalized flat image with height*width*3 values and
// its labels.
func (ds *SyntheticDataset) Example(seed uint64) ([]float32, []int32) {
	rng := rand.New(rand.NewPCG(seed, ^seed))
	labels := make([]int32, ds.height*ds.width)
	numShapes := 1 + rng.IntN(3)
	for range numShapes {
		class := int32(1 + rng.IntN(ds.numClasses-1))
		y0, x0 := rng.IntN(ds.height-2), rng.IntN(ds.width-2)
		h := 2 + rng.IntN(max(1, ds.height/2))
		w := 2 + rng.IntN(max(1, ds.width/2))
		isDisk := rng.IntN(2) == 1
		cy, cx := float64(y0)+float64(h)/2, float64(x0)+float64(w)/2
		for y := y0; y < min(y0+h, ds.height); y++ {
			for x := x0; x < min(x0+w, ds.width); x++ {
				if isDisk {
					dy, dx := (float64(y)+0.5-cy)/(float64(h)/2), (float64(x)+0.5-cx)/(float64(w)/2)
					if dy*dy+dx*dx > 1 {
						continue
					}
				}
				labels[y*ds.width+x] = class
			}
		}
	}

	img := make([]float32, ds.height*ds.width*3)
	for pixel, label := range labels {
		base := classColor(int(label))
		for channel := range 3 {
			v := base[channel] + float32(rng.NormFloat64()*8)
			img[pixel*3+channel] = max(0, min(255, v))
		}
	}
	RGBToNormalized(img)

	// Border is ignored.
	for y := range ds.height {
		for x := range ds.width {
			if y == 0 || x == 0 || y == ds.height-1 || x == ds.width-1 {
				labels[y*ds.width+x] = int32(ds.ignoreLabel)
			}
		}
	}
	return img, labels
}

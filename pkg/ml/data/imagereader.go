// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"math/rand/v2"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// MinRandomScale and MaxRandomScale bound the random scaling augmentation.
	MinRandomScale = 0.5
	MaxRandomScale = 1.5

	// DefaultIgnoreLabel is the label of pixels that should not be used for training.
	DefaultIgnoreLabel = 255
)

// ImageReaderConfig is created with NewImageReader and configures an ImageReader. Call Done when
// finished configuring.
type ImageReaderConfig struct {
	dataDir, listPath         string
	height, width             int
	batchSize                 int
	randomScale, randomMirror bool
	randomCrop, isValidation  bool
	ignoreLabel               int
	seed                      uint64
}

// NewImageReader reads the dataset listed in listPath: each line holds the path of an image and the
// path of its label image, separated by a space (VOC style, e.g. "/JPEGImages/2007_000032.jpg
// /SegmentationClassAug/2007_000032.png"). Paths are relative to dataDir.
//
// The label images hold the class id of each pixel, as palette index or gray level.
func NewImageReader(dataDir, listPath string) *ImageReaderConfig {
	return &ImageReaderConfig{
		dataDir:     dataDir,
		listPath:    listPath,
		height:      321,
		width:       321,
		batchSize:   1,
		randomCrop:  true,
		ignoreLabel: DefaultIgnoreLabel,
		seed:        rand.Uint64(),
	}
}

// ImageSize sets the size of the yielded images.
func (c *ImageReaderConfig) ImageSize(height, width int) *ImageReaderConfig {
	c.height, c.width = height, width
	return c
}

// BatchSize sets the number of examples per batch. Default is 1.
func (c *ImageReaderConfig) BatchSize(n int) *ImageReaderConfig {
	c.batchSize = n
	return c
}

// RandomScale enables the scaling of images (and labels) by a random factor in [MinRandomScale, MaxRandomScale].
func (c *ImageReaderConfig) RandomScale(enabled bool) *ImageReaderConfig {
	c.randomScale = enabled
	return c
}

// RandomMirror enables horizontal flipping of images (and labels) with probability 0.5.
func (c *ImageReaderConfig) RandomMirror(enabled bool) *ImageReaderConfig {
	c.randomMirror = enabled
	return c
}

// RandomCrop selects between padding and cropping at a random position (the default), or resizing the
// image to the target size.
func (c *ImageReaderConfig) RandomCrop(enabled bool) *ImageReaderConfig {
	c.randomCrop = enabled
	return c
}

// IgnoreLabel sets the label used to pad label maps. Default is DefaultIgnoreLabel (255).
func (c *ImageReaderConfig) IgnoreLabel(label int) *ImageReaderConfig {
	c.ignoreLabel = label
	return c
}

// Validation configures the reader to read a validation set: no random scaling or mirroring, and
// crops are centered.
func (c *ImageReaderConfig) Validation(isValidation bool) *ImageReaderConfig {
	c.isValidation = isValidation
	return c
}

// Seed for the random augmentations and the order of the examples.
func (c *ImageReaderConfig) Seed(seed int64) *ImageReaderConfig {
	c.seed = uint64(seed)
	return c
}

// Done reads the list file and returns the ImageReader.
func (c *ImageReaderConfig) Done() (*ImageReader, error) {
	if c.height <= 0 || c.width <= 0 || c.batchSize <= 0 {
		return nil, errors.Errorf("ImageReader: invalid image size %dx%d or batch size %d", c.height, c.width, c.batchSize)
	}
	if c.ignoreLabel < 0 || c.ignoreLabel > 255 {
		return nil, errors.Errorf("ImageReader: ignore label %d must be in [0, 255]", c.ignoreLabel)
	}
	dataDir, err := fsutil.ReplaceTildeInDir(c.dataDir)
	if err != nil {
		return nil, err
	}
	listPath, err := fsutil.ReplaceTildeInDir(c.listPath)
	if err != nil {
		return nil, err
	}
	r := &ImageReader{config: *c, rng: rand.New(rand.NewPCG(c.seed, c.seed^0x9E3779B97F4A7C15))}
	r.config.dataDir = dataDir
	r.examples, err = readListFile(dataDir, listPath)
	if err != nil {
		return nil, err
	}
	if len(r.examples) == 0 {
		return nil, errors.Errorf("ImageReader: no examples listed in %q", listPath)
	}
	r.order = r.rng.Perm(len(r.examples))
	klog.V(1).Infof("ImageReader: %d examples listed in %q", len(r.examples), listPath)
	return r, nil
}

type listedExample struct {
	imagePath, labelPath string
}

func readListFile(dataDir, listPath string) ([]listedExample, error) {
	f, err := os.Open(listPath)
	if err != nil {
		return nil, errors.Wrapf(err, "ImageReader: failed to open list file %q", listPath)
	}
	defer func() { _ = f.Close() }()
	var examples []listedExample
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.Errorf("ImageReader: %s:%d: expected \"<image> <label>\", got %q", listPath, lineNum, line)
		}
		examples = append(examples, listedExample{
			imagePath: path.Join(dataDir, fields[0]),
			labelPath: path.Join(dataDir, fields[1]),
		})
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "ImageReader: failed reading %q", listPath)
	}
	return examples, nil
}

// ImageReader is a Dataset that reads images and labels from disk, applying random augmentations.
// It loops over the examples indefinitely, reshuffling at every epoch, and it is safe for concurrent
// use (so it can be used with Parallel).
type ImageReader struct {
	config   ImageReaderConfig
	examples []listedExample

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	next  int
}

var _ Dataset = (*ImageReader)(nil)

// Name implements Dataset.
func (r *ImageReader) Name() string { return "ImageReader(" + r.config.listPath + ")" }

// NumExamples listed.
func (r *ImageReader) NumExamples() int { return len(r.examples) }

// nextExample returns the next example and a seed for its augmentations.
func (r *ImageReader) nextExample() (listedExample, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.order) {
		r.order = r.rng.Perm(len(r.examples))
		r.next = 0
	}
	example := r.examples[r.order[r.next]]
	r.next++
	return example, r.rng.Uint64()
}

// Yield implements Dataset.
func (r *ImageReader) Yield() (Batch, error) {
	imgs := make([][]float32, r.config.batchSize)
	labels := make([][]int32, r.config.batchSize)
	for ii := range r.config.batchSize {
		example, seed := r.nextExample()
		var err error
		imgs[ii], labels[ii], err = r.ReadExample(example.imagePath, example.labelPath, seed)
		if err != nil {
			return Batch{}, err
		}
	}
	return stackExamples(imgs, labels, r.config.height, r.config.width), nil
}

// ReadExample reads and augments one example. The image is returned flat with height*width*3 values,
// normalized (see RGBToNormalized), and the labels as a flat slice of height*width class ids.
func (r *ImageReader) ReadExample(imagePath, labelPath string, seed uint64) ([]float32, []int32, error) {
	img, err := imaging.Open(imagePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "ImageReader: failed to read image %q", imagePath)
	}
	labelImg, err := imaging.Open(labelPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "ImageReader: failed to read label %q", labelPath)
	}
	if img.Bounds().Size() != labelImg.Bounds().Size() {
		return nil, nil, errors.Errorf("ImageReader: image %q has size %v but label %q has size %v",
			imagePath, img.Bounds().Size(), labelPath, labelImg.Bounds().Size())
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1))
	augmented, augmentedLabels := r.augment(rng, img, LabelsToGray(labelImg))
	flat := tensors.MustCopyFlatData[float32](images.ToTensor(dtypes.Float32).MaxValue(255).Single(augmented))
	RGBToNormalized(flat)
	return flat, ToLabels(augmentedLabels), nil
}

// meanColor is the padding color of images: it becomes 0 after mean subtraction.
var meanColor = color.NRGBA{
	R: uint8(ImageMean[2] + 0.5),
	G: uint8(ImageMean[1] + 0.5),
	B: uint8(ImageMean[0] + 0.5),
	A: 255,
}

// augment applies the configured augmentations, returning images of the target size.
func (r *ImageReader) augment(rng *rand.Rand, img image.Image, labels image.Image) (image.Image, image.Image) {
	cfg := &r.config
	if cfg.randomScale && !cfg.isValidation {
		scale := MinRandomScale + rng.Float64()*(MaxRandomScale-MinRandomScale)
		width := max(1, int(float64(img.Bounds().Dx())*scale))
		height := max(1, int(float64(img.Bounds().Dy())*scale))
		img = imaging.Resize(img, width, height, imaging.Linear)
		labels = imaging.Resize(labels, width, height, imaging.NearestNeighbor)
	}
	if cfg.randomMirror && !cfg.isValidation && rng.IntN(2) == 1 {
		img = imaging.FlipH(img)
		labels = imaging.FlipH(labels)
	}
	if !cfg.randomCrop {
		img = imaging.Resize(img, cfg.width, cfg.height, imaging.Linear)
		labels = imaging.Resize(labels, cfg.width, cfg.height, imaging.NearestNeighbor)
		return img, labels
	}

	// Pad to at least the target size, then crop.
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	if width < cfg.width || height < cfg.height {
		paddedWidth, paddedHeight := max(width, cfg.width), max(height, cfg.height)
		img = imaging.Paste(imaging.New(paddedWidth, paddedHeight, meanColor), img, image.Pt(0, 0))
		labels = imaging.Paste(imaging.New(paddedWidth, paddedHeight, color.Gray{Y: uint8(cfg.ignoreLabel)}), labels, image.Pt(0, 0))
		width, height = paddedWidth, paddedHeight
	}
	var x0, y0 int
	if cfg.isValidation {
		x0, y0 = (width-cfg.width)/2, (height-cfg.height)/2
	} else {
		x0, y0 = rng.IntN(width-cfg.width+1), rng.IntN(height-cfg.height+1)
	}
	rect := image.Rect(x0, y0, x0+cfg.width, y0+cfg.height)
	return imaging.Crop(img, rect), imaging.Crop(labels, rect)
}

// String implements fmt.Stringer.
func (r *ImageReader) String() string {
	return fmt.Sprintf("ImageReader(%d examples, %dx%d, batch %d)", len(r.examples), r.config.height, r.config.width, r.config.batchSize)
}

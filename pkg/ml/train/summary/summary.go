// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package summary implements an append-only logging sink of training summaries, keyed by step:
// scalars are appended to a CSV file and images are saved as PNG files.
//
// Layout of a summary directory:
//
//	<dir>/run_id            UUID of the run that created the directory.
//	<dir>/scalars.csv       "step,name,value" rows, appended by every run.
//	<dir>/images/step-XXXXXXXX-<i>.png
package summary

import (
	"encoding/csv"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ScalarsFileName is the name of the CSV file holding scalar summaries.
	ScalarsFileName = "scalars.csv"

	// ImagesDirName is the subdirectory holding image summaries.
	ImagesDirName = "images"

	// RunIDFileName holds the id of the run that created the summary directory.
	RunIDFileName = "run_id"
)

// DirPermMode is the default directory creation permission.
const DirPermMode = os.ModePerm

// Point is one scalar summary.
type Point struct {
	Step  int64
	Name  string
	Value float64
}

// Writer appends summaries to a directory. It's not safe for concurrent use: summaries are written
// synchronously by the training loop.
type Writer struct {
	dir       string
	runID     string
	scalars   *os.File
	csvWriter *csv.Writer
}

// NewWriter opens (or creates) a summary directory for appending. If the directory doesn't have
// a run id yet, a new one is created.
func NewWriter(dir string) (*Writer, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, errors.WithMessage(err, "summary.NewWriter")
	}
	if err = os.MkdirAll(path.Join(dir, ImagesDirName), DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "summary.NewWriter: failed to create %q", dir)
	}
	w := &Writer{dir: dir}
	runIDPath := path.Join(dir, RunIDFileName)
	runID, err := os.ReadFile(runIDPath)
	switch {
	case err == nil:
		w.runID = strings.TrimSpace(string(runID))
	case os.IsNotExist(err):
		w.runID = uuid.NewString()
		if err = os.WriteFile(runIDPath, []byte(w.runID+"\n"), 0o644); err != nil {
			return nil, errors.Wrapf(err, "failed to write run id to %q", runIDPath)
		}
	default:
		return nil, errors.Wrapf(err, "failed to read run id from %q", runIDPath)
	}
	scalarsPath := path.Join(dir, ScalarsFileName)
	w.scalars, err = os.OpenFile(scalarsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q for appending", scalarsPath)
	}
	w.csvWriter = csv.NewWriter(w.scalars)
	klog.V(1).Infof("summary: writing to %q (run id %s)", dir, w.runID)
	return w, nil
}

// Dir returns the summary directory.
func (w *Writer) Dir() string { return w.dir }

// RunID returns the id of the run that created the summary directory.
func (w *Writer) RunID() string { return w.runID }

// Scalars appends the given scalars for step, sorted by name. The file is flushed at every call.
func (w *Writer) Scalars(step int64, values map[string]float64) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)
	stepStr := strconv.FormatInt(step, 10)
	for _, name := range names {
		record := []string{stepStr, name, strconv.FormatFloat(values[name], 'g', -1, 64)}
		if err := w.csvWriter.Write(record); err != nil {
			return errors.Wrapf(err, "summary: failed to write scalar %q for step %d", name, step)
		}
	}
	w.csvWriter.Flush()
	return errors.Wrapf(w.csvWriter.Error(), "summary: failed to flush scalars for step %d", step)
}

// ImagePath returns the path of the image summary index for step.
func (w *Writer) ImagePath(step int64, index int) string {
	return path.Join(w.dir, ImagesDirName, fmt.Sprintf("step-%08d-%d.png", step, index))
}

// Images saves the given images for step, one PNG file per image.
func (w *Writer) Images(step int64, images []image.Image) error {
	for ii, img := range images {
		imgPath := w.ImagePath(step, ii)
		if err := imaging.Save(img, imgPath); err != nil {
			return errors.Wrapf(err, "summary: failed to save image %q", imgPath)
		}
	}
	return nil
}

// SideBySide concatenates images horizontally, aligned at the top. The result has the height of the
// tallest image.
func SideBySide(images ...image.Image) image.Image {
	var width, height int
	for _, img := range images {
		width += img.Bounds().Dx()
		height = max(height, img.Bounds().Dy())
	}
	dst := imaging.New(width, height, color.Black)
	x := 0
	for _, img := range images {
		dst = imaging.Paste(dst, img, image.Pt(x, 0))
		x += img.Bounds().Dx()
	}
	return dst
}

// Close flushes and closes the writer.
func (w *Writer) Close() error {
	if w.scalars == nil {
		return nil
	}
	w.csvWriter.Flush()
	err := w.csvWriter.Error()
	if closeErr := w.scalars.Close(); err == nil {
		err = closeErr
	}
	w.scalars = nil
	return errors.Wrapf(err, "summary: failed to close %q", path.Join(w.dir, ScalarsFileName))
}

// ReadScalars reads all the scalars of a summary directory, in the order they were written.
// Non-finite values are kept as they were written (NaN and ±Inf).
func ReadScalars(dir string) ([]Point, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	scalarsPath := path.Join(dir, ScalarsFileName)
	f, err := os.Open(scalarsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "summary: failed to open %q", scalarsPath)
	}
	defer func() { _ = f.Close() }()
	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 3
	var points []Point
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "summary: failed to parse %q", scalarsPath)
		}
		step, err := strconv.ParseInt(record[0], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "summary: invalid step in %q", scalarsPath)
		}
		value, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "summary: invalid value in %q", scalarsPath)
		}
		points = append(points, Point{Step: step, Name: record[1], Value: value})
	}
	return points, nil
}

// GroupByName splits points per name, dropping the non-finite values.
func GroupByName(points []Point) map[string][]Point {
	grouped := make(map[string][]Point)
	for _, p := range points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		grouped[p.Name] = append(grouped[p.Name], p)
	}
	return grouped
}

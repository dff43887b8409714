// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots renders the scalars collected during training (see package summary) as static plots.
package plots

import (
	"path"
	"slices"

	"github.com/gomlx/segan/pkg/ml/train/summary"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// LossesFileName is the default file name, within the summary directory, of the losses plot.
const LossesFileName = "losses.png"

// Width and Height of the generated plots.
var (
	Width  = 12 * vg.Inch
	Height = 6 * vg.Inch
)

// Scalars plots the series of the given metric names into outputPath (the format is taken from the
// extension, e.g. ".png" or ".svg"). Names without points are skipped, and it returns an error if
// there is nothing to plot.
func Scalars(points []summary.Point, names []string, title, outputPath string) error {
	grouped := summary.GroupByName(points)
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "step"
	p.Legend.Top = true

	var numLines int
	for _, name := range names {
		series := grouped[name]
		if len(series) == 0 {
			continue
		}
		slices.SortStableFunc(series, func(a, b summary.Point) int { return int(a.Step - b.Step) })
		xys := make(plotter.XYs, len(series))
		for ii, point := range series {
			xys[ii].X = float64(point.Step)
			xys[ii].Y = point.Value
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "plots: failed to create line for %q", name)
		}
		line.Color = plotutil.Color(numLines)
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(name, line)
		numLines++
	}
	if numLines == 0 {
		return errors.Errorf("plots: no points to plot for metrics %v", names)
	}
	p.Add(plotter.NewGrid())
	if err := p.Save(Width, Height, outputPath); err != nil {
		return errors.Wrapf(err, "plots: failed to save %q", outputPath)
	}
	return nil
}

// Losses reads the scalars of summaryDir and plots the given loss names into summaryDir/LossesFileName.
// It returns the path of the generated file.
func Losses(summaryDir string, lossNames []string) (string, error) {
	points, err := summary.ReadScalars(summaryDir)
	if err != nil {
		return "", err
	}
	outputPath := path.Join(summaryDir, LossesFileName)
	if err = Scalars(points, lossNames, "Training losses", outputPath); err != nil {
		return "", err
	}
	klog.V(1).Infof("plots: losses plotted to %q", outputPath)
	return outputPath, nil
}

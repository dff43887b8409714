// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/segan/pkg/ml/train/summary"
	"github.com/gomlx/segan/ui/plots"
	"github.com/pkg/errors"
)

// ScalarsTable reports, for each scalar name (all if names is empty), the number of points and the
// latest step and value.
func ScalarsTable(points []summary.Point, names []string) *Table {
	table := newTable([]string{"Name", "Points", "Last Step", "Last Value"}, lipgloss.Left, lipgloss.Right)
	grouped := summary.GroupByName(points)
	if len(names) == 0 {
		for name := range grouped {
			names = append(names, name)
		}
		slices.Sort(names)
	}
	for _, name := range names {
		series := grouped[name]
		if len(series) == 0 {
			table.Row(true, name, "0", "-", "-")
			continue
		}
		last := series[len(series)-1]
		table.Row(false, name, humanize.Comma(int64(len(series))), humanize.Comma(last.Step), fmt.Sprintf("%.4g", last.Value))
	}
	return table
}

func reportScalars(summaryDir string, names []string, plotPath string) error {
	points, err := summary.ReadScalars(summaryDir)
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render("Scalars"))
	table := ScalarsTable(points, names)
	fmt.Println(table.Render())
	if plotPath == "" {
		return nil
	}
	if len(names) == 0 {
		for _, row := range table.Rows {
			names = append(names, row[0])
		}
	}
	if err = plots.Scalars(points, names, "Training scalars", plotPath); err != nil {
		return errors.WithMessagef(err, "plotting %q", summaryDir)
	}
	fmt.Printf("Scalars plotted to %q\n", plotPath)
	return nil
}

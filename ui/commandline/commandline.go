// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

// FormatInt formats integers with thousands separators.
func FormatInt[I ~int | ~int32 | ~int64](n I) string {
	return humanize.Comma(int64(n))
}

// newStatsTable returns an empty table with the style used for training stats.
func newStatsTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

// SprintMetricsTable renders the metrics values at the given step as a table, one row per name, in the
// order of names. Names without a value are skipped.
func SprintMetricsTable(step int64, names []string, values map[string]float64) string {
	table := newStatsTable()
	table.Row("Global Step", FormatInt(step))
	for _, name := range names {
		if value, found := values[name]; found {
			table.Row(name, fmt.Sprintf("%.4g", value))
		}
	}
	return table.String()
}

// ReportMetrics prints to the command line the metrics values at the given step.
func ReportMetrics(step int64, names []string, values map[string]float64) {
	fmt.Println(lipgloss.NewStyle().PaddingLeft(2).Render(SprintMetricsTable(step, names, values)))
}

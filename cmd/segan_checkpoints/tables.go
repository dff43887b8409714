// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// Table accumulates the rows of a lipgloss table, some of them highlighted in red.
type Table struct {
	Table *lgtable.Table
	Rows  [][]string
	Reds  map[int]bool
}

// Row appends a row, highlighted if isRed.
func (t *Table) Row(isRed bool, row ...string) {
	if isRed {
		t.Reds[len(t.Rows)] = true
	}
	t.Rows = append(t.Rows, row)
	t.Table.Row(row...)
}

// Render the table.
func (t *Table) Render() string { return t.Table.Render() }

// newTable creates a table with the given headers. Columns are aligned by alignments, the last one
// repeated for the remaining columns.
func newTable(headers []string, alignments ...lipgloss.Position) *Table {
	t := &Table{Reds: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			switch {
			case t.Reds[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	if len(headers) > 0 {
		t.Table.Headers(headers...)
	}
	return t
}

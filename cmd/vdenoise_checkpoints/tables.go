// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/vdenoise/pkg/support/xslices"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	sectionStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	emphasisStyle = lipgloss.NewStyle().Bold(true)
	italicStyle   = lipgloss.NewStyle().Italic(true)

	cellStyle    = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	headerStyle  = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	differsStyle = cellStyle.Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).Bold(true)
	tableBorder  = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
)

// newTable returns a bordered table with alternating faint rows.
//
// Rows for which highlight returns true are shown in red: Params uses it for the settings that
// differ across runs. highlight may be nil.
//
// The alignments are given per column, the last one repeating for the remaining columns.
func newTable(withHeader bool, highlight func(row int) bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(tableBorder).
		StyleFunc(func(row, col int) lipgloss.Style {
			if withHeader && row == lgtable.HeaderRow {
				return headerStyle
			}
			s := cellStyle.Faint(row%2 == 1)
			if highlight != nil && highlight(row) {
				s = differsStyle
			}
			switch {
			case col < len(alignments):
				return s.Align(alignments[col])
			case len(alignments) > 0:
				return s.Align(xslices.Last(alignments))
			}
			return s.Align(lipgloss.Left)
		})
}

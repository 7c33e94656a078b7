// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	// statusColors tints status cells by value.
	statusColors = map[string]lipgloss.Color{
		"connected":  lipgloss.Color("2"),
		"connecting": lipgloss.Color("3"),
		"error":      lipgloss.Color("1"),
		"done":       lipgloss.Color("2"),
		"running":    lipgloss.Color("3"),
		"hangup":     lipgloss.Color("1"),
	}
)

// renderTable lays out rows under headers. Cells in statusColumn (-1
// for none) are colored by their value.
func renderTable(headers []string, rows [][]string, statusColumn int) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == statusColumn && row >= 0 && row < len(rows) {
				if color, ok := statusColors[rows[row][col]]; ok {
					return cellStyle.Foreground(color)
				}
			}
			return cellStyle
		}).
		String()
}

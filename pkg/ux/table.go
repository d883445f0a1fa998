// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table renders headers and rows as an aligned text table.
//
// Column widths fit the widest cell, measured by terminal width so
// styled content aligns correctly. Machine personality emits
// tab-separated lines for scripting. The result carries no trailing
// newline.
func Table(headers []string, rows [][]string) string {
	if len(headers) == 0 {
		return ""
	}

	if GetPersonality().Level == PersonalityMachine {
		lines := make([]string, 0, len(rows)+1)
		lines = append(lines, strings.Join(headers, "\t"))
		for _, row := range rows {
			lines = append(lines, strings.Join(row, "\t"))
		}
		return strings.Join(lines, "\n")
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(headers) && i < len(row); i++ {
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for i, h := range headers {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(padCell(Styles.TableHeader.Render(h), widths[i]))
	}

	b.WriteString("\n")
	sep := make([]string, len(widths))
	for i, w := range widths {
		sep[i] = strings.Repeat("─", w)
	}
	b.WriteString(Styles.Muted.Render(strings.Join(sep, "──")))

	for _, row := range rows {
		b.WriteString("\n")
		for i := 0; i < len(headers); i++ {
			if i > 0 {
				b.WriteString("  ")
			}
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			b.WriteString(padCell(cell, widths[i]))
		}
	}
	return b.String()
}

// padCell right-pads to the column width, measuring the rendered
// string so ANSI sequences do not count against the padding.
func padCell(cell string, width int) string {
	gap := width - lipgloss.Width(cell)
	if gap <= 0 {
		return cell
	}
	return cell + strings.Repeat(" ", gap)
}

package visibility

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// RenderTables rewrites markdown tables in agent output according to the
// resolved table mode. Non-table text passes through untouched.
func RenderTables(text string, mode TableMode) string {
	lines := strings.Split(text, "\n")
	var out []string

	for i := 0; i < len(lines); {
		if !isTableRow(lines[i]) || i+1 >= len(lines) || !isSeparatorRow(lines[i+1]) {
			out = append(out, lines[i])
			i++
			continue
		}

		start := i
		i += 2
		for i < len(lines) && isTableRow(lines[i]) {
			i++
		}
		table := parseTable(lines[start:i])

		switch mode {
		case TableUnicode:
			out = append(out, renderUnicode(table)...)
		case TableHTML:
			out = append(out, renderHTML(table)...)
		default:
			out = append(out, renderPlain(table)...)
		}
	}
	return strings.Join(out, "\n")
}

func isTableRow(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "|") && strings.HasSuffix(t, "|") && strings.Count(t, "|") >= 2
}

func isSeparatorRow(line string) bool {
	t := strings.TrimSpace(line)
	if !isTableRow(t) {
		return false
	}
	for _, cell := range splitCells(t) {
		c := strings.TrimSpace(cell)
		if c == "" {
			return false
		}
		for _, r := range c {
			if r != '-' && r != ':' {
				return false
			}
		}
	}
	return true
}

func splitCells(line string) []string {
	t := strings.TrimSpace(line)
	t = strings.TrimPrefix(t, "|")
	t = strings.TrimSuffix(t, "|")
	cells := strings.Split(t, "|")
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}

// parseTable returns header plus body rows; the separator row is dropped.
func parseTable(lines []string) [][]string {
	rows := make([][]string, 0, len(lines)-1)
	rows = append(rows, splitCells(lines[0]))
	for _, line := range lines[2:] {
		rows = append(rows, splitCells(line))
	}
	return rows
}

// columnWidths measures display width per column with runewidth so CJK and
// emoji cells stay aligned.
func columnWidths(rows [][]string) []int {
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			w := runewidth.StringWidth(cell)
			if i >= len(widths) {
				widths = append(widths, w)
			} else if w > widths[i] {
				widths[i] = w
			}
		}
	}
	return widths
}

func renderPlain(rows [][]string) []string {
	widths := columnWidths(rows)
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		var cells []string
		for i, cell := range row {
			cells = append(cells, runewidth.FillRight(cell, widths[i]))
		}
		out = append(out, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
	return out
}

func renderUnicode(rows [][]string) []string {
	widths := columnWidths(rows)
	border := func(l, m, r string) string {
		var parts []string
		for _, w := range widths {
			parts = append(parts, strings.Repeat("─", w+2))
		}
		return l + strings.Join(parts, m) + r
	}
	row := func(cells []string) string {
		var parts []string
		for i, w := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts = append(parts, " "+runewidth.FillRight(cell, w)+" ")
		}
		return "│" + strings.Join(parts, "│") + "│"
	}

	out := []string{border("┌", "┬", "┐"), row(rows[0]), border("├", "┼", "┤")}
	for _, r := range rows[1:] {
		out = append(out, row(r))
	}
	out = append(out, border("└", "┴", "┘"))
	return out
}

func renderHTML(rows [][]string) []string {
	out := []string{"<table>"}
	for ri, row := range rows {
		tag := "td"
		if ri == 0 {
			tag = "th"
		}
		var b strings.Builder
		b.WriteString("<tr>")
		for _, cell := range row {
			b.WriteString("<" + tag + ">")
			b.WriteString(htmlEscape(cell))
			b.WriteString("</" + tag + ">")
		}
		b.WriteString("</tr>")
		out = append(out, b.String())
	}
	return append(out, "</table>")
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	stdout io.Writer = os.Stdout

	// tableOutput selects lipgloss tables over JSON. main sets it when
	// stdout is a terminal.
	tableOutput bool
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderTable pads each column to its widest cell. Column widths are
// measured on the unstyled text.
func renderTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	line := func(cells []string, style func(col int, s string) string) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			padded := cell + strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			parts[i] = style(i, padded)
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	fmt.Fprintln(w, line(headers, func(_ int, s string) string { return headerStyle.Render(s) }))
	for _, row := range rows {
		fmt.Fprintln(w, line(row, func(_ int, s string) string { return s }))
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, dimStyle.Render("(none)"))
	}
}

func outcomeCell(outcome string) string {
	switch outcome {
	case "success", "dispatched", "idle":
		return okStyle.Render(outcome)
	case "error", "build_error", "dispatch_error", "rate_limit", "backoff", "stopped":
		return errStyle.Render(outcome)
	default:
		return outcome
	}
}

func timeCell(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

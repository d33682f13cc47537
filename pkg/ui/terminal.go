// Package ui prints human-facing CLI output with optional ANSI colors.
package ui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"
)

// Color codes for terminal output
const (
	cyan    = "\033[36m"
	yellow  = "\033[33m"
	red     = "\033[31m"
	green   = "\033[32m"
	magenta = "\033[35m"
	dim     = "\033[2m"
	reset   = "\033[0m"
)

// Printer writes styled lines to Out and errors to Err
type Printer struct {
	Out     io.Writer
	Err     io.Writer
	NoColor bool
	Quiet   bool
}

// NewPrinter prints to stdout/stderr. Colors are disabled when stdout is not
// a terminal or NO_COLOR is set.
func NewPrinter(noColor bool) *Printer {
	if os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(os.Stdout.Fd())) {
		noColor = true
	}
	return &Printer{Out: os.Stdout, Err: os.Stderr, NoColor: noColor}
}

func (p *Printer) paint(color, text string) string {
	if p.NoColor {
		return text
	}
	return color + text + reset
}

// Error prints an error message in red with an optional detail
func (p *Printer) Error(msg string, detail ...interface{}) {
	if len(detail) > 0 {
		msg = msg + ": " + fmt.Sprintf("%v", detail[0])
	}
	fmt.Fprintln(p.Err, p.paint(red, msg))
}

// Warning prints a warning message in yellow
func (p *Printer) Warning(msg string, detail ...interface{}) {
	if p.Quiet {
		return
	}
	if len(detail) > 0 {
		msg = msg + ": " + fmt.Sprintf("%v", detail[0])
	}
	fmt.Fprintln(p.Out, p.paint(yellow, msg))
}

// Success prints a success message in green
func (p *Printer) Success(msg string) {
	if p.Quiet {
		return
	}
	fmt.Fprintln(p.Out, p.paint(green, msg))
}

// Info prints a label/value pair
func (p *Printer) Info(label, value string) {
	if p.Quiet {
		return
	}
	fmt.Fprintf(p.Out, "%s: %s\n", p.paint(cyan, label), p.paint(yellow, value))
}

// Highlight prints a section heading in magenta
func (p *Printer) Highlight(msg string) {
	if p.Quiet {
		return
	}
	fmt.Fprintln(p.Out, p.paint(magenta, msg))
}

// Dim prints secondary text
func (p *Printer) Dim(msg string) {
	if p.Quiet {
		return
	}
	fmt.Fprintln(p.Out, p.paint(dim, msg))
}

// Table prints rows with columns padded to the widest cell. The header is
// not colored so the output stays greppable.
func (p *Printer) Table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	line := func(cells []string) {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = cell + strings.Repeat(" ", widths[i]-len(cell))
		}
		fmt.Fprintln(p.Out, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	line(header)
	for _, row := range rows {
		line(row)
	}
}

// Fields prints a map as aligned, sorted label/value lines
func (p *Printer) Fields(fields map[string]string) {
	keys := make([]string, 0, len(fields))
	width := 0
	for k := range fields {
		keys = append(keys, k)
		if len(k) > width {
			width = len(k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(p.Out, "%s%s  %s\n", p.paint(cyan, k), strings.Repeat(" ", width-len(k)), fields[k])
	}
}

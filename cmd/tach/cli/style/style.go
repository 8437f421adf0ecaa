// Package style renders tagged report lines, colored only when stdout is an
// interactive terminal and the environment does not disable color.
package style

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Tone selects the color of a line.
type Tone int

const (
	Plain Tone = iota
	Info
	Success
	Warning
	Danger
	Muted
)

// Line is one line of plugin output.
type Line struct {
	Text string
	Tone Tone
	Bold bool
}

func (l Line) String() string { return l.Text }

// Texts returns the plain text of lines.
func Texts(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

var enabled = sync.OnceValue(func() bool {
	return detect(os.Getenv, term.IsTerminal(int(os.Stdout.Fd())))
})

// Enabled reports whether color output is allowed for this process.
// Computed once.
func Enabled() bool {
	return enabled()
}

// detect applies the NO_COLOR / CLICOLOR_FORCE conventions on top of the
// terminal check.
func detect(getenv func(string) string, isTTY bool) bool {
	if getenv("NO_COLOR") != "" {
		return false
	}
	if force := getenv("CLICOLOR_FORCE"); force != "" && force != "0" {
		return true
	}
	if getenv("TERM") == "dumb" {
		return false
	}
	return isTTY
}

// Printer writes lines to w.
type Printer struct {
	w     io.Writer
	color bool
}

// NewPrinter creates a printer. Pass Enabled() for process stdout.
func NewPrinter(w io.Writer, useColor bool) *Printer {
	return &Printer{w: w, color: useColor}
}

// Print writes each line followed by a newline.
func (p *Printer) Print(lines ...Line) {
	for _, l := range lines {
		fmt.Fprintln(p.w, p.render(l))
	}
}

// Separator writes a full-width titled rule, e.g. "==== title ====".
func (p *Printer) Separator(title string, tone Tone) {
	const width = 72
	text := " " + title + " "
	pad := width - len(text)
	if pad < 2 {
		pad = 2
	}
	left := pad / 2
	right := pad - left
	p.Print(Line{Text: strings.Repeat("=", left) + text + strings.Repeat("=", right), Tone: tone, Bold: true})
}

func (p *Printer) render(l Line) string {
	if !p.color {
		return l.Text
	}
	attrs := toneAttrs(l.Tone)
	if l.Bold {
		attrs = append(attrs, color.Bold)
	}
	if len(attrs) == 0 {
		return l.Text
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(l.Text)
}

func toneAttrs(t Tone) []color.Attribute {
	switch t {
	case Info:
		return []color.Attribute{color.FgCyan}
	case Success:
		return []color.Attribute{color.FgGreen}
	case Warning:
		return []color.Attribute{color.FgYellow}
	case Danger:
		return []color.Attribute{color.FgRed}
	case Muted:
		return []color.Attribute{color.Faint}
	default:
		return nil
	}
}

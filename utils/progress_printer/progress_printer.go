package progress_printer

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// ProgressPrinter is a utility for printing progress messages that overwrite previous messages in the terminal.
type ProgressPrinter struct {
	w   io.Writer // The writer to which messages are printed
	max int       // Tracks the maximum line length that's been printed
}

func NewProgressPrinter(w io.Writer) *ProgressPrinter {
	return &ProgressPrinter{max: 0, w: w}
}

// ForTerminal returns a printer for `f` only when `f` is an interactive terminal. Redrawing a line with carriage
// returns makes a mess of redirected output and log files, so the boolean is `false` for those and callers should
// skip progress output.
func ForTerminal(f *os.File) (*ProgressPrinter, bool) {
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return nil, false
	}
	return NewProgressPrinter(f), true
}

// Update redraws the progress line with `message`, padding with spaces so that nothing of a longer previous line is
// left behind.
func (p *ProgressPrinter) Update(message string) {
	pad := max(0, p.max-len(message))
	_, _ = fmt.Fprint(p.w, message, strings.Repeat(" ", pad), "\r")
	p.max = max(p.max, len(message))
}

// Complete prints a final message and adds a newline. Use this when the progress is complete, and you want to move to
// the next line.
func (p *ProgressPrinter) Complete(message string) {
	p.Update(message)
	_, _ = fmt.Fprintln(p.w)
	p.max = 0
}

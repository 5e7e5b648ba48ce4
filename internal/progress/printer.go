// Package progress reports sync progress on a terminal and remembers which
// session a run last completed for.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"barsync/internal/reconcile"
)

// Printer prints progress messages that overwrite the previous message in
// the terminal.
type Printer struct {
	mu  sync.Mutex
	w   io.Writer
	max int // longest line printed so far
}

// NewPrinter creates a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Update prints a message over the previous one, padding with spaces so a
// shorter message fully clears a longer one.
func (p *Printer) Update(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprint(p.w, message+strings.Repeat(" ", max(0, p.max-len(message)))+"\r")
	if len(message) > p.max {
		p.max = len(message)
	}
}

// Complete prints a final message and moves to the next line.
func (p *Printer) Complete(message string) {
	p.Update(message)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w)
	p.max = 0
}

// Sync renders a reconcile progress snapshot. It matches the engine's
// OnProgress hook.
func (p *Printer) Sync(pr reconcile.Progress) {
	p.Update(fmt.Sprintf("[wave %d/%d] %d/%d batches, %d rows fetched, %d written, %d rejected, %d failed",
		pr.Wave, pr.Waves, pr.Done, pr.Batches, pr.Fetched, pr.Written, pr.Rejected, pr.Failed))
}

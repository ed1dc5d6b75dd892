// Package progress reports long-running CLI work such as replays.
package progress

import (
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
)

// Reporter provides progress feedback during a replay. total is -1 when the
// amount of work is unknown.
type Reporter interface {
	Start(total int64, description string)
	Update(current int64)
	Finish(summary string)
}

// NewReporter returns a CIReporter when the CI environment variable is set,
// otherwise a TerminalReporter writing to stderr.
func NewReporter() Reporter {
	if os.Getenv("CI") != "" || os.Getenv("GITHUB_ACTIONS") != "" {
		return &CIReporter{W: os.Stderr, Every: 1000}
	}
	return &TerminalReporter{W: os.Stderr}
}

// TerminalReporter displays a progress bar, or a spinner when the total is
// unknown.
type TerminalReporter struct {
	W   io.Writer
	bar *progressbar.ProgressBar
}

func (r *TerminalReporter) Start(total int64, description string) {
	r.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(r.W),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100_000_000),
		progressbar.OptionClearOnFinish(),
	)
}

func (r *TerminalReporter) Update(current int64) {
	if r.bar != nil {
		_ = r.bar.Set64(current)
	}
}

func (r *TerminalReporter) Finish(summary string) {
	if r.bar != nil {
		_ = r.bar.Finish()
	}
	if summary != "" {
		fmt.Fprintln(r.W, summary)
	}
}

// CIReporter prints a line every Every units, suitable for CI logs.
type CIReporter struct {
	W     io.Writer
	Every int64

	total int64
	last  int64
}

func (r *CIReporter) Start(total int64, description string) {
	r.total, r.last = total, 0
	if total >= 0 {
		fmt.Fprintf(r.W, "%s: %d lines\n", description, total)
	} else {
		fmt.Fprintf(r.W, "%s\n", description)
	}
}

func (r *CIReporter) Update(current int64) {
	every := r.Every
	if every <= 0 {
		every = 1
	}
	if current-r.last < every {
		return
	}
	r.last = current
	if r.total >= 0 {
		fmt.Fprintf(r.W, "[%d/%d]\n", current, r.total)
	} else {
		fmt.Fprintf(r.W, "[%d]\n", current)
	}
}

func (r *CIReporter) Finish(summary string) {
	if summary == "" {
		summary = "done"
	}
	fmt.Fprintln(r.W, summary)
}

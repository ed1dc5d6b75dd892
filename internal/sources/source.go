// Package sources holds the ingest adapters. Each source observes one
// thing (files, the editor's database, the shell, the clipboard) and
// admits canonical raw events into a sink.
package sources

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/event"
	"github.com/ziadkadry99/devtrail/internal/logging"
)

// Sink receives raw events. The ingest queue implements it.
type Sink interface {
	Admit(ev event.RawEvent) error
	// Pressure is queue fill in [0, 1]. Sources may poll slower under
	// pressure.
	Pressure() float64
}

// Source is one ingest adapter.
type Source interface {
	Name() string
	// Start runs the source until ctx is done or Stop is called. A source
	// that cannot run on this machine returns a SourceUnavailable error.
	Start(ctx context.Context, sink Sink) error
	Stop()
	Stats() Stats
}

// Offsets persists source read positions across restarts. The store
// implements it.
type Offsets interface {
	SourceOffset(ctx context.Context, source string) (string, error)
	SaveSourceOffset(ctx context.Context, source, offset string) error
}

// Source states.
const (
	StateStopped     = "stopped"
	StateRunning     = "running"
	StateUnavailable = "unavailable"
	StateFailed      = "failed"
	StateDisabled    = "disabled"
)

// Stats describe one source.
type Stats struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Available bool      `json:"available"`
	Enabled   bool      `json:"enabled"`
	Emitted   uint64    `json:"emitted"`
	Rejected  uint64    `json:"rejected"`
	Errors    uint64    `json:"errors"`
	LastError string    `json:"last_error,omitempty"`
	LastEvent time.Time `json:"last_event,omitempty"`
}

// Unavailable builds the error a source returns when it cannot run here.
func Unavailable(source, reason string) error {
	return apperr.New(apperr.KindSourceUnavailable, source, reason)
}

// base carries the bookkeeping every source shares.
type base struct {
	name    string
	clock   clock.Clock
	logger  *slog.Logger
	limiter *logging.Limiter

	mu        sync.Mutex
	cancel    context.CancelFunc
	stopEarly bool
	state     string
	lastError string
	lastEvent time.Time
	available bool

	emitted  atomic.Uint64
	rejected atomic.Uint64
	failures atomic.Uint64
}

func (b *base) setup(name string, clk clock.Clock, logger *slog.Logger) {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	b.name = name
	b.clock = clk
	b.logger = logger.With("source", name)
	b.limiter = logging.NewLimiter(b.logger, 0)
	b.state = StateStopped
	b.available = true
}

func (b *base) Name() string { return b.name }

// begin derives the run context and marks the source running.
func (b *base) begin(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.state = StateRunning
	b.available = true
	// Stop raced ahead of Start.
	if b.stopEarly {
		b.stopEarly = false
		cancel()
	}
	b.mu.Unlock()
	return ctx
}

// end records how a run finished and passes err through.
func (b *base) end(err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		b.state = StateStopped
		return nil
	case apperr.Is(err, apperr.KindSourceUnavailable):
		b.state = StateUnavailable
		b.available = false
	default:
		b.state = StateFailed
	}
	b.lastError = apperr.Message(err)
	return err
}

func (b *base) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		return
	}
	b.stopEarly = true
}

func (b *base) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:      b.name,
		State:     b.state,
		Available: b.available,
		Emitted:   b.emitted.Load(),
		Rejected:  b.rejected.Load(),
		Errors:    b.failures.Load(),
		LastError: b.lastError,
		LastEvent: b.lastEvent,
	}
}

// fail counts a non-fatal error and logs it without repeating itself.
func (b *base) fail(key string, err error) {
	b.failures.Add(1)
	b.mu.Lock()
	b.lastError = err.Error()
	b.mu.Unlock()
	b.limiter.Warn(b.name+":"+key, "source error", "error", err)
}

// emit admits ev into sink. A rejected event is counted and logged; the
// source carries on.
func (b *base) emit(sink Sink, ev event.RawEvent) bool {
	if err := sink.Admit(ev); err != nil {
		b.rejected.Add(1)
		b.limiter.Warn(b.name+":admit", "event rejected by queue",
			"kind", ev.Kind, "priority", ev.Priority.String(), "error", err)
		return false
	}
	b.emitted.Add(1)
	b.mu.Lock()
	b.lastEvent = b.clock.Now()
	b.mu.Unlock()
	return true
}

// paced stretches a polling interval while the sink is under pressure.
func paced(interval time.Duration, sink Sink) time.Duration {
	p := sink.Pressure()
	if p <= 0.5 {
		return interval
	}
	return time.Duration(float64(interval) * (1 + 6*(p-0.5)))
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

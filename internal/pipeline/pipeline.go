// Package pipeline runs the single consumer task that drains the ingest
// queue into the correlator.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/correlator"
	"github.com/ziadkadry99/devtrail/internal/event"
	"github.com/ziadkadry99/devtrail/internal/logging"
	"github.com/ziadkadry99/devtrail/internal/queue"
	"github.com/ziadkadry99/devtrail/internal/store"
)

// Config tunes the consumer.
type Config struct {
	BatchSize    int
	EventTimeout time.Duration // deadline for correlating one event
	TickInterval time.Duration // how often held state is flushed when idle
	FlushTimeout time.Duration // bound on the final flush at shutdown
}

// DefaultConfig returns the stock consumer settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:    64,
		EventTimeout: 5 * time.Second,
		TickInterval: time.Second,
		FlushTimeout: 10 * time.Second,
	}
}

// Stats counts consumer activity.
type Stats struct {
	Batches   uint64    `json:"batches"`
	Processed uint64    `json:"processed"`
	Failed    uint64    `json:"failed"`
	Preempted uint64    `json:"preempted"`
	LastError string    `json:"last_error,omitempty"`
	LastBatch time.Time `json:"last_batch,omitempty"`
}

// Handler correlates one event. The correlator implements it.
type Handler interface {
	Handle(ctx context.Context, ev event.RawEvent) error
	Tick(ctx context.Context, now time.Time) error
	Flush(ctx context.Context) error
}

var _ Handler = (*correlator.Correlator)(nil)

// Pipeline pulls batches from the queue and feeds them to the handler, one
// event at a time and in priority order.
type Pipeline struct {
	cfg     Config
	queue   *queue.Queue
	handler Handler
	clock   clock.Clock
	logger  *slog.Logger
	limiter *logging.Limiter

	batches, processed, failed, preempted atomic.Uint64

	mu        sync.Mutex
	lastError string
	lastBatch time.Time
	lastTick  time.Time
}

// New creates a consumer over q.
func New(cfg Config, q *queue.Queue, h Handler, clk clock.Clock, logger *slog.Logger) *Pipeline {
	d := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = d.EventTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = d.TickInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = d.FlushTimeout
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pipeline{
		cfg:     cfg,
		queue:   q,
		handler: h,
		clock:   clk,
		logger:  logger,
		limiter: logging.NewLimiter(logger, 0),
	}
}

// Run consumes until ctx is done, then flushes whatever the handler still
// holds.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.flush(ctx)
	for {
		waitCtx, cancel := context.WithTimeout(ctx, p.cfg.TickInterval)
		items, err := p.queue.NextBatch(waitCtx, p.cfg.BatchSize)
		cancel()
		if ctx.Err() != nil {
			if len(items) > 0 {
				p.queue.Return(items)
			}
			return nil
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if len(items) > 0 {
			p.process(ctx, items)
		}
		p.tick(ctx)
	}
}

// process handles a batch. Before each event below high priority it checks
// for a waiting high-priority item and, if there is one, hands the rest of
// the batch back so the next batch starts with it.
func (p *Pipeline) process(ctx context.Context, items []queue.Item) {
	p.batches.Add(1)
	p.mu.Lock()
	p.lastBatch = p.clock.Now()
	p.mu.Unlock()

	for i, it := range items {
		if ctx.Err() != nil {
			p.queue.Return(items[i:])
			return
		}
		if i > 0 && it.Priority < event.PriorityHigh && p.queue.HasHigh() {
			p.queue.Return(items[i:])
			p.preempted.Add(1)
			p.logger.Debug("batch preempted by high priority event", "returned", len(items)-i)
			return
		}
		p.handle(ctx, it)
	}
}

func (p *Pipeline) handle(ctx context.Context, it queue.Item) {
	ectx, cancel := context.WithTimeout(ctx, p.cfg.EventTimeout)
	err := p.handler.Handle(ectx, it.Event)
	cancel()
	if err == nil {
		p.processed.Add(1)
		return
	}
	if ctx.Err() != nil {
		// Shutting down: not the event's fault.
		p.queue.Return([]queue.Item{it})
		return
	}

	p.failed.Add(1)
	p.mu.Lock()
	p.lastError = err.Error()
	p.mu.Unlock()
	p.limiter.Warn("handle:"+string(it.Event.Kind), "event failed, requeueing",
		"event_id", it.Event.ID, "kind", it.Event.Kind, "retries", it.Retries, "error", err)
	if err := p.queue.Fail(ctx, it, err); err != nil {
		p.limiter.Error("dead-letter", "storing dead letter failed", "event_id", it.Event.ID, "error", err)
	}
}

func (p *Pipeline) tick(ctx context.Context) {
	now := p.clock.Now()
	p.mu.Lock()
	due := now.Sub(p.lastTick) >= p.cfg.TickInterval || now.Before(p.lastTick)
	if due {
		p.lastTick = now
	}
	p.mu.Unlock()
	if !due {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, p.cfg.EventTimeout)
	defer cancel()
	if err := p.handler.Tick(tctx, now); err != nil && ctx.Err() == nil {
		p.limiter.Warn("tick", "correlator tick failed", "error", err)
	}
}

func (p *Pipeline) flush(ctx context.Context) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FlushTimeout)
	defer cancel()
	if err := p.handler.Flush(fctx); err != nil {
		p.logger.Error("flushing correlator at shutdown", "error", err)
	}
}

// Drain processes everything queued right now and flushes the handler.
// Replay uses it instead of Run.
func (p *Pipeline) Drain(ctx context.Context) error {
	for p.queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, p.cfg.TickInterval)
		items, err := p.queue.NextBatch(waitCtx, p.cfg.BatchSize)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if len(items) > 0 {
			p.process(ctx, items)
		}
	}
	return p.handler.Flush(ctx)
}

// Stats returns the consumer counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Batches:   p.batches.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Preempted: p.preempted.Load(),
		LastError: p.lastError,
		LastBatch: p.lastBatch,
	}
}

// DeadLetters returns a queue.DeadLetterFunc that stores exhausted items.
func DeadLetters(s *store.Store) queue.DeadLetterFunc {
	return func(ctx context.Context, it queue.Item, cause error) error {
		raw, err := json.Marshal(it.Event)
		if err != nil {
			return err
		}
		last := it.LastError
		if cause != nil {
			last = cause.Error()
		}
		fp := it.Event.Fingerprint
		if fp == "" {
			fp = it.Event.ID
		}
		_, err = s.Write(ctx, func(tx *store.Tx) error {
			_, err := tx.InsertDeadLetter(&store.DeadLetter{
				CreatedAt:   it.Event.CreatedAt,
				Workspace:   it.Event.Workspace,
				EventID:     it.Event.ID,
				Source:      string(it.Event.Source),
				Kind:        string(it.Event.Kind),
				Retries:     it.Retries,
				LastError:   last,
				Event:       raw,
				Fingerprint: "dl:" + fp,
			})
			return err
		})
		return err
	}
}

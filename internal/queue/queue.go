// Package queue implements the in-memory priority ingest queue that sits
// between the sources and the correlator.
package queue

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/event"
	"github.com/ziadkadry99/devtrail/internal/logging"
	"github.com/ziadkadry99/devtrail/internal/ring"
)

const levels = 3

// Config tunes a Queue. Zero values fall back to the defaults.
type Config struct {
	MaxSize      int
	DedupeWindow int
	MaxRetries   int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// DefaultConfig returns the stock queue settings.
func DefaultConfig() Config {
	return Config{
		MaxSize:      10000,
		DedupeWindow: 4096,
		MaxRetries:   3,
		BaseBackoff:  250 * time.Millisecond,
		MaxBackoff:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = d.DedupeWindow
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	return c
}

// Item is a queued event plus its delivery bookkeeping.
type Item struct {
	Event     event.RawEvent
	Priority  event.Priority
	Retries   int
	LastError string
	NotBefore time.Time
}

// DeadLetterFunc receives items that exhausted their retries.
type DeadLetterFunc func(ctx context.Context, it Item, cause error) error

// Stats is a point-in-time view of the queue counters.
type Stats struct {
	Len          int     `json:"len"`
	High         int     `json:"high"`
	Medium       int     `json:"medium"`
	Low          int     `json:"low"`
	MaxSize      int     `json:"max_size"`
	Pressure     float64 `json:"pressure"`
	Admitted     uint64  `json:"admitted"`
	Merged       uint64  `json:"merged"`
	Deduped      uint64  `json:"deduped"`
	Rejected     uint64  `json:"rejected"`
	EvictedLow   uint64  `json:"evicted_low"`
	EvictedMed   uint64  `json:"evicted_medium"`
	Requeued     uint64  `json:"requeued"`
	DeadLettered uint64  `json:"dead_lettered"`
}

// Queue is a bounded three-level priority queue with fingerprint dedupe.
// It is safe for concurrent use.
type Queue struct {
	cfg        Config
	clock      clock.Clock
	logger     *slog.Logger
	deadLetter DeadLetterFunc

	mu     sync.Mutex
	levels [levels]*list.List
	byFP   map[string]*list.Element
	recent *ring.Buffer[string]
	seen   map[string]int
	notify chan struct{}
	stats  Stats
}

// New creates a queue. deadLetter may be nil, in which case exhausted items
// are only logged.
func New(cfg Config, clk clock.Clock, logger *slog.Logger, deadLetter DeadLetterFunc) *Queue {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	q := &Queue{
		cfg:        cfg,
		clock:      clk,
		logger:     logger,
		deadLetter: deadLetter,
		byFP:       make(map[string]*list.Element),
		recent:     ring.New[string](cfg.DedupeWindow),
		seen:       make(map[string]int),
		notify:     make(chan struct{}, 1),
	}
	for i := range q.levels {
		q.levels[i] = list.New()
	}
	return q
}

// Admit enqueues ev at its priority. Duplicates of a queued fingerprint
// are merged into the queued item; duplicates of a recently dequeued
// fingerprint are dropped. When the queue is full a Conflict error is
// returned unless room can be made by evicting lower-priority items.
func (q *Queue) Admit(ev event.RawEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ev.Fingerprint != "" {
		if el, ok := q.byFP[ev.Fingerprint]; ok {
			q.merge(el, ev, true)
			q.stats.Merged++
			return nil
		}
		if q.seen[ev.Fingerprint] > 0 {
			q.stats.Deduped++
			return nil
		}
	}

	prio := clampPriority(ev.Priority)
	if q.lenLocked() >= q.cfg.MaxSize && !q.makeRoom(prio) {
		q.stats.Rejected++
		return apperr.New(apperr.KindConflict, "queue.Admit",
			fmt.Sprintf("queue full (%d), %s %s event rejected", q.cfg.MaxSize, prio, ev.Kind))
	}

	q.pushBack(&Item{Event: ev, Priority: prio})
	q.stats.Admitted++
	q.signal()
	return nil
}

// merge folds ev into the queued item: the earliest CreatedAt is retained
// and the priority only ever rises. When newer is set, ev's payload
// replaces the queued one (last write wins).
func (q *Queue) merge(el *list.Element, ev event.RawEvent, newer bool) {
	it := el.Value.(*Item)
	created := it.Event.CreatedAt
	at := it.Event.At
	if ev.CreatedAt.Before(created) {
		created = ev.CreatedAt
	}
	if ev.At.Before(at) {
		at = ev.At
	}
	if newer {
		id := it.Event.ID
		it.Event = ev
		it.Event.ID = id
	}
	it.Event.CreatedAt = created
	it.Event.At = at

	if p := clampPriority(ev.Priority); p > it.Priority {
		q.levels[it.Priority].Remove(el)
		it.Priority = p
		q.byFP[ev.Fingerprint] = q.levels[p].PushBack(it)
	}
}

// makeRoom evicts one item strictly below prio. Low admissions never evict.
func (q *Queue) makeRoom(prio event.Priority) bool {
	for lvl := event.PriorityLow; lvl < prio; lvl++ {
		front := q.levels[lvl].Front()
		if front == nil {
			continue
		}
		it := q.remove(front)
		if lvl == event.PriorityLow {
			q.stats.EvictedLow++
		} else {
			q.stats.EvictedMed++
		}
		q.logger.Debug("evicted queued event", "priority", lvl.String(), "kind", it.Event.Kind, "source", it.Event.Source)
		return true
	}
	return false
}

// NextBatch blocks until at least one item is ready and returns up to max
// of them, highest priority first. Items still backing off are skipped.
func (q *Queue) NextBatch(ctx context.Context, max int) ([]Item, error) {
	if max <= 0 {
		max = 1
	}
	for {
		q.mu.Lock()
		batch, wait := q.takeLocked(max)
		q.mu.Unlock()
		if len(batch) > 0 {
			return batch, nil
		}

		var (
			t     *time.Timer
			timer <-chan time.Time
		)
		if wait > 0 {
			t = time.NewTimer(wait)
			timer = t.C
		}
		select {
		case <-ctx.Done():
			err := ctx.Err()
			if t != nil {
				t.Stop()
			}
			return nil, err
		case <-q.notify:
		case <-timer:
		}
		if t != nil {
			t.Stop()
		}
	}
}

// takeLocked pops ready items. When none are ready but some are backing
// off, wait is the time until the earliest becomes ready.
func (q *Queue) takeLocked(max int) ([]Item, time.Duration) {
	now := q.clock.Now()
	var (
		batch    []Item
		earliest time.Time
	)
	for lvl := event.PriorityHigh; lvl >= event.PriorityLow && len(batch) < max; lvl-- {
		for el := q.levels[lvl].Front(); el != nil && len(batch) < max; {
			next := el.Next()
			it := el.Value.(*Item)
			if it.NotBefore.After(now) {
				if earliest.IsZero() || it.NotBefore.Before(earliest) {
					earliest = it.NotBefore
				}
				el = next
				continue
			}
			q.remove(el)
			q.remember(it.Event.Fingerprint)
			batch = append(batch, *it)
			el = next
		}
	}
	if len(batch) > 0 || earliest.IsZero() {
		return batch, 0
	}
	return nil, earliest.Sub(now)
}

// remember records fp in the dedupe window of dequeued fingerprints.
func (q *Queue) remember(fp string) {
	if fp == "" {
		return
	}
	q.seen[fp]++
	if old, evicted := q.recent.Push(fp); evicted {
		if q.seen[old]--; q.seen[old] <= 0 {
			delete(q.seen, old)
		}
	}
}

// HasHigh reports whether a ready high-priority item is waiting.
func (q *Queue) HasHigh() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	for el := q.levels[event.PriorityHigh].Front(); el != nil; el = el.Next() {
		if !el.Value.(*Item).NotBefore.After(now) {
			return true
		}
	}
	return false
}

// Return puts unprocessed items back at the front of their level without
// counting a retry. It is used when a batch is preempted.
func (q *Queue) Return(items []Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if it.Event.Fingerprint != "" {
			if el, ok := q.byFP[it.Event.Fingerprint]; ok {
				q.merge(el, it.Event, false)
				continue
			}
		}
		el := q.levels[it.Priority].PushFront(&it)
		if it.Event.Fingerprint != "" {
			q.byFP[it.Event.Fingerprint] = el
		}
	}
	q.signal()
}

// Fail records a downstream failure for it. The item is requeued one level
// lower after a bounded backoff, or dead-lettered once it has used up
// MaxRetries. The returned error is only non-nil when dead-lettering fails.
func (q *Queue) Fail(ctx context.Context, it Item, cause error) error {
	it.Retries++
	if cause != nil {
		it.LastError = cause.Error()
	}

	if it.Retries > q.cfg.MaxRetries {
		return q.bury(ctx, it, cause)
	}

	it.Priority = it.Priority.Lower()
	it.NotBefore = q.clock.Now().Add(q.retryDelay(it.Retries))

	q.mu.Lock()
	if it.Event.Fingerprint != "" {
		if el, ok := q.byFP[it.Event.Fingerprint]; ok {
			// A newer copy arrived meanwhile; it supersedes the retry.
			q.merge(el, it.Event, false)
			q.mu.Unlock()
			return nil
		}
	}
	if q.lenLocked() >= q.cfg.MaxSize && !q.makeRoom(it.Priority+1) {
		q.mu.Unlock()
		return q.bury(ctx, it, apperr.Conflictf("queue full on requeue: %v", cause))
	}
	q.pushBack(&it)
	q.stats.Requeued++
	q.signal()
	q.mu.Unlock()

	q.logger.Debug("requeued event", "event_id", it.Event.ID, "retries", it.Retries, "priority", it.Priority.String(), "error", cause)
	return nil
}

func (q *Queue) bury(ctx context.Context, it Item, cause error) error {
	q.mu.Lock()
	q.stats.DeadLettered++
	q.mu.Unlock()

	q.logger.Warn("dead-lettering event", "event_id", it.Event.ID, "source", it.Event.Source, "kind", it.Event.Kind, "retries", it.Retries, "error", cause)
	if q.deadLetter == nil {
		return nil
	}
	return q.deadLetter(ctx, it, cause)
}

// retryDelay is the wait before the given retry: BaseBackoff doubling per
// retry up to MaxBackoff.
func (q *Queue) retryDelay(retries int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval: q.cfg.BaseBackoff,
		Multiplier:      2,
		MaxInterval:     q.cfg.MaxBackoff,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < retries; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Pressure is the fill ratio in [0, 1]. Sources read it to slow down.
func (q *Queue) Pressure() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pressureLocked()
}

func (q *Queue) pressureLocked() float64 {
	p := float64(q.lenLocked()) / float64(q.cfg.MaxSize)
	if p > 1 {
		return 1
	}
	return p
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Low = q.levels[event.PriorityLow].Len()
	s.Medium = q.levels[event.PriorityMedium].Len()
	s.High = q.levels[event.PriorityHigh].Len()
	s.Len = s.Low + s.Medium + s.High
	s.MaxSize = q.cfg.MaxSize
	s.Pressure = q.pressureLocked()
	return s
}

func (q *Queue) lenLocked() int {
	n := 0
	for _, l := range q.levels {
		n += l.Len()
	}
	return n
}

func (q *Queue) pushBack(it *Item) {
	el := q.levels[it.Priority].PushBack(it)
	if it.Event.Fingerprint != "" {
		q.byFP[it.Event.Fingerprint] = el
	}
}

func (q *Queue) remove(el *list.Element) *Item {
	it := el.Value.(*Item)
	q.levels[it.Priority].Remove(el)
	if it.Event.Fingerprint != "" {
		delete(q.byFP, it.Event.Fingerprint)
	}
	return it
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func clampPriority(p event.Priority) event.Priority {
	switch {
	case p < event.PriorityLow:
		return event.PriorityLow
	case p > event.PriorityHigh:
		return event.PriorityHigh
	}
	return p
}

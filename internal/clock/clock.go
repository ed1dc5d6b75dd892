// Package clock provides wall-clock access, the process-wide sequence
// counter, and opaque record IDs.
package clock

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Clock reports the current wall-clock time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns the real wall clock.
func System() Clock { return systemClock{} }

// Fake is a manually driven clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock set to t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock by d. A negative d moves it backwards.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set jumps the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Sequencer hands out strictly increasing sequence numbers. It is not tied
// to the wall clock, so clock skew cannot reorder it.
type Sequencer struct {
	last atomic.Int64
}

// NewSequencer returns a sequencer whose next value is start+1.
func NewSequencer(start int64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

// Next returns the next sequence number.
func (s *Sequencer) Next() int64 {
	return s.last.Add(1)
}

// Current returns the most recently issued sequence number.
func (s *Sequencer) Current() int64 {
	return s.last.Load()
}

// Reseed raises the counter to at least max. It never lowers it.
func (s *Sequencer) Reseed(max int64) {
	for {
		cur := s.last.Load()
		if max <= cur {
			return
		}
		if s.last.CompareAndSwap(cur, max) {
			return
		}
	}
}

// NewID returns a new opaque, time-ordered identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Package bus is the in-process subscription bus. Committed store changes
// are fanned out to subscribers, each with its own bounded ring.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ziadkadry99/devtrail/internal/logging"
	"github.com/ziadkadry99/devtrail/internal/ring"
	"github.com/ziadkadry99/devtrail/internal/store"
)

// TopicAll matches every kind.
const TopicAll = "*"

// DefaultBuffer is the per-subscriber ring size.
const DefaultBuffer = 1024

// Message is what subscribers receive. They re-read the store for payloads.
type Message struct {
	Topic     string     `json:"topic"`
	Kind      store.Kind `json:"kind"`
	ID        string     `json:"id"`
	Seq       int64      `json:"seq"`
	Op        store.Op   `json:"op"`
	Workspace string     `json:"workspace,omitempty"`
}

// Stats summarises bus activity.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

// Bus fans out change notifications. It never calls back into subscribers;
// delivery is a ring push plus a wakeup signal.
type Bus struct {
	buffer int
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a bus with the given per-subscriber buffer.
func New(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bus{buffer: buffer, logger: logger, subs: make(map[uint64]*Subscription)}
}

// Hook adapts the bus to a store change hook.
func (b *Bus) Hook() store.ChangeHook {
	return b.Publish
}

// Publish delivers changes to every matching subscriber. It never blocks.
func (b *Bus) Publish(changes []store.Change) {
	if len(changes) == 0 {
		return
	}
	b.published.Add(uint64(len(changes)))

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		for _, c := range changes {
			if sub.push(c) {
				b.delivered.Add(1)
			}
		}
	}
}

// Subscribe registers a subscriber. No topics, or TopicAll, means every kind.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		bus:    b,
		ring:   ring.New[Message](b.buffer),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	sub.SetTopics(topics)
	b.subs[sub.id] = sub
	b.logger.Debug("subscriber added", "id", sub.id, "topics", topics)
	return sub
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		b.dropped.Add(sub.Dropped())
		delete(b.subs, id)
	}
}

// Stats returns the bus counters, including drops of live subscribers.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Stats{
		Subscribers: len(b.subs),
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
	}
	for _, sub := range b.subs {
		s.Dropped += sub.Dropped()
	}
	return s
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id  uint64
	bus *Bus

	mu      sync.Mutex
	topics  map[string]bool
	ring    *ring.Buffer[Message]
	lastSeq int64
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

// SetTopics replaces the topic filter.
func (s *Subscription) SetTopics(topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = make(map[string]bool, len(topics))
	for _, t := range topics {
		s.topics[t] = true
	}
	if len(s.topics) == 0 {
		s.topics[TopicAll] = true
	}
}

func (s *Subscription) push(c store.Change) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || c.Seq <= s.lastSeq {
		return false
	}
	topic := string(c.Kind)
	if !s.topics[TopicAll] && !s.topics[topic] {
		return false
	}
	s.ring.Push(Message{Topic: topic, Kind: c.Kind, ID: c.ID, Seq: c.Seq, Op: c.Op, Workspace: c.Workspace})
	s.lastSeq = c.Seq
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled when messages may be available.
func (s *Subscription) Ready() <-chan struct{} { return s.notify }

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Drain returns every buffered message, oldest first.
func (s *Subscription) Drain() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Drain()
}

// Next blocks until messages are buffered, the subscription closes or ctx
// ends. A closed subscription returns a nil slice and nil error.
func (s *Subscription) Next(ctx context.Context) ([]Message, error) {
	for {
		if msgs := s.Drain(); len(msgs) > 0 {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, nil
		case <-s.notify:
		}
	}
}

// Dropped is the number of messages overwritten because the reader lagged.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Dropped()
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	s.bus.remove(s.id)
}

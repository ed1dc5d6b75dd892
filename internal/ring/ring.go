// Package ring implements a fixed-capacity FIFO ring buffer.
package ring

import "errors"

// ErrFull is returned by TryPush when the buffer is at capacity.
var ErrFull = errors.New("ring: buffer full")

// Buffer is a FIFO of fixed capacity. It is not safe for concurrent use.
type Buffer[T any] struct {
	items   []T
	head    int
	size    int
	dropped uint64
}

// New returns a buffer holding at most capacity items. Capacity is clamped to 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int { return b.size }

// Dropped returns how many items Push has overwritten.
func (b *Buffer[T]) Dropped() uint64 { return b.dropped }

// TryPush appends v or returns ErrFull without modifying the buffer.
func (b *Buffer[T]) TryPush(v T) error {
	if b.size == len(b.items) {
		return ErrFull
	}
	b.items[(b.head+b.size)%len(b.items)] = v
	b.size++
	return nil
}

// Push appends v. When full, the oldest item is overwritten and returned
// with evicted=true, and the drop counter is incremented.
func (b *Buffer[T]) Push(v T) (old T, evicted bool) {
	if b.size < len(b.items) {
		b.items[(b.head+b.size)%len(b.items)] = v
		b.size++
		return old, false
	}
	old = b.items[b.head]
	b.items[b.head] = v
	b.head = (b.head + 1) % len(b.items)
	b.dropped++
	return old, true
}

// Pop removes and returns the oldest item.
func (b *Buffer[T]) Pop() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	v := b.items[b.head]
	b.items[b.head] = zero
	b.head = (b.head + 1) % len(b.items)
	b.size--
	return v, true
}

// Drain removes and returns every buffered item, oldest first.
func (b *Buffer[T]) Drain() []T {
	out := make([]T, 0, b.size)
	for b.size > 0 {
		v, _ := b.Pop()
		out = append(out, v)
	}
	return out
}

// Each calls fn for every buffered item, oldest first.
func (b *Buffer[T]) Each(fn func(T)) {
	for i := 0; i < b.size; i++ {
		fn(b.items[(b.head+i)%len(b.items)])
	}
}

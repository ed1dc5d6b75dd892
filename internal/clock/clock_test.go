package clock

import (
	"sync"
	"testing"
	"time"
)

func TestSequencerMonotonic(t *testing.T) {
	s := NewSequencer(10)
	prev := s.Current()
	for i := 0; i < 100; i++ {
		n := s.Next()
		if n <= prev {
			t.Fatalf("Next() = %d after %d", n, prev)
		}
		prev = n
	}
}

func TestSequencerConcurrentUnique(t *testing.T) {
	s := NewSequencer(0)
	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				n := s.Next()
				mu.Lock()
				if seen[n] {
					t.Errorf("duplicate seq %d", n)
				}
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 4000 {
		t.Errorf("expected 4000 unique values, got %d", len(seen))
	}
}

func TestSequencerReseedNeverLowers(t *testing.T) {
	s := NewSequencer(50)
	s.Reseed(20)
	if s.Current() != 50 {
		t.Errorf("Reseed lowered counter to %d", s.Current())
	}
	s.Reseed(99)
	if got := s.Next(); got != 100 {
		t.Errorf("Next after Reseed(99) = %d, want 100", got)
	}
}

func TestSequencerIgnoresClockBackwards(t *testing.T) {
	fake := NewFake(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	s := NewSequencer(0)
	a := s.Next()
	fake.Advance(-time.Hour)
	b := s.Next()
	if b <= a {
		t.Errorf("seq went backwards with the clock: %d then %d", a, b)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if id == "" || seen[id] {
			t.Fatalf("bad or duplicate id %q", id)
		}
		seen[id] = true
	}
}

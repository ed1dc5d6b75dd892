package ring

import (
	"errors"
	"testing"
)

func TestTryPushRejectsPastCapacity(t *testing.T) {
	b := New[int](3)
	for i := 0; i < 3; i++ {
		if err := b.TryPush(i); err != nil {
			t.Fatalf("TryPush(%d): %v", i, err)
		}
	}
	if err := b.TryPush(3); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if b.Len() != 3 {
		t.Errorf("Len = %d, want 3", b.Len())
	}
	if b.Dropped() != 0 {
		t.Errorf("TryPush must not count drops, got %d", b.Dropped())
	}
}

func TestPushOverwritesOldest(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	if b.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", b.Dropped())
	}
	got := b.Drain()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("Drain = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Drain[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPushReturnsEvicted(t *testing.T) {
	b := New[string](1)
	if _, evicted := b.Push("a"); evicted {
		t.Fatal("first push should not evict")
	}
	old, evicted := b.Push("b")
	if !evicted || old != "a" {
		t.Errorf("Push = (%q, %v), want (a, true)", old, evicted)
	}
}

func TestPopEmpty(t *testing.T) {
	b := New[int](2)
	if _, ok := b.Pop(); ok {
		t.Error("Pop on empty buffer should report false")
	}
}

func TestEachOrder(t *testing.T) {
	b := New[int](4)
	for i := 0; i < 6; i++ {
		b.Push(i)
	}
	var seen []int
	b.Each(func(v int) { seen = append(seen, v) })
	if len(seen) != 4 || seen[0] != 2 || seen[3] != 5 {
		t.Errorf("Each order = %v", seen)
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/event"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func rawEvent(fp string, prio event.Priority, at time.Time, payload string) event.RawEvent {
	return event.RawEvent{
		ID:          clock.NewID(),
		Source:      event.SourceFileWatcher,
		Kind:        event.KindFileTouch,
		Priority:    prio,
		At:          at,
		CreatedAt:   at,
		Fingerprint: fp,
		Payload:     []byte(payload),
	}
}

func newQueue(t *testing.T, cfg Config) (*Queue, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	return New(cfg, clk, nil, nil), clk
}

func TestAdmit_PriorityOrder(t *testing.T) {
	q, _ := newQueue(t, Config{MaxSize: 10})
	require.NoError(t, q.Admit(rawEvent("a", event.PriorityLow, t0, `1`)))
	require.NoError(t, q.Admit(rawEvent("b", event.PriorityHigh, t0, `2`)))
	require.NoError(t, q.Admit(rawEvent("c", event.PriorityMedium, t0, `3`)))

	batch, err := q.NextBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, "b", batch[0].Event.Fingerprint)
	assert.Equal(t, "c", batch[1].Event.Fingerprint)
	assert.Equal(t, "a", batch[2].Event.Fingerprint)
}

func TestAdmit_DedupeMergesQueued(t *testing.T) {
	q, _ := newQueue(t, Config{MaxSize: 10})
	first := rawEvent("same", event.PriorityLow, t0, `{"v":1}`)
	second := rawEvent("same", event.PriorityMedium, t0.Add(50*time.Millisecond), `{"v":2}`)

	require.NoError(t, q.Admit(first))
	require.NoError(t, q.Admit(second))
	assert.Equal(t, 1, q.Len())

	batch, err := q.NextBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	it := batch[0]
	assert.Equal(t, first.ID, it.Event.ID)
	assert.JSONEq(t, `{"v":2}`, string(it.Event.Payload), "payload is last-write-wins")
	assert.Equal(t, t0, it.Event.CreatedAt, "earliest created_at retained")
	assert.Equal(t, event.PriorityMedium, it.Priority)
	assert.EqualValues(t, 1, q.Stats().Merged)
}

func TestAdmit_DedupeAfterDequeue(t *testing.T) {
	q, _ := newQueue(t, Config{MaxSize: 10, DedupeWindow: 2})
	require.NoError(t, q.Admit(rawEvent("x", event.PriorityLow, t0, `1`)))
	_, err := q.NextBatch(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, q.Admit(rawEvent("x", event.PriorityLow, t0, `1`)))
	assert.Equal(t, 0, q.Len(), "recently dequeued fingerprint dropped")
	assert.EqualValues(t, 1, q.Stats().Deduped)

	// Push x out of the window.
	for _, fp := range []string{"y", "z"} {
		require.NoError(t, q.Admit(rawEvent(fp, event.PriorityLow, t0, `1`)))
		_, err := q.NextBatch(context.Background(), 1)
		require.NoError(t, err)
	}
	require.NoError(t, q.Admit(rawEvent("x", event.PriorityLow, t0, `1`)))
	assert.Equal(t, 1, q.Len())
}

func TestAdmit_Backpressure(t *testing.T) {
	q, _ := newQueue(t, Config{MaxSize: 100})
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Admit(rawEvent(fmt.Sprintf("low-%d", i), event.PriorityLow, t0, `1`)))
	}
	assert.InDelta(t, 1.0, q.Pressure(), 1e-9)

	for i := 0; i < 50; i++ {
		err := q.Admit(rawEvent(fmt.Sprintf("late-low-%d", i), event.PriorityLow, t0, `1`))
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindConflict))
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, q.Admit(rawEvent(fmt.Sprintf("high-%d", i), event.PriorityHigh, t0, `1`)))
	}

	st := q.Stats()
	assert.Equal(t, 100, st.Len)
	assert.Equal(t, 50, st.High)
	assert.Equal(t, 50, st.Low)
	assert.EqualValues(t, 50, st.Rejected)
	assert.EqualValues(t, 50, st.EvictedLow)

	// The oldest lows went first.
	batch, err := q.NextBatch(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, "low-50", batch[50].Event.Fingerprint)
}

func TestAdmit_HighNeverDroppedSilently(t *testing.T) {
	q, _ := newQueue(t, Config{MaxSize: 2})
	require.NoError(t, q.Admit(rawEvent("m", event.PriorityMedium, t0, `1`)))
	require.NoError(t, q.Admit(rawEvent("h1", event.PriorityHigh, t0, `1`)))
	require.NoError(t, q.Admit(rawEvent("h2", event.PriorityHigh, t0, `1`)), "evicts the medium")

	err := q.Admit(rawEvent("h3", event.PriorityHigh, t0, `1`))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.EqualValues(t, 1, q.Stats().EvictedMed)

	err = q.Admit(rawEvent("m2", event.PriorityMedium, t0, `1`))
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestFail_RequeuesLowerWithBackoff(t *testing.T) {
	q, clk := newQueue(t, Config{MaxSize: 10, MaxRetries: 3, BaseBackoff: time.Second, MaxBackoff: 4 * time.Second})
	require.NoError(t, q.Admit(rawEvent("f", event.PriorityHigh, t0, `1`)))

	batch, err := q.NextBatch(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, q.Fail(context.Background(), batch[0], errors.New("boom")))

	assert.False(t, q.HasHigh())
	st := q.Stats()
	assert.Equal(t, 1, st.Medium)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.NextBatch(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "item still backing off")

	clk.Advance(time.Second)
	batch, err = q.NextBatch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, batch[0].Retries)
	assert.Equal(t, "boom", batch[0].LastError)
	assert.Equal(t, event.PriorityMedium, batch[0].Priority)
}

func TestRetryDelay(t *testing.T) {
	q, _ := newQueue(t, Config{MaxSize: 10, BaseBackoff: time.Second, MaxBackoff: 5 * time.Second})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, q.retryDelay(i+1), "retry %d", i+1)
	}
}

func TestFail_DeadLetterAfterMaxRetries(t *testing.T) {
	clk := clock.NewFake(t0)
	var buried []Item
	q := New(Config{MaxSize: 10, MaxRetries: 2, BaseBackoff: time.Millisecond}, clk, nil,
		func(_ context.Context, it Item, _ error) error {
			buried = append(buried, it)
			return nil
		})
	require.NoError(t, q.Admit(rawEvent("d", event.PriorityHigh, t0, `1`)))

	for i := 0; i < 3; i++ {
		clk.Advance(time.Minute)
		batch, err := q.NextBatch(context.Background(), 1)
		require.NoError(t, err)
		require.NoError(t, q.Fail(context.Background(), batch[0], errors.New("nope")))
	}

	require.Len(t, buried, 1)
	assert.Equal(t, 3, buried[0].Retries)
	assert.Equal(t, 0, q.Len())
	assert.EqualValues(t, 1, q.Stats().DeadLettered)
	assert.EqualValues(t, 2, q.Stats().Requeued)
}

func TestReturn_PreservesOrder(t *testing.T) {
	q, _ := newQueue(t, Config{MaxSize: 10})
	for _, fp := range []string{"1", "2", "3"} {
		require.NoError(t, q.Admit(rawEvent(fp, event.PriorityLow, t0, `1`)))
	}
	batch, err := q.NextBatch(context.Background(), 3)
	require.NoError(t, err)

	q.Return(batch[1:])
	require.NoError(t, q.Admit(rawEvent("4", event.PriorityLow, t0, `1`)))

	batch, err = q.NextBatch(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, []string{"2", "3", "4"}, []string{batch[0].Event.Fingerprint, batch[1].Event.Fingerprint, batch[2].Event.Fingerprint})
	assert.Zero(t, batch[0].Retries)
}

func TestNextBatch_WakesOnAdmit(t *testing.T) {
	q, _ := newQueue(t, Config{MaxSize: 10})
	done := make(chan []Item, 1)
	go func() {
		batch, _ := q.NextBatch(context.Background(), 5)
		done <- batch
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Admit(rawEvent("w", event.PriorityLow, t0, `1`)))

	select {
	case batch := <-done:
		require.Len(t, batch, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("NextBatch did not wake up")
	}
}

func TestHasHigh(t *testing.T) {
	q, _ := newQueue(t, Config{MaxSize: 10})
	assert.False(t, q.HasHigh())
	require.NoError(t, q.Admit(rawEvent("", event.PriorityHigh, t0, `1`)))
	require.NoError(t, q.Admit(rawEvent("", event.PriorityHigh, t0, `1`)))
	assert.True(t, q.HasHigh())
	assert.Equal(t, 2, q.Len(), "events without fingerprint are never merged")
}

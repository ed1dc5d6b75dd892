package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/devtrail/internal/store"
)

func change(kind store.Kind, seq int64) store.Change {
	return store.Change{Kind: kind, ID: string(kind), Seq: seq, Op: store.OpInsert}
}

func TestPublish_TopicFilter(t *testing.T) {
	b := New(8, nil)
	all := b.Subscribe()
	prompts := b.Subscribe("prompt")
	defer all.Close()
	defer prompts.Close()

	b.Publish([]store.Change{change(store.KindPrompt, 1), change(store.KindFileChange, 2), change(store.KindActivity, 3)})

	assert.Len(t, all.Drain(), 3)
	got := prompts.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, "prompt", got[0].Topic)
	assert.EqualValues(t, 1, got[0].Seq)
}

func TestPublish_MonotonicAtMostOnce(t *testing.T) {
	b := New(8, nil)
	sub := b.Subscribe(TopicAll)
	defer sub.Close()

	b.Publish([]store.Change{change(store.KindPrompt, 5)})
	b.Publish([]store.Change{change(store.KindPrompt, 5), change(store.KindPrompt, 4), change(store.KindPrompt, 6)})

	msgs := sub.Drain()
	require.Len(t, msgs, 2)
	assert.EqualValues(t, 5, msgs[0].Seq)
	assert.EqualValues(t, 6, msgs[1].Seq)
}

func TestPublish_OverflowDropsOldest(t *testing.T) {
	b := New(3, nil)
	sub := b.Subscribe()
	defer sub.Close()

	for i := int64(1); i <= 5; i++ {
		b.Publish([]store.Change{change(store.KindActivity, i)})
	}
	msgs := sub.Drain()
	require.Len(t, msgs, 3)
	assert.EqualValues(t, 3, msgs[0].Seq)
	assert.EqualValues(t, 2, sub.Dropped())
	assert.EqualValues(t, 2, b.Stats().Dropped)
}

func TestNext_BlocksUntilPublish(t *testing.T) {
	b := New(8, nil)
	sub := b.Subscribe("activity")
	defer sub.Close()

	got := make(chan []Message, 1)
	go func() {
		msgs, _ := sub.Next(context.Background())
		got <- msgs
	}()
	time.Sleep(10 * time.Millisecond)
	b.Publish([]store.Change{change(store.KindActivity, 1)})

	select {
	case msgs := <-got:
		require.Len(t, msgs, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return")
	}
}

func TestClose_UnblocksAndUnregisters(t *testing.T) {
	b := New(8, nil)
	sub := b.Subscribe()
	assert.Equal(t, 1, b.Stats().Subscribers)

	done := make(chan struct{})
	go func() {
		msgs, err := sub.Next(context.Background())
		assert.NoError(t, err)
		assert.Nil(t, msgs)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	sub.Close()
	sub.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
	assert.Equal(t, 0, b.Stats().Subscribers)

	b.Publish([]store.Change{change(store.KindPrompt, 1)})
	assert.Empty(t, sub.Drain())
}

func TestHook_FromStoreWrite(t *testing.T) {
	b := New(8, nil)
	sub := b.Subscribe("prompt")
	defer sub.Close()

	hook := b.Hook()
	hook([]store.Change{change(store.KindPrompt, 10)})
	msgs := sub.Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, "prompt", msgs[0].ID)
}

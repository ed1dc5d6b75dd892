package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/bus"
	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/db"
	"github.com/ziadkadry99/devtrail/internal/store"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func setupService(t *testing.T) (*Service, *store.Store, *clock.Fake) {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	clk := clock.NewFake(t0)
	s, err := store.NewStore(context.Background(), database, clk)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return New(DefaultConfig(), s, clk, nil), s, clk
}

func addActivities(t *testing.T, s *store.Store, n int, ws string) {
	t.Helper()
	_, err := s.Write(context.Background(), func(tx *store.Tx) error {
		for i := 0; i < n; i++ {
			a := &store.Activity{
				CreatedAt: t0.Add(time.Duration(i) * time.Second),
				Workspace: ws,
				Kind:      store.ActivityStatus,
				RefID:     fmt.Sprintf("ref-%s-%d", ws, i),
				Summary:   "note",
			}
			if _, err := tx.InsertActivity(a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inserting activities: %v", err)
	}
}

func TestCache(t *testing.T) {
	clk := clock.NewFake(t0)
	c := NewCache(10*time.Second, clk)

	c.Put("a", []store.Kind{store.KindPrompt}, 1)
	c.Put("b", []store.Kind{store.KindFileChange, store.KindPrompt}, 2)
	c.Put("c", []store.Kind{store.KindTerminal}, 3)

	if v, ok := c.Get("a"); !ok || v.(int) != 1 {
		t.Fatalf("Get(a) = %v, %v", v, ok)
	}
	if n := c.Invalidate(store.KindPrompt); n != 2 {
		t.Errorf("Invalidate(prompt) dropped %d, want 2", n)
	}
	if _, ok := c.Get("b"); ok {
		t.Error("b should be gone")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("c should survive a prompt write")
	}

	clk.Advance(10 * time.Second)
	if _, ok := c.Get("c"); ok {
		t.Error("c should have expired")
	}

	st := c.Stats()
	if st.Hits != 2 || st.Misses != 2 || st.Entries != 0 || st.Invalidations != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCache_Disabled(t *testing.T) {
	c := NewCache(-1, nil)
	c.Put("a", nil, 1)
	if _, ok := c.Get("a"); ok {
		t.Error("disabled cache returned an entry")
	}
}

func TestCache_PutAtStaleStamp(t *testing.T) {
	c := NewCache(10*time.Second, clock.NewFake(t0))
	kinds := []store.Kind{store.KindActivity}

	stamp := c.Stamp(kinds)
	c.Invalidate(store.KindActivity)
	if c.PutAt("a", kinds, stamp, 1) {
		t.Error("stored a result computed before an invalidation")
	}
	if _, ok := c.Get("a"); ok {
		t.Error("stale entry is served")
	}

	stamp = c.Stamp(kinds)
	c.Invalidate(store.KindPrompt)
	if !c.PutAt("a", kinds, stamp, 2) {
		t.Error("unrelated invalidation blocked the store")
	}

	stamp = c.Stamp(kinds)
	c.Clear()
	if c.PutAt("b", kinds, stamp, 3) {
		t.Error("stored a result computed before a clear")
	}
}

func TestCachedDropsResultRacingWrite(t *testing.T) {
	svc, s, _ := setupService(t)
	ctx := context.Background()
	addActivities(t, s, 2, "/w")

	f := store.ListFilter{Limit: 10}
	_, err := cached(svc, "activity", f, []store.Kind{store.KindActivity}, func() (Page[store.Activity], error) {
		items, err := s.ListActivities(ctx, f)
		if err != nil {
			return Page[store.Activity]{}, err
		}
		// A write commits and is invalidated while this result is in flight.
		addActivities(t, s, 1, "/other")
		svc.Cache().Invalidate(store.KindActivity)
		return page(items, f.Limit, func(a store.Activity) int64 { return a.Seq }), nil
	})
	if err != nil {
		t.Fatalf("cached: %v", err)
	}

	got, err := svc.Activities(ctx, f)
	if err != nil {
		t.Fatalf("Activities: %v", err)
	}
	if len(got.Items) != 3 {
		t.Errorf("got %d activities, want 3 (stale page served)", len(got.Items))
	}
}

func TestKey(t *testing.T) {
	since := t0
	a := Key("activity", store.ListFilter{Workspace: "/w", Limit: 10})
	b := Key("activity", store.ListFilter{Workspace: "/w", Limit: 10})
	c := Key("activity", store.ListFilter{Workspace: "/w", Limit: 10, Since: &since})
	d := Key("prompts", store.ListFilter{Workspace: "/w", Limit: 10})
	if a != b {
		t.Errorf("same filter gave %q and %q", a, b)
	}
	if a == c || a == d {
		t.Error("different queries share a key")
	}
}

func TestActivitiesPagination(t *testing.T) {
	svc, s, _ := setupService(t)
	ctx := context.Background()
	addActivities(t, s, 5, "/w")

	first, err := svc.Activities(ctx, store.ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("Activities: %v", err)
	}
	if len(first.Items) != 2 || first.Items[0].Seq != 5 || first.NextCursor != 4 {
		t.Fatalf("first page = %d items, cursor %d", len(first.Items), first.NextCursor)
	}

	var seen []int64
	cursor := first.NextCursor
	for _, a := range first.Items {
		seen = append(seen, a.Seq)
	}
	for cursor != 0 {
		p, err := svc.Activities(ctx, store.ListFilter{Limit: 2, SeqBefore: cursor})
		if err != nil {
			t.Fatalf("Activities: %v", err)
		}
		again, _ := svc.Activities(ctx, store.ListFilter{Limit: 2, SeqBefore: cursor})
		if len(again.Items) != len(p.Items) || again.NextCursor != p.NextCursor {
			t.Fatal("same cursor gave a different page")
		}
		for _, a := range p.Items {
			seen = append(seen, a.Seq)
		}
		cursor = p.NextCursor
	}
	want := []int64{5, 4, 3, 2, 1}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("paged seqs = %v, want %v", seen, want)
	}
}

func TestValidation(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	since, until := t0, t0.Add(-time.Hour)

	tests := []struct {
		name string
		f    store.ListFilter
	}{
		{"limit too large", store.ListFilter{Limit: 1001}},
		{"negative limit", store.ListFilter{Limit: -1}},
		{"inverted range", store.ListFilter{Since: &since, Until: &until}},
		{"unknown kind", store.ListFilter{Kinds: []string{"nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Activities(ctx, tt.f)
			if !apperr.Is(err, apperr.KindValidation) {
				t.Errorf("err = %v, want validation", err)
			}
		})
	}

	if _, err := svc.ContextChanges(ctx, "missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("ContextChanges(missing) = %v, want not found", err)
	}
}

func TestWatchInvalidatesOnWrite(t *testing.T) {
	svc, s, _ := setupService(t)
	b := bus.New(16, nil)
	s.OnChange(b.Hook())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Watch(ctx, b.Subscribe(string(store.KindActivity))) }()

	addActivities(t, s, 1, "/w")
	p, err := svc.Activities(ctx, store.ListFilter{})
	if err != nil || len(p.Items) != 1 {
		t.Fatalf("Activities = %d, %v", len(p.Items), err)
	}

	addActivities(t, s, 1, "/x")
	deadline := time.Now().Add(2 * time.Second)
	for {
		p, err = svc.Activities(ctx, store.ListFilter{})
		if err != nil {
			t.Fatalf("Activities: %v", err)
		}
		if len(p.Items) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cache was never invalidated")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}
}

func TestGroupTurns(t *testing.T) {
	prompt := func(id string, seq int64, at time.Duration, ws, conv, role, parent string) store.Prompt {
		return store.Prompt{ID: id, Seq: seq, CreatedAt: t0.Add(at), Workspace: ws, ConversationID: conv, Role: role, ParentPromptID: parent}
	}
	prompts := []store.Prompt{
		prompt("p1", 1, 0, "/w", "c1", "user", ""),
		prompt("r1", 2, 10*time.Second, "/w", "c1", "assistant", "p1"),
		prompt("p2", 3, time.Minute, "/w", "c1", "user", ""),
		prompt("p3", 4, 4*time.Minute, "/w", "c1", "user", ""),
		prompt("p4", 5, 4*time.Minute+time.Second, "/w", "c2", "user", ""),
		prompt("q1", 6, 4*time.Minute+2*time.Second, "/x", "c2", "user", ""),
	}
	turns := GroupTurns(prompts, 2*time.Minute)
	if len(turns) != 4 {
		t.Fatalf("got %d turns, want 4", len(turns))
	}

	oldest := turns[len(turns)-1]
	if oldest.ID != "p1" || len(oldest.Prompts) != 2 || oldest.Responses != 1 {
		t.Errorf("first turn = %s with %d prompts and %d responses", oldest.ID, len(oldest.Prompts), oldest.Responses)
	}
	if !oldest.End.Equal(t0.Add(time.Minute)) || oldest.LastSeq != 3 {
		t.Errorf("first turn spans to %v seq %d", oldest.End, oldest.LastSeq)
	}
	if turns[0].ID != "q1" {
		t.Errorf("newest turn = %s, want q1", turns[0].ID)
	}
}

func TestConversations(t *testing.T) {
	svc, s, _ := setupService(t)
	ctx := context.Background()
	_, err := s.Write(ctx, func(tx *store.Tx) error {
		for i, at := range []time.Duration{0, 30 * time.Second, 10 * time.Minute} {
			p := &store.Prompt{CreatedAt: t0.Add(at), Workspace: "/w", Text: fmt.Sprintf("prompt %d", i), Role: "user", ConversationID: "c"}
			if _, err := tx.InsertPrompt(p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inserting prompts: %v", err)
	}

	turns, err := svc.Conversations(ctx, store.ListFilter{Workspace: "/w"})
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(turns) != 2 || len(turns[1].Prompts) != 2 {
		t.Fatalf("turns = %+v", turns)
	}
}

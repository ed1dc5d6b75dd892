package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/db"
	"github.com/ziadkadry99/devtrail/internal/event"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	s, err := NewStore(context.Background(), database, clock.NewFake(t0))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func insertPrompt(t *testing.T, s *Store, p Prompt) Prompt {
	t.Helper()
	_, err := s.Write(context.Background(), func(tx *Tx) error {
		_, err := tx.InsertPrompt(&p)
		return err
	})
	if err != nil {
		t.Fatalf("InsertPrompt: %v", err)
	}
	return p
}

func TestInsertAndGetPrompt(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p := insertPrompt(t, s, Prompt{
		Workspace:      "/w",
		Text:           "add null check",
		ConversationID: "conv-1",
		Attachments:    []string{"a.ts"},
		CreatedAt:      t0,
	})
	if p.ID == "" || p.Seq != 1 {
		t.Fatalf("unexpected id/seq: %q %d", p.ID, p.Seq)
	}

	got, err := s.GetPrompt(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if got.Text != "add null check" || got.Role != event.RoleUser {
		t.Errorf("got %+v", got)
	}
	if len(got.Attachments) != 1 || got.Attachments[0] != "a.ts" {
		t.Errorf("Attachments = %v", got.Attachments)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, t0)
	}
}

func TestGetMissing(t *testing.T) {
	s := setupStore(t)
	_, err := s.GetPrompt(context.Background(), "nope")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestFingerprintIdempotence(t *testing.T) {
	s := setupStore(t)

	first := insertPrompt(t, s, Prompt{Text: "hello", Fingerprint: "fp-1"})
	var inserted bool
	second := Prompt{Text: "hello again", Fingerprint: "fp-1"}
	changes, err := s.Write(context.Background(), func(tx *Tx) error {
		var err error
		inserted, err = tx.InsertPrompt(&second)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("duplicate fingerprint must not insert")
	}
	if second.ID != first.ID || second.Seq != first.Seq {
		t.Errorf("duplicate should resolve to existing row, got %s/%d want %s/%d", second.ID, second.Seq, first.ID, first.Seq)
	}
	if len(changes) != 0 {
		t.Errorf("expected no changes, got %v", changes)
	}
	if s.CurrentSeq() != 1 {
		t.Errorf("duplicate consumed a seq: current = %d", s.CurrentSeq())
	}
}

func TestValidation(t *testing.T) {
	s := setupStore(t)
	tests := []struct {
		name string
		fn   func(tx *Tx) error
	}{
		{"empty prompt", func(tx *Tx) error { _, err := tx.InsertPrompt(&Prompt{}); return err }},
		{"bad role", func(tx *Tx) error { _, err := tx.InsertPrompt(&Prompt{Text: "x", Role: "bot"}); return err }},
		{"equal hashes", func(tx *Tx) error {
			_, err := tx.InsertFileChange(&FileChange{Path: "a", BeforeHash: "h", AfterHash: "h", ChangeType: ChangeModify})
			return err
		}},
		{"duplicate context path", func(tx *Tx) error {
			_, err := tx.InsertContextSnapshot(&ContextSnapshot{Files: []event.ContextFile{{Path: "a"}, {Path: "a"}}})
			return err
		}},
		{"added and removed", func(tx *Tx) error {
			_, err := tx.InsertContextDelta(&ContextDelta{CurrSnapshotID: "s", Added: []string{"a"}, Removed: []string{"a"}})
			return err
		}},
		{"bad activity kind", func(tx *Tx) error { _, err := tx.InsertActivity(&Activity{Kind: "x", RefID: "r"}); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Write(context.Background(), tt.fn)
			if !apperr.Is(err, apperr.KindValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRenameAllowsEqualHashes(t *testing.T) {
	s := setupStore(t)
	_, err := s.Write(context.Background(), func(tx *Tx) error {
		_, err := tx.InsertFileChange(&FileChange{Path: "new.ts", RenameFrom: "old.ts", BeforeHash: "H5", AfterHash: "H5", ChangeType: ChangeRename})
		return err
	})
	if err != nil {
		t.Fatalf("rename insert: %v", err)
	}
}

func TestWriteRollsBack(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := s.Write(ctx, func(tx *Tx) error {
		if _, err := tx.InsertPrompt(&Prompt{Text: "lost"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) || !apperr.Is(err, apperr.KindStoreIO) {
		t.Fatalf("expected wrapped store_io error, got %v", err)
	}
	prompts, err := s.ListPrompts(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(prompts) != 0 {
		t.Errorf("rolled back prompt is visible: %v", prompts)
	}
}

func TestChangeHooks(t *testing.T) {
	s := setupStore(t)
	var got []Change
	s.OnChange(func(cs []Change) { got = append(got, cs...) })

	_, err := s.Write(context.Background(), func(tx *Tx) error {
		p := &Prompt{Text: "hi", Workspace: "/w"}
		if _, err := tx.InsertPrompt(p); err != nil {
			return err
		}
		_, err := tx.InsertActivity(&Activity{Kind: ActivityPrompt, RefID: p.ID, Workspace: "/w"})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(got))
	}
	if got[0].Kind != KindPrompt || got[1].Kind != KindActivity {
		t.Errorf("unexpected kinds: %v", got)
	}
	if got[0].Seq >= got[1].Seq {
		t.Errorf("seq not increasing: %d then %d", got[0].Seq, got[1].Seq)
	}
}

func TestSetPromptContextRefOnce(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := insertPrompt(t, s, Prompt{Text: "hi"})

	set := func(ref string) bool {
		var ok bool
		_, err := s.Write(ctx, func(tx *Tx) error {
			var err error
			ok, err = tx.SetPromptContextRef(p.ID, ref)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		return ok
	}

	if !set("snap-1") {
		t.Fatal("first patch should apply")
	}
	if set("snap-2") {
		t.Error("second patch must be ignored")
	}
	got, _ := s.GetPrompt(ctx, p.ID)
	if got.ContextSnapshotRef != "snap-1" {
		t.Errorf("ContextSnapshotRef = %q", got.ContextSnapshotRef)
	}
	if got.UpdatedSeq <= p.Seq {
		t.Errorf("UpdatedSeq = %d, want > %d", got.UpdatedSeq, p.Seq)
	}
}

func TestFinishTerminalCommand(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	tc := &TerminalCommand{Command: "go test ./...", Cwd: "/w", StartedAt: t0}
	if _, err := s.Write(ctx, func(tx *Tx) error { _, err := tx.InsertTerminalCommand(tc); return err }); err != nil {
		t.Fatal(err)
	}

	code := 1
	var ok bool
	_, err := s.Write(ctx, func(tx *Tx) error {
		var err error
		ok, err = tx.FinishTerminalCommand(tc.ID, &code, t0.Add(-time.Second))
		return err
	})
	if err != nil || !ok {
		t.Fatalf("finish: %v %v", ok, err)
	}

	got, err := s.GetTerminalCommand(ctx, tc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EndedAt == nil || got.EndedAt.Before(got.StartedAt) {
		t.Errorf("ended_at = %v, started_at = %v", got.EndedAt, got.StartedAt)
	}
	if got.ExitCode == nil || *got.ExitCode != 1 {
		t.Errorf("ExitCode = %v", got.ExitCode)
	}

	_, err = s.Write(ctx, func(tx *Tx) error {
		var err error
		ok, err = tx.FinishTerminalCommand(tc.ID, nil, t0.Add(time.Minute))
		return err
	})
	if err != nil || ok {
		t.Errorf("finished command must stay immutable: ok=%v err=%v", ok, err)
	}
}

func TestListPagination(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		insertPrompt(t, s, Prompt{Text: "p", Workspace: "/w", CreatedAt: t0.Add(time.Duration(i) * time.Second)})
	}
	insertPrompt(t, s, Prompt{Text: "other", Workspace: "/x"})

	page, err := s.ListPrompts(ctx, ListFilter{Workspace: "/w", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Seq != 5 || page[1].Seq != 4 {
		t.Fatalf("first page seqs wrong: %+v", page)
	}
	next, err := s.ListPrompts(ctx, ListFilter{Workspace: "/w", Limit: 2, SeqBefore: page[1].Seq})
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 2 || next[0].Seq != 3 {
		t.Fatalf("second page seqs wrong: %+v", next)
	}
	again, _ := s.ListPrompts(ctx, ListFilter{Workspace: "/w", Limit: 2, SeqBefore: page[1].Seq})
	if again[0].ID != next[0].ID || again[1].ID != next[1].ID {
		t.Error("same cursor returned a different page")
	}

	since := t0.Add(3 * time.Second)
	recent, _ := s.ListPrompts(ctx, ListFilter{Workspace: "/w", Since: &since})
	if len(recent) != 2 {
		t.Errorf("since filter returned %d rows", len(recent))
	}
}

func TestContextDeltasForPrompt(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := insertPrompt(t, s, Prompt{Text: "hi", Workspace: "/w"})

	_, err := s.Write(ctx, func(tx *Tx) error {
		cs := &ContextSnapshot{Workspace: "/w", Files: []event.ContextFile{{Path: "b"}, {Path: "c"}}}
		if _, err := tx.InsertContextSnapshot(cs); err != nil {
			return err
		}
		if _, err := tx.InsertContextDelta(&ContextDelta{Workspace: "/w", CurrSnapshotID: cs.ID, Added: []string{"c"}, Removed: []string{"a"}, Unchanged: []string{"b"}}); err != nil {
			return err
		}
		_, err := tx.SetPromptContextRef(p.ID, cs.ID)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	deltas, err := s.ContextDeltasForPrompt(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deltas) != 1 || deltas[0].Added[0] != "c" || deltas[0].Removed[0] != "a" {
		t.Errorf("deltas = %+v", deltas)
	}

	latest, err := s.LatestContextSnapshot(ctx, "/w", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(latest.Files) != 2 {
		t.Errorf("latest snapshot files = %v", latest.Files)
	}
}

func TestReplaceMotifs(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	write := func(ms []Motif) {
		if _, err := s.Write(ctx, func(tx *Tx) error { return tx.ReplaceMotifs(ms) }); err != nil {
			t.Fatal(err)
		}
	}
	write([]Motif{{ClusterID: 1, RepresentativeDAGID: "d1", MemberDAGIDs: []string{"d1", "d2"}}})
	write([]Motif{{ClusterID: 1, RepresentativeDAGID: "d3", MemberDAGIDs: []string{"d3"}}})

	ms, err := s.ListMotifs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 1 || ms[0].RepresentativeDAGID != "d3" || ms[0].Size != 1 {
		t.Errorf("motifs = %+v", ms)
	}
}

func TestReseedAfterReopen(t *testing.T) {
	path := t.TempDir() + "/devtrail.db"
	database, err := db.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	s, _ := NewStore(ctx, database, nil)
	insertPrompt(t, s, Prompt{Text: "one"})
	insertPrompt(t, s, Prompt{Text: "two"})
	database.Close()

	database, err = db.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	s, err = NewStore(ctx, database, nil)
	if err != nil {
		t.Fatal(err)
	}
	p := insertPrompt(t, s, Prompt{Text: "three"})
	if p.Seq != 3 {
		t.Errorf("seq after reopen = %d, want 3", p.Seq)
	}
	last, _, err := s.Meta(ctx)
	if err != nil || last != 3 {
		t.Errorf("Meta last_seq = %d, %v", last, err)
	}
}

func TestSourceOffsets(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	if _, err := s.Write(ctx, func(tx *Tx) error { return tx.SetSourceOffset("terminal", "512") }); err != nil {
		t.Fatal(err)
	}
	got, err := s.SourceOffset(ctx, "terminal")
	if err != nil || got != "512" {
		t.Errorf("SourceOffset = %q, %v", got, err)
	}
	_, offsets, _ := s.Meta(ctx)
	if offsets["terminal"] != "512" {
		t.Errorf("Meta offsets = %v", offsets)
	}
}

func TestGC(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	old := insertPrompt(t, s, Prompt{Text: "old", CreatedAt: t0.Add(-48 * time.Hour)})
	keep := insertPrompt(t, s, Prompt{Text: "new", CreatedAt: t0})

	before, err := s.SeqBefore(ctx, t0.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if before != keep.Seq {
		t.Fatalf("SeqBefore = %d, want %d", before, keep.Seq)
	}
	res, err := s.GC(ctx, before)
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted["prompts"] != 1 || res.Total() != 1 {
		t.Errorf("GC result = %+v", res)
	}
	if _, err := s.GetPrompt(ctx, old.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Error("old prompt survived GC")
	}
	if _, err := s.GetPrompt(ctx, keep.ID); err != nil {
		t.Error("new prompt was collected")
	}

	if _, err := s.GC(ctx, 0); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("GC(0) = %v", err)
	}
}

func TestSearchPromptsEscapes(t *testing.T) {
	s := setupStore(t)
	insertPrompt(t, s, Prompt{Text: "make it 100% faster"})
	insertPrompt(t, s, Prompt{Text: "make it 100 faster"})

	got, err := s.SearchPrompts(context.Background(), "100%", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("expected exactly one match, got %d", len(got))
	}
}

func TestActivityPayloadRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	a := &Activity{Kind: ActivityStatus, RefID: "ev-1", Summary: "undecodable event", Payload: json.RawMessage(`{"raw":true}`)}
	if _, err := s.Write(ctx, func(tx *Tx) error { _, err := tx.InsertActivity(a); return err }); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetActivity(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != `{"raw":true}` {
		t.Errorf("Payload = %s", got.Payload)
	}
}

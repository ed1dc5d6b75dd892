package correlator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/db"
	"github.com/ziadkadry99/devtrail/internal/event"
	"github.com/ziadkadry99/devtrail/internal/store"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

const ws = "/w"

type fixture struct {
	store *store.Store
	clock *clock.Fake
	corr  *Correlator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	clk := clock.NewFake(t0)
	s, err := store.NewStore(context.Background(), database, clk)
	require.NoError(t, err)
	return &fixture{store: s, clock: clk, corr: New(DefaultConfig(), s, nil, clk, nil)}
}

func (f *fixture) handle(t *testing.T, evs ...event.RawEvent) {
	t.Helper()
	for _, ev := range evs {
		require.NoError(t, f.corr.Handle(context.Background(), ev))
	}
}

func mustEvent(t *testing.T, source event.Source, kind event.Kind, at time.Time, payload any) event.RawEvent {
	t.Helper()
	ev, err := event.New(source, kind, ws, at, payload)
	require.NoError(t, err)
	return ev
}

func promptEvent(t *testing.T, at time.Time, text, ref string) event.RawEvent {
	return mustEvent(t, event.SourceEditorDB, event.KindPrompt, at, event.PromptPayload{Text: text, Role: event.RoleUser, Ref: ref, ConversationID: "conv"})
}

func fileEvent(t *testing.T, at time.Time, path string, op event.FileOp, before, after string) event.RawEvent {
	return mustEvent(t, event.SourceFileWatcher, event.KindFileTouch, at, event.FilePayload{Path: path, Op: op, BeforeHash: before, AfterHash: after, LinesAdded: 1})
}

func (f *fixture) fileChanges(t *testing.T) map[string]store.FileChange {
	t.Helper()
	list, err := f.store.ListFileChanges(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	out := make(map[string]store.FileChange, len(list))
	for _, fc := range list {
		out[fc.Path] = fc
	}
	return out
}

func (f *fixture) onlyPrompt(t *testing.T) store.Prompt {
	t.Helper()
	prompts, err := f.store.ListPrompts(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	return prompts[0]
}

func TestPromptAttributesSubsequentEdits(t *testing.T) {
	f := setup(t)
	f.handle(t,
		promptEvent(t, t0, "add null check", ""),
		fileEvent(t, t0.Add(2*time.Second), "a.ts", event.OpModify, "H1", "H2"),
		fileEvent(t, t0.Add(14*time.Minute+59*time.Second), "b.ts", event.OpModify, "H3", "H4"),
	)
	require.NoError(t, f.corr.Flush(context.Background()))

	p := f.onlyPrompt(t)
	changes := f.fileChanges(t)
	require.Len(t, changes, 2)
	assert.Equal(t, p.ID, changes["a.ts"].PromptID)
	assert.Equal(t, p.ID, changes["b.ts"].PromptID)
	assert.EqualValues(t, 2, f.corr.Stats().Attributed)
}

func TestEditPastWindowNotAttributed(t *testing.T) {
	f := setup(t)
	f.handle(t,
		promptEvent(t, t0, "add null check", ""),
		fileEvent(t, t0.Add(15*time.Minute+time.Second), "c.ts", event.OpModify, "H5", "H6"),
	)
	require.NoError(t, f.corr.Flush(context.Background()))

	changes := f.fileChanges(t)
	require.Len(t, changes, 1)
	assert.Empty(t, changes["c.ts"].PromptID)
}

func TestEditBeforePromptNotAttributed(t *testing.T) {
	f := setup(t)
	f.handle(t,
		fileEvent(t, t0.Add(-time.Second), "early.ts", event.OpModify, "A", "B"),
		promptEvent(t, t0, "fix the parser", ""),
	)
	require.NoError(t, f.corr.Flush(context.Background()))
	assert.Empty(t, f.fileChanges(t)["early.ts"].PromptID)
}

func TestEditGoesToNearestPrompt(t *testing.T) {
	f := setup(t)
	f.handle(t,
		promptEvent(t, t0, "add a cache", ""),
		promptEvent(t, t0.Add(time.Minute), "now fix the cache", ""),
		fileEvent(t, t0.Add(90*time.Second), "cache.go", event.OpModify, "A", "B"),
	)
	require.NoError(t, f.corr.Flush(context.Background()))

	prompts, err := f.store.ListPrompts(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	latest := prompts[0] // newest first
	assert.Equal(t, "now fix the cache", latest.Text)
	assert.Equal(t, latest.ID, f.fileChanges(t)["cache.go"].PromptID)
}

func TestRenameFolding(t *testing.T) {
	f := setup(t)
	at := t0.Add(time.Minute)
	f.handle(t,
		fileEvent(t, at, "old.ts", event.OpDelete, "H5", ""),
		fileEvent(t, at.Add(300*time.Millisecond), "new.ts", event.OpCreate, "", "H5"),
	)
	require.NoError(t, f.corr.Flush(context.Background()))

	changes := f.fileChanges(t)
	require.Len(t, changes, 1)
	fc := changes["new.ts"]
	assert.Equal(t, store.ChangeRename, fc.ChangeType)
	assert.Equal(t, "old.ts", fc.RenameFrom)
	assert.EqualValues(t, 1, f.corr.Stats().Renames)
}

func TestRenameNotFolded(t *testing.T) {
	tests := []struct {
		name   string
		gap    time.Duration
		create string
	}{
		{"outside window", 1500 * time.Millisecond, "H5"},
		{"hash mismatch", 300 * time.Millisecond, "H9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.handle(t,
				fileEvent(t, t0, "old.ts", event.OpDelete, "H5", ""),
				fileEvent(t, t0.Add(tt.gap), "new.ts", event.OpCreate, "", tt.create),
			)
			require.NoError(t, f.corr.Flush(context.Background()))

			changes := f.fileChanges(t)
			require.Len(t, changes, 2)
			assert.Equal(t, store.ChangeDelete, changes["old.ts"].ChangeType)
			assert.Equal(t, store.ChangeCreate, changes["new.ts"].ChangeType)
		})
	}
}

func TestDuplicateEventsYieldOneRecord(t *testing.T) {
	f := setup(t)
	a := promptEvent(t, t0, "add null check", "")
	a.Fingerprint = "editor:prompt:1"
	b := promptEvent(t, t0.Add(50*time.Millisecond), "add null check", "")
	b.Fingerprint = "editor:prompt:1"
	f.handle(t, a, b)

	f.onlyPrompt(t)
	acts, err := f.store.ListActivities(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, acts, 1)
}

func TestReplayIsIdempotent(t *testing.T) {
	stream := func(t *testing.T) []event.RawEvent {
		p := promptEvent(t, t0, "add null check", "r1")
		p.Fingerprint = "p1"
		fa := fileEvent(t, t0.Add(2*time.Second), "a.ts", event.OpModify, "H1", "H2")
		fa.Fingerprint = "f1"
		return []event.RawEvent{p, fa}
	}

	f := setup(t)
	for i := 0; i < 2; i++ {
		f.handle(t, stream(t)...)
		require.NoError(t, f.corr.Flush(context.Background()))
	}
	changes := f.fileChanges(t)
	require.Len(t, changes, 1)
	first := changes["a.ts"]

	fresh := setup(t)
	fresh.handle(t, stream(t)...)
	require.NoError(t, fresh.corr.Flush(context.Background()))
	again := fresh.fileChanges(t)["a.ts"]

	p1 := f.onlyPrompt(t)
	p2 := fresh.onlyPrompt(t)
	assert.Equal(t, p1.ID, first.PromptID)
	assert.Equal(t, p2.ID, again.PromptID)
	assert.Equal(t, first.Fingerprint, again.Fingerprint)
}

func TestContextBeforePromptIsLinked(t *testing.T) {
	f := setup(t)
	ctxEv := mustEvent(t, event.SourceContext, event.KindContextSnapshot, t0, event.ContextPayload{
		Files:     []event.ContextFile{{Path: "a.ts", Source: event.ContextExplicit}, {Path: "b.ts", Source: event.ContextAuto}},
		PromptRef: "r1",
	})
	f.handle(t, ctxEv, promptEvent(t, t0.Add(2*time.Second), "explain this", "r1"))

	p := f.onlyPrompt(t)
	require.NotEmpty(t, p.ContextSnapshotRef)
	cs, err := f.store.GetContextSnapshot(context.Background(), p.ContextSnapshotRef)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ts", "b.ts"}, cs.Paths())
	assert.Zero(t, f.corr.Stats().Pending)
}

func TestLateContextPatchesOnce(t *testing.T) {
	f := setup(t)
	f.handle(t, promptEvent(t, t0, "refactor the store", "r2"))
	assert.Equal(t, 1, f.corr.Stats().Pending)

	first := mustEvent(t, event.SourceContext, event.KindContextSnapshot, t0.Add(10*time.Second), event.ContextPayload{
		Files: []event.ContextFile{{Path: "store.go"}}, PromptRef: "r2",
	})
	second := mustEvent(t, event.SourceContext, event.KindContextSnapshot, t0.Add(20*time.Second), event.ContextPayload{
		Files: []event.ContextFile{{Path: "other.go"}}, PromptRef: "r2",
	})
	f.handle(t, first, second)

	p := f.onlyPrompt(t)
	deltas, err := f.store.ContextDeltasForPrompt(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, deltas[0].CurrSnapshotID, p.ContextSnapshotRef, "first snapshot wins")
	assert.Equal(t, []string{"other.go"}, deltas[1].Added)
	assert.Equal(t, []string{"store.go"}, deltas[1].Removed)
}

func TestPendingPromptGetsAmbientContext(t *testing.T) {
	f := setup(t)
	ambient := mustEvent(t, event.SourceContext, event.KindContextSnapshot, t0.Add(-time.Minute), event.ContextPayload{
		Files: []event.ContextFile{{Path: "main.go"}},
	})
	f.handle(t, ambient, promptEvent(t, t0, "add logging", ""))
	assert.Empty(t, f.onlyPrompt(t).ContextSnapshotRef)

	require.NoError(t, f.corr.Tick(context.Background(), f.clock.Now().Add(time.Second)))
	assert.Empty(t, f.onlyPrompt(t).ContextSnapshotRef, "window not elapsed")

	require.NoError(t, f.corr.Tick(context.Background(), f.clock.Now().Add(5*time.Second)))
	assert.NotEmpty(t, f.onlyPrompt(t).ContextSnapshotRef)
	assert.Zero(t, f.corr.Stats().Pending)
}

func TestTerminalCommandLifecycle(t *testing.T) {
	f := setup(t)
	exit := 0
	started := t0.Add(time.Minute)
	ended := started.Add(10 * time.Second)
	f.handle(t,
		promptEvent(t, t0, "run the tests", ""),
		mustEvent(t, event.SourceTerminal, event.KindTerminalStart, started, event.TerminalPayload{
			CommandID: "c1", Command: "go test ./...", Cwd: ws, StartedAt: started,
		}),
		mustEvent(t, event.SourceTerminal, event.KindTerminalEnd, ended, event.TerminalPayload{
			CommandID: "c1", ExitCode: &exit, StartedAt: started, EndedAt: &ended,
		}),
	)

	cmds, err := f.store.ListTerminalCommands(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	tc := cmds[0]
	assert.Equal(t, "go test ./...", tc.Command)
	require.NotNil(t, tc.ExitCode)
	assert.Equal(t, 0, *tc.ExitCode)
	require.NotNil(t, tc.EndedAt)
	assert.True(t, tc.EndedAt.Equal(ended))
	assert.Equal(t, f.onlyPrompt(t).ID, tc.PromptID)
}

func TestTerminalOutsideWindowStandsAlone(t *testing.T) {
	f := setup(t)
	started := t0.Add(6 * time.Minute)
	f.handle(t,
		promptEvent(t, t0, "add docs", ""),
		mustEvent(t, event.SourceTerminal, event.KindTerminalStart, started, event.TerminalPayload{
			CommandID: "c2", Command: "make", StartedAt: started,
		}),
	)
	cmds, err := f.store.ListTerminalCommands(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Empty(t, cmds[0].PromptID)
}

func TestUninterpretableEventsBecomeStatus(t *testing.T) {
	f := setup(t)
	bad := mustEvent(t, event.SourceFileWatcher, event.KindFileTouch, t0, event.FilePayload{Op: event.OpModify})
	odd := mustEvent(t, event.SourceIDEState, event.Kind("cursor_moved"), t0, map[string]int{"line": 3})
	empty := mustEvent(t, event.SourceClipboard, event.KindPrompt, t0, event.PromptPayload{})
	f.handle(t, bad, odd, empty)

	acts, err := f.store.ListActivities(context.Background(), store.ListFilter{Kinds: []string{string(store.ActivityStatus)}})
	require.NoError(t, err)
	assert.Len(t, acts, 3)
	for _, a := range acts {
		assert.NotEmpty(t, a.Payload)
	}
}

func TestTickHoldsFilesUntilDue(t *testing.T) {
	f := setup(t)
	f.handle(t, fileEvent(t, t0, "x.go", event.OpModify, "A", "B"))

	require.NoError(t, f.corr.Tick(context.Background(), f.clock.Now().Add(time.Second)))
	assert.Empty(t, f.fileChanges(t))
	assert.Equal(t, 1, f.corr.Stats().Held)

	require.NoError(t, f.corr.Tick(context.Background(), f.clock.Now().Add(5*time.Second)))
	assert.Len(t, f.fileChanges(t), 1)
	assert.Zero(t, f.corr.Stats().Held)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "a b c", summarize("  a\n\tb   c  "))
	long := make([]rune, 200)
	for i := range long {
		long[i] = 'x'
	}
	got := []rune(summarize(string(long)))
	assert.Len(t, got, 120)
	assert.Equal(t, '…', got[119])
}

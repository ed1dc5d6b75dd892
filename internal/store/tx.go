package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/event"
)

// Tx is one write transaction. It is only valid inside Store.Write.
type Tx struct {
	s       *Store
	tx      *sql.Tx
	ctx     context.Context
	changes []Change
	lastSeq int64
}

func (t *Tx) next() int64 {
	seq := t.s.seq.Next()
	t.lastSeq = seq
	return seq
}

func (t *Tx) record(kind Kind, id string, seq int64, op Op, workspace string) {
	t.changes = append(t.changes, Change{Kind: kind, ID: id, Seq: seq, Op: op, Workspace: workspace})
}

func (t *Tx) stamp(id *string, createdAt *time.Time) {
	if *id == "" {
		*id = clock.NewID()
	}
	if createdAt.IsZero() {
		*createdAt = t.s.clock.Now()
	}
}

// existing looks up a row by fingerprint. Tables are fixed names.
func (t *Tx) existing(table, column, value string) (id string, seq int64, found bool, err error) {
	if value == "" {
		return "", 0, false, nil
	}
	err = t.tx.QueryRowContext(t.ctx, "SELECT id, seq FROM "+table+" WHERE "+column+" = ?", value).Scan(&id, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, classify("store.lookup", err)
	}
	return id, seq, true, nil
}

func (t *Tx) putMeta(key, value string) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO store_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return classify("store.meta", err)
}

// SetSourceOffset persists a source's read position with this transaction.
func (t *Tx) SetSourceOffset(source, offset string) error {
	return t.putMeta(offsetPrefix+source, offset)
}

// InsertPrompt stores p. If a prompt with the same fingerprint exists, p is
// filled with the existing ID and seq and inserted is false.
func (t *Tx) InsertPrompt(p *Prompt) (inserted bool, err error) {
	if p.Text == "" {
		return false, apperr.New(apperr.KindValidation, "store.InsertPrompt", "prompt text is empty")
	}
	if p.Role == "" {
		p.Role = event.RoleUser
	}
	if p.Role != event.RoleUser && p.Role != event.RoleAssistant {
		return false, apperr.Validationf("unknown prompt role %q", p.Role)
	}
	id, seq, found, err := t.existing("prompts", "fingerprint", p.Fingerprint)
	if err != nil || found {
		p.ID, p.Seq = id, seq
		return false, err
	}

	t.stamp(&p.ID, &p.CreatedAt)
	p.Seq = t.next()
	if p.Attachments == nil {
		p.Attachments = []string{}
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO prompts (
			id, seq, created_at, workspace, text, role, conversation_id,
			parent_prompt_id, model, attachments, context_snapshot_ref,
			source, ref, fingerprint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Seq, toMillis(p.CreatedAt), nullString(p.Workspace), p.Text, p.Role,
		nullString(p.ConversationID), nullString(p.ParentPromptID), nullString(p.Model),
		marshalJSON(p.Attachments), nullString(p.ContextSnapshotRef), p.Source,
		nullString(p.Ref), nullString(p.Fingerprint),
	)
	if err != nil {
		return false, classify("store.InsertPrompt", fmt.Errorf("inserting prompt: %w", err))
	}
	t.record(KindPrompt, p.ID, p.Seq, OpInsert, p.Workspace)
	return true, nil
}

// SetPromptContextRef attaches a context snapshot to a prompt. The ref only
// moves from null to a value, once; later calls report false.
func (t *Tx) SetPromptContextRef(promptID, snapshotID string) (bool, error) {
	var (
		current   sql.NullString
		workspace sql.NullString
	)
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT context_snapshot_ref, workspace FROM prompts WHERE id = ?`, promptID).Scan(&current, &workspace)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apperr.NotFoundf("prompt %s", promptID)
	}
	if err != nil {
		return false, classify("store.SetPromptContextRef", err)
	}
	if current.Valid {
		return false, nil
	}

	seq := t.next()
	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE prompts SET context_snapshot_ref = ?, updated_seq = ? WHERE id = ? AND context_snapshot_ref IS NULL`,
		snapshotID, seq, promptID)
	if err != nil {
		return false, classify("store.SetPromptContextRef", err)
	}
	t.record(KindPrompt, promptID, seq, OpUpdate, workspace.String)
	return true, nil
}

// InsertFileChange stores fc. Hashes must differ unless it is a rename.
func (t *Tx) InsertFileChange(fc *FileChange) (bool, error) {
	switch fc.ChangeType {
	case ChangeCreate, ChangeModify, ChangeDelete, ChangeRename:
	default:
		return false, apperr.Validationf("unknown change type %q", fc.ChangeType)
	}
	if fc.Path == "" {
		return false, apperr.Validationf("file change without path")
	}
	if fc.ChangeType != ChangeRename && fc.BeforeHash == fc.AfterHash {
		return false, apperr.Validationf("file change %s: before and after hash are equal", fc.Path)
	}
	id, seq, found, err := t.existing("file_changes", "fingerprint", fc.Fingerprint)
	if err != nil || found {
		fc.ID, fc.Seq = id, seq
		return false, err
	}

	t.stamp(&fc.ID, &fc.CreatedAt)
	fc.Seq = t.next()
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO file_changes (
			id, seq, created_at, workspace, path, before_hash, after_hash,
			lines_added, lines_removed, chars_added, chars_removed,
			change_type, rename_from, prompt_id, fingerprint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fc.ID, fc.Seq, toMillis(fc.CreatedAt), nullString(fc.Workspace), fc.Path,
		fc.BeforeHash, fc.AfterHash, fc.LinesAdded, fc.LinesRemoved, fc.CharsAdded,
		fc.CharsRemoved, string(fc.ChangeType), nullString(fc.RenameFrom),
		nullString(fc.PromptID), nullString(fc.Fingerprint),
	)
	if err != nil {
		return false, classify("store.InsertFileChange", fmt.Errorf("inserting file change: %w", err))
	}
	t.record(KindFileChange, fc.ID, fc.Seq, OpInsert, fc.Workspace)
	return true, nil
}

// InsertTerminalCommand stores tc. A command whose fingerprint is already
// stored resolves to the existing row even when tc is incomplete, so an end
// event can find its start.
func (t *Tx) InsertTerminalCommand(tc *TerminalCommand) (bool, error) {
	id, seq, found, err := t.existing("terminal_commands", "fingerprint", tc.Fingerprint)
	if err != nil || found {
		tc.ID, tc.Seq = id, seq
		return false, err
	}
	if tc.Command == "" {
		return false, apperr.Validationf("terminal command is empty")
	}
	if tc.StartedAt.IsZero() {
		return false, apperr.Validationf("terminal command without started_at")
	}
	if tc.EndedAt != nil && tc.EndedAt.Before(tc.StartedAt) {
		ended := tc.StartedAt
		tc.EndedAt = &ended
	}
	if tc.Source == "" {
		tc.Source = "shell"
	}

	t.stamp(&tc.ID, &tc.CreatedAt)
	tc.Seq = t.next()
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO terminal_commands (
			id, seq, created_at, workspace, command, cwd, exit_code,
			started_at, ended_at, source, prompt_id, fingerprint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, tc.Seq, toMillis(tc.CreatedAt), nullString(tc.Workspace), tc.Command, tc.Cwd,
		nullInt(tc.ExitCode), toMillis(tc.StartedAt), nullMillis(tc.EndedAt), tc.Source,
		nullString(tc.PromptID), nullString(tc.Fingerprint),
	)
	if err != nil {
		return false, classify("store.InsertTerminalCommand", fmt.Errorf("inserting terminal command: %w", err))
	}
	t.record(KindTerminal, tc.ID, tc.Seq, OpInsert, tc.Workspace)
	return true, nil
}

// FinishTerminalCommand records the end of a command. A command that already
// ended is left untouched and false is returned. An end before the start is
// clamped to the start.
func (t *Tx) FinishTerminalCommand(id string, exitCode *int, endedAt time.Time) (bool, error) {
	var (
		startedMs int64
		ended     sql.NullInt64
		workspace sql.NullString
	)
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT started_at, ended_at, workspace FROM terminal_commands WHERE id = ?`, id).Scan(&startedMs, &ended, &workspace)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apperr.NotFoundf("terminal command %s", id)
	}
	if err != nil {
		return false, classify("store.FinishTerminalCommand", err)
	}
	if ended.Valid {
		return false, nil
	}
	endMs := toMillis(endedAt)
	if endMs < startedMs {
		endMs = startedMs
	}

	seq := t.next()
	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE terminal_commands SET ended_at = ?, exit_code = ?, updated_seq = ? WHERE id = ? AND ended_at IS NULL`,
		endMs, nullInt(exitCode), seq, id)
	if err != nil {
		return false, classify("store.FinishTerminalCommand", err)
	}
	t.record(KindTerminal, id, seq, OpUpdate, workspace.String)
	return true, nil
}

// InsertContextSnapshot stores cs. File paths must be unique.
func (t *Tx) InsertContextSnapshot(cs *ContextSnapshot) (bool, error) {
	seen := make(map[string]struct{}, len(cs.Files))
	for _, f := range cs.Files {
		if _, dup := seen[f.Path]; dup {
			return false, apperr.Validationf("context snapshot lists %s twice", f.Path)
		}
		seen[f.Path] = struct{}{}
	}
	id, seq, found, err := t.existing("context_snapshots", "fingerprint", cs.Fingerprint)
	if err != nil || found {
		cs.ID, cs.Seq = id, seq
		return false, err
	}

	t.stamp(&cs.ID, &cs.CreatedAt)
	cs.Seq = t.next()
	if cs.Files == nil {
		cs.Files = []event.ContextFile{}
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO context_snapshots (id, seq, created_at, workspace, files, prompt_id, event_id, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cs.ID, cs.Seq, toMillis(cs.CreatedAt), nullString(cs.Workspace), marshalJSON(cs.Files),
		nullString(cs.PromptID), nullString(cs.EventID), nullString(cs.Fingerprint),
	)
	if err != nil {
		return false, classify("store.InsertContextSnapshot", fmt.Errorf("inserting context snapshot: %w", err))
	}
	t.record(KindContext, cs.ID, cs.Seq, OpInsert, cs.Workspace)
	return true, nil
}

// InsertContextDelta stores d, keyed by its current snapshot.
func (t *Tx) InsertContextDelta(d *ContextDelta) (bool, error) {
	if d.CurrSnapshotID == "" {
		return false, apperr.Validationf("context delta without current snapshot")
	}
	removed := make(map[string]struct{}, len(d.Removed))
	for _, p := range d.Removed {
		removed[p] = struct{}{}
	}
	for _, p := range d.Added {
		if _, ok := removed[p]; ok {
			return false, apperr.Validationf("context delta both adds and removes %s", p)
		}
	}
	id, seq, found, err := t.existing("context_deltas", "curr_snapshot_id", d.CurrSnapshotID)
	if err != nil || found {
		d.ID, d.Seq = id, seq
		return false, err
	}

	t.stamp(&d.ID, &d.CreatedAt)
	d.Seq = t.next()
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO context_deltas (
			id, seq, created_at, workspace, prev_snapshot_id, curr_snapshot_id,
			added, removed, unchanged, prompt_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Seq, toMillis(d.CreatedAt), nullString(d.Workspace), nullString(d.PrevSnapshotID),
		d.CurrSnapshotID, marshalJSON(d.Added), marshalJSON(d.Removed), marshalJSON(d.Unchanged),
		nullString(d.PromptID),
	)
	if err != nil {
		return false, classify("store.InsertContextDelta", fmt.Errorf("inserting context delta: %w", err))
	}
	t.record(KindContextDelta, d.ID, d.Seq, OpInsert, d.Workspace)
	return true, nil
}

// InsertActivity stores a timeline entry.
func (t *Tx) InsertActivity(a *Activity) (bool, error) {
	if !a.Kind.Valid() {
		return false, apperr.Validationf("unknown activity kind %q", a.Kind)
	}
	if a.RefID == "" {
		return false, apperr.Validationf("activity without ref")
	}
	id, seq, found, err := t.existing("activities", "fingerprint", a.Fingerprint)
	if err != nil || found {
		a.ID, a.Seq = id, seq
		return false, err
	}

	t.stamp(&a.ID, &a.CreatedAt)
	a.Seq = t.next()
	var payload sql.NullString
	if len(a.Payload) > 0 {
		payload = sql.NullString{String: string(a.Payload), Valid: true}
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO activities (
			id, seq, created_at, workspace, kind, ref_id, session_id, prompt_id,
			summary, payload, fingerprint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Seq, toMillis(a.CreatedAt), nullString(a.Workspace), string(a.Kind), a.RefID,
		nullString(a.SessionID), nullString(a.PromptID), a.Summary, payload, nullString(a.Fingerprint),
	)
	if err != nil {
		return false, classify("store.InsertActivity", fmt.Errorf("inserting activity: %w", err))
	}
	t.record(KindActivity, a.ID, a.Seq, OpInsert, a.Workspace)
	return true, nil
}

// InsertDAG stores a canonical DAG. DAGs are idempotent on fingerprint.
func (t *Tx) InsertDAG(g *DAG) (bool, error) {
	if g.WindowEnd.Before(g.WindowStart) {
		return false, apperr.Validationf("dag window ends before it starts")
	}
	id, seq, found, err := t.existing("dags", "fingerprint", g.Fingerprint)
	if err != nil || found {
		g.ID, g.Seq = id, seq
		return false, err
	}

	t.stamp(&g.ID, &g.CreatedAt)
	g.Seq = t.next()
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO dags (
			id, seq, created_at, workspace, window_start, window_end,
			activity_ids, actions, edges, intents, signature, fingerprint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Seq, toMillis(g.CreatedAt), nullString(g.Workspace), toMillis(g.WindowStart),
		toMillis(g.WindowEnd), marshalJSON(g.ActivityIDs), marshalJSON(g.Actions),
		marshalJSON(g.Edges), marshalJSON(g.Intents), g.Signature, nullString(g.Fingerprint),
	)
	if err != nil {
		return false, classify("store.InsertDAG", fmt.Errorf("inserting dag: %w", err))
	}
	t.record(KindDAG, g.ID, g.Seq, OpInsert, g.Workspace)
	return true, nil
}

// ReplaceMotifs deletes every motif and inserts ms in their place.
func (t *Tx) ReplaceMotifs(ms []Motif) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM motifs`); err != nil {
		return classify("store.ReplaceMotifs", err)
	}
	for i := range ms {
		m := &ms[i]
		t.stamp(&m.ID, &m.CreatedAt)
		m.Seq = t.next()
		if m.Size < len(m.MemberDAGIDs) {
			m.Size = len(m.MemberDAGIDs)
		}
		_, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO motifs (id, seq, created_at, cluster_id, representative_dag_id, member_dag_ids, size, actions)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Seq, toMillis(m.CreatedAt), m.ClusterID, m.RepresentativeDAGID,
			marshalJSON(m.MemberDAGIDs), m.Size, marshalJSON(m.Actions),
		)
		if err != nil {
			return classify("store.ReplaceMotifs", fmt.Errorf("inserting motif: %w", err))
		}
		t.record(KindMotif, m.ID, m.Seq, OpInsert, "")
	}
	return nil
}

// InsertDeadLetter stores an ingest item that ran out of retries.
func (t *Tx) InsertDeadLetter(d *DeadLetter) (bool, error) {
	id, seq, found, err := t.existing("dead_letters", "fingerprint", d.Fingerprint)
	if err != nil || found {
		d.ID, d.Seq = id, seq
		return false, err
	}

	t.stamp(&d.ID, &d.CreatedAt)
	d.Seq = t.next()
	ev := string(d.Event)
	if ev == "" {
		ev = "{}"
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO dead_letters (
			id, seq, created_at, workspace, event_id, source, kind, retries,
			last_error, event, fingerprint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Seq, toMillis(d.CreatedAt), nullString(d.Workspace), d.EventID, d.Source,
		d.Kind, d.Retries, d.LastError, ev, nullString(d.Fingerprint),
	)
	if err != nil {
		return false, classify("store.InsertDeadLetter", fmt.Errorf("inserting dead letter: %w", err))
	}
	t.record(KindDeadLetter, d.ID, d.Seq, OpInsert, d.Workspace)
	return true, nil
}

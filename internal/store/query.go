package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/event"
)

type scanner interface {
	Scan(dest ...any) error
}

type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	w.add(column+" IN ("+marks+")", args...)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// common applies the filters every table supports.
func (f ListFilter) common(w *where) {
	if f.Workspace != "" {
		w.add("workspace = ?", f.Workspace)
	}
	if f.Since != nil {
		w.add("created_at >= ?", toMillis(*f.Since))
	}
	if f.Until != nil {
		w.add("created_at <= ?", toMillis(*f.Until))
	}
	if f.SeqBefore > 0 {
		w.add("seq < ?", f.SeqBefore)
	}
	if f.SeqAfter > 0 {
		w.add("seq > ?", f.SeqAfter)
	}
}

func pageSQL(base string, w *where, limit int) string {
	return fmt.Sprintf("%s%s ORDER BY seq DESC LIMIT %d", base, w.String(), ClampLimit(limit))
}

const activityColumns = `id, seq, created_at, workspace, kind, ref_id, session_id, prompt_id, summary, payload`

func scanActivity(row scanner) (Activity, error) {
	var (
		a                       Activity
		created                 int64
		ws, session, prompt, pl sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Seq, &created, &ws, &a.Kind, &a.RefID, &session, &prompt, &a.Summary, &pl); err != nil {
		return a, err
	}
	a.CreatedAt = fromMillis(created)
	a.Workspace, a.SessionID, a.PromptID = ws.String, session.String, prompt.String
	if pl.Valid {
		a.Payload = json.RawMessage(pl.String)
	}
	return a, nil
}

// ListActivities returns timeline entries, newest first. Kinds filters on
// activity kind.
func (s *Store) ListActivities(ctx context.Context, f ListFilter) ([]Activity, error) {
	w := &where{}
	f.common(w)
	w.in("kind", f.Kinds)
	if f.PromptID != "" {
		w.add("prompt_id = ?", f.PromptID)
	}
	return queryList(ctx, s, "store.ListActivities", pageSQL("SELECT "+activityColumns+" FROM activities", w, f.Limit), w.args, scanActivity)
}

// RecentActivities returns up to limit newest activities in ascending seq order.
func (s *Store) RecentActivities(ctx context.Context, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	q := fmt.Sprintf("SELECT %s FROM (SELECT %s FROM activities ORDER BY seq DESC LIMIT %d) ORDER BY seq ASC", activityColumns, activityColumns, limit)
	return queryList(ctx, s, "store.RecentActivities", q, nil, scanActivity)
}

// GetActivity returns one activity.
func (s *Store) GetActivity(ctx context.Context, id string) (*Activity, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+activityColumns+" FROM activities WHERE id = ?", id)
	return getOne(row, "activity", id, scanActivity)
}

// ActivitiesByIDs returns the activities with the given ids in seq order.
func (s *Store) ActivitiesByIDs(ctx context.Context, ids []string) ([]Activity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	w := &where{}
	w.in("id", ids)
	return queryList(ctx, s, "store.ActivitiesByIDs", "SELECT "+activityColumns+" FROM activities"+w.String()+" ORDER BY seq ASC", w.args, scanActivity)
}

const promptColumns = `id, seq, created_at, workspace, text, role, conversation_id, parent_prompt_id, model, attachments, context_snapshot_ref, source, ref, updated_seq`

func scanPrompt(row scanner) (Prompt, error) {
	var (
		p                               Prompt
		created                         int64
		ws, conv, parent, model, ctxRef sql.NullString
		ref                             sql.NullString
		attachments                     string
		updated                         sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Seq, &created, &ws, &p.Text, &p.Role, &conv, &parent, &model,
		&attachments, &ctxRef, &p.Source, &ref, &updated); err != nil {
		return p, err
	}
	p.CreatedAt = fromMillis(created)
	p.Workspace, p.ConversationID, p.ParentPromptID = ws.String, conv.String, parent.String
	p.Model, p.ContextSnapshotRef, p.Ref = model.String, ctxRef.String, ref.String
	p.Attachments = unmarshalStrings(attachments)
	p.UpdatedSeq = updated.Int64
	return p, nil
}

// ListPrompts returns prompts, newest first. Kinds filters on role.
func (s *Store) ListPrompts(ctx context.Context, f ListFilter) ([]Prompt, error) {
	w := &where{}
	f.common(w)
	w.in("role", f.Kinds)
	if f.ConversationID != "" {
		w.add("conversation_id = ?", f.ConversationID)
	}
	if f.Source != "" {
		w.add("source = ?", f.Source)
	}
	return queryList(ctx, s, "store.ListPrompts", pageSQL("SELECT "+promptColumns+" FROM prompts", w, f.Limit), w.args, scanPrompt)
}

// GetPrompt returns one prompt.
func (s *Store) GetPrompt(ctx context.Context, id string) (*Prompt, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+promptColumns+" FROM prompts WHERE id = ?", id)
	return getOne(row, "prompt", id, scanPrompt)
}

// PromptByRef returns the newest prompt a producer identified by ref.
func (s *Store) PromptByRef(ctx context.Context, ref string) (*Prompt, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+promptColumns+" FROM prompts WHERE ref = ? ORDER BY seq DESC LIMIT 1", ref)
	return getOne(row, "prompt ref", ref, scanPrompt)
}

// LatestUserPrompt returns the newest user prompt in a conversation.
func (s *Store) LatestUserPrompt(ctx context.Context, conversationID string) (*Prompt, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+promptColumns+
		" FROM prompts WHERE conversation_id = ? AND role = 'user' ORDER BY seq DESC LIMIT 1", conversationID)
	return getOne(row, "conversation", conversationID, scanPrompt)
}

// SearchPrompts does a case-insensitive substring search over prompt text.
func (s *Store) SearchPrompts(ctx context.Context, q, workspace string, limit int) ([]Prompt, error) {
	w := &where{}
	w.add("text LIKE ? ESCAPE '\\'", "%"+escapeLike(q)+"%")
	if workspace != "" {
		w.add("workspace = ?", workspace)
	}
	return queryList(ctx, s, "store.SearchPrompts", pageSQL("SELECT "+promptColumns+" FROM prompts", w, limit), w.args, scanPrompt)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

const fileChangeColumns = `id, seq, created_at, workspace, path, before_hash, after_hash, lines_added, lines_removed, chars_added, chars_removed, change_type, rename_from, prompt_id`

func scanFileChange(row scanner) (FileChange, error) {
	var (
		fc                     FileChange
		created                int64
		ws, renameFrom, prompt sql.NullString
	)
	if err := row.Scan(&fc.ID, &fc.Seq, &created, &ws, &fc.Path, &fc.BeforeHash, &fc.AfterHash,
		&fc.LinesAdded, &fc.LinesRemoved, &fc.CharsAdded, &fc.CharsRemoved, &fc.ChangeType,
		&renameFrom, &prompt); err != nil {
		return fc, err
	}
	fc.CreatedAt = fromMillis(created)
	fc.Workspace, fc.RenameFrom, fc.PromptID = ws.String, renameFrom.String, prompt.String
	return fc, nil
}

// ListFileChanges returns file changes, newest first. Kinds filters on change type.
func (s *Store) ListFileChanges(ctx context.Context, f ListFilter) ([]FileChange, error) {
	w := &where{}
	f.common(w)
	w.in("change_type", f.Kinds)
	if f.PromptID != "" {
		w.add("prompt_id = ?", f.PromptID)
	}
	if f.Path != "" {
		w.add("path = ?", f.Path)
	}
	return queryList(ctx, s, "store.ListFileChanges", pageSQL("SELECT "+fileChangeColumns+" FROM file_changes", w, f.Limit), w.args, scanFileChange)
}

// GetFileChange returns one file change.
func (s *Store) GetFileChange(ctx context.Context, id string) (*FileChange, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+fileChangeColumns+" FROM file_changes WHERE id = ?", id)
	return getOne(row, "file change", id, scanFileChange)
}

const terminalColumns = `id, seq, created_at, workspace, command, cwd, exit_code, started_at, ended_at, source, prompt_id, updated_seq`

func scanTerminal(row scanner) (TerminalCommand, error) {
	var (
		tc               TerminalCommand
		created, started int64
		ws, prompt       sql.NullString
		exit, ended, upd sql.NullInt64
	)
	if err := row.Scan(&tc.ID, &tc.Seq, &created, &ws, &tc.Command, &tc.Cwd, &exit, &started,
		&ended, &tc.Source, &prompt, &upd); err != nil {
		return tc, err
	}
	tc.CreatedAt, tc.StartedAt = fromMillis(created), fromMillis(started)
	tc.Workspace, tc.PromptID = ws.String, prompt.String
	if exit.Valid {
		code := int(exit.Int64)
		tc.ExitCode = &code
	}
	if ended.Valid {
		e := fromMillis(ended.Int64)
		tc.EndedAt = &e
	}
	tc.UpdatedSeq = upd.Int64
	return tc, nil
}

// ListTerminalCommands returns commands, newest first.
func (s *Store) ListTerminalCommands(ctx context.Context, f ListFilter) ([]TerminalCommand, error) {
	w := &where{}
	f.common(w)
	if f.Source != "" {
		w.add("source = ?", f.Source)
	}
	if f.ExitCode != nil {
		w.add("exit_code = ?", *f.ExitCode)
	}
	if f.PromptID != "" {
		w.add("prompt_id = ?", f.PromptID)
	}
	return queryList(ctx, s, "store.ListTerminalCommands", pageSQL("SELECT "+terminalColumns+" FROM terminal_commands", w, f.Limit), w.args, scanTerminal)
}

// GetTerminalCommand returns one command.
func (s *Store) GetTerminalCommand(ctx context.Context, id string) (*TerminalCommand, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+terminalColumns+" FROM terminal_commands WHERE id = ?", id)
	return getOne(row, "terminal command", id, scanTerminal)
}

const snapshotColumns = `id, seq, created_at, workspace, files, prompt_id, event_id`

func scanSnapshot(row scanner) (ContextSnapshot, error) {
	var (
		cs               ContextSnapshot
		created          int64
		ws, prompt, evID sql.NullString
		files            string
	)
	if err := row.Scan(&cs.ID, &cs.Seq, &created, &ws, &files, &prompt, &evID); err != nil {
		return cs, err
	}
	cs.CreatedAt = fromMillis(created)
	cs.Workspace, cs.PromptID, cs.EventID = ws.String, prompt.String, evID.String
	cs.Files = []event.ContextFile{}
	_ = json.Unmarshal([]byte(files), &cs.Files)
	return cs, nil
}

// ListContextSnapshots returns snapshots, newest first.
func (s *Store) ListContextSnapshots(ctx context.Context, f ListFilter) ([]ContextSnapshot, error) {
	w := &where{}
	f.common(w)
	if f.PromptID != "" {
		w.add("prompt_id = ?", f.PromptID)
	}
	return queryList(ctx, s, "store.ListContextSnapshots", pageSQL("SELECT "+snapshotColumns+" FROM context_snapshots", w, f.Limit), w.args, scanSnapshot)
}

// GetContextSnapshot returns one snapshot.
func (s *Store) GetContextSnapshot(ctx context.Context, id string) (*ContextSnapshot, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+snapshotColumns+" FROM context_snapshots WHERE id = ?", id)
	return getOne(row, "context snapshot", id, scanSnapshot)
}

// LatestContextSnapshot returns the newest snapshot of a workspace whose seq
// is below beforeSeq (0 means no bound). NotFound when there is none.
func (s *Store) LatestContextSnapshot(ctx context.Context, workspace string, beforeSeq int64) (*ContextSnapshot, error) {
	w := &where{}
	if workspace == "" {
		w.add("workspace IS NULL")
	} else {
		w.add("workspace = ?", workspace)
	}
	if beforeSeq > 0 {
		w.add("seq < ?", beforeSeq)
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+snapshotColumns+" FROM context_snapshots"+w.String()+" ORDER BY seq DESC LIMIT 1", w.args...)
	return getOne(row, "context snapshot for", workspace, scanSnapshot)
}

const deltaColumns = `id, seq, created_at, workspace, prev_snapshot_id, curr_snapshot_id, added, removed, unchanged, prompt_id`

func scanDelta(row scanner) (ContextDelta, error) {
	var (
		d                         ContextDelta
		created                   int64
		ws, prev, prompt          sql.NullString
		added, removed, unchanged string
	)
	if err := row.Scan(&d.ID, &d.Seq, &created, &ws, &prev, &d.CurrSnapshotID, &added, &removed, &unchanged, &prompt); err != nil {
		return d, err
	}
	d.CreatedAt = fromMillis(created)
	d.Workspace, d.PrevSnapshotID, d.PromptID = ws.String, prev.String, prompt.String
	d.Added, d.Removed, d.Unchanged = unmarshalStrings(added), unmarshalStrings(removed), unmarshalStrings(unchanged)
	return d, nil
}

// ListContextDeltas returns deltas, newest first.
func (s *Store) ListContextDeltas(ctx context.Context, f ListFilter) ([]ContextDelta, error) {
	w := &where{}
	f.common(w)
	if f.PromptID != "" {
		w.add("prompt_id = ?", f.PromptID)
	}
	return queryList(ctx, s, "store.ListContextDeltas", pageSQL("SELECT "+deltaColumns+" FROM context_deltas", w, f.Limit), w.args, scanDelta)
}

// DeltaForSnapshot returns the delta whose current snapshot is snapshotID.
func (s *Store) DeltaForSnapshot(ctx context.Context, snapshotID string) (*ContextDelta, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+deltaColumns+" FROM context_deltas WHERE curr_snapshot_id = ?", snapshotID)
	return getOne(row, "context delta for snapshot", snapshotID, scanDelta)
}

// ContextDeltasForPrompt returns the deltas linked to a prompt, either
// directly or through the prompt's context snapshot.
func (s *Store) ContextDeltasForPrompt(ctx context.Context, promptID string) ([]ContextDelta, error) {
	q := "SELECT " + deltaColumns + ` FROM context_deltas
		WHERE prompt_id = ?
		   OR curr_snapshot_id = (SELECT context_snapshot_ref FROM prompts WHERE id = ?)
		ORDER BY seq ASC`
	return queryList(ctx, s, "store.ContextDeltasForPrompt", q, []any{promptID, promptID}, scanDelta)
}

const dagColumns = `id, seq, created_at, workspace, window_start, window_end, activity_ids, actions, edges, intents, signature`

func scanDAG(row scanner) (DAG, error) {
	var (
		g                            DAG
		created, start, end          int64
		ws                           sql.NullString
		ids, actions, edges, intents string
	)
	if err := row.Scan(&g.ID, &g.Seq, &created, &ws, &start, &end, &ids, &actions, &edges, &intents, &g.Signature); err != nil {
		return g, err
	}
	g.CreatedAt, g.WindowStart, g.WindowEnd = fromMillis(created), fromMillis(start), fromMillis(end)
	g.Workspace = ws.String
	g.ActivityIDs, g.Actions, g.Intents = unmarshalStrings(ids), unmarshalStrings(actions), unmarshalStrings(intents)
	g.Edges = [][2]int{}
	_ = json.Unmarshal([]byte(edges), &g.Edges)
	return g, nil
}

// ListDAGs returns DAGs, newest first.
func (s *Store) ListDAGs(ctx context.Context, f ListFilter) ([]DAG, error) {
	w := &where{}
	f.common(w)
	return queryList(ctx, s, "store.ListDAGs", pageSQL("SELECT "+dagColumns+" FROM dags", w, f.Limit), w.args, scanDAG)
}

// RecentDAGs returns up to limit newest DAGs without the page-size cap.
func (s *Store) RecentDAGs(ctx context.Context, limit int) ([]DAG, error) {
	q := fmt.Sprintf("SELECT %s FROM dags ORDER BY seq DESC LIMIT %d", dagColumns, limit)
	return queryList(ctx, s, "store.RecentDAGs", q, nil, scanDAG)
}

// GetDAG returns one DAG.
func (s *Store) GetDAG(ctx context.Context, id string) (*DAG, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+dagColumns+" FROM dags WHERE id = ?", id)
	return getOne(row, "dag", id, scanDAG)
}

const motifColumns = `id, seq, created_at, cluster_id, representative_dag_id, member_dag_ids, size, actions`

func scanMotif(row scanner) (Motif, error) {
	var (
		m                Motif
		created          int64
		members, actions string
	)
	if err := row.Scan(&m.ID, &m.Seq, &created, &m.ClusterID, &m.RepresentativeDAGID, &members, &m.Size, &actions); err != nil {
		return m, err
	}
	m.CreatedAt = fromMillis(created)
	m.MemberDAGIDs, m.Actions = unmarshalStrings(members), unmarshalStrings(actions)
	return m, nil
}

// ListMotifs returns the current motifs, largest first.
func (s *Store) ListMotifs(ctx context.Context) ([]Motif, error) {
	return queryList(ctx, s, "store.ListMotifs", "SELECT "+motifColumns+" FROM motifs ORDER BY size DESC, cluster_id ASC", nil, scanMotif)
}

const deadLetterColumns = `id, seq, created_at, workspace, event_id, source, kind, retries, last_error, event`

func scanDeadLetter(row scanner) (DeadLetter, error) {
	var (
		d       DeadLetter
		created int64
		ws      sql.NullString
		ev      string
	)
	if err := row.Scan(&d.ID, &d.Seq, &created, &ws, &d.EventID, &d.Source, &d.Kind, &d.Retries, &d.LastError, &ev); err != nil {
		return d, err
	}
	d.CreatedAt = fromMillis(created)
	d.Workspace = ws.String
	d.Event = json.RawMessage(ev)
	return d, nil
}

// ListDeadLetters returns dead letters, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, f ListFilter) ([]DeadLetter, error) {
	w := &where{}
	f.common(w)
	if f.Source != "" {
		w.add("source = ?", f.Source)
	}
	return queryList(ctx, s, "store.ListDeadLetters", pageSQL("SELECT "+deadLetterColumns+" FROM dead_letters", w, f.Limit), w.args, scanDeadLetter)
}

func queryList[T any](ctx context.Context, s *Store, op, q string, args []any, scan func(scanner) (T, error)) ([]T, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, classify(op, fmt.Errorf("scanning row: %w", err))
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func getOne[T any](row *sql.Row, what, id string, scan func(scanner) (T, error)) (*T, error) {
	v, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("%s %s", what, id)
	}
	if err != nil {
		return nil, classify("store.get", err)
	}
	return &v, nil
}

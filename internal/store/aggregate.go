package store

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/ziadkadry99/devtrail/internal/event"
)

// WorkspaceSummary describes one known workspace.
type WorkspaceSummary struct {
	Workspace    string    `json:"workspace"`
	Activities   int       `json:"activities"`
	Prompts      int       `json:"prompts"`
	FileChanges  int       `json:"file_changes"`
	Commands     int       `json:"commands"`
	LastSeq      int64     `json:"last_seq"`
	LastActivity time.Time `json:"last_activity"`
}

// Workspaces lists workspaces with activity counts, most recently active first.
func (s *Store) Workspaces(ctx context.Context) ([]WorkspaceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace, COUNT(*),
		       SUM(CASE WHEN kind = 'prompt' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN kind = 'file_change' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN kind = 'terminal' THEN 1 ELSE 0 END),
		       MAX(seq), MAX(created_at)
		FROM activities
		WHERE workspace IS NOT NULL
		GROUP BY workspace
		ORDER BY MAX(seq) DESC`)
	if err != nil {
		return nil, classify("store.Workspaces", err)
	}
	defer rows.Close()

	out := []WorkspaceSummary{}
	for rows.Next() {
		var (
			w    WorkspaceSummary
			last int64
		)
		if err := rows.Scan(&w.Workspace, &w.Activities, &w.Prompts, &w.FileChanges, &w.Commands, &w.LastSeq, &last); err != nil {
			return nil, classify("store.Workspaces", err)
		}
		w.LastActivity = fromMillis(last)
		out = append(out, w)
	}
	return out, classify("store.Workspaces", rows.Err())
}

// FileUsage ranks one file by how often it was edited and put in context.
type FileUsage struct {
	Path         string `json:"path"`
	Changes      int    `json:"changes"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
	Prompts      int    `json:"prompts"`
	InContext    int    `json:"in_context"`
	LastSeq      int64  `json:"last_seq"`
}

// FileUsage returns files ranked by edits plus context appearances.
func (s *Store) FileUsage(ctx context.Context, workspace string, limit int) ([]FileUsage, error) {
	w := &where{}
	if workspace != "" {
		w.add("workspace = ?", workspace)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, COUNT(*), SUM(lines_added), SUM(lines_removed),
		       COUNT(DISTINCT prompt_id), MAX(seq)
		FROM file_changes`+w.String()+`
		GROUP BY path`, w.args...)
	if err != nil {
		return nil, classify("store.FileUsage", err)
	}
	usage := make(map[string]*FileUsage)
	for rows.Next() {
		u := &FileUsage{}
		if err := rows.Scan(&u.Path, &u.Changes, &u.LinesAdded, &u.LinesRemoved, &u.Prompts, &u.LastSeq); err != nil {
			rows.Close()
			return nil, classify("store.FileUsage", err)
		}
		usage[u.Path] = u
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify("store.FileUsage", err)
	}

	err = s.eachSnapshot(ctx, workspace, func(cs ContextSnapshot) {
		for _, f := range cs.Files {
			u, ok := usage[f.Path]
			if !ok {
				u = &FileUsage{Path: f.Path}
				usage[f.Path] = u
			}
			u.InContext++
			if cs.Seq > u.LastSeq {
				u.LastSeq = cs.Seq
			}
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]FileUsage, 0, len(usage))
	for _, u := range usage {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Changes+out[i].InContext, out[j].Changes+out[j].InContext
		if si != sj {
			return si > sj
		}
		return out[i].Path < out[j].Path
	})
	limit = ClampLimit(limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ContextSummary is a set of counts over context snapshots and deltas.
type ContextSummary struct {
	Snapshots     int     `json:"snapshots"`
	Deltas        int     `json:"deltas"`
	LinkedPrompts int     `json:"linked_prompts"`
	AvgFiles      float64 `json:"avg_files"`
	ExplicitFiles int     `json:"explicit_files"`
	AutoFiles     int     `json:"auto_files"`
	TotalAdded    int     `json:"total_added"`
	TotalRemoved  int     `json:"total_removed"`
	UniqueFiles   int     `json:"unique_files"`
}

// ContextSummary counts snapshot and delta activity in a workspace ("" = all).
func (s *Store) ContextSummary(ctx context.Context, workspace string) (ContextSummary, error) {
	var sum ContextSummary
	unique := make(map[string]struct{})
	totalFiles := 0
	err := s.eachSnapshot(ctx, workspace, func(cs ContextSnapshot) {
		sum.Snapshots++
		totalFiles += len(cs.Files)
		for _, f := range cs.Files {
			unique[f.Path] = struct{}{}
			if f.Source == event.ContextExplicit {
				sum.ExplicitFiles++
			} else {
				sum.AutoFiles++
			}
		}
	})
	if err != nil {
		return sum, err
	}
	sum.UniqueFiles = len(unique)
	if sum.Snapshots > 0 {
		sum.AvgFiles = float64(totalFiles) / float64(sum.Snapshots)
	}

	w := &where{}
	if workspace != "" {
		w.add("workspace = ?", workspace)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT added, removed FROM context_deltas`+w.String(), w.args...)
	if err != nil {
		return sum, classify("store.ContextSummary", err)
	}
	defer rows.Close()
	for rows.Next() {
		var added, removed string
		if err := rows.Scan(&added, &removed); err != nil {
			return sum, classify("store.ContextSummary", err)
		}
		sum.Deltas++
		sum.TotalAdded += len(unmarshalStrings(added))
		sum.TotalRemoved += len(unmarshalStrings(removed))
	}
	if err := rows.Err(); err != nil {
		return sum, classify("store.ContextSummary", err)
	}

	pw := &where{}
	pw.add("context_snapshot_ref IS NOT NULL")
	if workspace != "" {
		pw.add("workspace = ?", workspace)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prompts`+pw.String(), pw.args...).Scan(&sum.LinkedPrompts); err != nil {
		return sum, classify("store.ContextSummary", err)
	}
	return sum, nil
}

// FilePair is an edge of the file co-occurrence graph.
type FilePair struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Count  int    `json:"count"`
}

// FileRelationships returns pairs of files that appeared in the same context
// snapshot at least minCount times, strongest first.
func (s *Store) FileRelationships(ctx context.Context, workspace string, minCount int) ([]FilePair, error) {
	if minCount < 1 {
		minCount = 1
	}
	counts := make(map[[2]string]int)
	err := s.eachSnapshot(ctx, workspace, func(cs ContextSnapshot) {
		paths := cs.Paths()
		sort.Strings(paths)
		for i := 0; i < len(paths); i++ {
			for j := i + 1; j < len(paths); j++ {
				counts[[2]string{paths[i], paths[j]}]++
			}
		}
	})
	if err != nil {
		return nil, err
	}

	out := []FilePair{}
	for k, n := range counts {
		if n >= minCount {
			out = append(out, FilePair{Source: k[0], Target: k[1], Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out, nil
}

// DayStat is one day of productivity counts (UTC).
type DayStat struct {
	Day          string `json:"day"`
	Prompts      int    `json:"prompts"`
	FileChanges  int    `json:"file_changes"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
	Commands     int    `json:"commands"`
}

// Productivity summarises output since a point in time.
type Productivity struct {
	Prompts           int       `json:"prompts"`
	FileChanges       int       `json:"file_changes"`
	AttributedChanges int       `json:"attributed_changes"`
	AttributionRate   float64   `json:"attribution_rate"`
	LinesAdded        int       `json:"lines_added"`
	LinesRemoved      int       `json:"lines_removed"`
	Commands          int       `json:"commands"`
	FailedCommands    int       `json:"failed_commands"`
	ByDay             []DayStat `json:"by_day"`
}

// Productivity derives output counts from stored rows. A zero since means all time.
func (s *Store) Productivity(ctx context.Context, workspace string, since time.Time) (Productivity, error) {
	var p Productivity
	days := make(map[string]*DayStat)
	day := func(ms int64) *DayStat {
		key := fromMillis(ms).Format(time.DateOnly)
		d, ok := days[key]
		if !ok {
			d = &DayStat{Day: key}
			days[key] = d
		}
		return d
	}

	filter := func() *where {
		w := &where{}
		if workspace != "" {
			w.add("workspace = ?", workspace)
		}
		if !since.IsZero() {
			w.add("created_at >= ?", toMillis(since))
		}
		return w
	}

	pw := filter()
	pw.add("role = 'user'")
	err := s.scanRows(ctx, "SELECT created_at FROM prompts"+pw.String(), pw.args, func(rows *sql.Rows) error {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return err
		}
		p.Prompts++
		day(ms).Prompts++
		return nil
	})
	if err != nil {
		return p, err
	}

	fw := filter()
	err = s.scanRows(ctx, "SELECT created_at, lines_added, lines_removed, prompt_id FROM file_changes"+fw.String(), fw.args, func(rows *sql.Rows) error {
		var (
			ms         int64
			added, rem int
			prompt     sql.NullString
		)
		if err := rows.Scan(&ms, &added, &rem, &prompt); err != nil {
			return err
		}
		p.FileChanges++
		p.LinesAdded += added
		p.LinesRemoved += rem
		if prompt.Valid {
			p.AttributedChanges++
		}
		d := day(ms)
		d.FileChanges++
		d.LinesAdded += added
		d.LinesRemoved += rem
		return nil
	})
	if err != nil {
		return p, err
	}

	tw := filter()
	err = s.scanRows(ctx, "SELECT created_at, exit_code FROM terminal_commands"+tw.String(), tw.args, func(rows *sql.Rows) error {
		var (
			ms   int64
			exit sql.NullInt64
		)
		if err := rows.Scan(&ms, &exit); err != nil {
			return err
		}
		p.Commands++
		if exit.Valid && exit.Int64 != 0 {
			p.FailedCommands++
		}
		day(ms).Commands++
		return nil
	})
	if err != nil {
		return p, err
	}

	if p.FileChanges > 0 {
		p.AttributionRate = float64(p.AttributedChanges) / float64(p.FileChanges)
	}
	p.ByDay = make([]DayStat, 0, len(days))
	for _, d := range days {
		p.ByDay = append(p.ByDay, *d)
	}
	sort.Slice(p.ByDay, func(i, j int) bool { return p.ByDay[i].Day < p.ByDay[j].Day })
	return p, nil
}

// Counts returns row counts per table, for stats endpoints.
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, table := range gcTables {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, classify("store.Counts", err)
		}
		out[table] = n
	}
	var motifs int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM motifs").Scan(&motifs); err != nil {
		return nil, classify("store.Counts", err)
	}
	out["motifs"] = motifs
	return out, nil
}

func (s *Store) eachSnapshot(ctx context.Context, workspace string, fn func(ContextSnapshot)) error {
	w := &where{}
	if workspace != "" {
		w.add("workspace = ?", workspace)
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+snapshotColumns+" FROM context_snapshots"+w.String()+" ORDER BY seq ASC", w.args...)
	if err != nil {
		return classify("store.snapshots", err)
	}
	defer rows.Close()
	for rows.Next() {
		cs, err := scanSnapshot(rows)
		if err != nil {
			return classify("store.snapshots", err)
		}
		fn(cs)
	}
	return classify("store.snapshots", rows.Err())
}

func (s *Store) scanRows(ctx context.Context, q string, args []any, fn func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return classify("store.aggregate", err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return classify("store.aggregate", err)
		}
	}
	return classify("store.aggregate", rows.Err())
}

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ziadkadry99/devtrail/internal/apperr"
)

// gcTables are the tables GC trims. Motifs are replaced wholesale by the
// builder and are never trimmed here.
var gcTables = []string{
	"activities",
	"prompts",
	"file_changes",
	"terminal_commands",
	"context_snapshots",
	"context_deltas",
	"dags",
	"dead_letters",
}

// GCResult reports how many rows each table lost.
type GCResult struct {
	BeforeSeq int64            `json:"before_seq"`
	Deleted   map[string]int64 `json:"deleted"`
}

// Total returns the number of deleted rows.
func (r GCResult) Total() int64 {
	var n int64
	for _, v := range r.Deleted {
		n += v
	}
	return n
}

// GC deletes every record with seq below beforeSeq. It runs on the writer
// lane but does not consume seq numbers. The Store never calls it itself.
func (s *Store) GC(ctx context.Context, beforeSeq int64) (GCResult, error) {
	res := GCResult{BeforeSeq: beforeSeq, Deleted: make(map[string]int64)}
	if beforeSeq <= 0 {
		return res, apperr.Validationf("before_seq must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, classify("store.GC", err)
	}
	for _, table := range gcTables {
		r, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE seq < ?", beforeSeq)
		if err != nil {
			tx.Rollback()
			return res, classify("store.GC", err)
		}
		n, _ := r.RowsAffected()
		res.Deleted[table] = n
	}
	if err := tx.Commit(); err != nil {
		return res, classify("store.GC", err)
	}
	return res, nil
}

// SeqBefore returns the smallest seq of any record created at or after t,
// so GC(SeqBefore(t)) removes everything older than t. With no newer record
// it returns one past the current seq.
func (s *Store) SeqBefore(ctx context.Context, t time.Time) (int64, error) {
	q := "SELECT MIN(s) FROM ("
	args := make([]any, 0, len(gcTables))
	for i, table := range gcTables {
		if i > 0 {
			q += " UNION ALL "
		}
		q += "SELECT MIN(seq) AS s FROM " + table + " WHERE created_at >= ?"
		args = append(args, toMillis(t))
	}
	q += ")"

	var min sql.NullInt64
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&min)
	if err != nil {
		return 0, classify("store.SeqBefore", err)
	}
	if !min.Valid {
		return s.seq.Current() + 1, nil
	}
	return min.Int64, nil
}

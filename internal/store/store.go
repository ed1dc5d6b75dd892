// Package store is the typed record store. It owns every persisted record,
// assigns seq numbers, and notifies change hooks after each commit.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/db"
)

// ChangeHook receives the changes of one committed write. Hooks run on the
// writer lane and must not block or call back into the Store.
type ChangeHook func([]Change)

// Store provides transactional writes and indexed reads over all records.
type Store struct {
	db    *db.DB
	clock clock.Clock
	seq   *clock.Sequencer

	// mu is the single writer lane. Readers never take it.
	mu    sync.Mutex
	hooks []ChangeHook
}

// NewStore creates a Store backed by the given database and reseeds the
// sequencer from the highest seq already persisted.
func NewStore(ctx context.Context, database *db.DB, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.System()
	}
	max, err := database.MaxSeq(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreIO, "store.open", err)
	}
	return &Store{db: database, clock: clk, seq: clock.NewSequencer(max)}, nil
}

// OnChange registers a hook called after every successful commit.
func (s *Store) OnChange(h ChangeHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// CurrentSeq returns the most recently assigned seq.
func (s *Store) CurrentSeq() int64 { return s.seq.Current() }

// DB exposes the underlying database for maintenance commands.
func (s *Store) DB() *db.DB { return s.db }

// Write runs fn inside one transaction on the writer lane. Every record the
// transaction inserts or patches gets a fresh seq. On success the changes
// are returned and passed to the change hooks.
func (s *Store) Write(ctx context.Context, fn func(tx *Tx) error) ([]Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreIO, "store.begin", err)
	}
	tx := &Tx{s: s, tx: sqlTx, ctx: ctx}

	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return nil, classify("store.write", err)
	}

	if tx.lastSeq > 0 {
		if err := tx.putMeta("last_seq", strconv.FormatInt(tx.lastSeq, 10)); err != nil {
			sqlTx.Rollback()
			return nil, err
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreIO, "store.commit", err)
	}

	if len(tx.changes) > 0 {
		for _, h := range s.hooks {
			h(tx.changes)
		}
	}
	return tx.changes, nil
}

// SaveSourceOffset persists a source's read position on its own.
func (s *Store) SaveSourceOffset(ctx context.Context, source, offset string) error {
	_, err := s.Write(ctx, func(tx *Tx) error { return tx.SetSourceOffset(source, offset) })
	return err
}

// Meta returns the persisted last seq and source offsets.
func (s *Store) Meta(ctx context.Context) (lastSeq int64, offsets map[string]string, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM store_meta`)
	if err != nil {
		return 0, nil, apperr.Wrap(apperr.KindStoreIO, "store.meta", err)
	}
	defer rows.Close()

	offsets = make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return 0, nil, apperr.Wrap(apperr.KindStoreIO, "store.meta", err)
		}
		switch {
		case k == "last_seq":
			lastSeq, _ = strconv.ParseInt(v, 10, 64)
		case len(k) > len(offsetPrefix) && k[:len(offsetPrefix)] == offsetPrefix:
			offsets[k[len(offsetPrefix):]] = v
		}
	}
	return lastSeq, offsets, apperr.Wrap(apperr.KindStoreIO, "store.meta", rows.Err())
}

// SourceOffset returns the persisted read offset of a source, or "".
func (s *Store) SourceOffset(ctx context.Context, source string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, offsetPrefix+source).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Wrap(apperr.KindStoreIO, "store.source_offset", err)
	}
	return v, nil
}

const offsetPrefix = "offset:"

// classify keeps kinded errors as they are, maps deadlines to Timeout and
// everything else to StoreIO.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindTimeout, op, err)
	}
	return apperr.Wrap(apperr.KindStoreIO, op, err)
}

// Time columns hold unix milliseconds.
func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(s string) []string {
	out := []string{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &out)
	}
	return out
}

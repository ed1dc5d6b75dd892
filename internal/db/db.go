package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"
)

// SchemaVersion is bumped whenever schema changes shape.
const SchemaVersion = 1

// FileName is the database file inside the data directory.
const FileName = "devtrail.db"

// DB wraps a sql.DB with devtrail-specific helpers.
type DB struct {
	*sql.DB
	path string
}

// Open creates or opens a SQLite database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	d := &DB{DB: sqlDB, path: path}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return d, nil
}

// OpenMemory creates an in-memory SQLite database (useful for testing).
// The pool is pinned to one connection so every query sees the same database.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	d := &DB{DB: sqlDB, path: ":memory:"}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return d, nil
}

// OpenReadOnly opens somebody else's SQLite file without ever writing to it.
// Used for the editor's state database.
func OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	sqlDB, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(250)&_pragma=query_only(1)")
	if err != nil {
		return nil, fmt.Errorf("opening %s read-only: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)
	return sqlDB, nil
}

// Path returns the database file path, or ":memory:".
func (d *DB) Path() string { return d.path }

// migrate runs all schema migrations.
func (d *DB) migrate() error {
	if _, err := d.Exec(schema); err != nil {
		return err
	}
	_, err := d.Exec(`INSERT INTO store_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(SchemaVersion))
	return err
}

// MaxSeq returns the highest seq recorded in any table, for reseeding the
// sequencer after a restart.
func (d *DB) MaxSeq(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := d.QueryRowContext(ctx, `
		SELECT MAX(s) FROM (
			SELECT MAX(seq) AS s FROM activities
			UNION ALL SELECT MAX(seq) FROM prompts
			UNION ALL SELECT MAX(updated_seq) FROM prompts
			UNION ALL SELECT MAX(seq) FROM file_changes
			UNION ALL SELECT MAX(seq) FROM terminal_commands
			UNION ALL SELECT MAX(updated_seq) FROM terminal_commands
			UNION ALL SELECT MAX(seq) FROM context_snapshots
			UNION ALL SELECT MAX(seq) FROM context_deltas
			UNION ALL SELECT MAX(seq) FROM dags
			UNION ALL SELECT MAX(seq) FROM motifs
			UNION ALL SELECT MAX(seq) FROM dead_letters
			UNION ALL SELECT CAST(value AS INTEGER) FROM store_meta WHERE key = 'last_seq'
		)`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("reading max seq: %w", err)
	}
	return max.Int64, nil
}

// schema contains the full database schema. New tables are added here.
// Times are stored as unix milliseconds.
const schema = `
CREATE TABLE IF NOT EXISTS store_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prompts (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL UNIQUE,
    created_at INTEGER NOT NULL,
    workspace TEXT,
    text TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'user' CHECK(role IN ('user','assistant')),
    conversation_id TEXT,
    parent_prompt_id TEXT,
    model TEXT,
    attachments TEXT NOT NULL DEFAULT '[]',
    context_snapshot_ref TEXT,
    source TEXT NOT NULL DEFAULT '',
    ref TEXT,
    fingerprint TEXT UNIQUE,
    updated_seq INTEGER
);

CREATE INDEX IF NOT EXISTS idx_prompts_ws_seq ON prompts(workspace, seq);
CREATE INDEX IF NOT EXISTS idx_prompts_ws_created ON prompts(workspace, created_at);
CREATE INDEX IF NOT EXISTS idx_prompts_conversation ON prompts(conversation_id);
CREATE INDEX IF NOT EXISTS idx_prompts_ref ON prompts(ref);

CREATE TABLE IF NOT EXISTS file_changes (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL UNIQUE,
    created_at INTEGER NOT NULL,
    workspace TEXT,
    path TEXT NOT NULL,
    before_hash TEXT NOT NULL DEFAULT '',
    after_hash TEXT NOT NULL DEFAULT '',
    lines_added INTEGER NOT NULL DEFAULT 0,
    lines_removed INTEGER NOT NULL DEFAULT 0,
    chars_added INTEGER NOT NULL DEFAULT 0,
    chars_removed INTEGER NOT NULL DEFAULT 0,
    change_type TEXT NOT NULL CHECK(change_type IN ('create','modify','delete','rename')),
    rename_from TEXT,
    prompt_id TEXT,
    fingerprint TEXT UNIQUE,
    CHECK(change_type = 'rename' OR before_hash <> after_hash)
);

CREATE INDEX IF NOT EXISTS idx_file_changes_ws_seq ON file_changes(workspace, seq);
CREATE INDEX IF NOT EXISTS idx_file_changes_ws_created ON file_changes(workspace, created_at);
CREATE INDEX IF NOT EXISTS idx_file_changes_path ON file_changes(path);
CREATE INDEX IF NOT EXISTS idx_file_changes_prompt ON file_changes(prompt_id);

CREATE TABLE IF NOT EXISTS terminal_commands (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL UNIQUE,
    created_at INTEGER NOT NULL,
    workspace TEXT,
    command TEXT NOT NULL,
    cwd TEXT NOT NULL DEFAULT '',
    exit_code INTEGER,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    source TEXT NOT NULL DEFAULT 'shell',
    prompt_id TEXT,
    fingerprint TEXT UNIQUE,
    updated_seq INTEGER,
    CHECK(ended_at IS NULL OR ended_at >= started_at)
);

CREATE INDEX IF NOT EXISTS idx_terminal_ws_seq ON terminal_commands(workspace, seq);
CREATE INDEX IF NOT EXISTS idx_terminal_ws_created ON terminal_commands(workspace, created_at);
CREATE INDEX IF NOT EXISTS idx_terminal_prompt ON terminal_commands(prompt_id);

CREATE TABLE IF NOT EXISTS context_snapshots (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL UNIQUE,
    created_at INTEGER NOT NULL,
    workspace TEXT,
    files TEXT NOT NULL DEFAULT '[]',
    prompt_id TEXT,
    event_id TEXT,
    fingerprint TEXT UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_snapshots_ws_seq ON context_snapshots(workspace, seq);
CREATE INDEX IF NOT EXISTS idx_snapshots_prompt ON context_snapshots(prompt_id);

CREATE TABLE IF NOT EXISTS context_deltas (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL UNIQUE,
    created_at INTEGER NOT NULL,
    workspace TEXT,
    prev_snapshot_id TEXT,
    curr_snapshot_id TEXT NOT NULL UNIQUE,
    added TEXT NOT NULL DEFAULT '[]',
    removed TEXT NOT NULL DEFAULT '[]',
    unchanged TEXT NOT NULL DEFAULT '[]',
    prompt_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_deltas_ws_seq ON context_deltas(workspace, seq);
CREATE INDEX IF NOT EXISTS idx_deltas_prompt ON context_deltas(prompt_id);

CREATE TABLE IF NOT EXISTS activities (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL UNIQUE,
    created_at INTEGER NOT NULL,
    workspace TEXT,
    kind TEXT NOT NULL CHECK(kind IN ('prompt','file_change','terminal','status')),
    ref_id TEXT NOT NULL,
    session_id TEXT,
    prompt_id TEXT,
    summary TEXT NOT NULL DEFAULT '',
    payload TEXT,
    fingerprint TEXT UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_activities_kind_ws_seq ON activities(kind, workspace, seq);
CREATE INDEX IF NOT EXISTS idx_activities_ws_created ON activities(workspace, created_at);
CREATE INDEX IF NOT EXISTS idx_activities_prompt ON activities(prompt_id);

CREATE TABLE IF NOT EXISTS dags (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL UNIQUE,
    created_at INTEGER NOT NULL,
    workspace TEXT,
    window_start INTEGER NOT NULL,
    window_end INTEGER NOT NULL,
    activity_ids TEXT NOT NULL DEFAULT '[]',
    actions TEXT NOT NULL DEFAULT '[]',
    edges TEXT NOT NULL DEFAULT '[]',
    intents TEXT NOT NULL DEFAULT '[]',
    signature TEXT NOT NULL DEFAULT '',
    fingerprint TEXT UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_dags_ws_window ON dags(workspace, window_start);

CREATE TABLE IF NOT EXISTS motifs (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL UNIQUE,
    created_at INTEGER NOT NULL,
    cluster_id INTEGER NOT NULL,
    representative_dag_id TEXT NOT NULL,
    member_dag_ids TEXT NOT NULL DEFAULT '[]',
    size INTEGER NOT NULL,
    actions TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS dead_letters (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL UNIQUE,
    created_at INTEGER NOT NULL,
    workspace TEXT,
    event_id TEXT NOT NULL,
    source TEXT NOT NULL,
    kind TEXT NOT NULL,
    retries INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    event TEXT NOT NULL,
    fingerprint TEXT UNIQUE
);
`

package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestOpenMemory(t *testing.T) {
	d, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error: %v", err)
	}
	defer d.Close()

	tables := []string{
		"store_meta", "prompts", "file_changes", "terminal_commands",
		"context_snapshots", "context_deltas", "activities", "dags",
		"motifs", "dead_letters",
	}

	for _, table := range tables {
		var count int
		err := d.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count)
		if err != nil {
			t.Errorf("table %s: %v", table, err)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	d, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error: %v", err)
	}
	defer d.Close()

	if err := d.migrate(); err != nil {
		t.Fatalf("second migrate() error: %v", err)
	}
	var v string
	if err := d.QueryRow(`SELECT value FROM store_meta WHERE key = 'schema_version'`).Scan(&v); err != nil {
		t.Fatal(err)
	}
	if v != strconv.Itoa(SchemaVersion) {
		t.Errorf("schema_version = %s", v)
	}
}

func TestFileChangeHashCheck(t *testing.T) {
	d, err := OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	_, err = d.Exec(`INSERT INTO file_changes (id, seq, created_at, path, before_hash, after_hash, change_type)
		VALUES ('a', 1, 0, 'x.go', 'h', 'h', 'modify')`)
	if err == nil {
		t.Error("expected CHECK failure for equal hashes on modify")
	}
	_, err = d.Exec(`INSERT INTO file_changes (id, seq, created_at, path, before_hash, after_hash, change_type)
		VALUES ('b', 2, 0, 'x.go', 'h', 'h', 'rename')`)
	if err != nil {
		t.Errorf("rename with equal hashes should be allowed: %v", err)
	}
}

func TestMaxSeq(t *testing.T) {
	d, err := OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	ctx := context.Background()

	got, err := d.MaxSeq(ctx)
	if err != nil || got != 0 {
		t.Fatalf("MaxSeq on empty = %d, %v", got, err)
	}

	d.Exec(`INSERT INTO activities (id, seq, created_at, kind, ref_id) VALUES ('a', 7, 0, 'status', 'x')`)
	d.Exec(`INSERT INTO prompts (id, seq, created_at, text, updated_seq) VALUES ('p', 3, 0, 'hi', 12)`)
	got, err = d.MaxSeq(ctx)
	if err != nil || got != 12 {
		t.Errorf("MaxSeq = %d, %v; want 12", got, err)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	if d.Path() != path {
		t.Errorf("Path() = %s", d.Path())
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file missing: %v", err)
	}
}

func TestSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := LoadSidecar(dir)
	if err != nil {
		t.Fatal(err)
	}
	if s.SchemaVersion != SchemaVersion || s.LastSeq != 0 {
		t.Errorf("unexpected empty sidecar: %+v", s)
	}

	s.LastSeq = 42
	s.SourceOffsets["terminal"] = "1024"
	if err := s.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := LoadSidecar(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastSeq != 42 || got.SourceOffsets["terminal"] != "1024" {
		t.Errorf("reloaded sidecar = %+v", got)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only %s in dir, found %d entries", SidecarName, len(entries))
	}
}

func TestLock(t *testing.T) {
	dir := t.TempDir()
	l, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	// Our own pid counts as stale for a second claim from the same process,
	// so simulate another live owner with the parent pid.
	if err := os.WriteFile(filepath.Join(dir, LockName), []byte(strconv.Itoa(os.Getppid())), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := AcquireLock(dir); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, LockName), []byte("999999999"), 0o644); err != nil {
		t.Fatal(err)
	}
	l2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("stale lock should be taken over: %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatal(err)
	}
	_ = l.Release()
}

package db

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// SidecarName is the sidecar file inside the data directory.
const SidecarName = "state.json"

// Sidecar is the small state file kept next to the database. It mirrors the
// store_meta table so the last seq and source offsets can be inspected and
// recovered without opening SQLite.
type Sidecar struct {
	SchemaVersion int               `json:"schema_version"`
	LastSeq       int64             `json:"last_seq"`
	SourceOffsets map[string]string `json:"source_offsets"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// LoadSidecar reads the sidecar from dataDir. A missing file yields an empty
// sidecar at the current schema version.
func LoadSidecar(dataDir string) (*Sidecar, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, SidecarName))
	if err != nil {
		if os.IsNotExist(err) {
			return &Sidecar{SchemaVersion: SchemaVersion, SourceOffsets: make(map[string]string)}, nil
		}
		return nil, err
	}

	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", SidecarName, err)
	}
	if s.SourceOffsets == nil {
		s.SourceOffsets = make(map[string]string)
	}
	return &s, nil
}

// Save writes the sidecar atomically into dataDir.
func (s *Sidecar) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(filepath.Join(dataDir, SidecarName), data, 0o644)
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		_ = tmp.Close()
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	cleanup = false

	// Windows cannot fsync a directory.
	if runtime.GOOS != "windows" {
		if f, err := os.Open(dir); err == nil {
			_ = f.Sync()
			f.Close()
		}
	}
	return nil
}

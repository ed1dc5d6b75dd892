// Package walker filters and traverses watched workspaces and fingerprints
// file contents without keeping them.
package walker

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
)

// DefaultMaxFileSize is the largest file that gets hashed (4 MB).
const DefaultMaxFileSize int64 = 4 << 20

// FileInfo holds metadata about a single file discovered during traversal.
type FileInfo struct {
	Path    string // Absolute path on disk.
	RelPath string // Slash-separated path relative to the root.
	Size    int64
	Class   string // PathClass of the file.
}

// Dirs returns every directory under root that the filter does not skip,
// root included. Used to register recursive watches.
func Dirs(ctx context.Context, f *Filter) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(f.Root(), func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if d != nil && d.IsDir() && path != f.Root() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != f.Root() && f.SkipDir(path) {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walker: listing directories: %w", err)
	}
	return dirs, nil
}

// Scan returns every regular, non-ignored file under the filter's root
// that is at most maxSize bytes (0 = DefaultMaxFileSize).
func Scan(ctx context.Context, f *Filter, maxSize int64) ([]FileInfo, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	var files []FileInfo
	err := filepath.WalkDir(f.Root(), func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			// Skip entries we cannot read instead of aborting.
			return nil
		}
		if d.IsDir() {
			if path != f.Root() && f.SkipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || f.Ignored(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxSize {
			return nil
		}
		rel, _ := f.rel(path)
		files = append(files, FileInfo{
			Path:    path,
			RelPath: rel,
			Size:    info.Size(),
			Class:   PathClass(path),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walker: traversal: %w", err)
	}
	return files, nil
}

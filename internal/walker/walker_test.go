package walker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// writeTree creates files (relative path -> content) under a temp root.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func relPaths(files []FileInfo) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.RelPath
	}
	sort.Strings(out)
	return out
}

func TestScan_DenyList(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.go":                 "package main",
		"src/app.ts":              "export {}",
		".git/HEAD":               "ref",
		"node_modules/x/index.js": "x",
		"build/out.bin":           "bin",
		"src/.app.ts.swp":         "swap",
	})

	files, err := Scan(context.Background(), NewFilter(root, nil, nil), 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	got := relPaths(files)
	want := []string{"main.go", "src/app.ts"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Scan = %v, want %v", got, want)
	}
}

func TestScan_IgnoreGlobs(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.go":           "a",
		"gen/b.pb.go":    "b",
		"docs/readme.md": "c",
	})

	files, err := Scan(context.Background(), NewFilter(root, nil, []string{"**/*.pb.go", "docs/**"}), 0)
	if err != nil {
		t.Fatal(err)
	}
	got := relPaths(files)
	if len(got) != 1 || got[0] != "a.go" {
		t.Errorf("Scan = %v", got)
	}
}

func TestScan_Gitignore(t *testing.T) {
	root := writeTree(t, map[string]string{
		".gitignore":   "*.log\ntmp/\n",
		"keep.go":      "k",
		"debug.log":    "d",
		"tmp/cache.go": "c",
	})

	files, err := Scan(context.Background(), NewFilter(root, nil, nil), 0)
	if err != nil {
		t.Fatal(err)
	}
	got := relPaths(files)
	if len(got) != 2 || got[0] != ".gitignore" || got[1] != "keep.go" {
		t.Errorf("Scan = %v", got)
	}
}

func TestScan_SkipsLargeFiles(t *testing.T) {
	root := writeTree(t, map[string]string{
		"small.txt": "hi",
		"large.txt": string(make([]byte, 2048)),
	})
	files, err := Scan(context.Background(), NewFilter(root, nil, nil), 1024)
	if err != nil {
		t.Fatal(err)
	}
	if got := relPaths(files); len(got) != 1 || got[0] != "small.txt" {
		t.Errorf("Scan = %v", got)
	}
}

func TestDirs(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a/b/c.go":            "c",
		"node_modules/m/x.js": "x",
	})
	dirs, err := Dirs(context.Background(), NewFilter(root, nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range dirs {
		if filepath.Base(d) == "node_modules" || filepath.Base(d) == "m" {
			t.Errorf("denied dir listed: %s", d)
		}
	}
	if len(dirs) != 3 {
		t.Errorf("expected root, a, a/b; got %v", dirs)
	}
}

func TestDirs_Cancelled(t *testing.T) {
	root := writeTree(t, map[string]string{"a/b.go": "b"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Dirs(ctx, NewFilter(root, nil, nil)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFilter_Ignored(t *testing.T) {
	root := t.TempDir()
	f := NewFilter(root, nil, []string{"*.lock"})
	tests := []struct {
		rel  string
		want bool
	}{
		{"main.go", false},
		{"vendor/x/y.go", true},
		{"yarn.lock", true},
		{"notes.md~", true},
		{"deep/.git/config", true},
	}
	for _, tt := range tests {
		if got := f.Ignored(filepath.Join(root, filepath.FromSlash(tt.rel))); got != tt.want {
			t.Errorf("Ignored(%s) = %v, want %v", tt.rel, got, tt.want)
		}
	}
	if !f.Ignored(filepath.Join(filepath.Dir(root), "outside.go")) {
		t.Error("paths outside the root must be ignored")
	}
}

func TestHashFile_ConsistentAndDiff(t *testing.T) {
	root := writeTree(t, map[string]string{
		"before.go": "package a\n\nfunc A() {}\n",
		"same.go":   "package a\n\nfunc A() {}\n",
		"after.go":  "package a\n\nfunc A() {}\nfunc B() {}\n",
	})
	before, err := HashFile(filepath.Join(root, "before.go"), 0)
	if err != nil {
		t.Fatal(err)
	}
	same, _ := HashFile(filepath.Join(root, "same.go"), 0)
	after, _ := HashFile(filepath.Join(root, "after.go"), 0)

	if before.Hash != same.Hash {
		t.Error("identical content must hash identically")
	}
	if before.Hash == after.Hash {
		t.Error("different content must hash differently")
	}
	if before.Lines() != 3 {
		t.Errorf("Lines() = %d", before.Lines())
	}

	d := Diff(before, after)
	if d.LinesAdded != 1 || d.LinesRemoved != 0 || d.CharsAdded != len("func B() {}") {
		t.Errorf("Diff = %+v", d)
	}
	created := Diff(Digest{}, before)
	if created.LinesAdded != 3 {
		t.Errorf("Diff from empty = %+v", created)
	}
	deleted := Diff(after, Digest{})
	if deleted.LinesRemoved != 4 {
		t.Errorf("Diff to empty = %+v", deleted)
	}
}

func TestHashFile_Rejects(t *testing.T) {
	root := writeTree(t, map[string]string{
		"bin.dat": "abc\x00def",
		"big.txt": string(make([]byte, 100)),
	})
	if _, err := HashFile(filepath.Join(root, "bin.dat"), 0); !errors.Is(err, ErrBinary) {
		t.Errorf("binary: got %v", err)
	}
	if _, err := HashFile(filepath.Join(root, "big.txt"), 10); !errors.Is(err, ErrTooLarge) {
		t.Errorf("large: got %v", err)
	}
	if _, err := HashFile(filepath.Join(root, "missing"), 0); !os.IsNotExist(err) {
		t.Errorf("missing: got %v", err)
	}
}

func TestPathClass(t *testing.T) {
	tests := map[string]string{
		"main.go":          "go",
		"main_test.go":     "go_test",
		"src/App.tsx":      "typescript",
		"src/App.test.tsx": "typescript_test",
		"config.YAML":      "config",
		"Dockerfile":       "build",
		"go.mod":           "deps",
		"README.md":        "docs",
		"tests/helpers.py": "python_test",
		"image.png":        "other",
	}
	for path, want := range tests {
		if got := PathClass(path); got != want {
			t.Errorf("PathClass(%s) = %s, want %s", path, got, want)
		}
	}
}

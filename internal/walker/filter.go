package walker

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultDenyList names directories and files that are never watched:
// version control metadata, dependency caches and build outputs.
var DefaultDenyList = []string{
	".git",
	".hg",
	".svn",
	"node_modules",
	"vendor",
	"__pycache__",
	".devtrail",
	"dist",
	"build",
	"out",
	".next",
	".nuxt",
	"target",
	".venv",
	"venv",
	".tox",
	".gradle",
	".cache",
	"coverage",
	".idea",
	".DS_Store",
}

// editorTempSuffixes are scratch files editors write next to the real one.
var editorTempSuffixes = []string{"~", ".swp", ".swo", ".swx", ".tmp", ".crswap", ".part"}

// Filter decides which paths under a root are noise.
type Filter struct {
	root      string
	deny      map[string]struct{}
	globs     []string
	gitignore []string
}

// NewFilter builds a filter for root. deny replaces DefaultDenyList when
// non-empty; globs are doublestar patterns relative to root.
func NewFilter(root string, deny, globs []string) *Filter {
	if len(deny) == 0 {
		deny = DefaultDenyList
	}
	f := &Filter{
		root:      root,
		deny:      make(map[string]struct{}, len(deny)),
		globs:     globs,
		gitignore: loadGitignore(filepath.Join(root, ".gitignore")),
	}
	for _, d := range deny {
		f.deny[strings.ToLower(d)] = struct{}{}
	}
	return f
}

// Root returns the directory the filter is relative to.
func (f *Filter) Root() string { return f.root }

// SkipDir reports whether a directory subtree should not be watched.
func (f *Filter) SkipDir(path string) bool {
	if _, ok := f.deny[strings.ToLower(filepath.Base(path))]; ok {
		return true
	}
	rel, ok := f.rel(path)
	if !ok || rel == "." {
		return false
	}
	return matchesAny(rel, f.globs) || matchesGitignore(rel, f.gitignore, true)
}

// Ignored reports whether a file should produce no events.
func (f *Filter) Ignored(path string) bool {
	base := filepath.Base(path)
	if _, ok := f.deny[strings.ToLower(base)]; ok {
		return true
	}
	for _, s := range editorTempSuffixes {
		if strings.HasSuffix(base, s) {
			return true
		}
	}
	rel, ok := f.rel(path)
	if !ok {
		return true
	}
	// Any denied component on the way down.
	for _, part := range strings.Split(filepath.ToSlash(filepath.Dir(rel)), "/") {
		if _, ok := f.deny[strings.ToLower(part)]; ok {
			return true
		}
	}
	return matchesAny(rel, f.globs) || matchesGitignore(rel, f.gitignore, false)
}

func (f *Filter) rel(path string) (string, bool) {
	rel, err := filepath.Rel(f.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// matchesAny checks if relPath matches any of the given glob patterns.
// It uses doublestar for ** support and also tries the base name.
func matchesAny(relPath string, patterns []string) bool {
	normalized := filepath.ToSlash(relPath)
	base := filepath.Base(normalized)

	for _, pattern := range patterns {
		pattern = filepath.ToSlash(pattern)
		if matched, err := doublestar.Match(pattern, normalized); err == nil && matched {
			return true
		}
		if matched, err := doublestar.Match(pattern, base); err == nil && matched {
			return true
		}
	}
	return false
}

// loadGitignore reads a .gitignore file and returns its non-empty,
// non-comment lines as patterns. Negations are not supported.
func loadGitignore(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

// matchesGitignore checks a slash-separated relative path against gitignore
// patterns. Directory-only patterns (trailing /) match directories and
// anything beneath them.
func matchesGitignore(rel string, patterns []string, isDir bool) bool {
	parts := strings.Split(rel, "/")
	for _, pattern := range patterns {
		dirOnly := strings.HasSuffix(pattern, "/")
		pattern = strings.Trim(pattern, "/")
		if pattern == "" {
			continue
		}

		if strings.Contains(pattern, "/") {
			if ok, _ := doublestar.Match(pattern, rel); ok && (isDir || !dirOnly) {
				return true
			}
			if ok, _ := doublestar.Match(pattern+"/**", rel); ok {
				return true
			}
			continue
		}

		for i, part := range parts {
			ok, _ := doublestar.Match(pattern, part)
			if !ok {
				continue
			}
			last := i == len(parts)-1
			if !dirOnly || !last || isDir {
				return true
			}
		}
	}
	return false
}

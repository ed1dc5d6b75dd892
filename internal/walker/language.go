package walker

import (
	"path/filepath"
	"strings"
)

// extensionToClass buckets file extensions into coarse path classes. The
// buckets are deliberately broad so that action sequences compare across
// projects.
var extensionToClass = map[string]string{
	".go": "go",

	".py":  "python",
	".pyi": "python",

	".ts":  "typescript",
	".tsx": "typescript",
	".mts": "typescript",
	".js":  "javascript",
	".jsx": "javascript",
	".mjs": "javascript",
	".cjs": "javascript",

	".java":  "jvm",
	".kt":    "jvm",
	".kts":   "jvm",
	".scala": "jvm",

	".rs":  "rust",
	".c":   "c",
	".h":   "c",
	".cpp": "c",
	".cc":  "c",
	".hpp": "c",
	".cs":  "dotnet",
	".rb":  "ruby",
	".php": "php",

	".swift": "mobile",
	".dart":  "mobile",

	".html":   "web",
	".css":    "web",
	".scss":   "web",
	".vue":    "web",
	".svelte": "web",

	".sh":   "shell",
	".bash": "shell",
	".zsh":  "shell",
	".sql":  "sql",

	".yaml":  "config",
	".yml":   "config",
	".json":  "config",
	".toml":  "config",
	".ini":   "config",
	".env":   "config",
	".tf":    "config",
	".proto": "schema",

	".md":  "docs",
	".mdx": "docs",
	".rst": "docs",
	".txt": "docs",
}

var filenameToClass = map[string]string{
	"Dockerfile":       "build",
	"Makefile":         "build",
	"Taskfile.yml":     "build",
	"go.mod":           "deps",
	"go.sum":           "deps",
	"package.json":     "deps",
	"pnpm-lock.yaml":   "deps",
	"yarn.lock":        "deps",
	"Cargo.toml":       "deps",
	"requirements.txt": "deps",
	"pyproject.toml":   "deps",
}

// PathClass returns the coarse class of a path, e.g. "go", "config",
// "docs". Test files get a "_test" suffix. Unknown files are "other".
func PathClass(path string) string {
	base := filepath.Base(path)
	class, ok := filenameToClass[base]
	if !ok {
		class, ok = extensionToClass[strings.ToLower(filepath.Ext(base))]
	}
	if !ok {
		return "other"
	}
	if IsTestFile(path) {
		return class + "_test"
	}
	return class
}

// IsTestFile returns true if the filename or path looks like a test file.
func IsTestFile(path string) bool {
	lower := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(lower, "_test.go") || strings.HasSuffix(lower, "_test.py") || strings.HasPrefix(lower, "test_") {
		return true
	}
	for _, suffix := range []string{".test.js", ".test.ts", ".test.tsx", ".spec.js", ".spec.ts", ".spec.tsx"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	slash := "/" + filepath.ToSlash(strings.ToLower(filepath.Dir(path))) + "/"
	return strings.Contains(slash, "/test/") || strings.Contains(slash, "/tests/") || strings.Contains(slash, "/__tests__/")
}

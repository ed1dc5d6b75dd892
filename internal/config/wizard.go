package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/manifoldco/promptui"

	"github.com/ziadkadry99/devtrail/internal/sources"
)

// projectTypePatterns maps marker files to a project type and the extra
// ignore globs worth suggesting for it.
var projectTypePatterns = map[string]struct {
	Name   string
	Ignore string
}{
	"go.mod":           {Name: "Go", Ignore: "**/*.test, **/*.out"},
	"package.json":     {Name: "Node.js/TypeScript", Ignore: "**/coverage/**, **/.next/**, **/*.tsbuildinfo"},
	"requirements.txt": {Name: "Python", Ignore: "**/*.pyc, **/.pytest_cache/**"},
	"pyproject.toml":   {Name: "Python", Ignore: "**/*.pyc, **/.pytest_cache/**"},
	"Cargo.toml":       {Name: "Rust", Ignore: "**/*.rlib"},
	"pom.xml":          {Name: "Java", Ignore: "**/*.class"},
	"build.gradle":     {Name: "Java/Kotlin", Ignore: "**/*.class, **/.gradle/**"},
	"Gemfile":          {Name: "Ruby", Ignore: "**/.bundle/**"},
	"composer.json":    {Name: "PHP", Ignore: "**/.phpunit.cache/**"},
	"*.csproj":         {Name: ".NET", Ignore: "**/bin/**, **/obj/**"},
}

// detectProjectType checks dir for well-known project markers.
func detectProjectType(dir string) (name string, ignore string) {
	for marker, info := range projectTypePatterns {
		matches, _ := filepath.Glob(filepath.Join(dir, marker))
		if len(matches) > 0 {
			return info.Name, info.Ignore
		}
	}
	return "", ""
}

// RunWizard asks for the handful of settings people actually change, starting
// from the defaults, and saves the result to path.
func RunWizard(path string) (*Config, error) {
	fmt.Println("Welcome to devtrail! Let's configure what gets recorded.")
	fmt.Println()

	cfg := DefaultConfig()

	projType, suggested := detectProjectType(".")
	if projType != "" {
		fmt.Printf("Detected project type: %s\n\n", projType)
	}

	// 1. Watch roots.
	rootsPrompt := promptui.Prompt{
		Label:   "Directories to watch (comma-separated)",
		Default: ".",
	}
	rootsStr, err := rootsPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("watch roots: %w", err)
	}
	if roots := splitAndTrim(rootsStr); len(roots) > 0 {
		cfg.WatchRoots = roots
	}

	// 2. Extra ignore globs.
	ignorePrompt := promptui.Prompt{
		Label:   "Extra ignore globs (comma-separated, blank for defaults)",
		Default: suggested,
	}
	ignoreStr, err := ignorePrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("ignore globs: %w", err)
	}
	cfg.IgnoreGlobs = append(cfg.IgnoreGlobs, splitAndTrim(ignoreStr)...)

	// 3. Port.
	portPrompt := promptui.Prompt{
		Label:   "Port for the local API",
		Default: strconv.Itoa(cfg.Port),
		Validate: func(s string) error {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > 65535 {
				return fmt.Errorf("port must be a number between 1 and 65535")
			}
			return nil
		},
	}
	portStr, err := portPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("port: %w", err)
	}
	cfg.Port, _ = strconv.Atoi(portStr)

	// 4. Editor database.
	editorDefault := sources.DefaultEditorDBPath()
	if _, err := os.Stat(editorDefault); err == nil {
		fmt.Printf("Found editor database at %s\n", editorDefault)
	}
	editorPrompt := promptui.Prompt{
		Label:   "Editor state database",
		Default: editorDefault,
	}
	editorPath, err := editorPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("editor database: %w", err)
	}
	if editorPath != editorDefault {
		cfg.EditorDBPath = editorPath
	}

	// 5. Optional sources.
	if cfg.Terminal, err = confirm("Record terminal commands", true); err != nil {
		return nil, err
	}
	if cfg.Clipboard, err = confirm("Watch the clipboard for prompts", false); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Save(path); err != nil {
		return nil, fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("\nConfiguration saved to %s\n", path)
	if cfg.Terminal {
		fmt.Println("Run `devtrail shell-hook zsh` (or bash) and add the output to your shell rc to capture exit codes.")
	}
	return cfg, nil
}

func confirm(label string, def bool) (bool, error) {
	items := []string{"yes", "no"}
	cursor := 0
	if !def {
		cursor = 1
	}
	p := promptui.Select{Label: label, Items: items, CursorPos: cursor}
	idx, _, err := p.Run()
	if err != nil {
		return false, fmt.Errorf("%s: %w", label, err)
	}
	return idx == 0, nil
}

// splitAndTrim splits a comma-separated string and trims whitespace.
func splitAndTrim(s string) []string {
	var result []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			token := trimSpace(s[start:i])
			if token != "" {
				result = append(result, token)
			}
			start = i + 1
		}
	}
	return result
}

func trimSpace(s string) string {
	i, j := 0, len(s)
	for i < j && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	for j > i && (s[j-1] == ' ' || s[j-1] == '\t') {
		j--
	}
	return s[i:j]
}

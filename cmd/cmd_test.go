package cmd

import (
	"strings"
	"testing"
)

func TestCountLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"empty", "", 0},
		{"single", `{"kind":"prompt"}`, 1},
		{"blank lines skipped", "{}\n\n   \n{}\n", 2},
		{"no trailing newline", "{}\n{}", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := countLines(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("countLines: %v", err)
			}
			if got != tt.want {
				t.Errorf("countLines = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdefghij", 4); got != "abcd..." {
		t.Errorf("truncate = %q, want %q", got, "abcd...")
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "init", "replay", "gc", "mcp", "query", "shell-hook", "version"}
	for _, name := range want {
		c, _, err := rootCmd.Find([]string{name})
		if err != nil || c == rootCmd {
			t.Errorf("command %q not registered", name)
		}
	}
}

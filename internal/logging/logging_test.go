package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONOutputWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: slog.LevelInfo, Format: FormatJSON, Output: &buf, Component: "queue"})
	l.Info("admitted", "priority", "high")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if rec["component"] != "queue" {
		t.Errorf("component = %v", rec["component"])
	}
	if rec["priority"] != "high" {
		t.Errorf("priority = %v", rec["priority"])
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: slog.LevelWarn, Output: &buf})
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf})
	l.Info("config", "api_key", "sk-123")
	if strings.Contains(buf.String(), "sk-123") {
		t.Errorf("secret leaked: %s", buf.String())
	}
}

func TestLimiter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLimiter(New(Config{Output: &buf}), time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if ok, _ := l.Allow("editor"); !ok {
		t.Fatal("first call should be allowed")
	}
	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("editor"); ok {
			t.Fatal("repeat within interval should be suppressed")
		}
	}
	if ok, _ := l.Allow("terminal"); !ok {
		t.Error("different key should not be limited")
	}

	now = now.Add(2 * time.Minute)
	ok, n := l.Allow("editor")
	if !ok || n != 3 {
		t.Errorf("Allow after interval = (%v, %d), want (true, 3)", ok, n)
	}
}

// Package logging configures structured logging with slog for devtrail.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the output format for logs.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level slog.Level

	// Format is the output format (text or JSON).
	Format Format

	// Output is where logs are written. Defaults to stderr, which keeps
	// stdout free for the MCP stdio transport.
	Output io.Writer

	// Component is attached to every record as "component".
	Component string
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:     slog.LevelInfo,
		Format:    FormatText,
		Output:    os.Stderr,
		Component: "devtrail",
	}
}

// New creates a logger from cfg.
func New(cfg Config) *slog.Logger {
	w := cfg.Output
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level: cfg.Level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", name))
}

// ParseLevel parses a string into a log level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// ParseFormat parses a format name; unknown values fall back to text.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), string(FormatJSON)) {
		return FormatJSON
	}
	return FormatText
}

// shouldRedact checks if an attribute key names a secret.
func shouldRedact(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"password", "secret", "token", "api_key", "apikey", "credential", "cookie"} {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

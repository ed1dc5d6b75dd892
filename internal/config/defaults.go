package config

import (
	"os"
	"path/filepath"

	"github.com/ziadkadry99/devtrail/internal/db"
)

// DefaultFileName is the config file looked up in the working directory.
const DefaultFileName = ".devtrail.yml"

// DefaultPort is the port the local service listens on.
const DefaultPort = 43917

// DefaultIgnoreGlobs are glob patterns ignored by the file watcher on top of
// the built-in noise directories.
var DefaultIgnoreGlobs = []string{
	"**/*.min.js",
	"**/*.min.css",
	"**/*.lock",
	"**/*.log",
	"**/*.swp",
	"**/*~",
	"**/.DS_Store",
}

// DefaultDataDir is ~/.devtrail, or .devtrail when the home directory is
// unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".devtrail"
	}
	return filepath.Join(home, ".devtrail")
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		Host:            "127.0.0.1",
		Port:            DefaultPort,
		DataDir:         DefaultDataDir(),
		WatchRoots:      []string{"."},
		IgnoreGlobs:     append([]string(nil), DefaultIgnoreGlobs...),
		Terminal:        true,
		Clipboard:       false,
		FileDebounceMs:  500,
		EditorPollMs:    2000,
		RetentionDays:   30,
		MaxQueue:        10000,
		MaxRetries:      3,
		MotifIntervalMs: 300000,
		MotifMinCluster: 10,
		LogLevel:        "info",
		LogFormat:       "text",

		WCtxMs:         5000,
		WEditMs:        900000,
		WTermMs:        300000,
		WDedupeMs:      120000,
		WGapMs:         300000,
		RenameWindowMs: 1000,
		FileHoldMs:     5000,

		ContextHeartbeatMs: 60000,
		ClipboardPollMs:    1500,

		MotifEditDistance:   2,
		MotifMaxBatch:       250,
		MotifBatchThreshold: 50,

		DedupeWindow: 4096,
		BusBuffer:    1024,
		CacheTTLMs:   30000,

		RequestTimeoutMs: 15000,
		RateLimit:        64,
	}
}

// SpoolPath is where the shell hook appends terminal records.
func (c *Config) SpoolPath() string {
	if c.TerminalSpool != "" {
		return c.TerminalSpool
	}
	return filepath.Join(c.DataDir, "terminal.jsonl")
}

// DBPath is the SQLite database inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, db.FileName)
}

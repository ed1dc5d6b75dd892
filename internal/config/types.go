package config

import "time"

// Config is the devtrail configuration, corresponding to .devtrail.yml.
// Every option is optional. Durations are milliseconds so the file and the
// environment use the same numbers.
type Config struct {
	Host         string   `yaml:"host" koanf:"host"`
	Port         int      `yaml:"port" koanf:"port"`
	DataDir      string   `yaml:"data_dir" koanf:"data_dir"`
	WatchRoots   []string `yaml:"watch_roots" koanf:"watch_roots"`
	IgnoreGlobs  []string `yaml:"ignore_globs,omitempty" koanf:"ignore_globs"`
	EditorDBPath string   `yaml:"editor_db_path,omitempty" koanf:"editor_db_path"`
	Terminal     bool     `yaml:"terminal" koanf:"terminal"`
	Clipboard    bool     `yaml:"clipboard" koanf:"clipboard"`

	FileDebounceMs  int `yaml:"file_debounce_ms" koanf:"file_debounce_ms"`
	EditorPollMs    int `yaml:"editor_poll_ms" koanf:"editor_poll_ms"`
	RetentionDays   int `yaml:"retention_days" koanf:"retention_days"`
	MaxQueue        int `yaml:"max_queue" koanf:"max_queue"`
	MaxRetries      int `yaml:"max_retries" koanf:"max_retries"`
	MotifIntervalMs int `yaml:"motif_interval_ms" koanf:"motif_interval_ms"`
	MotifMinCluster int `yaml:"motif_min_cluster" koanf:"motif_min_cluster"`

	LogLevel  string `yaml:"log_level" koanf:"log_level"`
	LogFormat string `yaml:"log_format" koanf:"log_format"`

	// Correlation windows.
	WCtxMs         int `yaml:"w_ctx_ms" koanf:"w_ctx_ms"`
	WEditMs        int `yaml:"w_edit_ms" koanf:"w_edit_ms"`
	WTermMs        int `yaml:"w_term_ms" koanf:"w_term_ms"`
	WDedupeMs      int `yaml:"w_dedupe_ms" koanf:"w_dedupe_ms"`
	WGapMs         int `yaml:"w_gap_ms" koanf:"w_gap_ms"`
	RenameWindowMs int `yaml:"rename_window_ms" koanf:"rename_window_ms"`
	FileHoldMs     int `yaml:"file_hold_ms" koanf:"file_hold_ms"`

	ContextHeartbeatMs int      `yaml:"context_heartbeat_ms" koanf:"context_heartbeat_ms"`
	ClipboardPollMs    int      `yaml:"clipboard_poll_ms" koanf:"clipboard_poll_ms"`
	TerminalSpool      string   `yaml:"terminal_spool,omitempty" koanf:"terminal_spool"`
	HistoryFiles       []string `yaml:"history_files,omitempty" koanf:"history_files"`

	MotifEditDistance   int `yaml:"motif_edit_distance" koanf:"motif_edit_distance"`
	MotifMaxBatch       int `yaml:"motif_max_batch" koanf:"motif_max_batch"`
	MotifBatchThreshold int `yaml:"motif_batch_threshold" koanf:"motif_batch_threshold"`

	DedupeWindow int `yaml:"dedupe_window" koanf:"dedupe_window"`
	BusBuffer    int `yaml:"bus_buffer" koanf:"bus_buffer"`
	CacheTTLMs   int `yaml:"cache_ttl_ms" koanf:"cache_ttl_ms"`

	RequestTimeoutMs int      `yaml:"request_timeout_ms" koanf:"request_timeout_ms"`
	RateLimit        int      `yaml:"rate_limit" koanf:"rate_limit"`
	AllowAllOrigins  bool     `yaml:"allow_all_origins" koanf:"allow_all_origins"`
	AllowedOrigins   []string `yaml:"allowed_origins,omitempty" koanf:"allowed_origins"`
}

// Ms converts a millisecond setting to a duration.
func Ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Retention is how long records are kept before the janitor collects them.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Addr is the host:port the HTTP server listens on.
func (c *Config) Addr() string {
	return joinHostPort(c.Host, c.Port)
}

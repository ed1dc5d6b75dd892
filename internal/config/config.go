package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/logging"
)

// EnvPrefix prefixes environment overrides: DEVTRAIL_PORT -> port.
const EnvPrefix = "DEVTRAIL_"

// listKeys are split on commas when they come from the environment.
var listKeys = map[string]bool{
	"watch_roots":     true,
	"ignore_globs":    true,
	"history_files":   true,
	"allowed_origins": true,
}

// Load reads configuration from the given YAML file on top of the defaults,
// then overlays environment variable overrides (DEVTRAIL_*) and LOG_LEVEL.
// A missing file is not an error. Every failure is a validation error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Start from defaults.
	cfg := DefaultConfig()

	// Load YAML file if it exists.
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, apperr.Wrap(apperr.KindValidation, "config.Load", fmt.Errorf("reading config %s: %w", path, err))
			}
		} else if !os.IsNotExist(err) {
			return nil, apperr.Wrap(apperr.KindValidation, "config.Load", fmt.Errorf("accessing config %s: %w", path, err))
		}
	}

	// Overlay environment variables: DEVTRAIL_DATA_DIR -> data_dir, etc.
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		if listKeys[key] {
			return key, splitAndTrim(value)
		}
		return key, value
	}), nil); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "config.Load", fmt.Errorf("loading env overrides: %w", err))
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "config.Load", fmt.Errorf("unmarshalling config: %w", err))
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}

	return cfg, nil
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration contains usable values.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return apperr.Validationf("port %d out of range 1-65535", c.Port)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return apperr.Validationf("data_dir is required")
	}
	if len(c.WatchRoots) == 0 {
		return apperr.Validationf("watch_roots needs at least one directory")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return apperr.Validationf("invalid log_level %q: must be one of debug, info, warn, error", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", string(logging.FormatText), string(logging.FormatJSON):
	default:
		return apperr.Validationf("invalid log_format %q: must be text or json", c.LogFormat)
	}

	positive := []struct {
		name string
		v    int
	}{
		{"max_queue", c.MaxQueue},
		{"max_retries", c.MaxRetries},
		{"motif_min_cluster", c.MotifMinCluster},
		{"file_debounce_ms", c.FileDebounceMs},
		{"editor_poll_ms", c.EditorPollMs},
		{"motif_interval_ms", c.MotifIntervalMs},
		{"w_ctx_ms", c.WCtxMs},
		{"w_edit_ms", c.WEditMs},
		{"w_term_ms", c.WTermMs},
		{"w_dedupe_ms", c.WDedupeMs},
		{"w_gap_ms", c.WGapMs},
		{"bus_buffer", c.BusBuffer},
		{"request_timeout_ms", c.RequestTimeoutMs},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return apperr.Validationf("%s must be positive", p.name)
		}
	}

	nonNegative := []struct {
		name string
		v    int
	}{
		{"retention_days", c.RetentionDays},
		{"motif_edit_distance", c.MotifEditDistance},
		{"cache_ttl_ms", c.CacheTTLMs},
		{"rate_limit", c.RateLimit},
		{"dedupe_window", c.DedupeWindow},
	}
	for _, p := range nonNegative {
		if p.v < 0 {
			return apperr.Validationf("%s must be non-negative", p.name)
		}
	}
	return nil
}

func joinHostPort(host string, port int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

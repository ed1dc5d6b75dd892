package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/config"
	"github.com/ziadkadry99/devtrail/internal/logging"
)

// loadConfig loads and validates the config, providing a user-friendly error.
// A missing config file is fine; defaults and environment apply.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "config", fmt.Errorf("%w\nRun `devtrail init` to create a config file", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger from config. --verbose forces debug.
func newLogger(cfg *config.Config) *slog.Logger {
	lc := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		lc.Level = lvl
	}
	if verbose {
		lc.Level = slog.LevelDebug
	}
	lc.Format = logging.ParseFormat(cfg.LogFormat)
	lc.Output = os.Stderr
	return logging.New(lc)
}

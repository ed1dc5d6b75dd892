package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ziadkadry99/devtrail/internal/app"
	"github.com/ziadkadry99/devtrail/internal/config"
	"github.com/ziadkadry99/devtrail/internal/logging"
	"github.com/ziadkadry99/devtrail/internal/server"
)

var (
	servePort     int
	serveAllowAll bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recorder and the local HTTP/WebSocket API",
	Long: `Starts every enabled source, the ingest pipeline and the motif miner,
and serves the local API until interrupted. Only one instance may own a
data directory at a time.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveAllowAll, "allow-all-origins", false, "allow any CORS origin (development only)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if serveAllowAll {
		cfg.AllowAllOrigins = true
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(server.Config{
		Addr:           cfg.Addr(),
		RequestTimeout: config.Ms(cfg.RequestTimeoutMs),
		RateLimit:      cfg.RateLimit,
		AllowAll:       cfg.AllowAllOrigins,
		AllowedOrigins: cfg.AllowedOrigins,
	}, a.Query, a.Bus, a, logging.WithComponent(logger, "server"))

	logger.Info("devtrail starting",
		"version", Version, "addr", cfg.Addr(), "data_dir", cfg.DataDir,
		"roots", a.Roots(), "terminal", cfg.Terminal, "clipboard", cfg.Clipboard)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	err = g.Wait()
	logger.Info("devtrail stopped", "seq", a.Store.CurrentSeq())
	return err
}

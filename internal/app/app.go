// Package app wires every devtrail component into one explicit application
// context and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/bus"
	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/config"
	"github.com/ziadkadry99/devtrail/internal/contextdelta"
	"github.com/ziadkadry99/devtrail/internal/correlator"
	"github.com/ziadkadry99/devtrail/internal/db"
	"github.com/ziadkadry99/devtrail/internal/event"
	"github.com/ziadkadry99/devtrail/internal/logging"
	"github.com/ziadkadry99/devtrail/internal/motif"
	"github.com/ziadkadry99/devtrail/internal/pipeline"
	"github.com/ziadkadry99/devtrail/internal/query"
	"github.com/ziadkadry99/devtrail/internal/queue"
	"github.com/ziadkadry99/devtrail/internal/sources"
	"github.com/ziadkadry99/devtrail/internal/store"
)

// drainTimeout bounds how long shutdown keeps correlating queued events.
const drainTimeout = 10 * time.Second

// Option customises Open.
type Option func(*options)

type options struct {
	clock     clock.Clock
	memory    bool
	clipboard sources.ClipboardReader
	reprobe   time.Duration
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithMemoryDB uses an in-memory database and skips the data-dir lock and
// sidecar.
func WithMemoryDB() Option { return func(o *options) { o.memory = true } }

// WithClipboardReader replaces the platform clipboard command.
func WithClipboardReader(r sources.ClipboardReader) Option {
	return func(o *options) { o.clipboard = r }
}

// WithReprobe sets how often unavailable sources are retried.
func WithReprobe(d time.Duration) Option { return func(o *options) { o.reprobe = d } }

// App holds every component. Fields are read-only after Open.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Clock  clock.Clock

	DB         *db.DB
	Store      *store.Store
	Bus        *bus.Bus
	Query      *query.Service
	Tracker    *contextdelta.Tracker
	Correlator *correlator.Correlator
	Queue      *queue.Queue
	Pipeline   *pipeline.Pipeline
	Motifs     *motif.Builder

	Sources  *sources.Manager
	Files    *sources.FileWatcher
	Context  *sources.ContextCapturer
	Terminal *sources.TerminalTracer

	roots     []string
	memory    bool
	lock      *db.Lock
	started   time.Time
	dirty     chan struct{}
	closeOnce sync.Once
}

// Open acquires the data directory, opens the store and builds every
// component. It starts nothing; call Run.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: clock.System()}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = logging.Discard()
	}

	roots, err := absRoots(cfg.WatchRoots)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "app.Open", err)
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Clock:   o.clock,
		roots:   roots,
		memory:  o.memory,
		started: o.clock.Now(),
		dirty:   make(chan struct{}, 1),
	}

	if o.memory {
		a.DB, err = db.OpenMemory()
	} else {
		a.lock, err = db.AcquireLock(cfg.DataDir)
		if err != nil {
			return nil, &DataDirError{Dir: cfg.DataDir, Err: err}
		}
		if err := a.checkSidecar(); err != nil {
			a.lock.Release()
			return nil, &DataDirError{Dir: cfg.DataDir, Err: err}
		}
		a.DB, err = db.Open(cfg.DBPath())
	}
	if err != nil {
		a.lock.Release()
		return nil, apperr.Wrap(apperr.KindStoreIO, "app.Open", err)
	}

	a.Store, err = store.NewStore(ctx, a.DB, a.Clock)
	if err != nil {
		a.DB.Close()
		a.lock.Release()
		return nil, err
	}
	a.build(o)
	logger.Info("store opened", "path", a.DB.Path(), "seq", a.Store.CurrentSeq())
	return a, nil
}

func (a *App) build(o options) {
	cfg, clk := a.Config, a.Clock
	log := func(name string) *slog.Logger { return logging.WithComponent(a.Logger, name) }

	a.Bus = bus.New(cfg.BusBuffer, log("bus"))
	a.Store.OnChange(a.Bus.Hook())

	a.Query = query.New(query.Config{
		CacheTTL:     config.Ms(cfg.CacheTTLMs),
		DedupeWindow: config.Ms(cfg.WDedupeMs),
	}, a.Store, clk, log("query"))

	a.Tracker = contextdelta.NewTracker(a.Store, 0)
	a.Correlator = correlator.New(correlator.Config{
		ContextWindow:  config.Ms(cfg.WCtxMs),
		EditWindow:     config.Ms(cfg.WEditMs),
		TerminalWindow: config.Ms(cfg.WTermMs),
		RenameWindow:   config.Ms(cfg.RenameWindowMs),
		FileHold:       config.Ms(cfg.FileHoldMs),
	}, a.Store, a.Tracker, clk, log("correlator"))

	a.Queue = queue.New(queue.Config{
		MaxSize:      cfg.MaxQueue,
		DedupeWindow: cfg.DedupeWindow,
		MaxRetries:   cfg.MaxRetries,
	}, clk, log("queue"), pipeline.DeadLetters(a.Store))
	a.Pipeline = pipeline.New(pipeline.DefaultConfig(), a.Queue, a.Correlator, clk, log("pipeline"))

	a.Motifs = motif.New(motif.Config{
		Interval:       config.Ms(cfg.MotifIntervalMs),
		Threshold:      cfg.MotifBatchThreshold,
		Gap:            config.Ms(cfg.WGapMs),
		MaxBatch:       cfg.MotifMaxBatch,
		EditDistance:   cfg.MotifEditDistance,
		MinClusterSize: cfg.MotifMinCluster,
	}, a.Store, clk, log("motif"))
	a.Store.OnChange(a.Motifs.Hook())
	a.Store.OnChange(a.markDirty)

	a.Sources = sources.NewManager(a.Queue, o.reprobe, log("sources"))

	a.Files = sources.NewFileWatcher(sources.FileWatcherConfig{
		Roots:       a.roots,
		IgnoreGlobs: cfg.IgnoreGlobs,
		Debounce:    config.Ms(cfg.FileDebounceMs),
	}, clk, log("file_watcher"))
	a.Sources.Add(a.Files, true)

	a.Sources.Add(sources.NewEditorReader(sources.EditorConfig{
		Path:      cfg.EditorDBPath,
		Workspace: a.roots[0],
		Poll:      config.Ms(cfg.EditorPollMs),
	}, clk, log("editor_db")), true)

	history := cfg.HistoryFiles
	if len(history) == 0 {
		history = sources.DefaultHistoryFiles()
	}
	a.Terminal = sources.NewTerminalTracer(sources.TerminalConfig{
		Spool:   cfg.SpoolPath(),
		History: history,
		Roots:   a.roots,
	}, a.Store, clk, log("terminal"))
	a.Sources.Add(a.Terminal, cfg.Terminal)

	a.Context = sources.NewContextCapturer(sources.ContextConfig{
		Heartbeat: config.Ms(cfg.ContextHeartbeatMs),
	}, a.Files, clk, log("context"))
	a.Sources.Add(a.Context, true)

	a.Sources.Add(sources.NewClipboardSniffer(sources.ClipboardConfig{
		Poll:      config.Ms(cfg.ClipboardPollMs),
		Workspace: a.roots[0],
		Read:      o.clipboard,
	}, clk, log("clipboard")), cfg.Clipboard)
}

// Run starts every task and blocks until ctx is done or one of them fails.
// On the way out sources stop first, then the queue is drained into the
// store, then the sidecar is written one last time.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// The consumer outlives the sources so nothing they admitted is lost.
	pipeCtx, stopPipeline := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPipeline()

	sub := a.Bus.Subscribe(bus.TopicAll)
	g.Go(func() error { return a.Query.Watch(gctx, sub) })
	g.Go(func() error {
		defer stopPipeline()
		return a.Sources.Run(gctx)
	})
	g.Go(func() error {
		err := a.Pipeline.Run(pipeCtx)
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		if derr := a.Pipeline.Drain(dctx); derr != nil {
			a.Logger.Warn("draining queue at shutdown", "left", a.Queue.Len(), "error", derr)
		}
		return err
	})
	g.Go(func() error { return a.Motifs.Run(gctx) })
	g.Go(func() error { return a.runJanitor(gctx) })
	if !a.memory {
		g.Go(func() error { return a.runCheckpoints(gctx) })
	}

	a.Logger.Info("devtrail running", "roots", a.roots, "data_dir", a.Config.DataDir)
	err := g.Wait()
	if !a.memory {
		if cerr := a.Checkpoint(context.WithoutCancel(ctx)); cerr != nil {
			a.Logger.Warn("final checkpoint failed", "error", cerr)
		}
	}
	return err
}

// Close releases the database and the data-dir lock.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.DB != nil {
			err = a.DB.Close()
		}
		if rerr := a.lock.Release(); rerr != nil && err == nil {
			err = rerr
		}
	})
	return err
}

// Roots returns the absolute watch roots. The first one is the default
// workspace for sources that cannot tell.
func (a *App) Roots() []string { return a.roots }

// SetTerminal switches the terminal tracer on or off.
func (a *App) SetTerminal(ctx context.Context, on bool) error {
	name := string(event.SourceTerminal)
	if on {
		return a.Sources.Enable(name)
	}
	return a.Sources.Disable(ctx, name)
}

// Stats is a point-in-time view of every component.
type Stats struct {
	Seq        int64            `json:"seq"`
	Uptime     string           `json:"uptime"`
	Sources    []sources.Stats  `json:"sources"`
	Queue      queue.Stats      `json:"queue"`
	Pipeline   pipeline.Stats   `json:"pipeline"`
	Correlator correlator.Stats `json:"correlator"`
	Bus        bus.Stats        `json:"bus"`
	Motifs     motif.Stats      `json:"motifs"`
	Cache      query.CacheStats `json:"cache"`
}

// Stats collects component stats.
func (a *App) Stats() Stats {
	up := a.Clock.Now().Sub(a.started).Round(time.Second)
	return Stats{
		Seq:        a.Store.CurrentSeq(),
		Uptime:     up.String(),
		Sources:    a.Sources.Stats(),
		Queue:      a.Queue.Stats(),
		Pipeline:   a.Pipeline.Stats(),
		Correlator: a.Correlator.Stats(),
		Bus:        a.Bus.Stats(),
		Motifs:     a.Motifs.Stats(),
		Cache:      a.Query.Cache().Stats(),
	}
}

// DataDirError means the data directory could not be acquired, most likely
// because another instance holds it.
type DataDirError struct {
	Dir string
	Err error
}

func (e *DataDirError) Error() string {
	return fmt.Sprintf("acquiring data directory %s: %v", e.Dir, e.Err)
}

func (e *DataDirError) Unwrap() error { return e.Err }

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
	ExitDataDir = 3
)

// ExitCode maps an error from Open or Run to the process exit code.
func ExitCode(err error) int {
	var dde *DataDirError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return ExitOK
	case errors.As(err, &dde), errors.Is(err, db.ErrLocked):
		return ExitDataDir
	case apperr.Is(err, apperr.KindValidation):
		return ExitConfig
	default:
		return ExitFailure
	}
}

func absRoots(roots []string) ([]string, error) {
	out := make([]string, 0, len(roots))
	seen := make(map[string]bool, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("watch root %q: %w", r, err)
		}
		if !seen[abs] {
			seen[abs] = true
			out = append(out, abs)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no watch roots")
	}
	return out, nil
}

package motif

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/logging"
	"github.com/ziadkadry99/devtrail/internal/store"
)

// maxClusterInput bounds how many stored DAGs one build clusters.
const maxClusterInput = 5000

// Config controls when builds run and how DAGs are clustered.
type Config struct {
	// Interval between periodic builds.
	Interval time.Duration
	// Threshold of new activities that triggers an early build.
	Threshold int
	// Gap is the silence that splits windows. A window is only turned into
	// a DAG once it has been silent for Gap.
	Gap            time.Duration
	MaxBatch       int
	EditDistance   int
	MinClusterSize int
}

// DefaultConfig returns the default builder configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		Threshold:      50,
		Gap:            5 * time.Minute,
		MaxBatch:       250,
		EditDistance:   2,
		MinClusterSize: 10,
	}
}

// Result describes one build.
type Result struct {
	Windows  int  `json:"windows"`
	DAGs     int  `json:"dags"`
	Skipped  int  `json:"skipped"`
	Motifs   int  `json:"motifs"`
	Replaced bool `json:"replaced"`
}

// Stats are cumulative builder counters.
type Stats struct {
	Builds      uint64    `json:"builds"`
	DAGs        uint64    `json:"dags"`
	Motifs      int       `json:"motifs"`
	LastBuild   time.Time `json:"last_build,omitempty"`
	LastTrigger string    `json:"last_trigger,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Pending     int64     `json:"pending_activities"`
}

// Builder turns closed activity windows into DAGs and replaces the stored
// motifs with a fresh clustering.
type Builder struct {
	cfg    Config
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	motifMu sync.Mutex

	pending atomic.Int64
	kick    chan struct{}

	statsMu sync.Mutex
	stats   Stats
}

// New creates a builder over s.
func New(cfg Config, s *store.Store, clk clock.Clock, logger *slog.Logger) *Builder {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.Gap <= 0 {
		cfg.Gap = d.Gap
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = d.MaxBatch
	}
	if cfg.EditDistance < 0 {
		cfg.EditDistance = 0
	}
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = d.MinClusterSize
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Builder{
		cfg:    cfg,
		store:  s,
		clock:  clk,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		kick:   make(chan struct{}, 1),
	}
}

// Hook counts new activities and requests an early build once the
// threshold is reached. It never blocks.
func (b *Builder) Hook() store.ChangeHook {
	return func(changes []store.Change) {
		var n int64
		for _, c := range changes {
			if c.Kind == store.KindActivity && c.Op == store.OpInsert {
				n++
			}
		}
		if n == 0 {
			return
		}
		if b.pending.Add(n) >= int64(b.cfg.Threshold) {
			select {
			case b.kick <- struct{}{}:
			default:
			}
		}
	}
}

// Run builds on every interval and whenever Hook signals enough new
// activity, until ctx is done. Build failures are logged, not returned.
func (b *Builder) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	b.logger.Info("motif builder started", "interval", b.cfg.Interval, "threshold", b.cfg.Threshold)
	for {
		var trigger string
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			trigger = "interval"
		case <-b.kick:
			trigger = "threshold"
		}
		b.runOnce(ctx, trigger)
	}
}

func (b *Builder) runOnce(ctx context.Context, trigger string) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Interval)
	defer cancel()

	res, err := b.Build(ctx)
	b.statsMu.Lock()
	b.stats.LastTrigger = trigger
	if err != nil {
		b.stats.LastError = err.Error()
	} else {
		b.stats.LastError = ""
	}
	b.statsMu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			b.logger.Error("motif build failed", "trigger", trigger, "error", err)
		}
		return
	}
	b.logger.Debug("motif build done", "trigger", trigger, "windows", res.Windows,
		"dags", res.DAGs, "skipped", res.Skipped, "motifs", res.Motifs, "replaced", res.Replaced)
}

// Build runs one build: recent closed windows become DAGs, then all recent
// DAGs are clustered and the motifs replaced if the clustering changed.
// Workspaces with a build already in flight are skipped.
func (b *Builder) Build(ctx context.Context) (Result, error) {
	var res Result
	b.pending.Store(0)

	limit := b.cfg.MaxBatch * 2
	acts, err := b.store.RecentActivities(ctx, limit)
	if err != nil {
		return res, fmt.Errorf("reading recent activities: %w", err)
	}

	now := b.clock.Now()
	windows := Slice(acts, b.cfg.Gap)
	truncated := len(acts) == limit
	firstSeen := make(map[string]bool)

	for _, w := range windows {
		first := !firstSeen[w.Workspace]
		firstSeen[w.Workspace] = true
		// The oldest window of a full batch may be cut short.
		if truncated && first {
			continue
		}
		if w.End.Add(b.cfg.Gap).After(now) {
			continue
		}
		res.Windows++

		inserted, ok, err := b.buildWindow(ctx, w)
		if err != nil {
			return res, err
		}
		if !ok {
			res.Skipped++
			continue
		}
		if inserted {
			res.DAGs++
		}
	}

	n, replaced, err := b.rebuildMotifs(ctx)
	if err != nil {
		return res, err
	}
	res.Motifs, res.Replaced = n, replaced

	b.statsMu.Lock()
	b.stats.Builds++
	b.stats.DAGs += uint64(res.DAGs)
	b.stats.Motifs = n
	b.stats.LastBuild = now
	b.statsMu.Unlock()
	return res, nil
}

// buildWindow stores the DAG of w. ok is false when another build holds the
// workspace.
func (b *Builder) buildWindow(ctx context.Context, w Window) (inserted, ok bool, err error) {
	l := b.workspaceLock(w.Workspace)
	if !l.TryLock() {
		return false, false, nil
	}
	defer l.Unlock()

	g := BuildDAG(w)
	if len(g.Actions) == 0 {
		return false, true, nil
	}
	g.CreatedAt = b.clock.Now()
	_, err = b.store.Write(ctx, func(tx *store.Tx) error {
		var err error
		inserted, err = tx.InsertDAG(&g)
		return err
	})
	if err != nil {
		return false, true, fmt.Errorf("storing dag for %s: %w", w.Workspace, err)
	}
	return inserted, true, nil
}

func (b *Builder) rebuildMotifs(ctx context.Context) (int, bool, error) {
	if !b.motifMu.TryLock() {
		return 0, false, nil
	}
	defer b.motifMu.Unlock()

	dags, err := b.store.RecentDAGs(ctx, maxClusterInput)
	if err != nil {
		return 0, false, fmt.Errorf("reading dags: %w", err)
	}
	motifs := Cluster(dags, b.cfg.EditDistance, b.cfg.MinClusterSize)

	existing, err := b.store.ListMotifs(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("reading motifs: %w", err)
	}
	if sameMotifs(existing, motifs) {
		return len(motifs), false, nil
	}

	now := b.clock.Now()
	for i := range motifs {
		motifs[i].CreatedAt = now
	}
	if _, err := b.store.Write(ctx, func(tx *store.Tx) error {
		return tx.ReplaceMotifs(motifs)
	}); err != nil {
		return 0, false, fmt.Errorf("replacing motifs: %w", err)
	}
	return len(motifs), true, nil
}

func (b *Builder) workspaceLock(ws string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[ws]
	if !ok {
		l = &sync.Mutex{}
		b.locks[ws] = l
	}
	return l
}

// Stats returns a snapshot of the builder counters.
func (b *Builder) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	s := b.stats
	s.Pending = b.pending.Load()
	return s
}

// Package query is the read path: filtered, paginated lookups and
// aggregates over the store, fronted by a short-lived cache that is
// invalidated through the subscription bus.
package query

import (
	"context"
	"log/slog"
	"time"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/bus"
	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/logging"
	"github.com/ziadkadry99/devtrail/internal/store"
)

// Config controls caching and derived views.
type Config struct {
	CacheTTL time.Duration
	// DedupeWindow groups consecutive prompts into one conversation turn.
	DedupeWindow time.Duration
}

// DefaultConfig returns the default query configuration.
func DefaultConfig() Config {
	return Config{CacheTTL: DefaultTTL, DedupeWindow: 2 * time.Minute}
}

// Page is one page of a listing, newest first. NextCursor is the seq to
// pass as seq_before for the next page, or zero on the last page.
type Page[T any] struct {
	Items      []T   `json:"items"`
	NextCursor int64 `json:"next_cursor,omitempty"`
}

// Service answers read queries.
type Service struct {
	cfg    Config
	store  *store.Store
	cache  *Cache
	logger *slog.Logger
}

// New creates a query service over s.
func New(cfg Config, s *store.Store, clk clock.Clock, logger *slog.Logger) *Service {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = DefaultConfig().DedupeWindow
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{cfg: cfg, store: s, cache: NewCache(cfg.CacheTTL, clk), logger: logger}
}

// Store returns the underlying store.
func (s *Service) Store() *store.Store { return s.store }

// Cache returns the result cache.
func (s *Service) Cache() *Cache { return s.cache }

// Watch invalidates cached results as changes arrive on sub, until ctx is
// done or the subscription is closed.
func (s *Service) Watch(ctx context.Context, sub *bus.Subscription) error {
	defer sub.Close()
	var dropped uint64
	for {
		msgs, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		seen := make(map[store.Kind]bool, 2)
		for _, m := range msgs {
			if seen[m.Kind] {
				continue
			}
			seen[m.Kind] = true
			s.cache.Invalidate(m.Kind)
		}
		// Lost notifications could leave stale entries behind.
		if d := sub.Dropped(); d != dropped {
			dropped = d
			s.cache.Clear()
		}
	}
}

func cached[T any](s *Service, shape string, filter any, kinds []store.Kind, fn func() (T, error)) (T, error) {
	key := Key(shape, filter)
	if v, ok := s.cache.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}
	stamp := s.cache.Stamp(kinds)
	v, err := fn()
	if err != nil {
		var zero T
		return zero, err
	}
	s.cache.PutAt(key, kinds, stamp, v)
	return v, nil
}

func page[T any](items []T, limit int, seq func(T) int64) Page[T] {
	if items == nil {
		items = []T{}
	}
	p := Page[T]{Items: items}
	if len(items) > 0 && len(items) == store.ClampLimit(limit) {
		p.NextCursor = seq(items[len(items)-1])
	}
	return p
}

func validate(f store.ListFilter) error {
	if f.Limit < 0 {
		return apperr.Validationf("limit must be positive")
	}
	if f.Limit > store.MaxLimit {
		return apperr.Validationf("limit must be at most %d", store.MaxLimit)
	}
	if f.SeqBefore < 0 {
		return apperr.Validationf("seq_before must be positive")
	}
	if f.Since != nil && f.Until != nil && f.Until.Before(*f.Since) {
		return apperr.Validationf("until is before since")
	}
	return nil
}

// Activities lists timeline entries.
func (s *Service) Activities(ctx context.Context, f store.ListFilter) (Page[store.Activity], error) {
	if err := validate(f); err != nil {
		return Page[store.Activity]{}, err
	}
	for _, k := range f.Kinds {
		if !store.ActivityKind(k).Valid() {
			return Page[store.Activity]{}, apperr.Validationf("unknown activity kind %q", k)
		}
	}
	return cached(s, "activity", f, []store.Kind{store.KindActivity}, func() (Page[store.Activity], error) {
		items, err := s.store.ListActivities(ctx, f)
		return page(items, f.Limit, func(a store.Activity) int64 { return a.Seq }), err
	})
}

// Prompts lists prompts. Kinds filters on role.
func (s *Service) Prompts(ctx context.Context, f store.ListFilter) (Page[store.Prompt], error) {
	if err := validate(f); err != nil {
		return Page[store.Prompt]{}, err
	}
	for _, k := range f.Kinds {
		if k != "user" && k != "assistant" {
			return Page[store.Prompt]{}, apperr.Validationf("unknown role %q", k)
		}
	}
	return cached(s, "prompts", f, []store.Kind{store.KindPrompt}, func() (Page[store.Prompt], error) {
		items, err := s.store.ListPrompts(ctx, f)
		return page(items, f.Limit, func(p store.Prompt) int64 { return p.Seq }), err
	})
}

// Prompt returns one prompt.
func (s *Service) Prompt(ctx context.Context, id string) (*store.Prompt, error) {
	return s.store.GetPrompt(ctx, id)
}

// ContextChanges returns the context deltas linked to a prompt, oldest first.
func (s *Service) ContextChanges(ctx context.Context, promptID string) ([]store.ContextDelta, error) {
	if _, err := s.store.GetPrompt(ctx, promptID); err != nil {
		return nil, err
	}
	return cached(s, "context-changes", promptID, []store.Kind{store.KindContextDelta, store.KindPrompt}, func() ([]store.ContextDelta, error) {
		ds, err := s.store.ContextDeltasForPrompt(ctx, promptID)
		if ds == nil {
			ds = []store.ContextDelta{}
		}
		return ds, err
	})
}

// FileChanges lists file changes. Kinds filters on change type.
func (s *Service) FileChanges(ctx context.Context, f store.ListFilter) (Page[store.FileChange], error) {
	if err := validate(f); err != nil {
		return Page[store.FileChange]{}, err
	}
	return cached(s, "entries", f, []store.Kind{store.KindFileChange}, func() (Page[store.FileChange], error) {
		items, err := s.store.ListFileChanges(ctx, f)
		return page(items, f.Limit, func(fc store.FileChange) int64 { return fc.Seq }), err
	})
}

// TerminalCommands lists terminal commands.
func (s *Service) TerminalCommands(ctx context.Context, f store.ListFilter) (Page[store.TerminalCommand], error) {
	if err := validate(f); err != nil {
		return Page[store.TerminalCommand]{}, err
	}
	return cached(s, "terminal", f, []store.Kind{store.KindTerminal}, func() (Page[store.TerminalCommand], error) {
		items, err := s.store.ListTerminalCommands(ctx, f)
		return page(items, f.Limit, func(tc store.TerminalCommand) int64 { return tc.Seq }), err
	})
}

// DAGs lists canonical DAGs.
func (s *Service) DAGs(ctx context.Context, f store.ListFilter) (Page[store.DAG], error) {
	if err := validate(f); err != nil {
		return Page[store.DAG]{}, err
	}
	return cached(s, "dags", f, []store.Kind{store.KindDAG}, func() (Page[store.DAG], error) {
		items, err := s.store.ListDAGs(ctx, f)
		return page(items, f.Limit, func(g store.DAG) int64 { return g.Seq }), err
	})
}

// Motifs returns the current motifs, largest first.
func (s *Service) Motifs(ctx context.Context) ([]store.Motif, error) {
	return cached(s, "motifs", nil, []store.Kind{store.KindMotif}, func() ([]store.Motif, error) {
		ms, err := s.store.ListMotifs(ctx)
		if ms == nil {
			ms = []store.Motif{}
		}
		return ms, err
	})
}

// DeadLetters lists ingest items that ran out of retries. Never cached.
func (s *Service) DeadLetters(ctx context.Context, f store.ListFilter) (Page[store.DeadLetter], error) {
	if err := validate(f); err != nil {
		return Page[store.DeadLetter]{}, err
	}
	items, err := s.store.ListDeadLetters(ctx, f)
	return page(items, f.Limit, func(d store.DeadLetter) int64 { return d.Seq }), err
}

// SearchPrompts finds prompts containing q.
func (s *Service) SearchPrompts(ctx context.Context, q, workspace string, limit int) ([]store.Prompt, error) {
	if q == "" {
		return nil, apperr.Validationf("search query is empty")
	}
	key := struct {
		Q, W  string
		Limit int
	}{q, workspace, limit}
	return cached(s, "search", key, []store.Kind{store.KindPrompt}, func() ([]store.Prompt, error) {
		ps, err := s.store.SearchPrompts(ctx, q, workspace, store.ClampLimit(limit))
		if ps == nil {
			ps = []store.Prompt{}
		}
		return ps, err
	})
}

// Workspaces lists known workspaces.
func (s *Service) Workspaces(ctx context.Context) ([]store.WorkspaceSummary, error) {
	return cached(s, "workspaces", nil, []store.Kind{store.KindActivity}, func() ([]store.WorkspaceSummary, error) {
		return s.store.Workspaces(ctx)
	})
}

// FileUsage ranks files by edits and context appearances.
func (s *Service) FileUsage(ctx context.Context, workspace string, limit int) ([]store.FileUsage, error) {
	key := struct {
		W     string
		Limit int
	}{workspace, limit}
	return cached(s, "file-usage", key, []store.Kind{store.KindFileChange, store.KindContext}, func() ([]store.FileUsage, error) {
		return s.store.FileUsage(ctx, workspace, store.ClampLimit(limit))
	})
}

// ContextSummary counts context snapshots and deltas.
func (s *Service) ContextSummary(ctx context.Context, workspace string) (store.ContextSummary, error) {
	return cached(s, "context-summary", workspace, []store.Kind{store.KindContext, store.KindContextDelta, store.KindPrompt}, func() (store.ContextSummary, error) {
		return s.store.ContextSummary(ctx, workspace)
	})
}

// FileRelationships returns the file co-occurrence graph.
func (s *Service) FileRelationships(ctx context.Context, workspace string, minCount int) ([]store.FilePair, error) {
	key := struct {
		W   string
		Min int
	}{workspace, minCount}
	return cached(s, "file-relationships", key, []store.Kind{store.KindContext}, func() ([]store.FilePair, error) {
		return s.store.FileRelationships(ctx, workspace, minCount)
	})
}

// Productivity summarises output since a point in time.
func (s *Service) Productivity(ctx context.Context, workspace string, since time.Time) (store.Productivity, error) {
	key := struct {
		W     string
		Since int64
	}{workspace, since.UnixMilli()}
	return cached(s, "productivity", key, []store.Kind{store.KindPrompt, store.KindFileChange, store.KindTerminal}, func() (store.Productivity, error) {
		return s.store.Productivity(ctx, workspace, since)
	})
}

// Counts returns the number of rows per record kind.
func (s *Service) Counts(ctx context.Context) (map[string]int64, error) {
	return s.store.Counts(ctx)
}

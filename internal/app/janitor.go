package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/db"
	"github.com/ziadkadry99/devtrail/internal/store"
)

const (
	janitorInterval    = 24 * time.Hour
	janitorFirstRun    = time.Minute
	checkpointInterval = time.Second
)

// GC deletes every record below beforeSeq and resets the in-memory views
// that may still point at deleted rows.
func (a *App) GC(ctx context.Context, beforeSeq int64) (store.GCResult, error) {
	res, err := a.Store.GC(ctx, beforeSeq)
	if err != nil {
		return res, err
	}
	if res.Total() > 0 {
		a.Tracker.Reset()
		a.Query.Cache().Clear()
	}
	a.Logger.Info("gc done", "before_seq", beforeSeq, "deleted", res.Total())
	return res, nil
}

// GCOlderThan deletes records created before now minus age.
func (a *App) GCOlderThan(ctx context.Context, age time.Duration) (store.GCResult, error) {
	if age <= 0 {
		return store.GCResult{}, apperr.Validationf("retention must be positive")
	}
	seq, err := a.Store.SeqBefore(ctx, a.Clock.Now().Add(-age))
	if err != nil {
		return store.GCResult{}, err
	}
	if seq <= 1 {
		return store.GCResult{BeforeSeq: seq, Deleted: map[string]int64{}}, nil
	}
	return a.GC(ctx, seq)
}

// runJanitor applies retention_days once shortly after start and then
// daily. Zero retention keeps everything.
func (a *App) runJanitor(ctx context.Context) error {
	if a.Config.RetentionDays <= 0 {
		return nil
	}
	timer := time.NewTimer(janitorFirstRun)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if _, err := a.GCOlderThan(ctx, a.Config.Retention()); err != nil && ctx.Err() == nil {
			a.Logger.Error("retention gc failed", "error", err)
		}
		timer.Reset(janitorInterval)
	}
}

// markDirty is a store change hook. It only signals.
func (a *App) markDirty([]store.Change) {
	select {
	case a.dirty <- struct{}{}:
	default:
	}
}

// runCheckpoints mirrors store_meta into the sidecar at most once per
// checkpointInterval while writes keep coming.
func (a *App) runCheckpoints(ctx context.Context) error {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	pending := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.dirty:
			pending = true
		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false
			if err := a.Checkpoint(ctx); err != nil && ctx.Err() == nil {
				a.Logger.Warn("writing sidecar failed", "error", err)
			}
		}
	}
}

// Checkpoint writes the sidecar from the store's metadata.
func (a *App) Checkpoint(ctx context.Context) error {
	if a.memory {
		return nil
	}
	lastSeq, offsets, err := a.Store.Meta(ctx)
	if err != nil {
		return err
	}
	sc := &db.Sidecar{SchemaVersion: db.SchemaVersion, LastSeq: lastSeq, SourceOffsets: offsets}
	return sc.Save(a.Config.DataDir)
}

// checkSidecar refuses data directories written by a newer schema.
func (a *App) checkSidecar() error {
	sc, err := db.LoadSidecar(a.Config.DataDir)
	if err != nil {
		a.Logger.Warn("ignoring unreadable sidecar", "error", err)
		return nil
	}
	if sc.SchemaVersion > db.SchemaVersion {
		return fmt.Errorf("data directory uses schema %d, this build understands %d", sc.SchemaVersion, db.SchemaVersion)
	}
	if sc.LastSeq > 0 {
		a.Logger.Debug("sidecar loaded", "last_seq", sc.LastSeq, "offsets", len(sc.SourceOffsets))
	}
	return nil
}

package correlator

import (
	"context"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/event"
	"github.com/ziadkadry99/devtrail/internal/store"
)

// handleContext stores a snapshot with its delta against the workspace's
// previous snapshot, and links it to the prompt it names. A prompt that is
// already linked keeps its first snapshot.
func (c *Correlator) handleContext(ctx context.Context, ev event.RawEvent) error {
	var cp event.ContextPayload
	if err := decode(ev, &cp); err != nil {
		return err
	}

	fp := ev.Fingerprint
	if fp == "" {
		parts := []string{"context", ev.Workspace, millis(ev.At)}
		for _, f := range cp.Files {
			parts = append(parts, f.Path)
		}
		fp = event.Fingerprint(parts...)
	}
	cs := &store.ContextSnapshot{
		ID:          clock.NewID(),
		CreatedAt:   ev.At,
		Workspace:   ev.Workspace,
		Files:       dedupeFiles(cp.Files),
		EventID:     firstNonEmpty(cp.EventID, ev.ID),
		Fingerprint: fp,
	}

	var prompt *store.Prompt
	if cp.PromptRef != "" {
		p, err := c.store.PromptByRef(ctx, cp.PromptRef)
		switch {
		case err == nil:
			prompt = p
			cs.PromptID = p.ID
		case !apperr.Is(err, apperr.KindNotFound):
			return err
		}
	}

	delta, err := c.tracker.Diff(ctx, cs)
	if err != nil {
		return err
	}
	delta.CreatedAt = cs.CreatedAt

	var inserted bool
	_, err = c.store.Write(ctx, func(tx *store.Tx) error {
		var err error
		inserted, err = tx.InsertContextSnapshot(cs)
		if err != nil || !inserted {
			return err
		}
		if _, err := tx.InsertContextDelta(delta); err != nil {
			return err
		}
		if prompt != nil {
			if _, err := tx.SetPromptContextRef(prompt.ID, cs.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	c.tracker.Observe(*cs, delta)
	c.counters.snapshots.Add(1)
	switch {
	case prompt != nil:
		delete(c.pending, prompt.ID)
	case cp.PromptRef != "":
		c.orphans[cp.PromptRef] = orphanContext{snapshotID: cs.ID, at: cs.CreatedAt, arrived: c.clock.Now()}
	}
	c.logger.Debug("context snapshot recorded", "snapshot_id", cs.ID, "files", len(cs.Files),
		"added", len(delta.Added), "removed", len(delta.Removed), "prompt_id", cs.PromptID)
	return nil
}

// dedupeFiles keeps the first entry per path; explicit beats auto.
func dedupeFiles(files []event.ContextFile) []event.ContextFile {
	out := make([]event.ContextFile, 0, len(files))
	index := make(map[string]int, len(files))
	for _, f := range files {
		if f.Path == "" {
			continue
		}
		if i, ok := index[f.Path]; ok {
			if f.Source == event.ContextExplicit {
				out[i].Source = event.ContextExplicit
			}
			continue
		}
		index[f.Path] = len(out)
		out = append(out, f)
	}
	return out
}

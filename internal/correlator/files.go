package correlator

import (
	"context"
	"fmt"
	"time"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/event"
	"github.com/ziadkadry99/devtrail/internal/store"
	"github.com/ziadkadry99/devtrail/internal/walker"
)

// FileActivity is the payload of a file change activity.
type FileActivity struct {
	Path       string           `json:"path"`
	ChangeType store.ChangeType `json:"change_type"`
	Class      string           `json:"class"`
	RenameFrom string           `json:"rename_from,omitempty"`
}

// heldFile is a settled file event waiting out the hold before it is
// written, so a rename partner or a late prompt can still show up.
type heldFile struct {
	ev          event.RawEvent
	payload     event.FilePayload
	fingerprint string
	arrived     time.Time
}

func (c *Correlator) handleFile(ev event.RawEvent) error {
	var f event.FilePayload
	if err := decode(ev, &f); err != nil {
		return err
	}
	if f.Path == "" {
		return apperr.Validationf("file event %s without path", ev.ID)
	}
	switch f.Op {
	case event.OpCreate, event.OpModify, event.OpDelete, event.OpRename:
	default:
		return apperr.Validationf("file event %s: unknown op %q", ev.ID, f.Op)
	}

	h := &heldFile{ev: ev, payload: f, fingerprint: ev.Fingerprint, arrived: c.clock.Now()}
	if h.fingerprint == "" {
		h.fingerprint = event.Fingerprint("file", ev.Workspace, f.Path, string(f.Op), f.BeforeHash, f.AfterHash, millis(ev.At))
	}
	if c.foldRename(h) {
		return nil
	}
	c.held = append(c.held, h)
	return nil
}

// foldRename merges h with a held counterpart into one rename: a delete and
// a create within the rename window where the created file's after hash is
// the deleted file's before hash.
func (c *Correlator) foldRename(h *heldFile) bool {
	var want event.FileOp
	switch h.payload.Op {
	case event.OpCreate:
		want = event.OpDelete
	case event.OpDelete:
		want = event.OpCreate
	default:
		return false
	}
	for i, other := range c.held {
		if other.payload.Op != want || other.ev.Workspace != h.ev.Workspace {
			continue
		}
		if absDuration(h.ev.At.Sub(other.ev.At)) > c.cfg.RenameWindow {
			continue
		}
		del, cre := other, h
		if h.payload.Op == event.OpDelete {
			del, cre = h, other
		}
		if del.payload.BeforeHash == "" || del.payload.BeforeHash != cre.payload.AfterHash {
			continue
		}

		hash := cre.payload.AfterHash
		at := cre.ev.At
		if del.ev.At.After(at) {
			at = del.ev.At
		}
		arrived := other.arrived
		folded := &heldFile{
			ev: cre.ev,
			payload: event.FilePayload{
				Path:       cre.payload.Path,
				Op:         event.OpRename,
				BeforeHash: hash,
				AfterHash:  hash,
				RenameFrom: del.payload.Path,
				PromptRef:  firstNonEmpty(cre.payload.PromptRef, del.payload.PromptRef),
			},
			fingerprint: event.Fingerprint("rename", h.ev.Workspace, del.payload.Path, cre.payload.Path, hash, millis(at)),
			arrived:     arrived,
		}
		folded.ev.At = at
		c.held[i] = folded
		c.counters.renames.Add(1)
		return true
	}
	return false
}

// flushFiles writes the held events for which due returns true, in the
// order they arrived.
func (c *Correlator) flushFiles(ctx context.Context, due func(*heldFile) bool) error {
	kept := c.held[:0]
	var firstErr error
	for _, h := range c.held {
		if firstErr != nil || !due(h) {
			kept = append(kept, h)
			continue
		}
		if err := c.writeFile(ctx, h); err != nil {
			if !degradable(err) {
				firstErr = err
				kept = append(kept, h)
				continue
			}
			c.logger.Debug("file event kept as status", "event_id", h.ev.ID, "error", err)
			if err := c.recordStatus(ctx, h.ev, apperr.Message(err)); err != nil {
				firstErr = err
				kept = append(kept, h)
			}
		}
	}
	for i := len(kept); i < len(c.held); i++ {
		c.held[i] = nil
	}
	c.held = kept
	return firstErr
}

func (c *Correlator) writeFile(ctx context.Context, h *heldFile) error {
	f := h.payload
	fc := &store.FileChange{
		CreatedAt:    h.ev.At,
		Workspace:    h.ev.Workspace,
		Path:         f.Path,
		BeforeHash:   f.BeforeHash,
		AfterHash:    f.AfterHash,
		LinesAdded:   f.LinesAdded,
		LinesRemoved: f.LinesRemoved,
		CharsAdded:   f.CharsAdded,
		CharsRemoved: f.CharsRemoved,
		ChangeType:   changeType(f.Op),
		RenameFrom:   f.RenameFrom,
		Fingerprint:  h.fingerprint,
	}

	promptID, err := c.attributePrompt(ctx, fc.Workspace, fc.CreatedAt, c.cfg.EditWindow, 0, f.PromptRef)
	if err != nil {
		return err
	}
	fc.PromptID = promptID

	var inserted bool
	_, err = c.store.Write(ctx, func(tx *store.Tx) error {
		var err error
		inserted, err = tx.InsertFileChange(fc)
		if err != nil || !inserted {
			return err
		}
		_, err = tx.InsertActivity(&store.Activity{
			CreatedAt: fc.CreatedAt,
			Workspace: fc.Workspace,
			Kind:      store.ActivityFileChange,
			RefID:     fc.ID,
			PromptID:  fc.PromptID,
			Summary:   fileSummary(fc),
			Payload: payloadJSON(FileActivity{
				Path:       fc.Path,
				ChangeType: fc.ChangeType,
				Class:      walker.PathClass(fc.Path),
				RenameFrom: fc.RenameFrom,
			}),
			Fingerprint: "act:" + h.fingerprint,
		})
		return err
	})
	if err != nil {
		return err
	}
	if inserted {
		c.counters.files.Add(1)
		if fc.PromptID != "" {
			c.counters.attributed.Add(1)
		}
	}
	return nil
}

func changeType(op event.FileOp) store.ChangeType {
	switch op {
	case event.OpCreate:
		return store.ChangeCreate
	case event.OpDelete:
		return store.ChangeDelete
	case event.OpRename:
		return store.ChangeRename
	default:
		return store.ChangeModify
	}
}

func fileSummary(fc *store.FileChange) string {
	switch fc.ChangeType {
	case store.ChangeRename:
		return fmt.Sprintf("rename %s -> %s", fc.RenameFrom, fc.Path)
	case store.ChangeDelete:
		return "delete " + fc.Path
	}
	return fmt.Sprintf("%s %s (+%d -%d)", fc.ChangeType, fc.Path, fc.LinesAdded, fc.LinesRemoved)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

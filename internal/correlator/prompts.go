package correlator

import (
	"context"
	"time"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/classify"
	"github.com/ziadkadry99/devtrail/internal/event"
	"github.com/ziadkadry99/devtrail/internal/store"
)

// PromptActivity is the payload of a prompt activity.
type PromptActivity struct {
	Role   string `json:"role"`
	Intent string `json:"intent"`
	Source string `json:"source,omitempty"`
}

func (c *Correlator) handlePrompt(ctx context.Context, ev event.RawEvent) error {
	var p event.PromptPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	role := p.Role
	if role == "" {
		role = event.RoleUser
		if ev.Kind == event.KindResponse {
			role = event.RoleAssistant
		}
	}

	fp := ev.Fingerprint
	if fp == "" {
		fp = event.Fingerprint("prompt", ev.Workspace, role, p.ConversationID, p.Text, millis(ev.At))
	}
	rec := &store.Prompt{
		CreatedAt:      ev.At,
		Workspace:      ev.Workspace,
		Text:           p.Text,
		Role:           role,
		ConversationID: p.ConversationID,
		Model:          p.Model,
		Attachments:    p.Attachments,
		Source:         string(ev.Source),
		Ref:            p.Ref,
		Fingerprint:    fp,
	}

	if role == event.RoleAssistant {
		parent, err := c.resolveParent(ctx, p)
		if err != nil {
			return err
		}
		rec.ParentPromptID = parent
	}

	// A snapshot that named this prompt before it arrived.
	if p.Ref != "" {
		if o, ok := c.orphans[p.Ref]; ok && absDuration(ev.At.Sub(o.at)) <= c.cfg.ContextWindow {
			rec.ContextSnapshotRef = o.snapshotID
		}
	}

	var inserted bool
	_, err := c.store.Write(ctx, func(tx *store.Tx) error {
		var err error
		inserted, err = tx.InsertPrompt(rec)
		if err != nil || !inserted {
			return err
		}
		promptID := rec.ID
		if role == event.RoleAssistant {
			promptID = rec.ParentPromptID
		}
		_, err = tx.InsertActivity(&store.Activity{
			CreatedAt: rec.CreatedAt,
			Workspace: rec.Workspace,
			Kind:      store.ActivityPrompt,
			RefID:     rec.ID,
			SessionID: rec.ConversationID,
			PromptID:  promptID,
			Summary:   summarize(rec.Text),
			Payload: payloadJSON(PromptActivity{
				Role:   role,
				Intent: classify.Intent(rec.Text),
				Source: rec.Source,
			}),
			Fingerprint: "act:" + fp,
		})
		return err
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	c.counters.prompts.Add(1)
	if rec.ContextSnapshotRef != "" {
		delete(c.orphans, p.Ref)
	} else if role == event.RoleUser {
		c.pending[rec.ID] = pendingPrompt{id: rec.ID, workspace: rec.Workspace, arrived: c.clock.Now()}
	}
	c.logger.Debug("prompt recorded", "prompt_id", rec.ID, "seq", rec.Seq, "role", role, "workspace", rec.Workspace)
	return nil
}

// resolveParent finds the user prompt an assistant response answers: the
// explicit parent ref first, then the newest user prompt of the conversation.
func (c *Correlator) resolveParent(ctx context.Context, p event.PromptPayload) (string, error) {
	if p.ParentRef != "" {
		parent, err := c.store.PromptByRef(ctx, p.ParentRef)
		if err == nil {
			return parent.ID, nil
		}
		if !apperr.Is(err, apperr.KindNotFound) {
			return "", err
		}
	}
	if p.ConversationID != "" {
		parent, err := c.store.LatestUserPrompt(ctx, p.ConversationID)
		if err == nil {
			return parent.ID, nil
		}
		if !apperr.Is(err, apperr.KindNotFound) {
			return "", err
		}
	}
	return "", nil
}

// finalizePrompts attaches the ambient context snapshot to due pending
// prompts that never got an explicit one.
func (c *Correlator) finalizePrompts(ctx context.Context, due func(pendingPrompt) bool) error {
	for id, p := range c.pending {
		if !due(p) {
			continue
		}
		ambient, err := c.tracker.Previous(ctx, p.workspace)
		if err != nil {
			return err
		}
		if ambient != nil {
			_, err = c.store.Write(ctx, func(tx *store.Tx) error {
				_, err := tx.SetPromptContextRef(id, ambient.ID)
				return err
			})
			if err != nil && !apperr.Is(err, apperr.KindNotFound) {
				return err
			}
		}
		delete(c.pending, id)
	}
	return nil
}

// attributePrompt picks the user prompt of workspace an observation at
// time at belongs to. Candidates lie in [at-before, at+after]; the smallest
// distance wins, then the hinted prompt, then the earlier prompt.
func (c *Correlator) attributePrompt(ctx context.Context, workspace string, at time.Time, before, after time.Duration, hintRef string) (string, error) {
	if workspace == "" {
		return "", nil
	}
	since := at.Add(-before)
	until := at.Add(after)
	candidates, err := c.store.ListPrompts(ctx, store.ListFilter{
		Workspace: workspace,
		Kinds:     []string{event.RoleUser},
		Since:     &since,
		Until:     &until,
		Limit:     store.MaxLimit,
	})
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", nil
	}

	var hintID string
	if hintRef != "" {
		for _, p := range candidates {
			if p.Ref == hintRef {
				hintID = p.ID
				break
			}
		}
	}

	best := -1
	var bestDist time.Duration
	for i, p := range candidates {
		dist := absDuration(at.Sub(p.CreatedAt))
		switch {
		case best < 0, dist < bestDist:
		case dist == bestDist && p.ID == hintID:
		case dist == bestDist && candidates[best].ID != hintID && p.CreatedAt.Before(candidates[best].CreatedAt):
		case dist == bestDist && candidates[best].ID != hintID && p.CreatedAt.Equal(candidates[best].CreatedAt) && p.Seq < candidates[best].Seq:
		default:
			continue
		}
		best, bestDist = i, dist
	}
	return candidates[best].ID, nil
}

package app

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/event"
	"github.com/ziadkadry99/devtrail/internal/sources"
)

// maxPromptChars bounds a manually submitted prompt.
const maxPromptChars = 100_000

// ManualPrompt is a prompt injected through the API rather than observed.
type ManualPrompt struct {
	Text           string   `json:"text"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`
	Workspace      string   `json:"workspace,omitempty"`
}

// SubmitPrompt admits p at high priority and asks the context capturer for
// a snapshot bound to it. The returned event ID is also the prompt's ref.
func (a *App) SubmitPrompt(ctx context.Context, p ManualPrompt) (event.RawEvent, error) {
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return event.RawEvent{}, apperr.Validationf("text is required")
	}
	if utf8.RuneCountInString(text) > maxPromptChars {
		return event.RawEvent{}, apperr.Validationf("text longer than %d characters", maxPromptChars)
	}
	if err := ctx.Err(); err != nil {
		return event.RawEvent{}, apperr.Wrap(apperr.KindTimeout, "app.SubmitPrompt", err)
	}
	ws := p.Workspace
	if ws == "" {
		ws = a.roots[0]
	}

	ref := clock.NewID()
	ev, err := event.New(event.SourceIDEState, event.KindPrompt, ws, a.Clock.Now(), event.PromptPayload{
		Text:           text,
		Ref:            ref,
		Role:           event.RoleUser,
		ConversationID: p.ConversationID,
		Attachments:    p.Attachments,
	})
	if err != nil {
		return event.RawEvent{}, apperr.Wrap(apperr.KindInternal, "app.SubmitPrompt", err)
	}
	ev.ID = ref
	ev.Priority = event.PriorityHigh
	if err := a.Queue.Admit(ev); err != nil {
		return event.RawEvent{}, err
	}

	// Attachments are explicit context; without them the recent files are.
	if err := a.Context.Capture(ws, ref, p.Attachments, sources.TriggerPrompt); err != nil {
		if !errors.Is(err, sources.ErrNotRunning) {
			a.Logger.Warn("context capture for manual prompt failed", "error", err)
		}
	}
	return ev, nil
}

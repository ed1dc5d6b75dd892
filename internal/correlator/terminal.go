package correlator

import (
	"context"
	"fmt"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/classify"
	"github.com/ziadkadry99/devtrail/internal/event"
	"github.com/ziadkadry99/devtrail/internal/store"
)

// TerminalActivity is the payload of a terminal activity.
type TerminalActivity struct {
	Command string `json:"command"`
	Class   string `json:"class"`
	Cwd     string `json:"cwd,omitempty"`
}

// handleTerminal stores a command on its start and patches it on its end.
// An end whose start was never seen creates the command as well.
func (c *Correlator) handleTerminal(ctx context.Context, ev event.RawEvent) error {
	var tp event.TerminalPayload
	if err := decode(ev, &tp); err != nil {
		return err
	}
	started := tp.StartedAt
	if started.IsZero() {
		started = ev.At
	}
	commandID := tp.CommandID
	if commandID == "" {
		if tp.Command == "" {
			return apperr.Validationf("terminal event %s without command or id", ev.ID)
		}
		commandID = tp.Command + "@" + millis(started)
	}
	origin := tp.Origin
	if origin == "" {
		origin = "shell"
	}

	tc := &store.TerminalCommand{
		CreatedAt:   started,
		Workspace:   ev.Workspace,
		Command:     tp.Command,
		Cwd:         tp.Cwd,
		StartedAt:   started,
		Source:      origin,
		Fingerprint: event.Fingerprint("terminal", ev.Workspace, commandID),
	}
	if tp.Command != "" {
		promptID, err := c.attributePrompt(ctx, tc.Workspace, started, c.cfg.TerminalWindow, c.cfg.TerminalWindow, "")
		if err != nil {
			return err
		}
		tc.PromptID = promptID
	}

	finish := ev.Kind == event.KindTerminalEnd || tp.EndedAt != nil
	ended := ev.At
	if tp.EndedAt != nil {
		ended = *tp.EndedAt
	}

	var inserted bool
	_, err := c.store.Write(ctx, func(tx *store.Tx) error {
		var err error
		inserted, err = tx.InsertTerminalCommand(tc)
		if err != nil {
			return err
		}
		if inserted {
			_, err = tx.InsertActivity(&store.Activity{
				CreatedAt: tc.StartedAt,
				Workspace: tc.Workspace,
				Kind:      store.ActivityTerminal,
				RefID:     tc.ID,
				PromptID:  tc.PromptID,
				Summary:   summarize("$ " + tc.Command),
				Payload: payloadJSON(TerminalActivity{
					Command: tc.Command,
					Class:   classify.Command(tc.Command),
					Cwd:     tc.Cwd,
				}),
				Fingerprint: "act:" + tc.Fingerprint,
			})
			if err != nil {
				return err
			}
		}
		if finish {
			if _, err := tx.FinishTerminalCommand(tc.ID, tp.ExitCode, ended); err != nil {
				return fmt.Errorf("finishing command %s: %w", commandID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if inserted {
		c.counters.commands.Add(1)
	}
	return nil
}

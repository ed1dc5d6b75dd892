package query

import (
	"context"
	"sort"
	"time"

	"github.com/ziadkadry99/devtrail/internal/store"
)

// Turn is a run of consecutive user prompts in one workspace and thread.
// Turns are derived on read and never stored.
type Turn struct {
	ID             string         `json:"id"`
	Workspace      string         `json:"workspace,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Start          time.Time      `json:"start"`
	End            time.Time      `json:"end"`
	FirstSeq       int64          `json:"first_seq"`
	LastSeq        int64          `json:"last_seq"`
	Prompts        []store.Prompt `json:"prompts"`
	Responses      int            `json:"responses"`
}

// GroupTurns groups prompts into turns. Consecutive user prompts of a
// workspace with the same conversation and less than window apart share a
// turn; assistant responses are counted on the turn of their parent.
// Prompts are processed in seq order and turns are returned newest first.
func GroupTurns(prompts []store.Prompt, window time.Duration) []Turn {
	sorted := append([]store.Prompt(nil), prompts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	var (
		turns []*Turn
		open  = make(map[string]*Turn)
		byID  = make(map[string]*Turn)
	)
	for _, p := range sorted {
		if p.Role == "assistant" {
			if t, ok := byID[p.ParentPromptID]; ok {
				t.Responses++
			}
			continue
		}
		t, ok := open[p.Workspace]
		if !ok || t.ConversationID != p.ConversationID || absDuration(p.CreatedAt.Sub(t.End)) >= window {
			t = &Turn{
				ID:             p.ID,
				Workspace:      p.Workspace,
				ConversationID: p.ConversationID,
				Start:          p.CreatedAt,
				End:            p.CreatedAt,
				FirstSeq:       p.Seq,
			}
			turns = append(turns, t)
			open[p.Workspace] = t
		}
		t.Prompts = append(t.Prompts, p)
		t.LastSeq = p.Seq
		if p.CreatedAt.After(t.End) {
			t.End = p.CreatedAt
		}
		if p.CreatedAt.Before(t.Start) {
			t.Start = p.CreatedAt
		}
		byID[p.ID] = t
	}

	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[len(turns)-1-i] = *t
	}
	return out
}

// Conversations returns the conversation turns among the prompts matching f.
func (s *Service) Conversations(ctx context.Context, f store.ListFilter) ([]Turn, error) {
	if err := validate(f); err != nil {
		return nil, err
	}
	f.Kinds = nil
	return cached(s, "conversations", f, []store.Kind{store.KindPrompt}, func() ([]Turn, error) {
		ps, err := s.store.ListPrompts(ctx, f)
		if err != nil {
			return nil, err
		}
		turns := GroupTurns(ps, s.cfg.DedupeWindow)
		if turns == nil {
			turns = []Turn{}
		}
		return turns, nil
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

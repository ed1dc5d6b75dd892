// Package motif slices recent activity into canonical action DAGs and
// clusters similar DAGs into motifs, the recurring workflows of a developer.
package motif

import (
	"encoding/json"

	"github.com/ziadkadry99/devtrail/internal/classify"
	"github.com/ziadkadry99/devtrail/internal/store"
)

// Canonical action names. A token is the action with its class, for example
// FILE_CHANGE(go) or PROMPT(fix).
const (
	ActionFileChange = "FILE_CHANGE"
	ActionPrompt     = "PROMPT"
	ActionTerminal   = "TERMINAL"
)

// activityPayload is the union of the fields the correlator stores in
// activity payloads that matter for canonicalization.
type activityPayload struct {
	Role   string `json:"role"`
	Intent string `json:"intent"`
	Class  string `json:"class"`
}

// Token returns the canonical token of an activity. Status activities and
// assistant responses are not actions and report false.
func Token(a store.Activity) (string, bool) {
	var p activityPayload
	if len(a.Payload) > 0 {
		_ = json.Unmarshal(a.Payload, &p)
	}
	switch a.Kind {
	case store.ActivityPrompt:
		if p.Role == "assistant" {
			return "", false
		}
		intent := p.Intent
		if intent == "" {
			intent = classify.Intent(a.Summary)
		}
		return token(ActionPrompt, intent), true
	case store.ActivityFileChange:
		return token(ActionFileChange, orOther(p.Class)), true
	case store.ActivityTerminal:
		return token(ActionTerminal, orOther(p.Class)), true
	}
	return "", false
}

// Intent returns the intent class of a prompt activity, or "".
func Intent(a store.Activity) string {
	if a.Kind != store.ActivityPrompt {
		return ""
	}
	var p activityPayload
	if len(a.Payload) > 0 {
		_ = json.Unmarshal(a.Payload, &p)
	}
	if p.Role == "assistant" {
		return ""
	}
	if p.Intent != "" {
		return p.Intent
	}
	return classify.Intent(a.Summary)
}

func token(action, class string) string {
	return action + "(" + class + ")"
}

func orOther(s string) string {
	if s == "" {
		return "other"
	}
	return s
}

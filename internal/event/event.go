// Package event defines the canonical raw event schema every source
// translates into before anything reaches the ingest queue.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ziadkadry99/devtrail/internal/clock"
)

// Source names the producer of a raw event.
type Source string

const (
	SourceFileWatcher Source = "file_watcher"
	SourceEditorDB    Source = "editor_db"
	SourceTerminal    Source = "terminal"
	SourceClipboard   Source = "clipboard"
	SourceContext     Source = "context"
	SourceIDEState    Source = "ide_state"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceFileWatcher, SourceEditorDB, SourceTerminal, SourceClipboard, SourceContext, SourceIDEState:
		return true
	}
	return false
}

// Kind is the event type within a source.
type Kind string

const (
	KindPrompt          Kind = "prompt"
	KindResponse        Kind = "response"
	KindFileTouch       Kind = "file_touch"
	KindTerminalStart   Kind = "terminal_start"
	KindTerminalEnd     Kind = "terminal_end"
	KindContextSnapshot Kind = "context_snapshot"
	KindStatus          Kind = "status"
)

// Priority is the ingest queue level.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Lower returns the next priority down, bottoming out at low.
func (p Priority) Lower() Priority {
	if p <= PriorityLow {
		return PriorityLow
	}
	return p - 1
}

// RawEvent is one observation from a source. It is immutable once enqueued.
type RawEvent struct {
	ID          string          `json:"id"`
	Source      Source          `json:"source"`
	Kind        Kind            `json:"kind"`
	Workspace   string          `json:"workspace,omitempty"`
	Priority    Priority        `json:"priority"`
	At          time.Time       `json:"at"`
	CreatedAt   time.Time       `json:"created_at"`
	Fingerprint string          `json:"external_fingerprint,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// New builds a raw event with a marshalled payload. At is the time the
// observed thing happened; CreatedAt is set to the same instant.
func New(source Source, kind Kind, workspace string, at time.Time, payload any) (RawEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return RawEvent{}, fmt.Errorf("marshalling %s payload: %w", kind, err)
	}
	return RawEvent{
		ID:        clock.NewID(),
		Source:    source,
		Kind:      kind,
		Workspace: workspace,
		Priority:  DefaultPriority(kind),
		At:        at,
		CreatedAt: at,
		Payload:   data,
	}, nil
}

// Decode unmarshals the payload into v.
func (e RawEvent) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s: empty payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("event %s: decoding %s payload: %w", e.ID, e.Kind, err)
	}
	return nil
}

// DefaultPriority is the queue level a kind is admitted at unless the
// source overrides it.
func DefaultPriority(kind Kind) Priority {
	switch kind {
	case KindPrompt, KindResponse, KindContextSnapshot:
		return PriorityHigh
	case KindTerminalStart, KindTerminalEnd:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Fingerprint hashes the stable identifying fields of an event.
func Fingerprint(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h[:16])
}

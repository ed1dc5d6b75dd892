package store

import (
	"encoding/json"
	"time"

	"github.com/ziadkadry99/devtrail/internal/event"
)

// Kind names a persisted record type. Change notifications are keyed by it.
type Kind string

const (
	KindPrompt       Kind = "prompt"
	KindFileChange   Kind = "file_change"
	KindTerminal     Kind = "terminal"
	KindContext      Kind = "context"
	KindContextDelta Kind = "context_delta"
	KindActivity     Kind = "activity"
	KindDAG          Kind = "dag"
	KindMotif        Kind = "motif"
	KindDeadLetter   Kind = "dead_letter"
)

// Op says whether a change created or patched a record.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one committed mutation, emitted to change hooks after commit.
type Change struct {
	Kind      Kind   `json:"kind"`
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	Op        Op     `json:"op"`
	Workspace string `json:"workspace,omitempty"`
}

// ActivityKind tags the record an Activity points at.
type ActivityKind string

const (
	ActivityPrompt     ActivityKind = "prompt"
	ActivityFileChange ActivityKind = "file_change"
	ActivityTerminal   ActivityKind = "terminal"
	ActivityStatus     ActivityKind = "status"
)

// Valid reports whether k is a known activity kind.
func (k ActivityKind) Valid() bool {
	switch k {
	case ActivityPrompt, ActivityFileChange, ActivityTerminal, ActivityStatus:
		return true
	}
	return false
}

// ChangeType is the kind of file change.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
	ChangeRename ChangeType = "rename"
)

// Prompt is one user submission or one assistant response.
type Prompt struct {
	ID                 string    `json:"id"`
	Seq                int64     `json:"seq"`
	CreatedAt          time.Time `json:"created_at"`
	Workspace          string    `json:"workspace,omitempty"`
	Text               string    `json:"text"`
	Role               string    `json:"role"`
	ConversationID     string    `json:"conversation_id,omitempty"`
	ParentPromptID     string    `json:"parent_prompt_id,omitempty"`
	Model              string    `json:"model,omitempty"`
	Attachments        []string  `json:"attachments"`
	ContextSnapshotRef string    `json:"context_snapshot_ref,omitempty"`
	Source             string    `json:"source,omitempty"`
	Ref                string    `json:"ref,omitempty"`
	Fingerprint        string    `json:"-"`
	UpdatedSeq         int64     `json:"updated_seq,omitempty"`
}

// FileChange is a settled write to one file. Only hashes are kept.
type FileChange struct {
	ID           string     `json:"id"`
	Seq          int64      `json:"seq"`
	CreatedAt    time.Time  `json:"created_at"`
	Workspace    string     `json:"workspace,omitempty"`
	Path         string     `json:"path"`
	BeforeHash   string     `json:"before_hash,omitempty"`
	AfterHash    string     `json:"after_hash,omitempty"`
	LinesAdded   int        `json:"lines_added"`
	LinesRemoved int        `json:"lines_removed"`
	CharsAdded   int        `json:"chars_added"`
	CharsRemoved int        `json:"chars_removed"`
	ChangeType   ChangeType `json:"change_type"`
	RenameFrom   string     `json:"rename_from,omitempty"`
	PromptID     string     `json:"prompt_id,omitempty"`
	Fingerprint  string     `json:"-"`
}

// TerminalCommand is a shell command. It can be patched once with its end.
type TerminalCommand struct {
	ID          string     `json:"id"`
	Seq         int64      `json:"seq"`
	CreatedAt   time.Time  `json:"created_at"`
	Workspace   string     `json:"workspace,omitempty"`
	Command     string     `json:"command"`
	Cwd         string     `json:"cwd"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Source      string     `json:"source"`
	PromptID    string     `json:"prompt_id,omitempty"`
	Fingerprint string     `json:"-"`
	UpdatedSeq  int64      `json:"updated_seq,omitempty"`
}

// ContextSnapshot is the set of files the editor had in context.
type ContextSnapshot struct {
	ID          string              `json:"id"`
	Seq         int64               `json:"seq"`
	CreatedAt   time.Time           `json:"created_at"`
	Workspace   string              `json:"workspace,omitempty"`
	Files       []event.ContextFile `json:"files"`
	PromptID    string              `json:"prompt_id,omitempty"`
	EventID     string              `json:"event_id,omitempty"`
	Fingerprint string              `json:"-"`
}

// Paths returns the snapshot's file paths.
func (c ContextSnapshot) Paths() []string {
	out := make([]string, len(c.Files))
	for i, f := range c.Files {
		out[i] = f.Path
	}
	return out
}

// ContextDelta is the difference between two consecutive snapshots.
type ContextDelta struct {
	ID             string    `json:"id"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
	Workspace      string    `json:"workspace,omitempty"`
	PrevSnapshotID string    `json:"prev_snapshot_id,omitempty"`
	CurrSnapshotID string    `json:"curr_snapshot_id"`
	Added          []string  `json:"added"`
	Removed        []string  `json:"removed"`
	Unchanged      []string  `json:"unchanged"`
	PromptID       string    `json:"prompt_id,omitempty"`
}

// Activity is the unified timeline entry. RefID points at exactly one record.
type Activity struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	CreatedAt   time.Time       `json:"created_at"`
	Workspace   string          `json:"workspace,omitempty"`
	Kind        ActivityKind    `json:"kind"`
	RefID       string          `json:"ref_id"`
	SessionID   string          `json:"session_id,omitempty"`
	PromptID    string          `json:"prompt_id,omitempty"`
	Summary     string          `json:"summary"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Fingerprint string          `json:"-"`
}

// DAG is the canonical action graph of one time window.
type DAG struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
	Workspace   string    `json:"workspace,omitempty"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	ActivityIDs []string  `json:"activity_ids"`
	Actions     []string  `json:"actions"`
	Edges       [][2]int  `json:"edges"`
	Intents     []string  `json:"intents"`
	Signature   string    `json:"signature"`
	Fingerprint string    `json:"-"`
}

// Motif is a cluster of similar DAGs.
type Motif struct {
	ID                  string    `json:"id"`
	Seq                 int64     `json:"seq"`
	CreatedAt           time.Time `json:"created_at"`
	ClusterID           int       `json:"cluster_id"`
	RepresentativeDAGID string    `json:"representative_dag_id"`
	MemberDAGIDs        []string  `json:"member_dag_ids"`
	Size                int       `json:"size"`
	Actions             []string  `json:"actions"`
}

// DeadLetter is an ingest item that exhausted its retries.
type DeadLetter struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	CreatedAt   time.Time       `json:"created_at"`
	Workspace   string          `json:"workspace,omitempty"`
	EventID     string          `json:"event_id"`
	Source      string          `json:"source"`
	Kind        string          `json:"kind"`
	Retries     int             `json:"retries"`
	LastError   string          `json:"last_error"`
	Event       json.RawMessage `json:"event"`
	Fingerprint string          `json:"-"`
}

// ListFilter narrows list queries. Zero values mean "no filter". Results are
// ordered by seq descending; SeqBefore is the pagination cursor.
type ListFilter struct {
	Workspace      string
	Kinds          []string
	Since          *time.Time
	Until          *time.Time
	SeqBefore      int64
	SeqAfter       int64
	Limit          int
	ConversationID string
	PromptID       string
	Source         string
	ExitCode       *int
	Path           string
}

const (
	DefaultLimit = 500
	MaxLimit     = 1000
)

// ClampLimit applies the default and maximum page size.
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

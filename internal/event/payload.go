package event

import (
	"encoding/json"
	"time"
)

// Role of a prompt author.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PromptPayload carries a prompt or response. Ref is the producer's stable
// key for the prompt; context events and file events refer back to it.
type PromptPayload struct {
	Text           string   `json:"text"`
	Role           string   `json:"role"`
	Ref            string   `json:"ref,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	ParentRef      string   `json:"parent_ref,omitempty"`
	Model          string   `json:"model,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`
}

// FileOp is the raw operation a file watcher observed.
type FileOp string

const (
	OpCreate FileOp = "create"
	OpModify FileOp = "modify"
	OpDelete FileOp = "delete"
	OpRename FileOp = "rename"
)

// FilePayload describes a settled file write. Contents are never carried,
// only hashes and line/char deltas.
type FilePayload struct {
	Path         string `json:"path"`
	Op           FileOp `json:"op"`
	BeforeHash   string `json:"before_hash,omitempty"`
	AfterHash    string `json:"after_hash,omitempty"`
	RenameFrom   string `json:"rename_from,omitempty"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
	CharsAdded   int    `json:"chars_added"`
	CharsRemoved int    `json:"chars_removed"`
	PromptRef    string `json:"prompt_ref,omitempty"`
}

// TerminalPayload describes a command start or end. CommandID links the two.
type TerminalPayload struct {
	CommandID string     `json:"command_id"`
	Command   string     `json:"command"`
	Cwd       string     `json:"cwd,omitempty"`
	Shell     string     `json:"shell,omitempty"`
	Origin    string     `json:"origin,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// File context sources.
const (
	ContextExplicit = "explicit"
	ContextAuto     = "auto"
)

// ContextFile is one file the editor had in context.
type ContextFile struct {
	Path   string `json:"path"`
	Source string `json:"source"`
}

// ContextPayload is a snapshot of the editor's context file set.
type ContextPayload struct {
	Files     []ContextFile `json:"files"`
	PromptRef string        `json:"prompt_ref,omitempty"`
	EventID   string        `json:"event_id,omitempty"`
	Trigger   string        `json:"trigger,omitempty"`
}

// StatusPayload is a free-form note.
type StatusPayload struct {
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

package sources

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/db"
	"github.com/ziadkadry99/devtrail/internal/event"
)

// EditorConfig configures the editor database reader.
type EditorConfig struct {
	// Path of the editor's state database. Empty means the platform default.
	Path string
	// Workspace the editor's prompts are attributed to.
	Workspace  string
	Poll       time.Duration
	MaxBackoff time.Duration
	// ReadTimeout bounds one poll.
	ReadTimeout time.Duration
}

// DefaultEditorDBPath returns where the editor keeps its global state
// database on this platform.
func DefaultEditorDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Cursor", "User", "globalStorage", "state.vscdb")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Cursor", "User", "globalStorage", "state.vscdb")
		}
		return filepath.Join(home, "AppData", "Roaming", "Cursor", "User", "globalStorage", "state.vscdb")
	default:
		return filepath.Join(home, ".config", "Cursor", "User", "globalStorage", "state.vscdb")
	}
}

// EditorReader polls the editor's local database read-only and emits the
// prompts, responses and context selections it has not seen yet.
type EditorReader struct {
	base
	cfg EditorConfig

	// seen holds the fingerprints emitted so far. Each poll prunes it to
	// the ones still present in the database, so it never outgrows the
	// editor's own history.
	seenMu  sync.Mutex
	seen    map[string]struct{}
	present map[string]struct{}
}

// NewEditorReader creates an editor database reader.
func NewEditorReader(cfg EditorConfig, clk clock.Clock, logger *slog.Logger) *EditorReader {
	if cfg.Path == "" {
		cfg.Path = DefaultEditorDBPath()
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	r := &EditorReader{cfg: cfg, seen: make(map[string]struct{})}
	r.setup(string(event.SourceEditorDB), clk, logger)
	return r
}

func (r *EditorReader) Start(ctx context.Context, sink Sink) error {
	ctx = r.begin(ctx)
	return r.end(r.run(ctx, sink))
}

func (r *EditorReader) run(ctx context.Context, sink Sink) error {
	if r.cfg.Path == "" {
		return Unavailable(r.name, "no editor database path")
	}
	if _, err := os.Stat(r.cfg.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Unavailable(r.name, "editor database not found at "+r.cfg.Path)
		}
		return Unavailable(r.name, err.Error())
	}

	locked := r.lockBackoff()
	for {
		var wait time.Duration
		err := r.poll(ctx, sink)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, fs.ErrNotExist):
			return Unavailable(r.name, "editor database disappeared")
		case err != nil && isLocked(err):
			wait = locked.NextBackOff()
			r.logger.Debug("editor database locked, backing off", "wait", wait)
		case err != nil:
			r.fail("poll", err)
			locked.Reset()
		default:
			locked.Reset()
		}

		if p := paced(r.cfg.Poll, sink); p > wait {
			wait = p
		}
		if err := sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// lockBackoff paces polls while the editor holds its database locked:
// twice the poll interval, doubling up to MaxBackoff.
func (r *EditorReader) lockBackoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval: 2 * r.cfg.Poll,
		Multiplier:      2,
		MaxInterval:     r.cfg.MaxBackoff,
	}
	b.Reset()
	return b
}

func isLocked(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// poll reads one snapshot of the editor database and emits what is new.
func (r *EditorReader) poll(ctx context.Context, sink Sink) error {
	conn, err := db.OpenReadOnly(r.cfg.Path)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	r.seenMu.Lock()
	r.present = make(map[string]struct{})
	r.seenMu.Unlock()

	var events []event.RawEvent
	gens, err := r.readGenerations(ctx, conn)
	if err != nil && !isMissingTable(err) {
		return err
	}
	events = append(events, gens...)

	prompts, err := r.readPrompts(ctx, conn)
	if err != nil && !isMissingTable(err) {
		return err
	}
	events = append(events, prompts...)

	composers, err := r.readComposers(ctx, conn)
	if err != nil && !isMissingTable(err) {
		return err
	}
	events = append(events, composers...)

	sort.SliceStable(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
	for _, ev := range events {
		if r.emit(sink, ev) {
			r.markSeen(ev.Fingerprint)
		}
	}
	r.prune()
	return nil
}

// unseen records key as present in this poll and reports whether it still
// has to be emitted.
func (r *EditorReader) unseen(key string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if r.present != nil {
		r.present[key] = struct{}{}
	}
	_, ok := r.seen[key]
	return !ok
}

// prune forgets fingerprints the editor no longer holds.
func (r *EditorReader) prune() {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	for key := range r.seen {
		if _, ok := r.present[key]; !ok {
			delete(r.seen, key)
		}
	}
	r.present = nil
}

func (r *EditorReader) markSeen(key string) {
	r.seenMu.Lock()
	r.seen[key] = struct{}{}
	r.seenMu.Unlock()
}

type generation struct {
	UnixMs          int64  `json:"unixMs"`
	GenerationUUID  string `json:"generationUUID"`
	Type            string `json:"type"`
	TextDescription string `json:"textDescription"`
}

// legacyPrompt is an entry of the editor's plain prompt list. It carries
// neither an id nor a timestamp.
type legacyPrompt struct {
	Text        string `json:"text"`
	CommandType int    `json:"commandType"`
}

func readItem(ctx context.Context, conn *sql.DB, key string) ([]byte, error) {
	var raw []byte
	err := conn.QueryRowContext(ctx, `SELECT value FROM ItemTable WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return raw, err
}

// readGenerations reads the editor's prompt history. Each generation is one
// user prompt with a timestamp and a stable id.
func (r *EditorReader) readGenerations(ctx context.Context, conn *sql.DB) ([]event.RawEvent, error) {
	raw, err := readItem(ctx, conn, "aiService.generations")
	if err != nil || len(raw) == 0 {
		return nil, err
	}
	var gens []generation
	if err := json.Unmarshal(raw, &gens); err != nil {
		r.fail("generations", err)
		return nil, nil
	}

	var out []event.RawEvent
	for _, g := range gens {
		text := strings.TrimSpace(g.TextDescription)
		if g.GenerationUUID == "" || text == "" {
			continue
		}
		fp := event.Fingerprint("editor", "generation", g.GenerationUUID)
		if !r.unseen(fp) {
			continue
		}
		at := r.clock.Now()
		if g.UnixMs > 0 {
			at = time.UnixMilli(g.UnixMs).UTC()
		}
		ev, err := event.New(event.SourceEditorDB, event.KindPrompt, r.cfg.Workspace, at, event.PromptPayload{
			Text: text,
			Role: event.RoleUser,
			Ref:  g.GenerationUUID,
		})
		if err != nil {
			return nil, err
		}
		ev.Fingerprint = fp
		out = append(out, ev)
	}
	return out, nil
}

// readPrompts reads the editor's plain prompt list. Entries are identified
// by their text and its occurrence count, and entries whose text a
// generation already carries are skipped.
func (r *EditorReader) readPrompts(ctx context.Context, conn *sql.DB) ([]event.RawEvent, error) {
	raw, err := readItem(ctx, conn, "aiService.prompts")
	if err != nil || len(raw) == 0 {
		return nil, err
	}
	var list []legacyPrompt
	if err := json.Unmarshal(raw, &list); err != nil {
		r.fail("prompts", err)
		return nil, nil
	}
	covered, err := r.generationTexts(ctx, conn)
	if err != nil {
		return nil, err
	}

	var out []event.RawEvent
	occurrences := make(map[string]int)
	for _, lp := range list {
		text := strings.TrimSpace(lp.Text)
		if text == "" {
			continue
		}
		occurrences[text]++
		if occurrences[text] <= covered[text] {
			continue
		}
		fp := event.Fingerprint("editor", "prompt", text, strconv.Itoa(occurrences[text]))
		if !r.unseen(fp) {
			continue
		}
		ev, err := event.New(event.SourceEditorDB, event.KindPrompt, r.cfg.Workspace, r.clock.Now(), event.PromptPayload{
			Text: text,
			Role: event.RoleUser,
			Ref:  "prompt:" + fp,
		})
		if err != nil {
			return nil, err
		}
		ev.Fingerprint = fp
		out = append(out, ev)
	}
	return out, nil
}

// generationTexts counts the generations per prompt text.
func (r *EditorReader) generationTexts(ctx context.Context, conn *sql.DB) (map[string]int, error) {
	counts := make(map[string]int)
	raw, err := readItem(ctx, conn, "aiService.generations")
	if err != nil || len(raw) == 0 {
		return counts, err
	}
	var gens []generation
	if json.Unmarshal(raw, &gens) != nil {
		return counts, nil
	}
	for _, g := range gens {
		if text := strings.TrimSpace(g.TextDescription); text != "" && g.GenerationUUID != "" {
			counts[text]++
		}
	}
	return counts, nil
}

type composerData struct {
	ComposerID    string   `json:"composerId"`
	CreatedAt     int64    `json:"createdAt"`
	LastUpdatedAt int64    `json:"lastUpdatedAt"`
	Conversation  []bubble `json:"conversation"`
}

type bubble struct {
	Type      int    `json:"type"`
	BubbleID  string `json:"bubbleId"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"`
	ModelType string `json:"modelType,omitempty"`
	Context   struct {
		FileSelections []struct {
			URI struct {
				FSPath string `json:"fsPath"`
			} `json:"uri"`
		} `json:"fileSelections"`
	} `json:"context"`
}

const (
	bubbleUser      = 1
	bubbleAssistant = 2
)

// readComposers reads chat threads. User bubbles become prompts with their
// selected files as a context snapshot; assistant bubbles become responses
// parented to the preceding user bubble.
func (r *EditorReader) readComposers(ctx context.Context, conn *sql.DB) ([]event.RawEvent, error) {
	rows, err := conn.QueryContext(ctx, `SELECT key, value FROM cursorDiskKV WHERE key LIKE 'composerData:%'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.RawEvent
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var cd composerData
		if len(raw) == 0 || json.Unmarshal(raw, &cd) != nil {
			continue
		}
		if cd.ComposerID == "" {
			cd.ComposerID = strings.TrimPrefix(key, "composerData:")
		}
		evs, err := r.composerEvents(cd)
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}
	return out, rows.Err()
}

func (r *EditorReader) composerEvents(cd composerData) ([]event.RawEvent, error) {
	var (
		out        []event.RawEvent
		lastUser   string
		fallbackAt = cd.LastUpdatedAt
	)
	if fallbackAt == 0 {
		fallbackAt = cd.CreatedAt
	}
	for _, b := range cd.Conversation {
		if b.BubbleID == "" {
			continue
		}
		role := event.RoleUser
		switch b.Type {
		case bubbleUser:
			lastUser = b.BubbleID
		case bubbleAssistant:
			role = event.RoleAssistant
		default:
			continue
		}
		text := strings.TrimSpace(b.Text)
		fp := event.Fingerprint("editor", "bubble", cd.ComposerID, b.BubbleID)
		if text == "" || !r.unseen(fp) {
			continue
		}

		at := r.clock.Now()
		switch {
		case b.CreatedAt > 0:
			at = time.UnixMilli(b.CreatedAt).UTC()
		case fallbackAt > 0:
			at = time.UnixMilli(fallbackAt).UTC()
		}

		p := event.PromptPayload{
			Text:           text,
			Role:           role,
			Ref:            b.BubbleID,
			ConversationID: cd.ComposerID,
			Model:          b.ModelType,
		}
		kind := event.KindPrompt
		if role == event.RoleAssistant {
			kind = event.KindResponse
			p.ParentRef = lastUser
		}
		ev, err := event.New(event.SourceEditorDB, kind, r.cfg.Workspace, at, p)
		if err != nil {
			return nil, err
		}
		ev.Fingerprint = fp
		out = append(out, ev)

		if role != event.RoleUser {
			continue
		}
		files := r.contextFiles(b)
		if len(files) == 0 {
			continue
		}
		cev, err := event.New(event.SourceEditorDB, event.KindContextSnapshot, r.cfg.Workspace, at, event.ContextPayload{
			Files:     files,
			PromptRef: b.BubbleID,
			Trigger:   "prompt",
		})
		if err != nil {
			return nil, err
		}
		cev.Fingerprint = event.Fingerprint("editor", "context", cd.ComposerID, b.BubbleID)
		out = append(out, cev)
	}
	return out, nil
}

// contextFiles returns the files explicitly attached to a bubble, relative
// to the workspace when they live under it.
func (r *EditorReader) contextFiles(b bubble) []event.ContextFile {
	var files []event.ContextFile
	for _, sel := range b.Context.FileSelections {
		p := sel.URI.FSPath
		if p == "" {
			continue
		}
		files = append(files, event.ContextFile{Path: workspaceRel(r.cfg.Workspace, p), Source: event.ContextExplicit})
	}
	return files
}

// workspaceRel makes p relative to workspace when it lies inside it.
func workspaceRel(workspace, p string) string {
	if workspace == "" || !filepath.IsAbs(p) {
		return filepath.ToSlash(p)
	}
	rel, err := filepath.Rel(workspace, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

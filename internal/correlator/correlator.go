// Package correlator turns the ordered stream of raw events into stored
// prompts, file changes, terminal commands, context snapshots and the
// activities that tie them together.
package correlator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/contextdelta"
	"github.com/ziadkadry99/devtrail/internal/event"
	"github.com/ziadkadry99/devtrail/internal/logging"
	"github.com/ziadkadry99/devtrail/internal/store"
)

// Config holds the correlation windows.
type Config struct {
	ContextWindow  time.Duration // prompt <-> context snapshot
	EditWindow     time.Duration // prompt -> file change
	TerminalWindow time.Duration // prompt <-> command start
	RenameWindow   time.Duration // delete + create folded into a rename
	FileHold       time.Duration // how long file events wait before they are written
}

// DefaultConfig returns the stock windows.
func DefaultConfig() Config {
	return Config{
		ContextWindow:  5 * time.Second,
		EditWindow:     15 * time.Minute,
		TerminalWindow: 5 * time.Minute,
		RenameWindow:   time.Second,
		FileHold:       5 * time.Second,
	}
}

// Stats counts what the correlator produced.
type Stats struct {
	Events      uint64 `json:"events"`
	Prompts     uint64 `json:"prompts"`
	FileChanges uint64 `json:"file_changes"`
	Renames     uint64 `json:"renames"`
	Attributed  uint64 `json:"attributed"`
	Commands    uint64 `json:"commands"`
	Snapshots   uint64 `json:"snapshots"`
	Statuses    uint64 `json:"statuses"`
	Held        int    `json:"held"`
	Pending     int    `json:"pending"`
}

// Correlator is driven by a single consumer task: Handle, Tick and Flush
// must not be called concurrently with each other. Stats is safe anywhere.
type Correlator struct {
	cfg     Config
	store   *store.Store
	tracker *contextdelta.Tracker
	clock   clock.Clock
	logger  *slog.Logger

	held     []*heldFile
	pending  map[string]pendingPrompt
	orphans  map[string]orphanContext
	counters struct {
		events, prompts, files, renames, attributed, commands, snapshots, statuses atomic.Uint64
	}
	sizes struct {
		sync.Mutex
		held, pending int
	}
}

// pendingPrompt is a user prompt still waiting for its context snapshot.
type pendingPrompt struct {
	id        string
	workspace string
	arrived   time.Time
}

// orphanContext is a snapshot that named a prompt not yet seen.
type orphanContext struct {
	snapshotID string
	at         time.Time
	arrived    time.Time
}

// New creates a correlator writing into s.
func New(cfg Config, s *store.Store, tracker *contextdelta.Tracker, clk clock.Clock, logger *slog.Logger) *Correlator {
	d := DefaultConfig()
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = d.ContextWindow
	}
	if cfg.EditWindow <= 0 {
		cfg.EditWindow = d.EditWindow
	}
	if cfg.TerminalWindow <= 0 {
		cfg.TerminalWindow = d.TerminalWindow
	}
	if cfg.RenameWindow <= 0 {
		cfg.RenameWindow = d.RenameWindow
	}
	if cfg.FileHold < 0 {
		cfg.FileHold = 0
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if tracker == nil {
		tracker = contextdelta.NewTracker(s, 0)
	}
	return &Correlator{
		cfg:     cfg,
		store:   s,
		tracker: tracker,
		clock:   clk,
		logger:  logger,
		pending: make(map[string]pendingPrompt),
		orphans: make(map[string]orphanContext),
	}
}

// Handle correlates one raw event. Events that cannot be interpreted are
// kept as status activities. The returned error is retryable: store I/O,
// timeouts or internal failures.
func (c *Correlator) Handle(ctx context.Context, ev event.RawEvent) error {
	c.counters.events.Add(1)

	var err error
	switch ev.Kind {
	case event.KindPrompt, event.KindResponse:
		err = c.handlePrompt(ctx, ev)
	case event.KindFileTouch:
		err = c.handleFile(ev)
	case event.KindTerminalStart, event.KindTerminalEnd:
		err = c.handleTerminal(ctx, ev)
	case event.KindContextSnapshot:
		err = c.handleContext(ctx, ev)
	case event.KindStatus:
		var st event.StatusPayload
		if decodeErr := ev.Decode(&st); decodeErr != nil || st.Message == "" {
			st.Message = "status from " + string(ev.Source)
		}
		err = c.recordStatus(ctx, ev, st.Message)
	default:
		err = c.recordStatus(ctx, ev, "unrecognised event kind "+string(ev.Kind))
	}
	c.updateSizes()

	if err != nil && degradable(err) {
		c.logger.Debug("event kept as status", "event_id", ev.ID, "kind", ev.Kind, "error", err)
		return c.recordStatus(ctx, ev, apperr.Message(err))
	}
	return err
}

// degradable errors are properties of the event, so retrying cannot help.
func degradable(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindConflict:
		return true
	}
	return false
}

// Tick writes held file events and finalizes pending prompts whose windows
// have elapsed at now.
func (c *Correlator) Tick(ctx context.Context, now time.Time) error {
	defer c.updateSizes()
	if err := c.flushFiles(ctx, func(h *heldFile) bool {
		return !now.Before(h.arrived.Add(c.cfg.FileHold))
	}); err != nil {
		return err
	}
	if err := c.finalizePrompts(ctx, func(p pendingPrompt) bool {
		return !now.Before(p.arrived.Add(c.cfg.ContextWindow))
	}); err != nil {
		return err
	}
	for ref, o := range c.orphans {
		if now.Sub(o.arrived) > c.cfg.ContextWindow {
			delete(c.orphans, ref)
		}
	}
	return nil
}

// Flush writes everything still held regardless of windows. Used on
// shutdown and at the end of a replay.
func (c *Correlator) Flush(ctx context.Context) error {
	defer c.updateSizes()
	if err := c.flushFiles(ctx, func(*heldFile) bool { return true }); err != nil {
		return err
	}
	return c.finalizePrompts(ctx, func(pendingPrompt) bool { return true })
}

// Stats returns the counters.
func (c *Correlator) Stats() Stats {
	c.sizes.Lock()
	held, pending := c.sizes.held, c.sizes.pending
	c.sizes.Unlock()
	return Stats{
		Events:      c.counters.events.Load(),
		Prompts:     c.counters.prompts.Load(),
		FileChanges: c.counters.files.Load(),
		Renames:     c.counters.renames.Load(),
		Attributed:  c.counters.attributed.Load(),
		Commands:    c.counters.commands.Load(),
		Snapshots:   c.counters.snapshots.Load(),
		Statuses:    c.counters.statuses.Load(),
		Held:        held,
		Pending:     pending,
	}
}

func (c *Correlator) updateSizes() {
	c.sizes.Lock()
	c.sizes.held, c.sizes.pending = len(c.held), len(c.pending)
	c.sizes.Unlock()
}

// recordStatus stores ev as a standalone status activity carrying the raw
// event.
func (c *Correlator) recordStatus(ctx context.Context, ev event.RawEvent, msg string) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		raw = nil
	}
	key := ev.Fingerprint
	if key == "" {
		key = ev.ID
	}
	a := &store.Activity{
		CreatedAt:   ev.At,
		Workspace:   ev.Workspace,
		Kind:        store.ActivityStatus,
		RefID:       ev.ID,
		Summary:     summarize(msg),
		Payload:     raw,
		Fingerprint: "act:status:" + key,
	}
	_, err = c.store.Write(ctx, func(tx *store.Tx) error {
		inserted, err := tx.InsertActivity(a)
		if inserted {
			c.counters.statuses.Add(1)
		}
		return err
	})
	return err
}

// summarize trims text to a one-line timeline summary.
func summarize(s string) string {
	const max = 120
	out := make([]rune, 0, max)
	space := false
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || r == ' ' {
			if !space && len(out) > 0 && len(out) < max {
				out = append(out, ' ')
			}
			space = true
			continue
		}
		space = false
		if len(out) >= max {
			return strings.TrimRight(string(out[:max-1]), " ") + "…"
		}
		out = append(out, r)
	}
	if n := len(out); n > 0 && out[n-1] == ' ' {
		out = out[:n-1]
	}
	return string(out)
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func decode(ev event.RawEvent, v any) error {
	if err := ev.Decode(v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "correlator.decode", err)
	}
	return nil
}

func payloadJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

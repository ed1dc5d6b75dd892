package sources

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/event"
)

// FileSet reports which files are currently in play per workspace. The
// file watcher implements it.
type FileSet interface {
	Workspaces() []string
	RecentFiles(workspace string, n int) []string
}

// ContextConfig configures the context snapshot capturer.
type ContextConfig struct {
	Heartbeat time.Duration
	MaxFiles  int
}

// Context snapshot triggers.
const (
	TriggerHeartbeat = "heartbeat"
	TriggerPrompt    = "prompt"
	TriggerManual    = "manual"
)

// ErrNotRunning is returned by Capture while the capturer is stopped.
var ErrNotRunning = errors.New("context capturer is not running")

// ContextCapturer emits context snapshots of the files in play: on demand
// when a prompt is injected, and on a slow heartbeat when the set changed.
type ContextCapturer struct {
	base
	cfg   ContextConfig
	files FileSet

	sinkMu sync.Mutex
	sink   Sink
	last   map[string]string
}

// NewContextCapturer creates a capturer reading from files.
func NewContextCapturer(cfg ContextConfig, files FileSet, clk clock.Clock, logger *slog.Logger) *ContextCapturer {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = time.Minute
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 20
	}
	c := &ContextCapturer{cfg: cfg, files: files, last: make(map[string]string)}
	c.setup(string(event.SourceContext), clk, logger)
	return c
}

func (c *ContextCapturer) Start(ctx context.Context, sink Sink) error {
	ctx = c.begin(ctx)
	return c.end(c.run(ctx, sink))
}

func (c *ContextCapturer) run(ctx context.Context, sink Sink) error {
	if c.files == nil {
		return Unavailable(c.name, "no file source to snapshot")
	}
	c.sinkMu.Lock()
	c.sink = sink
	c.sinkMu.Unlock()
	defer func() {
		c.sinkMu.Lock()
		c.sink = nil
		c.sinkMu.Unlock()
	}()

	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.heartbeat()
		}
	}
}

// heartbeat snapshots every workspace whose file set changed.
func (c *ContextCapturer) heartbeat() {
	for _, ws := range c.files.Workspaces() {
		files := c.files.RecentFiles(ws, c.cfg.MaxFiles)
		if len(files) == 0 {
			continue
		}
		key := strings.Join(files, "\x00")
		c.sinkMu.Lock()
		unchanged := c.last[ws] == key
		c.sinkMu.Unlock()
		if unchanged {
			continue
		}
		if err := c.capture(ws, "", files, TriggerHeartbeat); err != nil {
			c.fail("heartbeat", err)
		}
	}
}

// Capture emits a snapshot of workspace now. promptRef links it to the
// prompt that caused it; files defaults to the recent files.
func (c *ContextCapturer) Capture(workspace, promptRef string, files []string, trigger string) error {
	if files == nil && c.files != nil {
		files = c.files.RecentFiles(workspace, c.cfg.MaxFiles)
	}
	if trigger == "" {
		trigger = TriggerManual
	}
	return c.capture(workspace, promptRef, files, trigger)
}

func (c *ContextCapturer) capture(workspace, promptRef string, files []string, trigger string) error {
	c.sinkMu.Lock()
	sink := c.sink
	if sink != nil {
		c.last[workspace] = strings.Join(files, "\x00")
	}
	c.sinkMu.Unlock()
	if sink == nil {
		return ErrNotRunning
	}

	src := event.ContextAuto
	if trigger != TriggerHeartbeat {
		src = event.ContextExplicit
	}
	cf := make([]event.ContextFile, len(files))
	for i, f := range files {
		cf[i] = event.ContextFile{Path: f, Source: src}
	}
	now := c.clock.Now()
	ev, err := event.New(event.SourceContext, event.KindContextSnapshot, workspace, now, event.ContextPayload{
		Files:     cf,
		PromptRef: promptRef,
		Trigger:   trigger,
	})
	if err != nil {
		return err
	}
	if trigger == TriggerHeartbeat {
		ev.Priority = event.PriorityLow
	}
	if !c.emit(sink, ev) {
		return errors.New("context snapshot rejected by queue")
	}
	return nil
}

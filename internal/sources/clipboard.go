package sources

import (
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/ziadkadry99/devtrail/internal/classify"
	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/event"
)

// ClipboardReader returns the current clipboard text.
type ClipboardReader func(ctx context.Context) (string, error)

// ClipboardConfig configures the clipboard prompt sniffer.
type ClipboardConfig struct {
	Poll      time.Duration
	Workspace string
	// Read overrides the platform clipboard command.
	Read ClipboardReader
}

// errNoClipboard means no clipboard command exists on this machine.
var errNoClipboard = errors.New("no clipboard command found")

// systemClipboard picks the first clipboard command available here.
func systemClipboard() (ClipboardReader, error) {
	var candidates [][]string
	switch runtime.GOOS {
	case "darwin":
		candidates = [][]string{{"pbpaste"}}
	case "windows":
		candidates = [][]string{{"powershell.exe", "-NoProfile", "-Command", "Get-Clipboard -Raw"}}
	default:
		candidates = [][]string{
			{"wl-paste", "--no-newline"},
			{"xclip", "-o", "-selection", "clipboard"},
			{"xsel", "--clipboard", "--output"},
		}
	}
	for _, c := range candidates {
		if _, err := exec.LookPath(c[0]); err != nil {
			continue
		}
		args := c
		return func(ctx context.Context) (string, error) {
			ctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			out, err := exec.CommandContext(ctx, args[0], args[1:]...).Output()
			return string(out), err
		}, nil
	}
	return nil, errNoClipboard
}

// ClipboardSniffer polls the clipboard and emits text that looks like a
// prompt. Code and anything credential-shaped is never emitted.
type ClipboardSniffer struct {
	base
	cfg ClipboardConfig

	lastHash [32]byte
	primed   bool
}

// NewClipboardSniffer creates a clipboard sniffer.
func NewClipboardSniffer(cfg ClipboardConfig, clk clock.Clock, logger *slog.Logger) *ClipboardSniffer {
	if cfg.Poll <= 0 {
		cfg.Poll = 1500 * time.Millisecond
	}
	c := &ClipboardSniffer{cfg: cfg}
	c.setup(string(event.SourceClipboard), clk, logger)
	return c
}

func (c *ClipboardSniffer) Start(ctx context.Context, sink Sink) error {
	ctx = c.begin(ctx)
	return c.end(c.run(ctx, sink))
}

func (c *ClipboardSniffer) run(ctx context.Context, sink Sink) error {
	read := c.cfg.Read
	if read == nil {
		var err error
		if read, err = systemClipboard(); err != nil {
			return Unavailable(c.name, err.Error())
		}
	}
	// Whatever is on the clipboard at start predates us.
	c.primed = false
	for {
		text, err := read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.fail("read", err)
		} else {
			c.observe(sink, text)
		}
		if sleep(ctx, paced(c.cfg.Poll, sink)) != nil {
			return nil
		}
	}
}

// observe handles one clipboard reading.
func (c *ClipboardSniffer) observe(sink Sink, text string) {
	h := sha256.Sum256([]byte(text))
	if c.primed && h == c.lastHash {
		return
	}
	first := !c.primed
	c.lastHash, c.primed = h, true
	if first {
		return
	}

	text = strings.TrimSpace(text)
	if ok, reason := classify.LooksLikePrompt(text); !ok {
		c.logger.Debug("clipboard text skipped", "reason", reason)
		return
	}
	ev, err := event.New(event.SourceClipboard, event.KindPrompt, c.cfg.Workspace, c.clock.Now(), event.PromptPayload{
		Text: text,
		Role: event.RoleUser,
	})
	if err != nil {
		c.fail("encode", err)
		return
	}
	// Clipboard prompts are guesses.
	ev.Priority = event.PriorityMedium
	c.emit(sink, ev)
}

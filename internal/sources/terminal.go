package sources

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/event"
)

// TerminalConfig configures the terminal tracer.
type TerminalConfig struct {
	// Spool is the JSON lines file the shell hook appends to.
	Spool string
	// History files read when the spool is absent. No exit codes there.
	History []string
	// Roots map a command's working directory to a workspace.
	Roots []string
	Poll  time.Duration
}

// DefaultHistoryFiles returns the shell history files of the current user.
func DefaultHistoryFiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	if h := os.Getenv("HISTFILE"); h != "" {
		return []string{h}
	}
	return []string{filepath.Join(home, ".zsh_history"), filepath.Join(home, ".bash_history")}
}

// TerminalTracer tails the shell hook spool and emits command start and end
// events. Without a spool it falls back to shell history files.
type TerminalTracer struct {
	base
	cfg     TerminalConfig
	offsets Offsets

	// read positions, only touched by the run loop
	spoolPos   int64
	historyPos map[string]int64
}

// NewTerminalTracer creates a terminal tracer. offsets may be nil, in which
// case positions are not persisted.
func NewTerminalTracer(cfg TerminalConfig, offsets Offsets, clk clock.Clock, logger *slog.Logger) *TerminalTracer {
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	t := &TerminalTracer{cfg: cfg, offsets: offsets, historyPos: make(map[string]int64)}
	t.setup(string(event.SourceTerminal), clk, logger)
	return t
}

func (t *TerminalTracer) Start(ctx context.Context, sink Sink) error {
	ctx = t.begin(ctx)
	return t.end(t.run(ctx, sink))
}

func (t *TerminalTracer) run(ctx context.Context, sink Sink) error {
	if !shellIntegrationSupported {
		return Unavailable(t.name, "shell integration is not supported on this platform")
	}
	if t.cfg.Spool == "" && len(t.cfg.History) == 0 {
		return Unavailable(t.name, "no spool or history file configured")
	}
	if err := t.loadOffsets(ctx); err != nil {
		return err
	}

	for {
		var err error
		if t.spoolExists() {
			err = t.readSpool(ctx, sink)
		} else {
			err = t.readHistory(ctx, sink)
		}
		if err != nil && ctx.Err() == nil {
			t.fail("read", err)
		}
		if sleep(ctx, paced(t.cfg.Poll, sink)) != nil {
			return nil
		}
	}
}

func (t *TerminalTracer) spoolExists() bool {
	if t.cfg.Spool == "" {
		return false
	}
	_, err := os.Stat(t.cfg.Spool)
	return err == nil
}

func (t *TerminalTracer) spoolKey() string { return t.name }

func (t *TerminalTracer) historyKey(path string) string { return t.name + ":history:" + path }

func (t *TerminalTracer) loadOffsets(ctx context.Context) error {
	if t.offsets == nil {
		return nil
	}
	v, err := t.offsets.SourceOffset(ctx, t.spoolKey())
	if err != nil {
		return err
	}
	if v != "" {
		t.spoolPos, _ = strconv.ParseInt(v, 10, 64)
	}
	for _, h := range t.cfg.History {
		v, err := t.offsets.SourceOffset(ctx, t.historyKey(h))
		if err != nil {
			return err
		}
		if v == "" {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			t.historyPos[h] = n
		}
	}
	return nil
}

func (t *TerminalTracer) saveOffset(ctx context.Context, key string, pos int64) {
	if t.offsets == nil {
		return
	}
	if err := t.offsets.SaveSourceOffset(ctx, key, strconv.FormatInt(pos, 10)); err != nil {
		t.fail("offset", err)
	}
}

// spoolRecord is one line written by the shell hook.
type spoolRecord struct {
	Type    string `json:"type"` // start | end
	ID      string `json:"id"`
	Command string `json:"command,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
	Shell   string `json:"shell,omitempty"`
	Exit    *int   `json:"exit,omitempty"`
	Started int64  `json:"started,omitempty"`
	TS      int64  `json:"ts"`
}

// readLines calls fn for every complete line of path after pos and returns
// the position after the last complete line. A file shorter than pos was
// truncated or rotated and is read from the start.
func readLines(ctx context.Context, path string, pos int64, fn func(line []byte, end int64)) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return pos, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return pos, err
	}
	if info.Size() < pos {
		pos = 0
	}
	if info.Size() == pos {
		return pos, nil
	}
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return pos, err
	}
	br := bufio.NewReaderSize(f, 64*1024)
	for ctx.Err() == nil {
		line, err := br.ReadBytes('\n')
		if err != nil {
			// A partial last line is picked up on the next read.
			if errors.Is(err, io.EOF) {
				return pos, nil
			}
			return pos, err
		}
		pos += int64(len(line))
		fn(line[:len(line)-1], pos)
	}
	return pos, ctx.Err()
}

func (t *TerminalTracer) readSpool(ctx context.Context, sink Sink) error {
	start := t.spoolPos
	pos, err := readLines(ctx, t.cfg.Spool, t.spoolPos, func(line []byte, end int64) {
		var rec spoolRecord
		if len(strings.TrimSpace(string(line))) == 0 {
			return
		}
		if err := json.Unmarshal(line, &rec); err != nil || rec.ID == "" {
			t.fail("spool", errors.New("malformed spool line at offset "+strconv.FormatInt(end, 10)))
			return
		}
		if ev, ok := t.spoolEvent(rec); ok {
			t.emit(sink, ev)
		}
	})
	t.spoolPos = pos
	if pos != start {
		t.saveOffset(ctx, t.spoolKey(), pos)
	}
	return err
}

func (t *TerminalTracer) spoolEvent(rec spoolRecord) (event.RawEvent, bool) {
	at := time.UnixMilli(rec.TS).UTC()
	if rec.TS == 0 {
		at = t.clock.Now()
	}
	p := event.TerminalPayload{
		CommandID: rec.ID,
		Command:   rec.Command,
		Cwd:       rec.Cwd,
		Shell:     rec.Shell,
		Origin:    "shell",
		StartedAt: at,
	}
	kind := event.KindTerminalStart
	switch rec.Type {
	case "start":
	case "end":
		kind = event.KindTerminalEnd
		ended := at
		p.EndedAt = &ended
		p.ExitCode = rec.Exit
		p.StartedAt = ended
		if rec.Started > 0 {
			p.StartedAt = time.UnixMilli(rec.Started).UTC()
		}
	default:
		t.fail("spool", errors.New("unknown spool record type "+strconv.Quote(rec.Type)))
		return event.RawEvent{}, false
	}
	ev, err := event.New(event.SourceTerminal, kind, t.workspaceFor(rec.Cwd), at, p)
	if err != nil {
		t.fail("encode", err)
		return event.RawEvent{}, false
	}
	ev.Fingerprint = event.Fingerprint("term", rec.Type, rec.ID)
	return ev, true
}

// workspaceFor maps a working directory to the longest root containing it,
// or to the first root when none does.
func (t *TerminalTracer) workspaceFor(cwd string) string {
	best := ""
	for _, root := range t.cfg.Roots {
		r := filepath.Clean(root)
		if (cwd == r || strings.HasPrefix(cwd, r+string(filepath.Separator))) && len(r) > len(best) {
			best = r
		}
	}
	if best == "" && len(t.cfg.Roots) > 0 {
		best = filepath.Clean(t.cfg.Roots[0])
	}
	return best
}

func (t *TerminalTracer) readHistory(ctx context.Context, sink Sink) error {
	var errs []error
	for _, h := range t.cfg.History {
		pos, known := t.historyPos[h]
		if !known {
			// Only commands run from now on; the backlog has no context.
			info, err := os.Stat(h)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					errs = append(errs, err)
				}
				continue
			}
			t.historyPos[h] = info.Size()
			t.saveOffset(ctx, t.historyKey(h), info.Size())
			continue
		}

		var bashTS int64
		newPos, err := readLines(ctx, h, pos, func(line []byte, end int64) {
			entry, ts, ok := parseHistoryLine(string(line), &bashTS)
			if !ok {
				return
			}
			ev, err := t.historyEvent(h, entry, ts, end)
			if err != nil {
				t.fail("encode", err)
				return
			}
			t.emit(sink, ev)
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
		if newPos != pos {
			t.historyPos[h] = newPos
			t.saveOffset(ctx, t.historyKey(h), newPos)
		}
	}
	return errors.Join(errs...)
}

// parseHistoryLine understands zsh extended history (": 1700000000:0;cmd")
// and bash timestamp comments ("#1700000000" followed by the command).
// Entries without a timestamp are skipped.
func parseHistoryLine(line string, bashTS *int64) (cmd string, ts int64, ok bool) {
	line = strings.TrimRight(line, "\r")
	if strings.HasPrefix(line, ": ") {
		rest := line[2:]
		colon := strings.IndexByte(rest, ':')
		semi := strings.IndexByte(rest, ';')
		if colon <= 0 || semi <= colon {
			return "", 0, false
		}
		sec, err := strconv.ParseInt(rest[:colon], 10, 64)
		if err != nil {
			return "", 0, false
		}
		cmd = strings.TrimSpace(rest[semi+1:])
		return cmd, sec, cmd != ""
	}
	if strings.HasPrefix(line, "#") {
		if sec, err := strconv.ParseInt(line[1:], 10, 64); err == nil {
			*bashTS = sec
		}
		return "", 0, false
	}
	if *bashTS == 0 {
		return "", 0, false
	}
	ts, *bashTS = *bashTS, 0
	cmd = strings.TrimSpace(line)
	return cmd, ts, cmd != ""
}

func (t *TerminalTracer) historyEvent(path, cmd string, sec, offset int64) (event.RawEvent, error) {
	at := time.Unix(sec, 0).UTC()
	id := event.Fingerprint("history", path, strconv.FormatInt(offset, 10))
	ev, err := event.New(event.SourceTerminal, event.KindTerminalStart, t.workspaceFor(""), at, event.TerminalPayload{
		CommandID: id,
		Command:   cmd,
		Origin:    "history",
		Shell:     strings.TrimPrefix(strings.TrimSuffix(filepath.Base(path), "_history"), "."),
		StartedAt: at,
	})
	if err != nil {
		return event.RawEvent{}, err
	}
	ev.Fingerprint = event.Fingerprint("term", "history", id)
	return ev, nil
}

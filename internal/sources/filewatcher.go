package sources

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/event"
	"github.com/ziadkadry99/devtrail/internal/walker"
)

// FileWatcherConfig configures the file watcher. Every root is its own
// workspace.
type FileWatcherConfig struct {
	Roots       []string
	Deny        []string // names skipped anywhere; empty uses walker.DefaultDenyList
	IgnoreGlobs []string
	Debounce    time.Duration
	Workers     int
	MaxFileSize int64
}

// DefaultDebounce is how long a path must stay quiet before it is hashed.
const DefaultDebounce = 500 * time.Millisecond

// FileWatcher emits a file_touch event for every settled content change
// under its roots. It keeps a digest of each file, never its contents.
type FileWatcher struct {
	base
	cfg     FileWatcherConfig
	filters []*walker.Filter

	stateMu sync.Mutex
	touched map[string]pendingTouch
	digests map[string]walker.Digest
	recent  map[string][]string // workspace -> changed paths, most recent first
}

// maxRecent bounds the recent file list kept per workspace.
const maxRecent = 50

type pendingTouch struct {
	filter *walker.Filter
	last   time.Time
}

// NewFileWatcher creates a file watcher over cfg.Roots.
func NewFileWatcher(cfg FileWatcherConfig, clk clock.Clock, logger *slog.Logger) *FileWatcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	w := &FileWatcher{
		cfg:     cfg,
		touched: make(map[string]pendingTouch),
		digests: make(map[string]walker.Digest),
		recent:  make(map[string][]string),
	}
	w.setup(string(event.SourceFileWatcher), clk, logger)
	for _, root := range cfg.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			abs = filepath.Clean(root)
		}
		w.filters = append(w.filters, walker.NewFilter(abs, cfg.Deny, cfg.IgnoreGlobs))
	}
	// Longest root first so nested roots win.
	sort.Slice(w.filters, func(i, j int) bool { return len(w.filters[i].Root()) > len(w.filters[j].Root()) })
	return w
}

func (w *FileWatcher) Start(ctx context.Context, sink Sink) error {
	ctx = w.begin(ctx)
	return w.end(w.run(ctx, sink))
}

func (w *FileWatcher) run(ctx context.Context, sink Sink) error {
	if len(w.filters) == 0 {
		return Unavailable(w.name, "no watch roots configured")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return Unavailable(w.name, "creating watcher: "+err.Error())
	}
	defer fsw.Close()

	watched := 0
	for _, f := range w.filters {
		if info, err := os.Stat(f.Root()); err != nil || !info.IsDir() {
			w.fail("root", errors.New("watch root is not a directory: "+f.Root()))
			continue
		}
		dirs, err := walker.Dirs(ctx, f)
		if err != nil {
			return err
		}
		for _, d := range dirs {
			if err := fsw.Add(d); err != nil {
				w.fail("add", err)
				continue
			}
			watched++
		}
	}
	if watched == 0 {
		return Unavailable(w.name, "none of the watch roots exist")
	}
	if err := w.prime(ctx); err != nil {
		return err
	}
	w.logger.Info("file watcher started", "roots", len(w.filters), "dirs", watched)

	ticker := time.NewTicker(w.cfg.Debounce / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.observe(ctx, fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.fail("watch", err)
		case <-ticker.C:
			w.settle(ctx, sink, w.clock.Now())
		}
	}
}

// prime records a baseline digest of every file under the roots so the
// first change to a file can be diffed.
func (w *FileWatcher) prime(ctx context.Context) error {
	var paths []string
	for _, f := range w.filters {
		files, err := walker.Scan(ctx, f, w.cfg.MaxFileSize)
		if err != nil {
			return err
		}
		for _, fi := range files {
			paths = append(paths, fi.Path)
		}
	}
	results := w.hashAll(ctx, paths)
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	for i, r := range results {
		if r.err == nil {
			w.digests[paths[i]] = r.digest
		}
	}
	return ctx.Err()
}

func (w *FileWatcher) filterFor(path string) *walker.Filter {
	for _, f := range w.filters {
		root := f.Root()
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return f
		}
	}
	return nil
}

func (w *FileWatcher) observe(ctx context.Context, fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	f := w.filterFor(ev.Name)
	if f == nil {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.addTree(ctx, fsw, f, ev.Name)
			return
		}
	}
	if f.Ignored(ev.Name) {
		return
	}
	w.touch(f, ev.Name, w.clock.Now())
}

// addTree watches a directory created after startup and touches the files
// that landed in it before the watch existed.
func (w *FileWatcher) addTree(ctx context.Context, fsw *fsnotify.Watcher, f *walker.Filter, dir string) {
	if f.SkipDir(dir) {
		return
	}
	now := w.clock.Now()
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && f.SkipDir(path) {
				return filepath.SkipDir
			}
			if err := fsw.Add(path); err != nil {
				w.fail("add", err)
			}
			return nil
		}
		if d.Type().IsRegular() && !f.Ignored(path) {
			w.touch(f, path, now)
		}
		return nil
	})
}

func (w *FileWatcher) touch(f *walker.Filter, path string, now time.Time) {
	w.stateMu.Lock()
	w.touched[path] = pendingTouch{filter: f, last: now}
	w.stateMu.Unlock()
}

type hashResult struct {
	digest walker.Digest
	err    error
}

// hashAll hashes paths on a bounded worker pool. Results line up with paths.
func (w *FileWatcher) hashAll(ctx context.Context, paths []string) []hashResult {
	results := make([]hashResult, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Workers)
	for i, p := range paths {
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i].err = ctx.Err()
				return nil
			}
			d, err := walker.HashFile(p, w.cfg.MaxFileSize)
			results[i] = hashResult{digest: d, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

type settled struct {
	path   string
	filter *walker.Filter
	last   time.Time
}

// settle hashes every path that has been quiet for the debounce period and
// emits the ones whose content changed.
func (w *FileWatcher) settle(ctx context.Context, sink Sink, now time.Time) {
	// Collect under the lock, hash outside it.
	var ready []settled
	w.stateMu.Lock()
	for path, t := range w.touched {
		if now.Sub(t.last) >= w.cfg.Debounce {
			ready = append(ready, settled{path: path, filter: t.filter, last: t.last})
		}
	}
	w.stateMu.Unlock()
	if len(ready) == 0 {
		return
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].last.Before(ready[j].last) })

	paths := make([]string, len(ready))
	for i, s := range ready {
		paths[i] = s.path
	}
	results := w.hashAll(ctx, paths)

	type change struct {
		ev    event.RawEvent
		s     settled
		prev  walker.Digest
		known bool
	}
	var changes []change
	w.stateMu.Lock()
	for i, s := range ready {
		// Touched again while hashing: let it settle again.
		if t, ok := w.touched[s.path]; !ok || !t.last.Equal(s.last) {
			continue
		}
		delete(w.touched, s.path)
		prev, known := w.digests[s.path]
		ev, ok := w.changeLocked(s, results[i])
		if ok {
			changes = append(changes, change{ev: ev, s: s, prev: prev, known: known})
		}
	}
	w.stateMu.Unlock()

	for _, c := range changes {
		if !w.emit(sink, c.ev) {
			w.restore(c.s, c.prev, c.known)
		}
	}
}

// restore undoes the baseline move of a change the sink rejected and
// touches the path again, so the next settle re-emits it against the hash
// that was last admitted. A newer pending touch is kept as is.
func (w *FileWatcher) restore(s settled, prev walker.Digest, known bool) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if known {
		w.digests[s.path] = prev
	} else {
		delete(w.digests, s.path)
	}
	if _, ok := w.touched[s.path]; !ok {
		w.touched[s.path] = pendingTouch{filter: s.filter, last: s.last}
	}
}

// changeLocked turns a hash result into an event against the baseline.
func (w *FileWatcher) changeLocked(s settled, r hashResult) (event.RawEvent, bool) {
	before, known := w.digests[s.path]
	rel, err := filepath.Rel(s.filter.Root(), s.path)
	if err != nil {
		return event.RawEvent{}, false
	}
	p := event.FilePayload{Path: filepath.ToSlash(rel), BeforeHash: before.Hash}

	switch {
	case errors.Is(r.err, fs.ErrNotExist):
		if !known {
			return event.RawEvent{}, false
		}
		delete(w.digests, s.path)
		p.Op = event.OpDelete
		d := walker.Diff(before, walker.Digest{})
		p.LinesRemoved, p.CharsRemoved = d.LinesRemoved, d.CharsRemoved
	case errors.Is(r.err, walker.ErrTooLarge), errors.Is(r.err, walker.ErrBinary):
		w.logger.Debug("file not hashed", "path", s.path, "reason", r.err)
		return event.RawEvent{}, false
	case r.err != nil:
		w.fail("hash", r.err)
		return event.RawEvent{}, false
	default:
		if known && before.Hash == r.digest.Hash {
			return event.RawEvent{}, false
		}
		w.digests[s.path] = r.digest
		p.Op = event.OpModify
		if !known {
			p.Op = event.OpCreate
		}
		p.AfterHash = r.digest.Hash
		d := walker.Diff(before, r.digest)
		p.LinesAdded, p.LinesRemoved = d.LinesAdded, d.LinesRemoved
		p.CharsAdded, p.CharsRemoved = d.CharsAdded, d.CharsRemoved
	}

	w.noteRecentLocked(s.filter.Root(), p.Path, p.Op == event.OpDelete)

	ev, err := event.New(event.SourceFileWatcher, event.KindFileTouch, s.filter.Root(), s.last, p)
	if err != nil {
		w.fail("encode", err)
		return event.RawEvent{}, false
	}
	ev.Fingerprint = event.Fingerprint("fw", ev.Workspace, p.Path, string(p.Op), p.BeforeHash, p.AfterHash, strconv.FormatInt(s.last.UnixMilli(), 10))
	return ev, true
}

func (w *FileWatcher) noteRecentLocked(workspace, path string, removed bool) {
	list := w.recent[workspace]
	out := make([]string, 0, len(list)+1)
	if !removed {
		out = append(out, path)
	}
	for _, p := range list {
		if p != path && len(out) < maxRecent {
			out = append(out, p)
		}
	}
	w.recent[workspace] = out
}

// Workspaces returns the watched roots.
func (w *FileWatcher) Workspaces() []string {
	out := make([]string, len(w.filters))
	for i, f := range w.filters {
		out[i] = f.Root()
	}
	sort.Strings(out)
	return out
}

// RecentFiles returns up to n recently changed paths of a workspace, most
// recent first.
func (w *FileWatcher) RecentFiles(workspace string, n int) []string {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	list := w.recent[workspace]
	if n > 0 && len(list) > n {
		list = list[:n]
	}
	return append([]string(nil), list...)
}

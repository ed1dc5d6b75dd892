package sources

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/logging"
)

// DefaultReprobe is how often an unavailable or failed source is retried.
const DefaultReprobe = time.Minute

type entry struct {
	src     Source
	enabled bool
	running bool
	done    chan struct{}
}

// Manager runs sources, restarts the ones that stopped on their own and
// lets callers switch individual sources on and off.
type Manager struct {
	sink    Sink
	logger  *slog.Logger
	limiter *logging.Limiter
	reprobe time.Duration

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]*entry
	order   []string
	wg      sync.WaitGroup
}

// NewManager creates a manager that feeds sink.
func NewManager(sink Sink, reprobe time.Duration, logger *slog.Logger) *Manager {
	if reprobe <= 0 {
		reprobe = DefaultReprobe
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		sink:    sink,
		logger:  logger,
		limiter: logging.NewLimiter(logger, 0),
		reprobe: reprobe,
		entries: make(map[string]*entry),
	}
}

// Add registers a source. Sources must be added before Run.
func (m *Manager) Add(src Source, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[src.Name()]; !ok {
		m.order = append(m.order, src.Name())
	}
	m.entries[src.Name()] = &entry{src: src, enabled: enabled}
}

// Run starts every enabled source and re-probes stopped ones until ctx is
// done, then stops them all and waits for them to return.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	for _, name := range m.order {
		m.startLocked(m.entries[name])
	}
	m.mu.Unlock()

	ticker := time.NewTicker(m.reprobe)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return nil
		case <-ticker.C:
			m.mu.Lock()
			for _, name := range m.order {
				e := m.entries[name]
				if e.enabled && !e.running {
					m.logger.Debug("re-probing source", "source", name)
					m.startLocked(e)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) startLocked(e *entry) {
	if !e.enabled || e.running || m.ctx == nil || m.ctx.Err() != nil {
		return
	}
	e.running = true
	e.done = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(e.done)
		err := e.src.Start(m.ctx, m.sink)

		m.mu.Lock()
		e.running = false
		m.mu.Unlock()

		switch {
		case err == nil:
			m.logger.Debug("source stopped", "source", e.src.Name())
		case apperr.Is(err, apperr.KindSourceUnavailable):
			m.limiter.Warn("unavailable:"+e.src.Name(), "source unavailable", "source", e.src.Name(), "reason", apperr.Message(err))
		default:
			m.limiter.Error("failed:"+e.src.Name(), "source failed", "source", e.src.Name(), "error", err)
		}
	}()
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	for _, e := range m.entries {
		if e.running {
			e.src.Stop()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Enable turns a source on and starts it if the manager is running.
func (m *Manager) Enable(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return apperr.NotFoundf("source %q", name)
	}
	e.enabled = true
	m.startLocked(e)
	m.logger.Info("source enabled", "source", name)
	return nil
}

// Disable turns a source off and waits for it to stop.
func (m *Manager) Disable(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return apperr.NotFoundf("source %q", name)
	}
	e.enabled = false
	running, done := e.running, e.done
	m.mu.Unlock()

	if running {
		e.src.Stop()
		select {
		case <-done:
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindTimeout, "sources.Disable", ctx.Err())
		}
	}
	m.logger.Info("source disabled", "source", name)
	return nil
}

// Get returns a registered source.
func (m *Manager) Get(name string) (Source, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, false
	}
	return e.src, true
}

// Stats returns the stats of every source, by name.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	enabled := make(map[string]bool, len(m.entries))
	for name, e := range m.entries {
		entries = append(entries, e)
		enabled[name] = e.enabled
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(entries))
	for _, e := range entries {
		st := e.src.Stats()
		st.Enabled = enabled[e.src.Name()]
		if !st.Enabled && st.State == StateStopped {
			st.State = StateDisabled
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

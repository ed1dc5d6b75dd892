package logging

import (
	"log/slog"
	"sync"
	"time"
)

// Limiter suppresses repeated log lines that share a key. The first
// occurrence in each interval is logged along with how many were suppressed
// since the previous emission.
type Limiter struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*limitEntry
}

type limitEntry struct {
	last       time.Time
	suppressed int
}

// NewLimiter returns a limiter that lets one line per key through every interval.
func NewLimiter(logger *slog.Logger, interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Limiter{
		logger:   logger,
		interval: interval,
		now:      time.Now,
		entries:  make(map[string]*limitEntry),
	}
}

// Allow reports whether a line for key may be emitted now and, if so, how
// many lines were suppressed since the last one.
func (l *Limiter) Allow(key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		l.entries[key] = &limitEntry{last: now}
		return true, 0
	}
	if now.Sub(e.last) < l.interval {
		e.suppressed++
		return false, 0
	}
	n := e.suppressed
	e.last = now
	e.suppressed = 0
	return true, n
}

// Warn logs at warn level unless the key is being rate-limited.
func (l *Limiter) Warn(key, msg string, args ...any) {
	if ok, n := l.Allow(key); ok {
		if n > 0 {
			args = append(args, slog.Int("suppressed", n))
		}
		l.logger.Warn(msg, args...)
	}
}

// Error logs at error level unless the key is being rate-limited.
func (l *Limiter) Error(key, msg string, args ...any) {
	if ok, n := l.Allow(key); ok {
		if n > 0 {
			args = append(args, slog.Int("suppressed", n))
		}
		l.logger.Error(msg, args...)
	}
}

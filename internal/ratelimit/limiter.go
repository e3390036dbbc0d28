// Package ratelimit bounds request rates per identifier (client IP, endpoint id)
// using fixed windows aligned to the window size.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Limiter decides whether one more request for an identifier fits in the
// current window. A rejected call has no side effect on the counter.
type Limiter interface {
	Allow(ctx context.Context, id string, limit int, window time.Duration) bool
}

// Config holds in-memory limiter configuration
type Config struct {
	CleanupInterval time.Duration // How often expired windows are evicted
	Clock           clock.Clock
}

// DefaultConfig returns default limiter configuration
func DefaultConfig() *Config {
	return &Config{
		CleanupInterval: time.Minute,
		Clock:           clock.New(),
	}
}

// windowState tracks the admissions of one identifier in one window
type windowState struct {
	start  time.Time
	window time.Duration
	count  int
}

// MemoryLimiter is a process-local fixed-window limiter
type MemoryLimiter struct {
	clock   clock.Clock
	mu      sync.Mutex
	windows map[string]*windowState
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryLimiter creates a limiter and starts its eviction goroutine
func NewMemoryLimiter(config *Config) *MemoryLimiter {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}

	l := &MemoryLimiter{
		clock:   config.Clock,
		windows: make(map[string]*windowState),
		stopCh:  make(chan struct{}),
	}

	go l.cleanup(config.CleanupInterval)

	return l
}

// Allow admits the request if fewer than limit requests were admitted for id
// in the current window. limit <= 0 means unlimited.
func (l *MemoryLimiter) Allow(_ context.Context, id string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	if window <= 0 {
		window = time.Second
	}

	now := l.clock.Now()
	start := now.Truncate(window)
	key := windowKey(id, window)

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.windows[key]
	if !ok {
		state = &windowState{start: start, window: window}
		l.windows[key] = state
	} else if !state.start.Equal(start) {
		state.start = start
		state.count = 0
	}

	if state.count >= limit {
		return false
	}
	state.count++
	return true
}

// Len returns the number of tracked windows
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Evict removes windows that ended before now
func (l *MemoryLimiter) Evict() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, state := range l.windows {
		if !now.Before(state.start.Add(state.window)) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Stop stops the eviction goroutine
func (l *MemoryLimiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

func (l *MemoryLimiter) cleanup(interval time.Duration) {
	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Evict()
		case <-l.stopCh:
			return
		}
	}
}

func windowKey(id string, window time.Duration) string {
	return id + "|" + strconv.FormatInt(int64(window), 10)
}

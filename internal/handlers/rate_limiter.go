package handlers

import (
	"strings"
	"sync"
	"time"
)

type rateLimiter interface {
	Allow(key string) bool
}

// fixedWindowLimiter counts requests per key within a rolling fixed window.
// Webhook endpoints use it to shed retry storms from payment providers.
type fixedWindowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]*windowState
}

type windowState struct {
	openedAt time.Time
	hits     int
}

func newSimpleRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &fixedWindowLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]*windowState),
	}
}

func (l *fixedWindowLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}

	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.windows[key]
	if state == nil || now.Sub(state.openedAt) >= l.window {
		l.dropStaleLocked(now)
		l.windows[key] = &windowState{openedAt: now, hits: 1}
		return true
	}

	if state.hits >= l.limit {
		return false
	}
	state.hits++
	return true
}

func (l *fixedWindowLimiter) dropStaleLocked(now time.Time) {
	for key, state := range l.windows {
		if now.Sub(state.openedAt) >= l.window {
			delete(l.windows, key)
		}
	}
}

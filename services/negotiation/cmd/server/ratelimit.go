package main

import (
	"strings"
	"sync"
	"time"
)

// fixedWindowLimiter throttles signed-copy uploads per (relationship, party).
// A limit of 0 disables it.
type fixedWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	byKey  map[string]windowState
	now    func() time.Time
}

type windowState struct {
	start time.Time
	count int
}

func newFixedWindowLimiter(limit int, window time.Duration) *fixedWindowLimiter {
	return &fixedWindowLimiter{
		limit:  limit,
		window: window,
		byKey:  map[string]windowState{},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (l *fixedWindowLimiter) Allow(key string) bool {
	if l == nil || l.now == nil {
		return l.AllowAt(key, time.Now().UTC())
	}
	return l.AllowAt(key, l.now())
}

func (l *fixedWindowLimiter) AllowAt(key string, now time.Time) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.byKey[key]
	if cur.start.IsZero() || now.Sub(cur.start) >= l.window {
		l.byKey[key] = windowState{start: now, count: 1}
		return true
	}
	if cur.count >= l.limit {
		return false
	}
	cur.count++
	l.byKey[key] = cur
	return true
}

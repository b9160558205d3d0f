// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides a fixed-window event counter keyed by
// identity. It is an in-memory, best-effort control: windows reset on
// process restart and the limiter is not a security boundary.
//
// A fixed window (rather than sliding window or token bucket) keeps
// Allow O(1) with a single map entry per identity. The worst-case
// burst across a window boundary is 2x the ceiling, which is
// acceptable for chat send throttling.
package ratelimit

import (
	"sync"
	"time"

	"github.com/arbor-chat/arbor/lib/clock"
)

// DefaultLimit is the default event ceiling per window.
const DefaultLimit = 60

// DefaultWindow is the default window length.
const DefaultWindow = 60 * time.Second

// Limiter counts events per identity within fixed windows. Safe for
// concurrent use.
type Limiter struct {
	limit  int
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	windows map[string]*entry
}

type entry struct {
	count   int
	resetAt time.Time
}

// New creates a Limiter allowing limit events per window. If limit or
// window is non-positive the defaults (60 events per 60 seconds) are
// used.
func New(limit int, window time.Duration, clk clock.Clock) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		clock:   clk,
		windows: make(map[string]*entry),
	}
}

// Allow records one event for identity and reports whether it is
// within the ceiling. The first event of a fresh or expired window
// always succeeds.
func (l *Limiter) Allow(identity string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.windows[identity]
	if !ok || now.After(e.resetAt) {
		l.windows[identity] = &entry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	e.count++
	return e.count <= l.limit
}

// Forget drops the window for identity, freeing its map entry. Called
// when a session is unregistered so the map does not grow with every
// identity ever seen.
func (l *Limiter) Forget(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, identity)
}

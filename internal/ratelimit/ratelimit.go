// Package ratelimit implements a per-identifier sliding-window limiter.
package ratelimit

import (
	"sync"
	"time"
)

// Defaults used when a Limiter is built with zero values.
const (
	DefaultWindow = 60 * time.Second
	DefaultMax    = 10
)

// Limiter admits at most max events per identifier within a trailing window.
// State lives in memory and is not shared between processes.
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	hits   map[string][]time.Time
}

// New creates a Limiter. Non-positive arguments select the defaults.
func New(window time.Duration, max int) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMax
	}
	return &Limiter{
		window: window,
		max:    max,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records an event for id at now and reports whether it is admitted.
// Every call first drops expired timestamps for all identifiers. A rejected
// event is not recorded.
func (l *Limiter) Allow(id string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	for key, times := range l.hits {
		kept := times[:0]
		for _, t := range times {
			if !t.Before(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(l.hits, key)
			continue
		}
		l.hits[key] = kept
	}

	if len(l.hits[id]) >= l.max {
		return false
	}
	l.hits[id] = append(l.hits[id], now)
	return true
}

// Len returns the number of identifiers with events inside the window.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// Window returns the configured window.
func (l *Limiter) Window() time.Duration { return l.window }

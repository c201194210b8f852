package security

import (
	"sync"
	"time"
)

// RateLimiter admits at most maxRequests per identifier inside a sliding
// window. Admission is O(requests in window) per call and holds the lock only
// for the admission check, never for the duration of a stream.
type RateLimiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	admissions  map[string][]time.Time
	now         func() time.Time
}

// NewRateLimiter creates a per-identifier sliding-window limiter.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		admissions:  make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Allow reports whether the identifier may proceed. When denied, retryAfter
// is how long until the oldest admission leaves the window.
func (l *RateLimiter) Allow(id string) (allowed bool, retryAfter time.Duration) {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	times := l.admissions[id]
	live := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}

	if len(live) >= l.maxRequests {
		l.admissions[id] = live
		return false, live[0].Sub(cutoff)
	}

	l.admissions[id] = append(live, now)
	return true, 0
}

// Prune drops identifiers with no admissions inside the window. Run
// periodically so one-off clients do not accumulate forever.
func (l *RateLimiter) Prune() {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, times := range l.admissions {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(l.admissions, id)
		}
	}
}

// InvalidRequestGuard blocks identifiers that keep sending requests which
// fail reference decoding. Distinct from the rate limiter: it reacts to
// garbage, not volume, and its block outlasts the counting window.
type InvalidRequestGuard struct {
	mu            sync.Mutex
	maxInvalid    int
	window        time.Duration
	blockDuration time.Duration
	invalid       map[string][]time.Time
	blockedUntil  map[string]time.Time
	now           func() time.Time
}

// NewInvalidRequestGuard blocks an identifier for blockDuration once it has
// produced maxInvalid invalid requests within window.
func NewInvalidRequestGuard(maxInvalid int, window, blockDuration time.Duration) *InvalidRequestGuard {
	return &InvalidRequestGuard{
		maxInvalid:    maxInvalid,
		window:        window,
		blockDuration: blockDuration,
		invalid:       make(map[string][]time.Time),
		blockedUntil:  make(map[string]time.Time),
		now:           time.Now,
	}
}

// Blocked reports whether the identifier is currently blocked.
func (g *InvalidRequestGuard) Blocked(id string) bool {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	until, ok := g.blockedUntil[id]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(g.blockedUntil, id)
		delete(g.invalid, id)
		return false
	}
	return true
}

// RecordInvalid notes one invalid request and starts a block when the
// identifier crosses the threshold.
func (g *InvalidRequestGuard) RecordInvalid(id string) {
	now := g.now()
	cutoff := now.Add(-g.window)

	g.mu.Lock()
	defer g.mu.Unlock()

	times := g.invalid[id]
	live := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	live = append(live, now)
	g.invalid[id] = live

	if len(live) >= g.maxInvalid {
		g.blockedUntil[id] = now.Add(g.blockDuration)
	}
}

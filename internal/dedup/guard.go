// Package dedup suppresses repeated analytics events within a short window.
package dedup

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultWindow is how long a signature stays active when no window is given.
const DefaultWindow = 1500 * time.Millisecond

// Guard remembers recently seen event signatures. Each Guard owns its state,
// so independent instances never share suppression decisions. It is safe for
// concurrent use; check-and-insert happens under one lock.
type Guard struct {
	mu     sync.Mutex
	active map[string]time.Time // signature -> expiry

	window time.Duration
	now    func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithDefaultWindow sets the window used when Seen is called with window <= 0.
func WithDefaultWindow(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.window = d
		}
	}
}

// New creates an empty Guard.
func New(opts ...Option) *Guard {
	g := &Guard{
		active: make(map[string]time.Time),
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Seen reports whether signature is still active from an earlier call, in
// which case the caller should suppress the event. Otherwise it marks the
// signature active for window and returns false. A suppressed call does not
// extend the window.
func (g *Guard) Seen(signature string, window time.Duration) bool {
	if window <= 0 {
		window = g.window
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if exp, ok := g.active[signature]; ok && now.Before(exp) {
		return true
	}
	g.active[signature] = now.Add(window)
	return false
}

// Forget drops a signature immediately.
func (g *Guard) Forget(signature string) {
	g.mu.Lock()
	delete(g.active, signature)
	g.mu.Unlock()
}

// Sweep removes expired signatures and returns how many were dropped.
func (g *Guard) Sweep() int {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for sig, exp := range g.active {
		if !now.Before(exp) {
			delete(g.active, sig)
			n++
		}
	}
	return n
}

// Len returns the number of tracked signatures, expired or not.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Run sweeps every interval until ctx is done.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = g.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

// Signature joins parts into a dedup key, e.g. "ab_impression:cta:A:123".
func Signature(parts ...string) string {
	return strings.Join(parts, ":")
}

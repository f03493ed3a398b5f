// Package session tracks the current authentication posture in memory.
//
// The guard is a two-state machine: Unauthenticated, or Authenticated at some
// level since some instant. State is volatile. It is never persisted and
// every process start begins Unauthenticated.
package session

import (
	"sync"
	"time"

	"github.com/mbd888/payguard/internal/metrics"
)

// Level is the strength of the current authentication.
type Level string

const (
	LevelNone      Level = "none"
	LevelPin       Level = "pin"
	LevelBiometric Level = "biometric"
)

// Guard is the session state machine. All mutation goes through a single
// mutex so a background expiry check can never resurrect an expired session
// or drop a fresh login.
type Guard struct {
	mu      sync.Mutex
	level   Level
	since   time.Time
	timeout time.Duration
	now     func() time.Time
}

// NewGuard creates a guard with the given inactivity timeout.
func NewGuard(timeout time.Duration) *Guard {
	return &Guard{
		level:   LevelNone,
		timeout: timeout,
		now:     time.Now,
	}
}

// WithClock overrides the time source (for tests).
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// SetTimeout applies a new inactivity timeout. Takes effect on the next
// Check; an in-flight session is re-judged against the new value.
func (g *Guard) SetTimeout(timeout time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timeout = timeout
}

// Timeout returns the current inactivity timeout.
func (g *Guard) Timeout() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timeout
}

// Login transitions to Authenticated at the given level, from any state.
func (g *Guard) Login(level Level) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.level = level
	g.since = g.now()
}

// Touch refreshes the activity clock. No-op when unauthenticated.
func (g *Guard) Touch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.level == LevelNone {
		return
	}
	g.since = g.now()
}

// Check reports whether the session is still valid. A valid check counts as
// activity and extends the session; an expired one transitions the guard to
// Unauthenticated. Validity is recomputed on every call, never cached.
func (g *Guard) Check() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.level == LevelNone {
		return false
	}
	now := g.now()
	if now.Sub(g.since) > g.timeout {
		g.level = LevelNone
		g.since = time.Time{}
		metrics.SessionExpiriesTotal.Inc()
		return false
	}
	g.since = now
	return true
}

// Logout transitions to Unauthenticated, from any state.
func (g *Guard) Logout() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.level = LevelNone
	g.since = time.Time{}
}

// Level returns the current authentication level.
func (g *Guard) Level() Level {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.level
}

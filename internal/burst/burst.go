// Package burst is a short-window rate limiter layered in front of the
// daily quota to blunt rapid-fire abuse. State is in-memory only and is
// lost on restart; it is a soft deterrent, not a durability-bearing
// control.
package burst

import (
	"sync"
	"time"
)

// Config tunes the guard.
type Config struct {
	// Window is the sliding window length.
	Window time.Duration
	// MaxMessages is the number of messages allowed per window.
	MaxMessages int
	// WarnCooldown gates the "slow down" notice so a hammering user gets
	// at most one warning per cooldown period.
	WarnCooldown time.Duration
	// MaxEntries caps tracked identities; stale entries are evicted
	// opportunistically once the cap is exceeded.
	MaxEntries int
}

// DefaultConfig matches the production tuning.
func DefaultConfig() Config {
	return Config{
		Window:       time.Minute,
		MaxMessages:  5,
		WarnCooldown: 30 * time.Second,
		MaxEntries:   10000,
	}
}

type entry struct {
	windowStartedAt time.Time
	messageCount    int
	lastWarnAt      time.Time
}

// Guard tracks per-identity sliding windows. Safe for concurrent use.
type Guard struct {
	cfg     Config
	mu      sync.Mutex
	entries map[int64]*entry
	now     func() time.Time
}

// NewGuard creates a guard with the given configuration. Zero fields
// fall back to defaults.
func NewGuard(cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.WarnCooldown <= 0 {
		cfg.WarnCooldown = def.WarnCooldown
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	return &Guard{
		cfg:     cfg,
		entries: make(map[int64]*entry),
		now:     time.Now,
	}
}

// SetClock overrides the guard's clock. Test use only.
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

// Result is the outcome of a single Check call.
type Result struct {
	Allowed bool
	// Warn is true when the caller should send the slow-down notice.
	// Set on at most one rejected message per cooldown period.
	Warn bool
}

// Check records a message from id and decides whether it is within the
// burst window budget.
func (g *Guard) Check(id int64) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	e, ok := g.entries[id]
	if !ok || now.Sub(e.windowStartedAt) >= g.cfg.Window {
		if !ok && len(g.entries) >= g.cfg.MaxEntries {
			g.evictStaleLocked(now)
		}
		g.entries[id] = &entry{windowStartedAt: now, messageCount: 1}
		return Result{Allowed: true}
	}

	e.messageCount++
	if e.messageCount <= g.cfg.MaxMessages {
		return Result{Allowed: true}
	}

	warn := now.Sub(e.lastWarnAt) >= g.cfg.WarnCooldown
	if warn {
		e.lastWarnAt = now
	}
	return Result{Allowed: false, Warn: warn}
}

// evictStaleLocked drops entries untouched for several window lengths.
// Called with the lock held.
func (g *Guard) evictStaleLocked(now time.Time) {
	stale := 4 * g.cfg.Window
	for id, e := range g.entries {
		if now.Sub(e.windowStartedAt) > stale {
			delete(g.entries, id)
		}
	}
}

// Len reports the number of tracked identities.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

package domain

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultCooldown applies to rules without an explicit window.
const DefaultCooldown = time.Hour

// CooldownKey identifies one rule firing at one location.
type CooldownKey struct {
	RuleID      string
	LocationKey string
}

// CooldownEntry records the last firing and the last observed breach.
type CooldownEntry struct {
	RuleID       string    `json:"rule_id"`
	LocationKey  string    `json:"location_key"`
	LastFiredAt  time.Time `json:"last_fired_at"`
	LastBreachAt time.Time `json:"last_breach_at"`
}

// Ledger decides whether a breach may fire. Check must be atomic per key:
// two concurrent calls for the same key and window never both return true.
type Ledger interface {
	Check(ctx context.Context, key CooldownKey, at time.Time, window time.Duration) (bool, error)
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[CooldownKey]*CooldownEntry
	newest  time.Time // latest breach seen by Check
	clock   clockwork.Clock
}

// NewMemoryLedger creates an empty ledger. A nil clock uses real time.
func NewMemoryLedger(c clockwork.Clock) *MemoryLedger {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &MemoryLedger{
		entries: make(map[CooldownKey]*CooldownEntry),
		clock:   c,
	}
}

// Check records a breach at time at and reports whether it should fire.
func (l *MemoryLedger) Check(_ context.Context, key CooldownKey, at time.Time, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if at.After(l.newest) {
		l.newest = at
	}
	e, ok := l.entries[key]
	if !ok {
		l.entries[key] = &CooldownEntry{
			RuleID:       key.RuleID,
			LocationKey:  key.LocationKey,
			LastFiredAt:  at,
			LastBreachAt: at,
		}
		return true, nil
	}

	if at.After(e.LastBreachAt) {
		e.LastBreachAt = at
	}
	if at.Sub(e.LastFiredAt) < window {
		return false, nil
	}
	e.LastFiredAt = at
	return true, nil
}

// Entry returns a copy of the entry for key.
func (l *MemoryLedger) Entry(key CooldownKey) (CooldownEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return CooldownEntry{}, false
	}
	return *e, true
}

// Prune drops entries whose last breach is more than maxIdle older than the
// newest breach recorded, or than now if that is earlier, and returns how
// many were removed. Breaches are in observation time, so replayed history
// is not pruned against the wall clock.
func (l *MemoryLedger) Prune(_ context.Context, maxIdle time.Duration) (int, error) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	ref := now
	if !l.newest.IsZero() && l.newest.Before(now) {
		ref = l.newest
	}
	cutoff := ref.Add(-maxIdle)

	removed := 0
	for k, e := range l.entries {
		if e.LastBreachAt.Before(cutoff) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of tracked keys.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
)

// checkCooldownSQL is the compare-and-swap. The row lock taken by
// ON CONFLICT serializes concurrent checks for the same key, and every SET
// expression sees the pre-update row.
const checkCooldownSQL = `
INSERT INTO cooldown_entries (rule_id, location_key, last_fired_at, last_breach_at, fired)
VALUES ($1, $2, $3, $3, TRUE)
ON CONFLICT (rule_id, location_key) DO UPDATE SET
    fired = EXCLUDED.last_fired_at - cooldown_entries.last_fired_at >= $4::bigint * interval '1 microsecond',
    last_fired_at = CASE
        WHEN EXCLUDED.last_fired_at - cooldown_entries.last_fired_at >= $4::bigint * interval '1 microsecond'
        THEN EXCLUDED.last_fired_at
        ELSE cooldown_entries.last_fired_at
    END,
    last_breach_at = GREATEST(cooldown_entries.last_breach_at, EXCLUDED.last_breach_at)
RETURNING fired`

// CooldownLedger is a domain.Ledger shared by every service replica.
type CooldownLedger struct {
	db    *DB
	clock clockwork.Clock
}

// NewCooldownLedger creates a ledger. A nil clock uses real time.
func NewCooldownLedger(db *DB, c clockwork.Clock) *CooldownLedger {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &CooldownLedger{db: db, clock: c}
}

// Check records a breach at time at and reports whether it should fire.
func (l *CooldownLedger) Check(ctx context.Context, key domain.CooldownKey, at time.Time, window time.Duration) (bool, error) {
	var fire bool
	err := l.db.Pool.QueryRow(ctx, checkCooldownSQL,
		key.RuleID, key.LocationKey, at.UTC(), window.Microseconds(),
	).Scan(&fire)
	if err != nil {
		return false, fmt.Errorf("cooldown check %s@%s: %w", key.RuleID, key.LocationKey, err)
	}
	return fire, nil
}

// pruneCooldownSQL measures idleness from the newest recorded breach, or
// from $1 if that is earlier. LEAST ignores the NULL of an empty table.
const pruneCooldownSQL = `
DELETE FROM cooldown_entries
WHERE last_breach_at < LEAST($1::timestamptz, (SELECT max(last_breach_at) FROM cooldown_entries))
    - $2::bigint * interval '1 microsecond'`

// Prune deletes entries whose last breach is more than maxIdle older than
// the newest breach in the table, or than now if that is earlier.
func (l *CooldownLedger) Prune(ctx context.Context, maxIdle time.Duration) (int, error) {
	tag, err := l.db.Pool.Exec(ctx, pruneCooldownSQL, l.clock.Now().UTC(), maxIdle.Microseconds())
	if err != nil {
		return 0, fmt.Errorf("prune cooldown entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ValidityPolicy decides how long automatic alerts stay active.
type ValidityPolicy struct {
	Default  time.Duration
	Critical time.Duration
}

// DefaultValidity is 24h, doubled for CRITICAL alerts.
var DefaultValidity = ValidityPolicy{Default: 24 * time.Hour, Critical: 48 * time.Hour}

// For returns the validity window for a severity.
func (v ValidityPolicy) For(s Severity) time.Duration {
	if s == SeverityCritical && v.Critical > 0 {
		return v.Critical
	}
	if v.Default > 0 {
		return v.Default
	}
	return DefaultValidity.Default
}

// Evaluation is the result of evaluating one reading.
type Evaluation struct {
	Candidates []CandidateAlert
	Matched    int // rules whose comparator matched, including suppressed ones
	Suppressed int // matches held back by the cooldown ledger
	Failed     int // matches skipped because the ledger could not be consulted
}

// Evaluator checks readings against threshold rules.
type Evaluator struct {
	ledger          Ledger
	defaultCooldown time.Duration
	validity        ValidityPolicy
	logger          *slog.Logger
}

// NewEvaluator creates an Evaluator. A non-positive defaultCooldown uses
// DefaultCooldown.
func NewEvaluator(ledger Ledger, defaultCooldown time.Duration, validity ValidityPolicy, logger *slog.Logger) *Evaluator {
	if defaultCooldown <= 0 {
		defaultCooldown = DefaultCooldown
	}
	return &Evaluator{
		ledger:          ledger,
		defaultCooldown: defaultCooldown,
		validity:        validity,
		logger:          logger,
	}
}

// CooldownFor returns the effective window for a rule.
func (e *Evaluator) CooldownFor(r Rule) time.Duration {
	if r.Cooldown > 0 {
		return r.Cooldown
	}
	return e.defaultCooldown
}

// Evaluate returns every enabled rule matching the reading that is not in
// cooldown. An invalid reading aborts this reading only. A ledger failure
// skips only its rule: the candidates of the other rules are still returned,
// together with the joined ledger errors.
func (e *Evaluator) Evaluate(ctx context.Context, reading Reading, rules []Rule) (Evaluation, error) {
	if err := ValidateReading(reading); err != nil {
		return Evaluation{}, err
	}

	var ev Evaluation
	var errs []error
	locationKey := reading.LocationKey()
	for _, rule := range rules {
		if !rule.Enabled || rule.Metric != reading.Metric {
			continue
		}
		if !rule.Comparator.Apply(reading.Value, rule.Value) {
			continue
		}
		ev.Matched++

		key := CooldownKey{RuleID: rule.ID, LocationKey: locationKey}
		fire, err := e.ledger.Check(ctx, key, reading.ObservedAt, e.CooldownFor(rule))
		if err != nil {
			ev.Failed++
			errs = append(errs, fmt.Errorf("cooldown check for rule %s: %w", rule.ID, err))
			continue
		}
		if !fire {
			ev.Suppressed++
			e.logger.Debug("rule in cooldown",
				"rule_id", rule.ID,
				"location", locationKey,
				"value", reading.Value,
			)
			continue
		}

		ev.Candidates = append(ev.Candidates, CandidateAlert{
			Rule:       rule,
			Severity:   rule.Severity,
			Value:      reading.Value,
			StationID:  reading.StationID,
			Location:   reading.Location,
			ObservedAt: reading.ObservedAt,
			ExpiresAt:  reading.ObservedAt.Add(e.validity.For(rule.Severity)),
		})
	}
	return ev, errors.Join(errs...)
}

// HighestPerMetric keeps one candidate per (location, metric): the one with
// the highest severity. Ties keep the earliest candidate. The second return
// value is the number of candidates dropped.
func HighestPerMetric(candidates []CandidateAlert) ([]CandidateAlert, int) {
	type groupKey struct {
		location string
		metric   Metric
	}
	index := make(map[groupKey]int, len(candidates))
	out := make([]CandidateAlert, 0, len(candidates))
	for _, c := range candidates {
		r := Reading{StationID: c.StationID, Location: c.Location}
		k := groupKey{location: r.LocationKey(), metric: c.Rule.Metric}
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, c)
			continue
		}
		if c.Severity.Rank() > out[i].Severity.Rank() {
			out[i] = c
		}
	}
	return out, len(candidates) - len(out)
}

package pipeline

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
)

// defaultStationConcurrency bounds how many locations are evaluated at once.
const defaultStationConcurrency = 8

// evaluateBatch evaluates readings concurrently per location and collapses
// the matches to the highest severity per location and metric. Readings of
// one location are evaluated in order. Failures affect only their reading.
func (p *Pipeline) evaluateBatch(ctx context.Context, readings []domain.Reading) []domain.CandidateAlert {
	if len(readings) == 0 {
		return nil
	}
	rules := p.rules.Active()
	groups := groupByLocation(readings)
	results := make([][]domain.CandidateAlert, len(groups))

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for i, group := range groups {
		g.Go(func() error {
			results[i] = p.evaluateLocation(ctx, group, rules)
			return nil
		})
	}
	_ = g.Wait() // locations never return errors

	var all []domain.CandidateAlert
	for _, r := range results {
		all = append(all, r...)
	}
	p.metrics.CandidatesEmitted.Add(float64(len(all)))

	kept, collapsed := domain.HighestPerMetric(all)
	if collapsed > 0 {
		p.metrics.CandidatesCollapsed.Add(float64(collapsed))
		p.logger.Debug("lower-severity candidates collapsed", "count", collapsed)
	}
	return kept
}

func (p *Pipeline) evaluateLocation(ctx context.Context, readings []domain.Reading, rules []domain.Rule) []domain.CandidateAlert {
	var out []domain.CandidateAlert
	for _, r := range readings {
		ev, err := p.evaluator.Evaluate(ctx, r, rules)
		if err != nil {
			// Candidates already recorded in the ledger are still published.
			p.metrics.EvaluationErrors.Add(float64(max(ev.Failed, 1)))
			p.logger.Warn("reading evaluation failed",
				"station_id", r.StationID, "metric", r.Metric,
				"failed_rules", ev.Failed, "candidates", len(ev.Candidates), "error", err)
		}
		if ev.Suppressed > 0 {
			p.metrics.CandidatesSuppressed.Add(float64(ev.Suppressed))
		}
		out = append(out, ev.Candidates...)
	}
	return out
}

// groupByLocation partitions readings by location key, keeping first-seen
// order for groups and input order within each group.
func groupByLocation(readings []domain.Reading) [][]domain.Reading {
	index := make(map[string]int)
	var groups [][]domain.Reading
	for _, r := range readings {
		k := r.LocationKey()
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], r)
	}
	return groups
}

// Recheck re-evaluates the most recent reading of every location and metric
// against the current rules and publishes any new alerts. trigger labels
// the run in metrics. It returns the number of alerts published.
func (p *Pipeline) Recheck(ctx context.Context, trigger string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.metrics.RecheckRuns.WithLabelValues(trigger).Inc()

	readings := p.latest.Snapshot()
	candidates := p.evaluateBatch(ctx, readings)
	published := p.promoteAndPublish(ctx, candidates)

	p.logger.Info("threshold re-check complete",
		"trigger", trigger, "readings", len(readings), "candidates", len(candidates), "alerts", published)
	return published, nil
}

// Rules returns the active rule set.
func (p *Pipeline) Rules() []domain.Rule {
	return p.rules.Active()
}

type latestKey struct {
	location string
	metric   domain.Metric
}

// latestReadings caches the newest reading per location and metric.
type latestReadings struct {
	mu sync.Mutex
	m  map[latestKey]domain.Reading
}

func newLatestReadings() *latestReadings {
	return &latestReadings{m: make(map[latestKey]domain.Reading)}
}

// Observe stores r unless a newer reading is already cached.
func (l *latestReadings) Observe(r domain.Reading) {
	k := latestKey{location: r.LocationKey(), metric: r.Metric}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.m[k]; ok && cur.ObservedAt.After(r.ObservedAt) {
		return
	}
	l.m[k] = r
}

// Snapshot returns the cached readings ordered by location then metric.
func (l *latestReadings) Snapshot() []domain.Reading {
	l.mu.Lock()
	out := make([]domain.Reading, 0, len(l.m))
	for _, r := range l.m {
		out = append(out, r)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ki, kj := out[i].LocationKey(), out[j].LocationKey()
		if ki != kj {
			return ki < kj
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}

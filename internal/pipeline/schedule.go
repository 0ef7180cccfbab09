package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/couchcryptid/storm-alert-service/internal/observability"
)

// Trigger labels for re-check runs.
const (
	TriggerSchedule = "schedule"
	TriggerAdmin    = "admin"
)

// Pruner drops cooldown entries idle for longer than maxIdle.
type Pruner interface {
	Prune(ctx context.Context, maxIdle time.Duration) (int, error)
}

// CooldownPolicy reports the longest cooldown window in effect.
type CooldownPolicy interface {
	LongestCooldown(fallback time.Duration) time.Duration
}

// Rechecker re-evaluates cached readings. *Pipeline implements it.
type Rechecker interface {
	Recheck(ctx context.Context, trigger string) (int, error)
}

// Scheduler runs the periodic re-check and cooldown pruning jobs.
type Scheduler struct {
	cron            *cron.Cron
	rechecker       Rechecker
	pruner          Pruner
	policy          CooldownPolicy
	defaultCooldown time.Duration
	logger          *slog.Logger
	metrics         *observability.Metrics
	ctx             context.Context
}

// NewScheduler registers the re-check job on spec (standard cron syntax or
// descriptors such as "@every 5m") and a prune job running every longest
// cooldown window.
func NewScheduler(spec string, r Rechecker, p Pruner, policy CooldownPolicy, defaultCooldown time.Duration, logger *slog.Logger, metrics *observability.Metrics) (*Scheduler, error) {
	s := &Scheduler{
		cron:            cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		rechecker:       r,
		pruner:          p,
		policy:          policy,
		defaultCooldown: defaultCooldown,
		logger:          logger,
		metrics:         metrics,
		ctx:             context.Background(),
	}
	if _, err := s.cron.AddFunc(spec, s.recheck); err != nil {
		return nil, fmt.Errorf("schedule re-check %q: %w", spec, err)
	}
	// The prune cadence is fixed here; a reload with a longer cooldown only
	// changes maxIdle, which prune recomputes on every run.
	every := policy.LongestCooldown(defaultCooldown)
	if _, err := s.cron.AddFunc("@every "+every.String(), s.prune); err != nil {
		return nil, fmt.Errorf("schedule cooldown prune: %w", err)
	}
	return s, nil
}

// Start runs the jobs in the background until Stop. Jobs use ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop prevents new runs and waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) recheck() {
	if _, err := s.rechecker.Recheck(s.ctx, TriggerSchedule); err != nil {
		s.logger.Warn("scheduled re-check skipped", "error", err)
	}
}

// prune removes entries idle for twice the longest window.
func (s *Scheduler) prune() {
	maxIdle := 2 * s.policy.LongestCooldown(s.defaultCooldown)
	removed, err := s.pruner.Prune(s.ctx, maxIdle)
	if err != nil {
		s.logger.Warn("cooldown prune failed", "error", err)
		return
	}
	if counter, ok := s.pruner.(interface{ Len() int }); ok {
		s.metrics.CooldownEntries.Set(float64(counter.Len()))
	}
	s.logger.Debug("cooldown ledger pruned", "removed", removed, "max_idle", maxIdle)
}

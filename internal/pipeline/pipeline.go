// Package pipeline drives alerting: it consumes metric readings, evaluates
// them against threshold rules, promotes matches to alerts and publishes
// every alert through dispatch, storage and the sink topic.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/storm-data-shared/retry"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/observability"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// BatchExtractor reads up to batchSize raw readings from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error)
}

// Evaluator checks one reading against a rule set.
type Evaluator interface {
	Evaluate(ctx context.Context, reading domain.Reading, rules []domain.Rule) (domain.Evaluation, error)
}

// RuleSource provides the currently active threshold rules.
type RuleSource interface {
	Active() []domain.Rule
}

// Notifier publishes a finalized alert. *Coordinator implements it.
type Notifier interface {
	Publish(ctx context.Context, alert domain.Alert, source string) (Result, error)
}

// Pipeline orchestrates the read-evaluate-publish loop.
type Pipeline struct {
	extractor   BatchExtractor
	evaluator   Evaluator
	rules       RuleSource
	notifier    Notifier
	latest      *latestReadings
	logger      *slog.Logger
	metrics     *observability.Metrics
	ready       atomic.Bool
	batchSize   int
	concurrency int
}

// New creates a Pipeline with the given stages and observability.
func New(e BatchExtractor, ev Evaluator, rules RuleSource, n Notifier, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		extractor:   e,
		evaluator:   ev,
		rules:       rules,
		notifier:    n,
		latest:      newLatestReadings(),
		logger:      logger,
		metrics:     metrics,
		batchSize:   batchSize,
		concurrency: defaultStationConcurrency,
	}
}

// CheckReadiness returns nil once the consume loop is running.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline is not running")
	}
	return nil
}

// Run executes the batch loop until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.batchSize)
	p.metrics.PipelineRunning.Set(1)
	p.ready.Store(true)
	defer func() {
		p.ready.Store(false)
		p.metrics.PipelineRunning.Set(0)
	}()

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !p.processBatch(ctx, &backoff) {
			return nil
		}
	}
}

// processBatch runs one read-evaluate-publish cycle. Returns false if the
// pipeline should stop.
func (p *Pipeline) processBatch(ctx context.Context, backoff *time.Duration) bool {
	start := time.Now()

	// A failed extraction may still carry messages fetched before the
	// error. They are processed before backing off: the reader has already
	// moved past them.
	rawBatch, err := p.extractor.ExtractBatch(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Error("extract batch failed", "error", err, "partial_batch", len(rawBatch))
		if len(rawBatch) == 0 {
			return p.backoffOrStop(ctx, backoff)
		}
	}

	if len(rawBatch) == 0 {
		return ctx.Err() == nil
	}

	p.metrics.ReadingsConsumed.Add(float64(len(rawBatch)))
	p.metrics.BatchSize.Observe(float64(len(rawBatch)))

	readings := p.decode(rawBatch)
	candidates := p.evaluateBatch(ctx, readings)
	published := p.promoteAndPublish(ctx, candidates)

	// Offsets are committed once every reading in the batch was handled,
	// including ones skipped as invalid.
	for _, raw := range rawBatch {
		p.commitOffset(ctx, raw)
	}

	p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
	if published > 0 {
		p.logger.Info("batch processed",
			"readings", len(readings), "candidates", len(candidates), "alerts", published)
	}
	if err != nil {
		return p.backoffOrStop(ctx, backoff)
	}
	*backoff = initialBackoff
	return true
}

// decode parses each raw message, dropping invalid ones.
func (p *Pipeline) decode(rawBatch []domain.RawEvent) []domain.Reading {
	readings := make([]domain.Reading, 0, len(rawBatch))
	for _, raw := range rawBatch {
		r, err := domain.ParseReading(raw)
		if err != nil {
			p.logger.Warn("invalid reading, skipping message",
				"error", err,
				"topic", raw.Topic,
				"partition", raw.Partition,
				"offset", raw.Offset,
			)
			p.metrics.ReadingsInvalid.Inc()
			continue
		}
		p.latest.Observe(r)
		readings = append(readings, r)
	}
	return readings
}

// promoteAndPublish turns candidates into automatic alerts and publishes
// them. It returns the number of alerts published.
func (p *Pipeline) promoteAndPublish(ctx context.Context, candidates []domain.CandidateAlert) int {
	published := 0
	for _, c := range candidates {
		alert, err := domain.PromoteCandidate(c)
		if err != nil {
			p.logger.Warn("candidate not promoted",
				"rule_id", c.Rule.ID, "station_id", c.StationID, "error", err)
			continue
		}
		if _, err := p.notifier.Publish(ctx, alert, SourceAutomatic); err != nil {
			p.logger.Error("publish alert failed",
				"alert_id", alert.ID, "rule_id", c.Rule.ID, "error", err)
			continue
		}
		published++
	}
	return published
}

// backoffOrStop sleeps with the current backoff and advances it. Returns
// false if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !retry.SleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = retry.NextBackoff(*backoff, maxBackoff)
	return true
}

// commitOffset commits the message offset if a commit function is available.
func (p *Pipeline) commitOffset(ctx context.Context, raw domain.RawEvent) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}

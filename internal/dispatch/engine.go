// Package dispatch delivers alerts to the push gateway in bounded batches
// and folds per-token results into a delivery report.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/observability"
)

// Defaults for Config fields left at zero.
const (
	DefaultConcurrency  = 5
	DefaultBatchTimeout = 10 * time.Second
)

// Config tunes the engine. BatchSize is capped at MaxBatchSize.
type Config struct {
	BatchSize    int
	Concurrency  int
	BatchTimeout time.Duration
}

// Engine dispatches alerts through a Gateway.
type Engine struct {
	gateway     Gateway
	batchSize   int
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewEngine creates a dispatch engine.
func NewEngine(gw Gateway, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	return &Engine{
		gateway:     gw,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		timeout:     cfg.BatchTimeout,
		logger:      logger,
		metrics:     metrics,
	}
}

// batchResult holds one outcome per token of a batch, in token order.
type batchResult struct {
	tokens   []string
	outcomes []domain.DeliveryOutcome
	err      error
}

// Dispatch sends alert to every token and always returns a report. Malformed
// tokens fail without contacting the gateway. A transport failure fails
// only its own batch. Cancelling ctx does not abort batches already
// planned; each batch is bounded by its own timeout instead.
func (e *Engine) Dispatch(ctx context.Context, alert domain.Alert, tokens []string) domain.DeliveryReport {
	report := domain.DeliveryReport{Outcomes: make(map[domain.DeliveryOutcome]int)}

	valid := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		if !ValidToken(tok) {
			e.logger.Warn("push token rejected before send",
				"alert_id", alert.ID, "error", &domain.TokenFormatError{Token: tok})
			report.Record(tok, domain.OutcomePermanentError)
			continue
		}
		valid = append(valid, tok)
	}

	batches := chunk(valid, e.batchSize)
	ctx, span := observability.StartDispatchSpan(ctx, len(valid), len(batches))
	defer span.End()

	results := make([]batchResult, len(batches))
	base := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for i, batch := range batches {
		g.Go(func() error {
			results[i] = e.sendBatch(base, alert, i, batch)
			return nil
		})
	}
	_ = g.Wait() // batches never return errors

	for _, res := range results {
		report.Batches++
		if res.err != nil {
			report.FailedBatches++
		}
		for j, tok := range res.tokens {
			report.Record(tok, res.outcomes[j])
		}
	}

	for outcome, n := range report.Outcomes {
		e.metrics.DeliveryTokens.WithLabelValues(string(outcome)).Add(float64(n))
	}
	return report
}

func (e *Engine) sendBatch(ctx context.Context, alert domain.Alert, index int, tokens []string) batchResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ctx, span := observability.StartBatchSpan(ctx, index, len(tokens))

	res := batchResult{tokens: tokens, outcomes: make([]domain.DeliveryOutcome, len(tokens))}

	start := time.Now()
	tickets, err := e.gateway.Send(ctx, messagesFor(alert, tokens))
	e.metrics.GatewayCallDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		res.err = fmt.Errorf("batch %d: %w", index, err)
		for j := range res.outcomes {
			res.outcomes[j] = domain.OutcomeTransientError
		}
		e.metrics.DispatchBatches.WithLabelValues("failed").Inc()
		e.logger.Warn("push batch failed",
			"alert_id", alert.ID, "batch", index, "size", len(tokens), "error", err)
		observability.EndSpan(span, err)
		return res
	}
	e.metrics.DispatchBatches.WithLabelValues("ok").Inc()

	if len(tickets) != len(tokens) {
		e.logger.Warn("push gateway returned mismatched tickets",
			"alert_id", alert.ID, "batch", index, "sent", len(tokens), "tickets", len(tickets))
	}
	for j, tok := range tokens {
		if j >= len(tickets) {
			res.outcomes[j] = domain.OutcomeTransientError
			continue
		}
		outcome, terr := classify(tok, tickets[j])
		res.outcomes[j] = outcome
		if terr != nil {
			e.logger.Warn("push ticket rejected",
				"alert_id", alert.ID, "outcome", outcome, "error", terr)
		}
	}
	observability.EndSpan(span, nil)
	return res
}

func chunk(tokens []string, size int) [][]string {
	if len(tokens) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(tokens)+size-1)/size)
	for start := 0; start < len(tokens); start += size {
		end := min(start+size, len(tokens))
		out = append(out, tokens[start:end])
	}
	return out
}

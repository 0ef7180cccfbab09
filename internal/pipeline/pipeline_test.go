package pipeline_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/pipeline"
)

func TestPipeline_EndToEnd_PartialDelivery(t *testing.T) {
	h := newHarness(t, nil, nil, aqiRule("aqi-high", 180, domain.SeverityHigh))
	h.dir.recipients = directory(250, 7, 99, 201)

	h.run(t, makeRawReading(t, "S-1", "AQI", 185, time.Now().UTC()))

	alerts := h.store.all()
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.True(t, a.IsAutomatic)
	assert.Equal(t, domain.SeverityHigh, a.Level)
	assert.Equal(t, "S-1", a.StationID)
	assert.Equal(t, "aqi-high", a.SourceData.RuleID)
	assert.Equal(t, "Limit outdoor activity; AQI is 185.", a.Advice)
	assert.LessOrEqual(t, a.SentCount, 247)
	assert.GreaterOrEqual(t, a.FailedCount, 3)
	assert.Equal(t, 247, a.SentCount)
	assert.Equal(t, domain.DeliveryPartial, a.DeliveryStatus)

	require.Len(t, h.sink.published, 1)
	assert.Equal(t, a.ID, h.sink.published[0].ID)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.AlertsPublished.WithLabelValues(pipeline.SourceAutomatic)), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(h.metrics.DispatchBatches.WithLabelValues("ok")), 0)
}

func TestPipeline_CooldownSuppressesRepeat(t *testing.T) {
	h := newHarness(t, nil, nil, aqiRule("aqi-high", 180, domain.SeverityHigh))
	h.dir.recipients = directory(3)
	now := time.Now().UTC()

	h.run(t,
		makeRawReading(t, "S-1", "AQI", 185, now),
		makeRawReading(t, "S-1", "AQI", 190, now.Add(10*time.Minute)),
	)

	assert.Len(t, h.store.all(), 1)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.CandidatesSuppressed), 0)
}

func TestPipeline_CollapsesToHighestSeverity(t *testing.T) {
	h := newHarness(t, nil, nil,
		aqiRule("aqi-medium", 150, domain.SeverityMedium),
		aqiRule("aqi-high", 180, domain.SeverityHigh),
	)
	h.dir.recipients = directory(2)

	h.run(t, makeRawReading(t, "S-1", "AQI", 185, time.Now().UTC()))

	alerts := h.store.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityHigh, alerts[0].Level)
	assert.InDelta(t, 2, testutil.ToFloat64(h.metrics.CandidatesEmitted), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.CandidatesCollapsed), 0)
}

func TestPipeline_IndependentStations(t *testing.T) {
	h := newHarness(t, nil, nil, aqiRule("aqi-high", 180, domain.SeverityHigh))
	h.dir.recipients = directory(2)
	now := time.Now().UTC()

	h.run(t,
		makeRawReading(t, "S-1", "AQI", 185, now),
		makeRawReading(t, "S-2", "AQI", 200, now),
		makeRawReading(t, "S-3", "AQI", 120, now),
	)

	assert.Len(t, h.store.all(), 2)
}

func TestPipeline_InvalidReadingIsSkippedAndCommitted(t *testing.T) {
	h := newHarness(t, nil, nil, aqiRule("aqi-high", 180, domain.SeverityHigh))
	h.dir.recipients = directory(1)

	var commits atomic.Int32
	commit := func(context.Context) error {
		commits.Add(1)
		return nil
	}
	bad := domain.RawEvent{Key: []byte("S-9"), Value: []byte("not json"), Commit: commit}
	unknown := makeRawReading(t, "S-8", "RADON", 5, time.Now().UTC())
	unknown.Commit = commit
	good := makeRawReading(t, "S-1", "AQI", 185, time.Now().UTC())
	good.Commit = commit

	h.run(t, bad, unknown, good)

	assert.Equal(t, int32(3), commits.Load())
	assert.InDelta(t, 2, testutil.ToFloat64(h.metrics.ReadingsInvalid), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(h.metrics.ReadingsConsumed), 0)
	assert.Len(t, h.store.all(), 1)
}

func TestPipeline_LedgerFailureIsolatedToReading(t *testing.T) {
	ledger := &flakyLedger{failFor: "station:S-bad", inner: domain.NewMemoryLedger(nil)}
	h := newHarness(t, ledger, nil, aqiRule("aqi-high", 180, domain.SeverityHigh))
	h.dir.recipients = directory(1)
	now := time.Now().UTC()

	h.run(t,
		makeRawReading(t, "S-bad", "AQI", 300, now),
		makeRawReading(t, "S-1", "AQI", 185, now),
	)

	alerts := h.store.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, "S-1", alerts[0].StationID)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.EvaluationErrors), 0)
}

func TestPipeline_ExtractErrorBacksOff(t *testing.T) {
	h := newHarness(t, nil, nil, aqiRule("aqi-high", 180, domain.SeverityHigh))
	h.dir.recipients = directory(1)
	h.extractor.err = errors.New("broker unavailable")

	h.run(t, makeRawReading(t, "S-1", "AQI", 185, time.Now().UTC()))

	assert.Len(t, h.store.all(), 1, "loop recovers after backoff")
}

func TestPipeline_PartialBatchWithExtractErrorIsProcessed(t *testing.T) {
	h := newHarness(t, nil, nil, aqiRule("aqi-high", 180, domain.SeverityHigh))
	h.dir.recipients = directory(1)
	h.extractor.err = errors.New("broker hiccup")
	h.extractor.partial = true

	var commits atomic.Int32
	raw := makeRawReading(t, "S-1", "AQI", 185, time.Now().UTC())
	raw.Commit = func(context.Context) error {
		commits.Add(1)
		return nil
	}

	h.run(t, raw)

	assert.Len(t, h.store.all(), 1, "readings fetched before the error are evaluated")
	assert.Equal(t, int32(1), commits.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.ReadingsConsumed), 0)
}

func TestPipeline_LedgerFailureKeepsOtherRules(t *testing.T) {
	ledger := &ruleFlakyLedger{failRule: "aqi-critical", inner: domain.NewMemoryLedger(nil)}
	h := newHarness(t, ledger, nil,
		aqiRule("aqi-high", 180, domain.SeverityHigh),
		aqiRule("aqi-critical", 240, domain.SeverityCritical),
	)
	h.dir.recipients = directory(1)

	h.run(t, makeRawReading(t, "S-1", "AQI", 250, time.Now().UTC()))

	alerts := h.store.all()
	require.Len(t, alerts, 1, "the rule recorded in the ledger still alerts")
	assert.Equal(t, domain.SeverityHigh, alerts[0].Level)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.EvaluationErrors), 0)
}

func TestPipeline_StoreFailureDoesNotStopLoop(t *testing.T) {
	h := newHarness(t, nil, nil, aqiRule("aqi-high", 180, domain.SeverityHigh))
	h.dir.recipients = directory(1)
	h.store.err = errors.New("db down")

	h.run(t, makeRawReading(t, "S-1", "AQI", 185, time.Now().UTC()))

	assert.Empty(t, h.store.all())
	assert.Empty(t, h.sink.published)
}

func TestPipeline_ContextCancellation(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.pipeline.Run(ctx))
	assert.Empty(t, h.store.all())
}

func TestPipeline_Readiness(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.Error(t, h.pipeline.CheckReadiness(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.pipeline.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return h.pipeline.CheckReadiness(context.Background()) == nil
	}, time.Second, 10*time.Millisecond)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.PipelineRunning), 0)

	cancel()
	<-done
	require.Error(t, h.pipeline.CheckReadiness(context.Background()))
	assert.InDelta(t, 0, testutil.ToFloat64(h.metrics.PipelineRunning), 0)
}

func TestPipeline_RecheckUsesCurrentRules(t *testing.T) {
	h := newHarness(t, nil, nil, aqiRule("aqi-high", 180, domain.SeverityHigh))
	h.dir.recipients = directory(2)

	h.run(t, makeRawReading(t, "S-1", "AQI", 150, time.Now().UTC()))
	require.Empty(t, h.store.all())

	h.rules.set(aqiRule("aqi-moderate", 100, domain.SeverityMedium))
	n, err := h.pipeline.Recheck(context.Background(), pipeline.TriggerAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.RecheckRuns.WithLabelValues(pipeline.TriggerAdmin)), 0)

	n, err = h.pipeline.Recheck(context.Background(), pipeline.TriggerAdmin)
	require.NoError(t, err)
	assert.Zero(t, n, "cooldown holds the repeat")
}

func TestPipeline_RecheckUsesLatestReading(t *testing.T) {
	h := newHarness(t, nil, nil, aqiRule("aqi-extreme", 500, domain.SeverityCritical))
	h.dir.recipients = directory(1)
	now := time.Now().UTC()

	h.run(t,
		makeRawReading(t, "S-1", "AQI", 190, now),
		makeRawReading(t, "S-1", "AQI", 120, now.Add(-time.Hour)), // older, arrives late
	)

	h.rules.set(aqiRule("aqi-high", 180, domain.SeverityHigh))
	n, err := h.pipeline.Recheck(context.Background(), pipeline.TriggerAdmin)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Contains(t, h.store.all()[0].Title, "190")
}

func TestPipeline_RecheckCancelled(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.pipeline.Recheck(ctx, pipeline.TriggerSchedule)
	assert.ErrorIs(t, err, context.Canceled)
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storm_alert"

// Metrics holds the Prometheus counters, histograms, and gauges for the
// alerting pipeline and the dispatch engine.
type Metrics struct {
	ReadingsConsumed prometheus.Counter
	ReadingsInvalid  prometheus.Counter
	PipelineRunning  prometheus.Gauge

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Evaluation metrics.
	CandidatesEmitted    prometheus.Counter
	CandidatesSuppressed prometheus.Counter // cooldown
	CandidatesCollapsed  prometheus.Counter // lower severity for the same location and metric
	EvaluationErrors     prometheus.Counter

	// Alert and delivery metrics.
	AlertsPublished     *prometheus.CounterVec // labels: source={automatic,manual,incident,resend}
	GeometryFallbacks   prometheus.Counter
	DispatchBatches     *prometheus.CounterVec // labels: outcome={ok,failed}
	DeliveryTokens      *prometheus.CounterVec // labels: outcome={OK,INVALID_TOKEN,TRANSIENT_ERROR,PERMANENT_ERROR}
	GatewayCallDuration prometheus.Histogram   // seconds per batch call
	RulesLoaded         prometheus.Gauge
	CooldownEntries     prometheus.Gauge
	RecheckRuns         *prometheus.CounterVec // labels: trigger={schedule,admin}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		ReadingsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_consumed_total",
			Help:      "Total metric readings read from the source topic.",
		}),
		ReadingsInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_invalid_total",
			Help:      "Readings skipped because they could not be decoded or validated.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of readings per batch extracted from Kafka.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete read-evaluate-dispatch cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		CandidatesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_emitted_total",
			Help:      "Rule matches that passed the cooldown check.",
		}),
		CandidatesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_suppressed_total",
			Help:      "Rule matches suppressed by the cooldown ledger.",
		}),
		CandidatesCollapsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_collapsed_total",
			Help:      "Candidates dropped in favour of a higher severity for the same location and metric.",
		}),
		EvaluationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_errors_total",
			Help:      "Readings whose evaluation failed, e.g. on a cooldown ledger error.",
		}),
		AlertsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_published_total",
			Help:      "Alerts dispatched by source.",
		}, []string{"source"}),
		GeometryFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geometry_fallbacks_total",
			Help:      "Alerts whose affected area was invalid and fell back to region-wide targeting.",
		}),
		DispatchBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_batches_total",
			Help:      "Push gateway batch calls by outcome.",
		}, []string{"outcome"}),
		DeliveryTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_tokens_total",
			Help:      "Per-token delivery outcomes.",
		}, []string{"outcome"}),
		GatewayCallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Push gateway batch call duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		RulesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_loaded",
			Help:      "Number of enabled threshold rules currently loaded.",
		}),
		CooldownEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cooldown_entries",
			Help:      "Entries held by the in-memory cooldown ledger.",
		}),
		RecheckRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recheck_runs_total",
			Help:      "Re-evaluations of cached readings by trigger.",
		}, []string{"trigger"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ReadingsConsumed,
		m.ReadingsInvalid,
		m.PipelineRunning,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.CandidatesEmitted,
		m.CandidatesSuppressed,
		m.CandidatesCollapsed,
		m.EvaluationErrors,
		m.AlertsPublished,
		m.GeometryFallbacks,
		m.DispatchBatches,
		m.DeliveryTokens,
		m.GatewayCallDuration,
		m.RulesLoaded,
		m.CooldownEntries,
		m.RecheckRuns,
	}
}

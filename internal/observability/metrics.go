package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// MessagesProducedTotal counts messages published per stage.
	MessagesProducedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_messages_produced_total",
			Help: "Total number of queue messages produced",
		},
		[]string{"stage"},
	)
	// MessagesConsumedTotal counts messages handled per stage and outcome.
	MessagesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_messages_consumed_total",
			Help: "Total number of queue messages consumed",
		},
		[]string{"stage", "outcome"},
	)
	// StageDuration observes handler latency per stage.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Stage handler duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)
	// RowsUpsertedTotal counts normalized rows written per table.
	RowsUpsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_rows_upserted_total",
			Help: "Total number of normalized rows upserted",
		},
		[]string{"table"},
	)
	// EmbeddingsRequestedTotal counts vectorizer calls per endpoint role.
	EmbeddingsRequestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_embeddings_requested_total",
			Help: "Total number of embedding requests",
		},
		[]string{"endpoint"},
	)
	// JobsChainedTotal counts chaining transitions.
	JobsChainedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_chained_total",
			Help: "Total number of job chain completions",
		},
	)
	// JobsFailedTotal counts FailJob transitions.
	JobsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_failed_total",
			Help: "Total number of job failures returned to PENDING",
		},
	)
	// RateLimitDeferralsTotal counts rate-limit checkpoint deferrals.
	RateLimitDeferralsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_rate_limit_deferrals_total",
			Help: "Total number of extractions deferred by provider rate limits",
		},
		[]string{"resource"},
	)
	// JobsRunning gauges jobs currently in RUNNING per tenant.
	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_jobs_running",
			Help: "Number of jobs currently running",
		},
		[]string{"tenant"},
	)
)

// InitMetrics registers all pipeline metrics with the default registry.
// Safe to call once per process.
func InitMetrics() {
	prometheus.MustRegister(
		MessagesProducedTotal,
		MessagesConsumedTotal,
		StageDuration,
		RowsUpsertedTotal,
		EmbeddingsRequestedTotal,
		JobsChainedTotal,
		JobsFailedTotal,
		RateLimitDeferralsTotal,
		JobsRunning,
	)
}

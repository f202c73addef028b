package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the marketplace mirror.
type Metrics struct {
	// --- Fact application ---
	FactsApplied  *prometheus.CounterVec
	FactsRejected *prometheus.CounterVec
	ApplyDuration *prometheus.HistogramVec
	ApplyRetries  prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec

	// --- Ingestion ---
	IngestReceived   *prometheus.CounterVec
	IngestParseFails prometheus.Counter
	IngestNaks       prometheus.Counter
	IngestLag        prometheus.Histogram
	FeedReconnects   prometheus.Counter
	CatchupFacts     prometheus.Counter

	// --- Persistence ---
	PersistErrors *prometheus.CounterVec

	// --- Stats ---
	StatsTotalTokens prometheus.Gauge
	StatsTotalSales  prometheus.Gauge
	StatsListedNow   prometheus.Gauge
	StatsRecomputes  prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	applyBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	}

	return &Metrics{
		// Fact application
		FactsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_facts_applied_total",
			Help: "Facts successfully applied to the mirror",
		}, []string{"kind"}),

		FactsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_facts_rejected_total",
			Help: "Facts rejected (validation or guard failure)",
		}, []string{"kind", "reason"}),

		ApplyDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mirror_fact_apply_duration_seconds",
			Help:    "Time to apply a single fact (lock to commit)",
			Buckets: applyBuckets,
		}, []string{"kind"}),

		ApplyRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mirror_fact_apply_retries_total",
			Help: "Apply attempts retried after a transient store error",
		}),

		// Idempotency
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres/tx)",
		}, []string{"tier"}),

		// Ingestion
		IngestReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_ingest_received_total",
			Help: "Raw facts received",
		}, []string{"source"}),

		IngestParseFails: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mirror_ingest_parse_failures_total",
			Help: "Raw facts that failed to parse",
		}),

		IngestNaks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mirror_ingest_naks_total",
			Help: "Facts returned to the stream for redelivery",
		}),

		IngestLag: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mirror_ingest_lag_seconds",
			Help:    "Fact occurrence to apply completion",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),

		FeedReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mirror_feed_reconnects_total",
			Help: "Chain feed websocket reconnects",
		}),

		CatchupFacts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mirror_catchup_facts_total",
			Help: "Facts fetched during block range catch-up",
		}),

		// Persistence
		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_persist_errors_total",
			Help: "Transient store failures seen on the apply path",
		}, []string{"op"}),

		// Stats
		StatsTotalTokens: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_stats_total_tokens",
			Help: "Tokens mirrored",
		}),

		StatsTotalSales: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_stats_total_sales",
			Help: "Confirmed sales",
		}),

		StatsListedNow: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_stats_listed_now",
			Help: "Tokens currently listed",
		}),

		StatsRecomputes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mirror_stats_recomputes_total",
			Help: "Full stats recomputations from the record table",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mirror_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

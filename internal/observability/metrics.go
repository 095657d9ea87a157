package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for ArenaLedger.
type Metrics struct {
	// --- Ingestion ---
	EventsApplied    *prometheus.CounterVec
	EventsRejected   *prometheus.CounterVec
	EventDuplicates  *prometheus.CounterVec
	EventDuration    *prometheus.HistogramVec
	VersionConflicts prometheus.Counter
	DedupLRUSize     prometheus.Gauge

	// --- Ranking ---
	RecomputeTotal     *prometheus.CounterVec
	RecomputeDuration  prometheus.Histogram
	RankedParticipants *prometheus.GaugeVec
	PublishDrops       *prometheus.CounterVec

	// --- Persistence ---
	PersistErrors *prometheus.CounterVec
	PersistRetry  prometheus.Counter

	// --- Maintenance ---
	RetentionPurged *prometheus.CounterVec
	SnapshotsTaken  prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	applyBuckets := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	return &Metrics{
		EventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_events_applied_total",
			Help: "Events applied to the ledger",
		}, []string{"event_type"}),

		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_events_rejected_total",
			Help: "Events rejected (validation, unknown participant, inactive tournament, transition)",
		}, []string{"event_type", "reason"}),

		EventDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_event_duplicates_total",
			Help: "Duplicates caught (lru/store)",
		}, []string{"event_type", "tier"}),

		EventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arena_event_apply_duration_seconds",
			Help:    "Time to apply a single event including the store transaction",
			Buckets: applyBuckets,
		}, []string{"event_type"}),

		VersionConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_version_conflicts_total",
			Help: "Optimistic concurrency conflicts retried on participant aggregates",
		}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		RecomputeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_ranking_recompute_total",
			Help: "Ranking recomputations by outcome",
		}, []string{"outcome"}),

		RecomputeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_ranking_recompute_duration_seconds",
			Help:    "Time to recompute and persist a tournament ranking",
			Buckets: applyBuckets,
		}),

		RankedParticipants: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arena_ranked_participants",
			Help: "Participants holding a rank after the last recompute",
		}, []string{"tournament_id"}),

		PublishDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_publish_drops_total",
			Help: "Leaderboard updates dropped due to a full channel",
		}, []string{"sink"}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_persist_retry_total",
			Help: "Persistence retries",
		}),

		RetentionPurged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_retention_purged_total",
			Help: "Rows removed by retention jobs",
		}, []string{"table"}),

		SnapshotsTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_performance_snapshots_total",
			Help: "Performance snapshots recorded",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_query_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arena_query_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

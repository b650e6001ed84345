package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreReads counts persistent store reads by store and result (hit|miss|expired|error).
	StoreReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecache_store_reads_total",
			Help: "Total number of persistent store reads",
		},
		[]string{"store", "result"},
	)

	// StoreErrors counts persistent store operations that failed and were degraded to a default.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecache_store_errors_total",
			Help: "Persistent store operations that failed",
		},
		[]string{"operation"},
	)

	// StoreEvictions counts entries removed by TTL expiry (lazy or cleanup).
	StoreEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecache_store_evictions_total",
			Help: "Entries evicted because their TTL elapsed",
		},
		[]string{"store"},
	)

	// InterceptedRequests counts request cache outcomes per bucket (hit|miss|stale|offline|passthrough).
	InterceptedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecache_intercepted_requests_total",
			Help: "Requests handled by the request interception cache",
		},
		[]string{"bucket", "outcome"},
	)

	// Invalidations counts invalidation fan-outs by entity and strategy.
	Invalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecache_invalidations_total",
			Help: "Total number of cache invalidations",
		},
		[]string{"entity", "strategy"},
	)

	// InvalidationFailures counts failed layer purges (memory|persistent|request).
	InvalidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecache_invalidation_failures_total",
			Help: "Layer purges that failed during invalidation",
		},
		[]string{"layer"},
	)

	// ReplayOutcomes counts offline action replays (applied|retry|exhausted|expired).
	ReplayOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecache_offline_replays_total",
			Help: "Offline action replay outcomes",
		},
		[]string{"table", "outcome"},
	)

	// PendingActions tracks queued offline actions after the last replay pass.
	PendingActions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carecache_offline_pending_actions",
			Help: "Offline actions waiting for replay",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carecache_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

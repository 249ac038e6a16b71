package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache metrics
var (
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgplane_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgplane_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	CacheEntriesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgplane_cache_entries",
			Help: "Current number of cache entries",
		},
		[]string{"cache"},
	)

	CacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgplane_cache_evictions_total",
			Help: "Total number of cache evictions",
		},
		[]string{"cache", "reason"},
	)

	CacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgplane_cache_invalidations_total",
			Help: "Total number of entries removed by invalidation",
		},
		[]string{"cache", "reason"},
	)

	CacheCorruptionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgplane_cache_corruption_total",
			Help: "Total number of checksum mismatches treated as misses",
		},
		[]string{"cache"},
	)

	CacheTTLSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgplane_cache_ttl_seconds",
			Help: "Current adaptive TTL per cache configuration",
		},
		[]string{"cache"},
	)

	CacheSharedFetchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgplane_cache_shared_fetches_total",
			Help: "Cache misses that joined an in-flight execution instead of issuing their own",
		},
	)

	CacheWarmRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgplane_cache_warm_refresh_total",
			Help: "Total number of warmer-initiated refreshes",
		},
		[]string{"cache", "status"},
	)

	ForcedFlushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgplane_cache_forced_flush_total",
			Help: "Full cache flushes forced by exhausted invalidation retries",
		},
		[]string{"cache"},
	)
)

// Query and routing metrics
var (
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgplane_queries_total",
			Help: "Total number of queries executed",
		},
		[]string{"pool", "role", "status"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgplane_query_duration_seconds",
			Help:    "Duration of routed query executions in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"pool", "role"},
	)

	RoutingFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgplane_routing_fallbacks_total",
			Help: "Route decisions that fell back from the matched target",
		},
		[]string{"reason"},
	)
)

// Pool metrics
var (
	PoolActiveConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgplane_pool_active_connections",
			Help: "Connections currently held per workload pool",
		},
		[]string{"pool"},
	)

	PoolWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgplane_pool_waiting",
			Help: "Acquisitions currently waiting per workload pool",
		},
		[]string{"pool"},
	)

	PoolMaxConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgplane_pool_max_connections",
			Help: "Current (autoscaled) connection limit per workload pool",
		},
		[]string{"pool"},
	)

	PoolExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgplane_pool_exhausted_total",
			Help: "Acquisitions that timed out waiting for a connection",
		},
		[]string{"pool"},
	)

	PoolScaleEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgplane_pool_scale_events_total",
			Help: "Autoscaler resize events per workload pool",
		},
		[]string{"pool", "direction"},
	)

	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgplane_db_pool_total_connections",
			Help: "Total connections per database endpoint pool",
		},
		[]string{"endpoint"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgplane_db_pool_idle_connections",
			Help: "Idle connections per database endpoint pool",
		},
		[]string{"endpoint"},
	)

	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgplane_db_pool_in_use_connections",
			Help: "In-use connections per database endpoint pool",
		},
		[]string{"endpoint"},
	)
)

// Replica metrics
var (
	ReplicaLagSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgplane_replica_lag_seconds",
			Help: "Last measured replication lag per replica",
		},
		[]string{"replica"},
	)

	ReplicaStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgplane_replica_status",
			Help: "Replica status (0=failed, 1=syncing, 2=active)",
		},
		[]string{"replica"},
	)

	ReplicaProbeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgplane_replica_probe_failures_total",
			Help: "Total number of failed replica health probes",
		},
		[]string{"replica"},
	)

	ReplicaFailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgplane_replica_failovers_total",
			Help: "Failover events triggered by replica failure",
		},
		[]string{"replica"},
	)
)

// Invalidation metrics
var (
	InvalidationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgplane_invalidation_events_total",
			Help: "Write events dispatched to the invalidator",
		},
		[]string{"table", "status"},
	)

	InvalidationRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgplane_invalidation_retries_total",
			Help: "Invalidation attempts that were retried",
		},
	)
)

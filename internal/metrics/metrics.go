// Package metrics defines Prometheus metrics for pools, leases and caches.
// All collectors are registered upfront on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LeasesActive tracks the number of leased-out connections per pool.
	LeasesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlease_leases_active",
		Help: "Number of leased-out connections per pool",
	}, []string{"pool"})

	// ConnectionsIdle tracks the number of idle connections per pool.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlease_connections_idle",
		Help: "Number of idle connections kept for reuse per pool",
	}, []string{"pool"})

	// LeasesMax tracks the configured lease cap per pool.
	LeasesMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlease_leases_max",
		Help: "Configured maximum leased connections per pool (0 = unbounded)",
	}, []string{"pool"})

	// LeaseOperations counts acquire/release outcomes.
	LeaseOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlease_lease_operations_total",
		Help: "Total lease operations by outcome",
	}, []string{"pool", "status"})

	// Finalizations counts commits and rollbacks.
	Finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlease_finalizations_total",
		Help: "Total commit and rollback calls by outcome",
	}, []string{"pool", "op", "status"})

	// ProbeFailures counts idle connections discarded by the liveness probe.
	ProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlease_probe_failures_total",
		Help: "Idle connections discarded after a failed liveness probe",
	}, []string{"pool"})

	// ConnectionErrors counts physical connection errors by type.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlease_connection_errors_total",
		Help: "Total physical connection errors",
	}, []string{"pool", "error_type"})

	// StatementDuration tracks statement execution time.
	StatementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sqlease_statement_duration_seconds",
		Help:    "Statement execution duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"pool", "kind"})

	// CacheOperations counts entity cache hits, misses and puts.
	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlease_cache_operations_total",
		Help: "Total entity cache operations",
	}, []string{"result"})

	// CacheEvictions counts entries evicted from entity caches.
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sqlease_cache_evictions_total",
		Help: "Total entity cache entries evicted",
	})

	// RedisOperations counts coordinator Redis operations.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlease_redis_operations_total",
		Help: "Total Redis operations",
	}, []string{"operation", "status"})

	// AdmissionWaitDuration tracks how long admission waited for a released slot.
	AdmissionWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sqlease_admission_wait_duration_seconds",
		Help:    "Time spent waiting for a global lease slot",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"pool"})

	// AdmissionQueueDepth tracks admissions waiting for a slot in this process.
	AdmissionQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlease_admission_queue_depth",
		Help: "Admissions currently waiting for a global lease slot",
	}, []string{"pool"})

	// Admissions counts admission outcomes of the wait queue.
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlease_admissions_total",
		Help: "Total admissions by outcome",
	}, []string{"pool", "status"})

	// InstanceHeartbeat tracks the heartbeat of each coordinated process.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlease_instance_heartbeat",
		Help: "Process heartbeat (1 = alive, 0 = stopped)",
	}, []string{"instance"})

	// CoordinatorFallback is 1 while the coordinator runs on local counts.
	CoordinatorFallback = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sqlease_coordinator_fallback",
		Help: "Coordinator fallback mode (1 = local counts, 0 = Redis)",
	})
)

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NOTE: all metrics are registered globally on the default registry.
// Two clients in the same process share the same series.

// namespace defines the global prefix for all metrics (e.g., heimdall_...).
const namespace = "heimdall"

// lowLatencyBuckets covers in-process evaluation, which should stay well under a millisecond.
// Range: 1µs to 5ms.
var lowLatencyBuckets = []float64{.000001, .000005, .00001, .000025, .00005, .0001, .00025, .0005, .001, .005}

var (
	// -------------------------------------------------------------------------
	// REPOSITORY
	// -------------------------------------------------------------------------

	// RepositoryEntries tracks how many definitions are cached, by kind (flag, segment).
	// Metric: heimdall_repository_entries
	RepositoryEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "repository",
		Name:      "entries",
		Help:      "Current number of cached definitions",
	}, []string{"kind"})

	// RepositoryWritesTotal counts store/delete attempts.
	// result: updated, skipped (stale version), deleted.
	RepositoryWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repository",
		Name:      "writes_total",
		Help:      "Total repository writes by outcome",
	}, []string{"kind", "result"})

	RepositoryPersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repository",
		Name:      "persist_errors_total",
		Help:      "Total failed write-through operations against the pluggable store",
	})

	// -------------------------------------------------------------------------
	// EVALUATION
	// -------------------------------------------------------------------------

	// EvaluationDuration measures the latency of a single flag evaluation.
	// Metric: heimdall_evaluation_duration_seconds
	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "duration_seconds",
		Help:      "Time taken to evaluate a flag",
		Buckets:   lowLatencyBuckets,
	})

	// EvaluationsTotal counts evaluations by outcome.
	// outcome: served, default (caller default returned).
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "total",
		Help:      "Total flag evaluations",
	}, []string{"outcome"})

	// EvaluationErrors counts why an evaluation degraded to the caller default.
	// reason: flag_not_found, kind_mismatch, malformed.
	EvaluationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "errors_total",
		Help:      "Total evaluations that fell back to the caller default",
	}, []string{"reason"})

	// -------------------------------------------------------------------------
	// AUTH
	// -------------------------------------------------------------------------

	// AuthAttemptsTotal counts authentication calls. result: success, rejected, error.
	AuthAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "attempts_total",
		Help:      "Total authentication attempts",
	}, []string{"result"})

	// -------------------------------------------------------------------------
	// SYNCHRONIZERS
	// -------------------------------------------------------------------------

	// PollCyclesTotal counts poll cycles. status: success, fail.
	PollCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "cycles_total",
		Help:      "Total poll cycles",
	}, []string{"status"})

	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "cycle_duration_seconds",
		Help:      "Time taken by a full poll cycle",
		Buckets:   prometheus.DefBuckets,
	})

	// StreamConnected is 1 while the update stream is connected.
	StreamConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "connected",
		Help:      "Whether the update stream is currently connected",
	})

	StreamReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "reconnects_total",
		Help:      "Total stream reconnection attempts",
	})

	// StreamMessagesTotal counts notifications. status: applied, skipped, fail.
	StreamMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "messages_total",
		Help:      "Total stream notifications processed",
	}, []string{"domain", "status"})

	// -------------------------------------------------------------------------
	// ANALYTICS
	// -------------------------------------------------------------------------

	AnalyticsQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "analytics",
		Name:      "queue_depth",
		Help:      "Current number of evaluation records waiting for the next flush",
	})

	// AnalyticsDroppedTotal counts records discarded because the queue was full.
	AnalyticsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analytics",
		Name:      "dropped_total",
		Help:      "Total evaluation records dropped due to a full queue",
	})

	// AnalyticsFlushesTotal counts flushes. status: success, empty, fail.
	AnalyticsFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analytics",
		Name:      "flushes_total",
		Help:      "Total metrics flushes",
	}, []string{"status"})

	// -------------------------------------------------------------------------
	// CLIENT
	// -------------------------------------------------------------------------

	// ClientInitialized is 1 once the composite readiness fired.
	ClientInitialized = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "initialized",
		Help:      "Whether the client completed initialization",
	})

	// ClientEventsTotal counts dispatched events. event: ready, changed.
	ClientEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "events_total",
		Help:      "Total events dispatched to listeners",
	}, []string{"event"})

	// ClientEventsCoalesced counts events merged into an identical one still queued.
	ClientEventsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "events_coalesced_total",
		Help:      "Total events merged into an identical pending event",
	})

	// -------------------------------------------------------------------------
	// STORE BACKENDS
	// -------------------------------------------------------------------------

	// RedisPoolConnections tracks the Redis pool. state: total, idle, stale.
	// Metric: heimdall_redis_pool_connections
	RedisPoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "redis_pool",
		Name:      "connections",
		Help:      "Current Redis pool connections by state",
	}, []string{"state"})

	RedisPoolHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis_pool",
		Name:      "hits_total",
		Help:      "Total times a free connection was found in the pool",
	})

	RedisPoolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis_pool",
		Name:      "misses_total",
		Help:      "Total times a free connection was not found in the pool",
	})

	RedisPoolTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis_pool",
		Name:      "timeouts_total",
		Help:      "Total times a wait for a pool connection timed out",
	})

	// DatabasePoolConnections tracks the Postgres pool. state: max, total, idle, in_use.
	// Metric: heimdall_database_pool_connections
	DatabasePoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database_pool",
		Name:      "connections",
		Help:      "Current Postgres pool connections by state",
	}, []string{"state"})

	DatabasePoolAcquireCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database_pool",
		Name:      "acquire_count_total",
		Help:      "Total successful connection acquisitions",
	})

	DatabasePoolAcquireDuration = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database_pool",
		Name:      "acquire_duration_seconds_total",
		Help:      "Total time spent acquiring connections",
	})
)

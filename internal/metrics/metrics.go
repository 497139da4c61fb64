// Package metrics defines the Prometheus collectors for the signal
// pipeline. Label values are drawn from bounded sets only.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded source result labels.
const (
	SourceResultSuccess = "success"
	SourceResultFailure = "failure"
	SourceResultTimeout = "timeout"
)

// NormalizeSourceResult maps arbitrary fetch errors to the bounded set.
func NormalizeSourceResult(err error) string {
	if err == nil {
		return SourceResultSuccess
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") {
		return SourceResultTimeout
	}
	return SourceResultFailure
}

// Cycle metrics.
var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalforge_cycles_total",
		Help: "Total number of generation cycles started",
	})

	CyclesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalforge_cycles_dropped_total",
		Help: "Interval ticks dropped because the previous cycle was still running",
	})

	CycleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalforge_cycle_errors_total",
		Help: "Per-symbol pipeline failures contained inside a cycle",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalforge_cycle_duration_seconds",
		Help:    "Duration of a full generation cycle",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	CyclesPartial = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalforge_cycles_partial_total",
		Help: "Cycles that hit the cycle budget and reported partial completion",
	})
)

// Data source metrics.
var (
	SourceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_source_fetches_total",
		Help: "Source fetch results by source and outcome",
	}, []string{"source", "result"})

	SourceCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_source_cache_hits_total",
		Help: "Source verdict cache hits by source",
	}, []string{"source"})

	SourceRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_source_rate_limited_total",
		Help: "Source fetches rejected by the per-source token bucket",
	}, []string{"source"})
)

// Store metrics.
var (
	PendingBatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalforge_pending_batch_size",
		Help: "Signals currently buffered awaiting flush",
	})

	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalforge_flush_duration_seconds",
		Help:    "Duration of a pending-batch flush transaction",
		Buckets: prometheus.DefBuckets,
	})

	FlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalforge_flush_failures_total",
		Help: "Flush transactions that failed after the single retry",
	})

	SignalsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_signals_stored_total",
		Help: "Signals persisted, by action",
	}, []string{"action"})

	IntegrityCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalforge_integrity_check_duration_seconds",
		Help:    "Duration of hash-chain integrity verification",
		Buckets: prometheus.DefBuckets,
	})

	IntegrityMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalforge_integrity_mismatches_total",
		Help: "Rows whose recomputed digest or chain link did not match",
	})
)

// Distributor and executor metrics.
var (
	DistributorDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_distributor_deliveries_total",
		Help: "Distributor delivery attempts by executor and HTTP status class",
	}, []string{"executor", "status"})

	DistributorRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_distributor_rate_limited_total",
		Help: "Signals dropped by the per-executor sliding window",
	}, []string{"executor"})

	RejectedQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalforge_rejected_queue_depth",
		Help: "Signals waiting in the rejected-signal queue",
	})

	ExecutorRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_executor_requests_total",
		Help: "Executor API requests by outcome reason (OK for executed orders)",
	}, []string{"reason"})

	BrokerSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_broker_submissions_total",
		Help: "Bracket order submissions by result",
	}, []string{"result"})

	ExecutorPositionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalforge_executor_positions_open",
		Help: "Positions currently tracked by the executor",
	})
)

// StatusClass maps an HTTP status code to a bounded label value.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "network_error"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

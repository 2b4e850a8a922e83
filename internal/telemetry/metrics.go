/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smart_schedulers"

// API metrics
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "Ops API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Ops API requests served.",
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "api_active_connections",
		Help:      "Ops API requests in flight.",
	})
)

// Worker metrics
var (
	WorkerCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "worker_cycle_duration_seconds",
		Help:      "Duration of one worker cycle.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"worker"})

	WorkerCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_cycles_total",
		Help:      "Worker cycles by outcome (ok, error, skipped).",
	}, []string{"worker", "outcome"})

	PlannerEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "planner_enqueued_total",
		Help:      "Commands enqueued by the planner.",
	}, []string{"action"})

	PlannerSuppressedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "planner_suppressed_total",
		Help:      "Duplicate enqueues suppressed, by layer (cache, store).",
	}, []string{"layer"})

	PlannerIneligibleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "planner_ineligible_total",
		Help:      "In-window slot targets rejected by eligibility, by reason.",
	}, []string{"reason"})

	DispatcherClaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatcher_claimed_total",
		Help:      "Commands claimed for dispatch.",
	})

	DispatcherPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatcher_publish_attempts_total",
		Help:      "Publish attempts by result.",
	}, []string{"result"})

	DispatcherDeferredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatcher_deferred_total",
		Help:      "Pending commands left for a later cycle, by ceiling.",
	}, []string{"ceiling"})

	CommandTerminalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "command_terminal_total",
		Help:      "Terminal transitions applied, by state and result.",
	}, []string{"state", "result"})

	AcksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "acks_received_total",
		Help:      "Acknowledgments received, by outcome.",
	}, []string{"outcome"})

	SweeperTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeper_timeouts_total",
		Help:      "Commands moved to timed_out by the sweeper.",
	})

	MeasurementsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "measurements_received_total",
		Help:      "Upstream measurement events, by outcome.",
	}, []string{"outcome"})

	CommandsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "commands",
		Help:      "Commands in the durable queue by state.",
	}, []string{"state"})
)

// Infrastructure metrics
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "database_query_duration_seconds",
		Help:      "Database statement latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "database_errors_total",
		Help:      "Database statement errors.",
	}, []string{"operation", "error_type"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "database_connections_active",
		Help:      "Open database connections.",
	})

	CacheOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_operations_total",
		Help:      "Cache operations by backend and result.",
	}, []string{"operation", "backend", "result"})

	CacheFallbackActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_fallback_active",
		Help:      "1 while the cache serves from process memory instead of Redis.",
	})

	LeaderElectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leader_election_status",
		Help:      "1 when this instance holds the planner lease.",
	}, []string{"instance_id"})

	LeaderElectionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leader_election_changes_total",
		Help:      "Planner lease transitions.",
	}, []string{"instance_id", "change"})

	TransportConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transport_connected",
		Help:      "1 while the message transport connection is up.",
	})
)

var inflightOnce sync.Once

// RegisterInflightGauge exposes the total dispatched count through fn, evaluated at scrape time.
// Later calls are ignored.
func RegisterInflightGauge(fn func() float64) {
	inflightOnce.Do(func() {
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_commands",
			Help:      "Commands currently dispatched and awaiting acknowledgment.",
		}, fn))
	})
}

// Handler exposes metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics provides Prometheus metrics collection for the admission
// gate. It tracks admission decisions, rate-limit counters, ledger
// reconciliation, and backend health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gatemeter"

// SyncLatencyBuckets defines histogram buckets for ledger sync latency (in seconds).
var SyncLatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

var (
	// AdmissionDecisions counts gate verdicts by outcome.
	// Outcomes: allowed_fast, allowed_metered, allowed_grace, rate_limited,
	// insufficient_credits, identity_not_found, ledger_unavailable, error.
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Total number of admission decisions by outcome",
		},
		[]string{"outcome"},
	)

	// RateLimiterBackendErrors counts store failures during rate-limit checks,
	// labeled with the action taken (allow for fail-open, deny otherwise).
	RateLimiterBackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimiter_backend_errors_total",
			Help:      "Total number of rate limiter backend errors",
		},
		[]string{"operation", "action"},
	)

	// LedgerSyncTotal counts remote ledger reconciliations by result.
	// Results: ok, rejected, error.
	LedgerSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_sync_total",
			Help:      "Total number of remote ledger reconciliations",
		},
		[]string{"result"},
	)

	// LedgerSyncLatency tracks remote ledger call latency.
	LedgerSyncLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_sync_latency_seconds",
			Help:      "Remote ledger reconciliation latency in seconds",
			Buckets:   SyncLatencyBuckets,
		},
	)

	// UsageActorsActive tracks the number of live usage actors.
	UsageActorsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "usage_actors_active",
			Help:      "Number of initialized usage actors",
		},
	)

	// IdentityLookups counts identity resolutions by source.
	// Sources: cache, store, directory, stale.
	IdentityLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_lookups_total",
			Help:      "Total number of identity resolutions by source",
		},
		[]string{"source"},
	)

	// StoreErrors counts store operation failures by component.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total number of store operation failures",
		},
		[]string{"component"},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vigil"

var (
	// TrustTransitions counts registry writes by resulting lifecycle state.
	TrustTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trust_transitions_total",
		Help:      "Trust registry transitions by resulting lifecycle state.",
	}, []string{"lifecycle"})

	// TrustConflicts counts rejected writes due to stale version tokens.
	TrustConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trust_version_conflicts_total",
		Help:      "Trust registry writes rejected on version conflict.",
	})

	// PlacementDecisions counts policy evaluations by outcome.
	PlacementDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "placement_decisions_total",
		Help:      "Placement decisions by chosen backend and blocked flag.",
	}, []string{"backend", "blocked"})

	// RemediationRuns counts finished remediation runs by status and reason.
	RemediationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "remediation_runs_total",
		Help:      "Finished remediation runs by status and failure reason.",
	}, []string{"status", "failure_reason"})

	// RemediationDuration observes wall-clock run execution time.
	RemediationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "remediation_run_duration_seconds",
		Help:      "Remediation run execution duration.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	// HTTPRequests counts API requests by route, method and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "API requests by route, method and status.",
	}, []string{"route", "method", "status"})

	// HTTPDuration observes API request latency by route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "API request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)

// Package metrics exposes the Prometheus instrumentation carried by every
// component of the inspector core, independent of whether a given spec
// module names an observability surface of its own.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsActive tracks sessions currently in the "connected" state.
	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inspector_sessions_active",
			Help: "Number of sessions currently connected",
		},
		[]string{"transport"},
	)

	// SessionConnects counts connect attempts by outcome.
	SessionConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_session_connects_total",
			Help: "Total connect attempts, by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	// RequestDuration tracks outbound JSON-RPC request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inspector_request_duration_seconds",
			Help:    "Outbound request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "outcome"},
	)

	// CacheLookups tracks content cache hit/miss by cache kind.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_cache_lookups_total",
			Help: "Content cache lookups, by cache kind and outcome",
		},
		[]string{"cache", "outcome"},
	)

	// TaskTransitions counts task status transitions.
	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_task_transitions_total",
			Help: "Task status transitions, by resulting status",
		},
		[]string{"status"},
	)

	// OAuthSteps counts OAuth state machine step outcomes.
	OAuthSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_oauth_steps_total",
			Help: "OAuth state machine steps, by state and outcome",
		},
		[]string{"state", "outcome"},
	)

	// RingBufferDrops counts entries evicted from a bounded history buffer.
	RingBufferDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_ring_buffer_drops_total",
			Help: "Entries evicted from a bounded ring buffer, by buffer name",
		},
		[]string{"buffer"},
	)
)

// Handler returns the Prometheus scrape handler for a host to mount.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics carries the process-wide prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatcore",
		Subsystem: "registry",
		Name:      "connections_active",
		Help:      "Connections currently held in the local registry cache.",
	})

	FanoutPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatcore",
		Subsystem: "fanout",
		Name:      "published_total",
		Help:      "Events published to the shared store, by scope.",
	}, []string{"scope"})

	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatcore",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limit decisions, by resource type and outcome.",
	}, []string{"resource", "outcome"})

	SweepEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatcore",
		Subsystem: "sweeper",
		Name:      "evictions_total",
		Help:      "Connections evicted for inactivity.",
	})
)

// Rate limit decision outcomes. Degraded admissions (fail-open under store
// trouble) are deliberately distinct from genuine under-limit admissions.
const (
	OutcomeAllowed  = "allowed"
	OutcomeRejected = "rejected"
	OutcomeDegraded = "degraded"
)

func Handler() http.Handler {
	return promhttp.Handler()
}

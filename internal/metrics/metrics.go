// Package metrics exposes Prometheus gauges/counters for operational
// visibility into the bridge's peer table, pending-request table, and
// session registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Peers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_peers",
		Help: "Number of currently connected WebSocket peers by role.",
	}, []string{"role"})

	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_pending_requests",
		Help: "Number of in-flight pending requests awaiting a response frame.",
	})

	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_sessions",
		Help: "Number of live automation sessions.",
	})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_requests_total",
		Help: "Total requests issued through the correlator, partitioned by terminal outcome.",
	}, []string{"outcome"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_http_requests_total",
		Help: "Total HTTP requests served by the driver-facing front-end.",
	}, []string{"path", "status"})
)

// Outcome labels used with RequestsTotal.
const (
	OutcomeResolved     = "resolved"
	OutcomeRejected     = "rejected"
	OutcomeTimeout      = "timeout"
	OutcomeStale        = "stale"
	OutcomeBackPressure = "back_pressure"
)

// Package observability collects application metrics for the intake
// pipeline. Metrics register with Prometheus's default registry and are
// served from the gateway's /metrics endpoint.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks message intake, routing, and run coordination.
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel (slack|email), direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// VerifyFailures counts rejected inbound requests by surface.
	// Labels: surface (slack|email|callback)
	VerifyFailures *prometheus.CounterVec

	// RouteDecisions counts router outcomes.
	// Labels: decision (matched|ambiguous|not_request|not_found)
	RouteDecisions *prometheus.CounterVec

	// RunsDispatched counts dispatched runs.
	// Labels: channel
	RunsDispatched *prometheus.CounterVec

	// RunOutcomes counts awaited run outcomes.
	// Labels: outcome (completed|failed|timed_out)
	RunOutcomes *prometheus.CounterVec

	// RunWaitDuration measures time spent waiting on runs, in seconds.
	RunWaitDuration prometheus.Histogram
}

// NewMetrics creates and registers all metrics. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		MessageCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_messages_total",
				Help: "Messages processed by channel and direction.",
			},
			[]string{"channel", "direction"},
		),
		VerifyFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_verify_failures_total",
				Help: "Inbound requests rejected by authenticity verification.",
			},
			[]string{"surface"},
		),
		RouteDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_route_decisions_total",
				Help: "Router outcomes by decision type.",
			},
			[]string{"decision"},
		),
		RunsDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_runs_dispatched_total",
				Help: "Runs handed off to the executor.",
			},
			[]string{"channel"},
		),
		RunOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_run_outcomes_total",
				Help: "Awaited run outcomes.",
			},
			[]string{"outcome"},
		),
		RunWaitDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "courier_run_wait_seconds",
				Help:    "Time spent waiting for run completion.",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800},
			},
		),
	}
}

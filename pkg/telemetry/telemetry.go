// Package telemetry exposes Prometheus metrics for the router's three
// hot paths: tool selection, dispatch, and child server lifecycle.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metamcp/metamcp/pkg/logger"
)

var (
	// SelectionsTotal counts selection outcomes per strategy.
	SelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metamcp",
		Name:      "selections_total",
		Help:      "Tool selections by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	// SelectionDuration observes end-to-end selection latency.
	SelectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "metamcp",
		Name:      "selection_duration_seconds",
		Help:      "End-to-end tool selection latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// DispatchesTotal counts tool dispatches per server and result.
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metamcp",
		Name:      "dispatches_total",
		Help:      "Tool call dispatches by server and result.",
	}, []string{"server", "result"})

	// ServerRestartsTotal counts automatic child server restarts.
	ServerRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metamcp",
		Name:      "server_restarts_total",
		Help:      "Automatic child server restarts.",
	}, []string{"server"})

	// ServerState tracks the current lifecycle state per server, one
	// gauge per state with 0/1 values.
	ServerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "metamcp",
		Name:      "server_state",
		Help:      "Child server lifecycle state (1 for the active state).",
	}, []string{"server", "state"})
)

// ServeMetrics starts a metrics endpoint on addr. Runs until the
// listener fails; intended to be launched in a goroutine.
func ServeMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Infow("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorw("metrics server stopped", "error", err)
	}
}

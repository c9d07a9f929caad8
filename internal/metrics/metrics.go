// Package metrics provides Prometheus instrumentation for the lending engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SettlementsTotal counts settlement workflow outcomes by operation.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_settlements_total",
		Help: "Total settlement operations by type and outcome",
	}, []string{"operation", "outcome"})

	// SettlementLatency tracks end-to-end workflow latency, external ledger
	// round trips included.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lending_settlement_latency_seconds",
		Help:    "Settlement workflow latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}, []string{"operation"})

	// IdempotentReplays counts requests answered from a stored COMPLETED
	// event payload instead of re-execution.
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lending_idempotent_replays_total",
		Help: "Requests served by replaying a completed event payload",
	})

	// LiquidationsTotal counts liquidated positions per market.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_liquidations_total",
		Help: "Total positions liquidated",
	}, []string{"market_id"})

	// CollateralSeized tracks cumulative seized collateral per market.
	CollateralSeized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_collateral_seized_total",
		Help: "Cumulative collateral seized by liquidations",
	}, []string{"market_id"})

	// PoolUtilization tracks current utilization per market.
	PoolUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lending_pool_utilization",
		Help: "Current pool utilization rate",
	}, []string{"market_id"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lending_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lending_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; route cardinality is small.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

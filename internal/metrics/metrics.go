// Package metrics provides Prometheus instrumentation for the perp engine.
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
	// OrdersExecuted counts executed orders, partitioned by market and kind.
	OrdersExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_orders_executed_total",
		Help: "Total number of orders executed",
	}, []string{"market", "kind"})

	// OrdersFailed counts orders that reached a failed terminal state.
	OrdersFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_orders_failed_total",
		Help: "Total number of orders failed",
	}, []string{"market"})

	// Liquidations counts forced settlements by action.
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Total number of forced position settlements",
	}, []string{"market", "action"})

	// PriceBatches counts accepted and rejected oracle batches.
	PriceBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_price_batches_total",
		Help: "Oracle price batches by outcome",
	}, []string{"outcome"})

	// BatchLatency tracks price batch processing latency.
	BatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perp_price_batch_duration_seconds",
		Help:    "Price batch processing duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PoolBalance gauges current pool collateral.
	PoolBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_pool_balance",
		Help: "Current pool collateral balance",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and duration per method, path, status.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
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

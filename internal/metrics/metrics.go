// Package metrics provides Prometheus instrumentation for the order engine.
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
	// PurchasesTotal counts purchases that committed.
	PurchasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderengine_purchases_total",
		Help: "Total number of executed purchases",
	})

	// PurchaseRejections counts purchases rejected by the validation
	// pipeline, partitioned by the failing check.
	PurchaseRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderengine_purchase_rejections_total",
		Help: "Purchases rejected by validation, by reason",
	}, []string{"reason"})

	// PurchaseLatency tracks end-to-end purchase execution time,
	// transaction included.
	PurchaseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orderengine_purchase_latency_seconds",
		Help:    "Purchase execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// FractionsSold counts units transferred through purchases.
	FractionsSold = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderengine_fractions_sold_total",
		Help: "Cumulative fraction units sold",
	})

	// ActiveSellOrders counts sell orders created minus explicitly
	// deleted. Orders that lapse by expiry are not subtracted, so this is
	// an upper bound on live orders, not an exact count.
	ActiveSellOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orderengine_active_sell_orders",
		Help: "Sell orders created minus explicitly deleted (expiry not tracked)",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orderengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orderengine_http_request_duration_seconds",
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

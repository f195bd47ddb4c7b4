// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts accepted orders by type and side.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nepse_orders_total",
		Help: "Total number of orders accepted",
	}, []string{"type", "side"})

	// OrderRejections counts rejected orders by reason code.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nepse_order_rejections_total",
		Help: "Orders rejected before or during matching",
	}, []string{"reason"})

	// TradesTotal counts trades executed, partitioned by taker side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nepse_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// MatchLatency tracks the time spent matching one incoming order.
	MatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nepse_match_latency_seconds",
		Help:    "Order matching latency in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"type"})

	// SymbolVolume tracks cumulative traded quantity per symbol.
	SymbolVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nepse_symbol_volume_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"symbol"})

	// RestingOrders tracks the number of orders resting in all books.
	RestingOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nepse_resting_orders",
		Help: "Number of orders currently resting in order books",
	})

	// MarketEventsTotal counts market event executions by outcome.
	MarketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nepse_market_events_total",
		Help: "Market event executions",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nepse_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsDropped counts broadcast events dropped because a buffer was full.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nepse_events_dropped_total",
		Help: "Events dropped by a publisher",
	}, []string{"publisher"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nepse_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nepse_http_request_duration_seconds",
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
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

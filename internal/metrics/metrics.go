// Package metrics provides Prometheus instrumentation for the market engine.
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
	// BetsTotal counts accepted bets, partitioned by side and pricing policy.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketd_bets_total",
		Help: "Total number of bets accepted",
	}, []string{"side", "policy"})

	// BetAmountTotal tracks cumulative deposits in native units.
	BetAmountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketd_bet_amount_total",
		Help: "Cumulative value deposited by bets",
	}, []string{"side"})

	// ClaimsTotal counts claim attempts by result code ("ok" or a fault code).
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketd_claims_total",
		Help: "Total claim attempts by result",
	}, []string{"result"})

	// PayoutTotal tracks cumulative value paid to winners.
	PayoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketd_payout_total",
		Help: "Cumulative value paid out by claims",
	})

	MarketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketd_markets_created_total",
		Help: "Total number of markets created",
	})

	MarketsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketd_markets_resolved_total",
		Help: "Total number of markets resolved, by outcome",
	}, []string{"outcome"})

	// OperationLatency tracks engine operation latency, store round trips included.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketd_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// FaultsTotal counts rejected operations by fault kind.
	FaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketd_faults_total",
		Help: "Operations rejected, by fault kind",
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketd_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketd_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketd_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOperation records the latency of op since start.
func ObserveOperation(op string, start time.Time) {
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

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
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FundCredits counts accumulator credits, partitioned by credited currency.
	FundCredits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_fund_credits_total",
		Help: "Total number of fund credits recorded",
	}, []string{"currency"})

	// Claims counts release claims by outcome (ok, failed, empty).
	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_claims_total",
		Help: "Release claims by outcome",
	}, []string{"outcome"})

	// Conversions counts executed swaps by direction and currency pair.
	Conversions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_conversions_total",
		Help: "Executed currency conversions",
	}, []string{"kind", "source", "target"})

	// SwapLatency tracks swap execution latency.
	SwapLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_swap_latency_seconds",
		Help:    "Swap execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// SlippageRejections counts executions rejected by a slippage bound.
	SlippageRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_slippage_rejections_total",
		Help: "Executions rejected because realized amounts breached the bound",
	}, []string{"kind"})

	// CancelledEntries counts accumulators removed by release cancellation.
	CancelledEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_cancelled_entries_total",
		Help: "Fund entries removed by release cancellation",
	})

	// IntentExecutions counts vault executions by funding token.
	IntentExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_intent_executions_total",
		Help: "Purchase intent executions",
	}, []string{"token"})

	// IntentSettlements counts settlements, split by whether a refund was taken.
	IntentSettlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_intent_settlements_total",
		Help: "Purchase intent settlements",
	}, []string{"refund"})

	// PriceLookups counts registry price reads by outcome.
	PriceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_price_lookups_total",
		Help: "Price registry lookups by outcome",
	}, []string{"outcome"})

	// OperationLatency tracks atomic operation latency by operation name.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_operation_latency_seconds",
		Help:    "Atomic operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "status"})

	// VenuePools tracks the number of live liquidity pools.
	VenuePools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_venue_pools",
		Help: "Number of liquidity pools on the local venue",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts requests rejected by the API rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOperation records the latency of an atomic operation started at start.
func ObserveOperation(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	OperationLatency.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
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

		// Label by route pattern so ids in the path do not explode cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
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

// Package metrics provides Prometheus instrumentation for the accounting
// engine.
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
	// DepositsTotal counts chip and liquidity deposits by kind and outcome.
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "house_deposits_total",
		Help: "Deposits by kind (user, lp) and ledger outcome",
	}, []string{"kind", "outcome"})

	// WithdrawalsTotal counts withdrawal resolutions by kind and result.
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "house_withdrawals_total",
		Help: "Withdrawal transitions by kind and result (completed, rolled_back, retry, stuck, operator_*)",
	}, []string{"kind", "result"})

	// PendingWithdrawals tracks entries in the pending registry.
	PendingWithdrawals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "house_pending_withdrawals",
		Help: "Withdrawals awaiting confirmation, stuck ones included",
	})

	// StuckWithdrawals tracks entries that exhausted retries.
	StuckWithdrawals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "house_stuck_withdrawals",
		Help: "Withdrawals waiting for operator resolution",
	})

	// UncertainDeposits tracks deposits whose ledger outcome is unknown.
	UncertainDeposits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "house_uncertain_deposits",
		Help: "Deposits with an unknown ledger outcome waiting for operator resolution",
	})

	// PoolReserve tracks the pool reserve in base units.
	PoolReserve = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "house_pool_reserve",
		Help: "Liquidity pool reserve in token base units",
	})

	// BetsSettled counts settled bets by result (win, loss, push, rejected).
	BetsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "house_bets_settled_total",
		Help: "Bets by settlement result",
	}, []string{"result"})

	// HouseLimitRejections counts wagers rejected by the house limiter.
	HouseLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "house_limit_rejections_total",
		Help: "Wagers rejected by the house limit",
	})

	// LedgerCalls counts ledger calls by operation and classified outcome.
	LedgerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "house_ledger_calls_total",
		Help: "External ledger calls by operation and outcome",
	}, []string{"op", "outcome"})

	// LedgerLatency tracks ledger call latency by operation.
	LedgerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "house_ledger_latency_seconds",
		Help:    "External ledger call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// AuditMismatches counts failed solvency audits.
	AuditMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "house_audit_mismatches_total",
		Help: "Solvency audits that did not reconcile",
	})

	// AuditExcess is the last audited ledger balance minus internal
	// liabilities, in base units.
	AuditExcess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "house_audit_excess",
		Help: "Last audit: ledger balance minus (reserve + user balances)",
	})

	// WebSocketClients tracks connected event-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "house_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "house_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "house_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveLedgerCall records one ledger call.
func ObserveLedgerCall(op, outcome string, started time.Time) {
	LedgerCalls.WithLabelValues(op, outcome).Inc()
	LedgerLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
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
		if rctx := routePattern(r); rctx != "" {
			path = rctx
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

// Hijack lets the WebSocket upgrade through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// routePattern returns the matched chi route, e.g. /api/v1/users/{userID}/deposit.
// chi fills the pattern in while routing, so it is only set after next ran.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}

// Package metrics provides Prometheus instrumentation for the synergy engine.
package metrics

import (
	"bufio"
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
	// ExchangesTotal counts exchange attempts by outcome
	// (ok, replayed, unknown_pair, locked, invalid, error).
	ExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_exchanges_total",
		Help: "Total number of token exchange requests",
	}, []string{"outcome"})

	// ExchangeLatency observes end-to-end exchange latency per pair.
	ExchangeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gaia_exchange_latency_seconds",
		Help:    "Token exchange latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"source", "target"})

	// TokensIssued tracks tokens appended to holdings per project and source.
	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_tokens_issued_total",
		Help: "Project tokens appended to user holdings",
	}, []string{"project", "source"})

	// PointsCredited tracks Harmony Points credited by reason.
	PointsCredited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_harmony_points_credited_total",
		Help: "Harmony Points credited",
	}, []string{"reason"})

	// PointsDebited tracks Harmony Points spent.
	PointsDebited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gaia_harmony_points_debited_total",
		Help: "Harmony Points debited",
	})

	// DebitRejections counts debits refused for insufficient balance.
	DebitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gaia_debit_rejections_total",
		Help: "Debits rejected for insufficient balance",
	})

	// LedgerCorruptions counts violations of balance = earned - spent.
	// Any non-zero value needs manual reconciliation.
	LedgerCorruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gaia_ledger_corruptions_total",
		Help: "Harmony Points ledgers found violating their invariant",
	})

	// MissionJoins counts join attempts by mission and outcome.
	MissionJoins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_mission_joins_total",
		Help: "Mission join attempts",
	}, []string{"mission_id", "outcome"})

	// MissionCompletions counts reward bundles handed out per mission.
	MissionCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_mission_completions_total",
		Help: "Mission completions",
	}, []string{"mission_id"})

	// BadgesAwarded counts badges earned.
	BadgesAwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_badges_awarded_total",
		Help: "Badges awarded",
	}, []string{"badge_id"})

	// Referrals counts referral lifecycle transitions by status.
	Referrals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_referrals_total",
		Help: "Referral lifecycle transitions",
	}, []string{"status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gaia_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gaia_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi route (e.g. /api/v1/harmony/{userID})
// so user IDs never become label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack lets the websocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// Package metrics provides Prometheus instrumentation for the surge engine.
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
	// Recomputes counts multiplier recomputations by outcome status.
	Recomputes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surge_recomputes_total",
		Help: "Surge multiplier recomputations by outcome",
	}, []string{"status"})

	// CASConflicts counts lost compare-and-set races on surge state.
	CASConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "surge_cas_conflicts_total",
		Help: "Compare-and-set conflicts while committing surge state",
	})

	// Degraded counts store operations that failed and fell back to defaults.
	Degraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surge_degraded_total",
		Help: "Store operations that failed or timed out",
	}, []string{"op"})

	// MultiplierValue is the distribution of committed multipliers. Per-cell
	// gauges would explode cardinality.
	MultiplierValue = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "surge_multiplier_value",
		Help:    "Committed surge multipliers",
		Buckets: []float64{1.0, 1.2, 1.4, 1.6, 1.8, 2.0, 2.25, 2.5, 2.75, 3.0},
	})

	// ActiveCells tracks how many cells the last recompute pass visited.
	ActiveCells = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "surge_active_cells",
		Help: "Cells with live presence in the last recompute pass",
	})

	// PresenceUpserts counts presence writes by signal type.
	PresenceUpserts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surge_presence_upserts_total",
		Help: "Presence upserts by signal type",
	}, []string{"signal"})

	// BaselineSamples counts baseline observations by outcome.
	BaselineSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surge_baseline_samples_total",
		Help: "Baseline samples by outcome",
	}, []string{"outcome"})

	// HistoryDropped counts surge history entries dropped because the
	// append backlog was full.
	HistoryDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "surge_history_dropped_total",
		Help: "Surge history entries dropped under backlog",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "surge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// IngestRejections counts driver pings dropped by the ingest limiter.
	IngestRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "surge_ingest_rejections_total",
		Help: "Driver pings rejected by the rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "surge_http_request_duration_seconds",
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

		// Route pattern, not raw path: cell ids would blow up cardinality.
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

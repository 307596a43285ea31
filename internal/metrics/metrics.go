// Package metrics provides Prometheus instrumentation for the auction
// engine.
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
	// BatchesTotal counts batch auction runs, partitioned by result.
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_batches_total",
		Help: "Total number of batch auctions run",
	}, []string{"result"})

	// SolveDuration tracks end-to-end batch solve latency.
	SolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flow_solve_duration_seconds",
		Help:    "Batch solve duration in seconds (gather + QP + persist)",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
	})

	// SolverIterations tracks how many ADMM iterations each solve took.
	SolverIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flow_solver_iterations",
		Help:    "ADMM iterations per solve",
		Buckets: prometheus.ExponentialBuckets(25, 2, 12),
	})

	// MailboxCoalesced counts auto-solve requests absorbed by an
	// already-pending solve.
	MailboxCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_mailbox_coalesced_total",
		Help: "Auto-solve requests coalesced into a pending solve",
	})

	// BidMutations counts bid-book mutations by entity and operation.
	BidMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_bid_mutations_total",
		Help: "Bid book mutations",
	}, []string{"entity", "op"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flow_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flow_http_request_duration_seconds",
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

		// Use the raw path for the label; the route surface is small
		// and ids are the only variable element.
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

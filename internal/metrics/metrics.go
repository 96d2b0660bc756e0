// Package metrics registers the Prometheus collectors for the sync
// engine and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "najdeno_http_requests_total",
			Help: "Total HTTP requests by method, route pattern and status.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "najdeno_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Sync engine metrics, updated from the directory cache and the mutation
// coordinator.
var (
	// SnapshotsApplied counts directory snapshots applied to the cache.
	SnapshotsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "najdeno_snapshots_applied_total",
		Help: "Directory snapshots applied to the local cache.",
	})

	// RecordsSkipped counts records dropped from snapshots because they
	// failed to decode.
	RecordsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "najdeno_records_skipped_total",
		Help: "Records skipped during snapshot decoding.",
	})

	// SubscriptionErrors counts transport failures on the live feed.
	SubscriptionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "najdeno_subscription_errors_total",
		Help: "Transport errors reported by the live subscription.",
	})

	// Mutations counts coordinator operations by kind and outcome.
	Mutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "najdeno_mutations_total",
			Help: "Mutation operations by kind and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// SafetyTimeouts counts mutations force-resolved by the deadline
	// fallback before the backend responded.
	SafetyTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "najdeno_safety_timeouts_total",
			Help: "Mutations optimistically resolved by the safety deadline.",
		},
		[]string{"op"},
	)
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency. The route pattern is
// used as the path label to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

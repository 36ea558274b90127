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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratus_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_jobs_enqueued_total",
			Help: "Total jobs enqueued by type",
		},
		[]string{"type"},
	)

	jobsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_jobs_claimed_total",
			Help: "Total jobs claimed by workers, by type",
		},
		[]string{"type"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_jobs_processed_total",
			Help: "Total job executions finished, by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratus_job_duration_seconds",
			Help:    "Handler execution time by job type",
			Buckets: []float64{.05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"type"},
	)

	dispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_dispatch_attempts_total",
			Help: "Notification delivery attempts by channel and status",
		},
		[]string{"channel", "status"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"tenant_id"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stratus_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobEnqueued records a job enqueue event.
func RecordJobEnqueued(jobType string) {
	jobsEnqueued.WithLabelValues(jobType).Inc()
}

// RecordJobClaimed records a successful claim.
func RecordJobClaimed(jobType string) {
	jobsClaimed.WithLabelValues(jobType).Inc()
}

// RecordJobProcessed records a finished execution and its duration.
// Outcome is one of succeeded, rescheduled, dlq.
func RecordJobProcessed(jobType, outcome string, duration time.Duration) {
	jobsProcessed.WithLabelValues(jobType, outcome).Inc()
	jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordDispatchAttempt records one channel-level delivery attempt.
func RecordDispatchAttempt(channel, status string) {
	dispatchAttempts.WithLabelValues(channel, status).Inc()
}

// RecordRateLimitRejection records a rate limit rejection.
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency.
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpu_provider_calls_total",
			Help: "Total number of GPU provider calls by provider, operation and outcome",
		},
		[]string{"provider", "operation", "outcome"},
	)
	ProviderCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpu_provider_call_duration_seconds",
			Help:    "GPU provider call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "operation"},
	)
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpu_circuit_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half_open, 2=open)",
		},
		[]string{"provider"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"type"},
	)
	JobsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		},
		[]string{"type"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "End-to-end job duration in seconds from enqueue to terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"type"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of tasks per queue and state",
		},
		[]string{"queue", "state"},
	)
	DLQDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlq_depth",
			Help: "Number of entries in each dead letter queue",
		},
		[]string{"queue"},
	)

	CreditsReservedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_reserved_total",
			Help: "Total credits reserved for generation jobs",
		},
	)
	CreditsRefundedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_refunded_total",
			Help: "Total credits refunded for failed or cancelled jobs",
		},
	)
	CreditRefundFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credit_refund_failures_total",
			Help: "Refund attempts that exhausted their retry budget",
		},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Requests rejected by the rate limiter per action",
		},
		[]string{"action"},
	)
	RateLimitStoreUnavailableTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_store_unavailable_total",
			Help: "Rate limit checks that failed open because the store was unreachable",
		},
	)

	ModerationActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_actions_total",
			Help: "Moderation outcomes by action",
		},
		[]string{"action"},
	)

	NotificationsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Notification events published per category",
		},
		[]string{"category"},
	)
	NotificationsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Notification events dropped per reason",
		},
		[]string{"reason"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ProviderCallsTotal)
	prometheus.MustRegister(ProviderCallDuration)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsCancelledTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DLQDepth)
	prometheus.MustRegister(CreditsReservedTotal)
	prometheus.MustRegister(CreditsRefundedTotal)
	prometheus.MustRegister(CreditRefundFailuresTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(RateLimitStoreUnavailableTotal)
	prometheus.MustRegister(ModerationActionsTotal)
	prometheus.MustRegister(NotificationsPublishedTotal)
	prometheus.MustRegister(NotificationsDroppedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

func StartProcessingJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Inc()
}

func CompleteJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
}

func FailJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
}

func CancelJob(jobType string) {
	JobsCancelledTotal.WithLabelValues(jobType).Inc()
}

// ObserveJobDuration records enqueue-to-terminal latency for a finished job.
func ObserveJobDuration(jobType string, d time.Duration) {
	if d > 0 {
		JobDuration.WithLabelValues(jobType).Observe(d.Seconds())
	}
}

// ObserveProviderCall records one GPU provider attempt.
func ObserveProviderCall(provider, operation, outcome string, d time.Duration) {
	ProviderCallsTotal.WithLabelValues(provider, operation, outcome).Inc()
	ProviderCallDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// SetCircuitState publishes a provider's breaker state (0=closed, 1=half_open, 2=open).
func SetCircuitState(provider string, state float64) {
	CircuitState.WithLabelValues(provider).Set(state)
}

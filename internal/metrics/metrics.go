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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_enqueued_total",
			Help: "Total notifications accepted by priority",
		},
		[]string{"priority"},
	)

	notificationsDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_notifications_duplicate_total",
			Help: "Submissions ignored because the id was already known",
		},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_processed_total",
			Help: "Delivery attempts by outcome (delivered, retry, failed, rejected)",
		},
		[]string{"outcome", "type"},
	)

	notificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_notification_latency_seconds",
			Help:    "Time from submission to delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"type"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_queue_jobs",
			Help: "Jobs per queue set",
		},
		[]string{"set"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"limiter"},
	)

	redisConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_redis_connected",
			Help: "1 when Redis is reachable, 0 otherwise",
		},
	)

	historyWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_history_writes_total",
			Help: "Lifecycle events archived to Postgres by result",
		},
		[]string{"result"},
	)

	eventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_events_dropped_total",
			Help: "Lifecycle events dropped because a subscriber was full",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNotificationEnqueued counts an accepted submission.
func RecordNotificationEnqueued(priority string) {
	notificationsEnqueued.WithLabelValues(priority).Inc()
}

// RecordDuplicateSubmission counts a submission that was deduplicated.
func RecordDuplicateSubmission() {
	notificationsDuplicate.Inc()
}

// RecordNotificationProcessed records the outcome of one delivery attempt.
func RecordNotificationProcessed(outcome, recordType string) {
	notificationsProcessed.WithLabelValues(outcome, recordType).Inc()
}

// RecordNotificationLatency records end-to-end delivery time.
func RecordNotificationLatency(recordType string, latency time.Duration) {
	notificationLatency.WithLabelValues(recordType).Observe(latency.Seconds())
}

// SetBreakerState publishes the numeric state of a circuit breaker.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordBreakerTransition counts a state change.
func RecordBreakerTransition(name, from, to string) {
	breakerTransitions.WithLabelValues(name, from, to).Inc()
}

// SetQueueDepth sets the size of one queue set.
func SetQueueDepth(set string, count int64) {
	queueDepth.WithLabelValues(set).Set(float64(count))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(limiter string) {
	rateLimitRejections.WithLabelValues(limiter).Inc()
}

// SetRedisConnected mirrors the connection manager's view of Redis.
func SetRedisConnected(connected bool) {
	if connected {
		redisConnected.Set(1)
		return
	}
	redisConnected.Set(0)
}

// RecordHistoryWrite counts an archive insert.
func RecordHistoryWrite(ok bool) {
	if ok {
		historyWrites.WithLabelValues("ok").Inc()
		return
	}
	historyWrites.WithLabelValues("error").Inc()
}

// RecordEventsDropped adds n events lost to slow subscribers.
func RecordEventsDropped(n uint64) {
	eventsDropped.Add(float64(n))
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

// Middleware returns HTTP middleware that records request metrics. Paths
// are labelled with the chi route pattern so ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	emailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total number of emails sent, by template kind",
		},
		[]string{"kind"},
	)

	emailsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emails_failed_total",
			Help: "Total number of email send failures, by template kind",
		},
		[]string{"kind"},
	)

	jobsExecuted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_executed_total",
			Help: "Total number of scheduled jobs executed",
		},
	)

	jobsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of scheduled jobs whose handler failed",
		},
	)

	jobsMissed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_missed_total",
			Help: "Total number of jobs dropped past their misfire grace",
		},
	)

	jobsCanceled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_canceled_total",
			Help: "Total number of pending jobs canceled",
		},
	)

	webhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Total number of webhook events received, by type",
		},
		[]string{"event_type"},
	)
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency per route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.statusCode)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

func EmailSent(kind string)   { emailsSent.WithLabelValues(kind).Inc() }
func EmailFailed(kind string) { emailsFailed.WithLabelValues(kind).Inc() }

func JobExecuted() { jobsExecuted.Inc() }
func JobFailed()   { jobsFailed.Inc() }
func JobMissed()   { jobsMissed.Inc() }
func JobCanceled() { jobsCanceled.Inc() }

func WebhookReceived(eventType string) { webhooksReceived.WithLabelValues(eventType).Inc() }

package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/freessl/internal/renewal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freessl_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "freessl_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freessl_sweep_runs_total",
		Help: "Completed sweep passes by sweep.",
	}, []string{"sweep"})

	sweepCertificatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freessl_sweep_certificates_total",
		Help: "Certificates processed by sweeps, by sweep and result.",
	}, []string{"sweep", "result"})

	sweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "freessl_sweep_duration_seconds",
		Help:    "Sweep pass duration in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"sweep"})

	schedulerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freessl_scheduler_runs_total",
		Help: "Scheduled job invocations by job and outcome (ok, error, skipped).",
	}, []string{"job", "outcome"})

	issuerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freessl_issuer_calls_total",
		Help: "Calls to the certificate issuer by operation and result.",
	}, []string{"op", "result"})

	paymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freessl_payments_total",
		Help: "Payment confirmations by result.",
	}, []string{"result"})

	auditEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freessl_audit_entries_total",
		Help: "Audit ledger entries appended, by action.",
	}, []string{"action"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordSweep records a completed sweep pass.
func RecordSweep(s renewal.Summary) {
	sweepRunsTotal.WithLabelValues(s.Sweep).Inc()
	sweepDuration.WithLabelValues(s.Sweep).Observe(s.Duration.Seconds())
}

// RecordSweepResult records one processed sweep candidate.
func RecordSweepResult(sweep, result string) {
	sweepCertificatesTotal.WithLabelValues(sweep, result).Inc()
}

// RecordSchedulerRun records a scheduler invocation.
func RecordSchedulerRun(job, outcome string) {
	schedulerRunsTotal.WithLabelValues(job, outcome).Inc()
}

// RecordIssuerCall records an issuer call.
func RecordIssuerCall(op string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	issuerCallsTotal.WithLabelValues(op, result).Inc()
}

// RecordPayment records a payment confirmation result.
func RecordPayment(result string) {
	paymentsTotal.WithLabelValues(result).Inc()
}

// RecordAuditAppend records an audit ledger append.
func RecordAuditAppend(action string) {
	auditEntriesTotal.WithLabelValues(action).Inc()
}

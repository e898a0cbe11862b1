package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	auditRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	auditRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	auditAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_entries_appended_total",
		Help: "Audit append attempts by result.",
	}, []string{"result"})

	auditVerifyFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_chain_verify_failures_total",
		Help: "Chain verifications that found a broken link.",
	})

	alertDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_alert_deliveries_total",
		Help: "Chain-broken alert webhook deliveries by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		auditRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		auditRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// RecordAuditAppend records the outcome of an append request.
func RecordAuditAppend(success bool) {
	if success {
		auditAppendsTotal.WithLabelValues("success").Inc()
	} else {
		auditAppendsTotal.WithLabelValues("failure").Inc()
	}
}

// RecordVerifyFailure records a verification that found tampering or corruption.
func RecordVerifyFailure() {
	auditVerifyFailuresTotal.Inc()
}

// RecordAlertDelivery records the outcome of one alert webhook attempt.
func RecordAlertDelivery(success bool) {
	if success {
		alertDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		alertDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

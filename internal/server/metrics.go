package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	auditEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditvault_events_total",
		Help: "Total audit events recorded, by risk level.",
	}, []string{"risk_level"})

	auditRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditvault_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	auditRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auditvault_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	auditBlocksSealedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auditvault_blocks_sealed_total",
		Help: "Total verification blocks mined and sealed.",
	})

	auditIntegrityScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditvault_chain_integrity_score",
		Help: "Integrity score of the last full chain verification (0-100).",
	})

	auditKeyRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auditvault_key_rotations_total",
		Help: "Total encryption key rotations performed.",
	})

	auditDisposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditvault_disposals_total",
		Help: "Total certified disposals by method.",
	}, []string{"method"})

	auditRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auditvault_rate_limited_total",
		Help: "Total requests rejected by the per-client rate limiter.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		auditRequestsTotal.WithLabelValues(method, path, status).Inc()
		auditRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordEvent counts one recorded audit event.
func RecordEvent(riskLevel string) {
	auditEventsTotal.WithLabelValues(riskLevel).Inc()
}

// RecordBlocksSealed counts newly sealed verification blocks.
func RecordBlocksSealed(n int) {
	auditBlocksSealedTotal.Add(float64(n))
}

// SetIntegrityScore publishes the result of a full chain verification.
func SetIntegrityScore(score float64) {
	auditIntegrityScore.Set(score)
}

// RecordKeyRotation counts one completed key rotation.
func RecordKeyRotation() {
	auditKeyRotationsTotal.Inc()
}

// RecordDisposal counts one certified disposal.
func RecordDisposal(method string) {
	auditDisposalsTotal.WithLabelValues(method).Inc()
}

// RecordRateLimited counts one rate-limited request.
func RecordRateLimited() {
	auditRateLimitedTotal.Inc()
}

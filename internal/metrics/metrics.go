// Package metrics exposes Prometheus collectors for the HTTP surface, inbound
// event handling and outbound deliveries.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	inboundEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_events_total",
			Help: "Inbound provider events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Outbound webhook delivery attempts by event type and status",
		},
		[]string{"event_type", "status"},
	)

	deliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Outbound webhook delivery latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	refundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refunds_total",
			Help: "Merchant initiated refunds by outcome",
		},
		[]string{"outcome"},
	)
)

// Inbound event outcomes.
const (
	OutcomeProcessed   = "processed"
	OutcomeIgnored     = "ignored"
	OutcomeDuplicate   = "duplicate"
	OutcomeInvalid     = "invalid_signature"
	OutcomeError       = "error"
	OutcomeRateLimited = "rate_limited"
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(inboundEventsTotal)
	prometheus.MustRegister(deliveriesTotal)
	prometheus.MustRegister(deliveryDuration)
	prometheus.MustRegister(refundsTotal)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordInboundEvent(eventType, outcome string) {
	if eventType == "" {
		eventType = "unknown"
	}
	inboundEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func RecordDelivery(eventType, status string, took time.Duration) {
	deliveriesTotal.WithLabelValues(eventType, status).Inc()
	deliveryDuration.WithLabelValues(eventType).Observe(took.Seconds())
}

func RecordRefund(outcome string) {
	refundsTotal.WithLabelValues(outcome).Inc()
}

package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus collectors for the orchestration core. InitMetrics registers
// them exactly once; both binaries call it at startup.
var (
	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aiseo_jobs_processed_total",
		Help: "Jobs processed by the worker, by queue and outcome.",
	}, []string{"queue", "outcome"})

	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aiseo_job_duration_seconds",
		Help:    "Agent job execution duration.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"queue", "agent"})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aiseo_events_published_total",
		Help: "Events published to the bus, by type.",
	}, []string{"type"})

	WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aiseo_webhook_deliveries_total",
		Help: "Webhook delivery attempts, by outcome.",
	}, []string{"outcome"})

	QuotaDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aiseo_quota_denials_total",
		Help: "Quota increments rejected with QUOTA_EXCEEDED, by kind.",
	}, []string{"kind"})

	OutboxDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aiseo_outbox_dispatched_total",
		Help: "Outbox rows dispatched, by outcome.",
	}, []string{"outcome"})

	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aiseo_ws_connections",
		Help: "Currently connected WebSocket clients.",
	})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aiseo_http_requests_total",
		Help: "HTTP requests served, by route, method, and status.",
	}, []string{"route", "method", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aiseo_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})
)

var registerOnce sync.Once

// InitMetrics registers all collectors with the default registry. Safe to
// call from both binaries; registration happens once per process.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			JobsProcessed,
			JobDuration,
			EventsPublished,
			WebhookDeliveries,
			QuotaDenials,
			OutboxDispatched,
			WSConnections,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
	})
}

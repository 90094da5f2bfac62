package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_jobs_enqueued_total", Help: "Total enqueued jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ops_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ops_jobs_inflight", Help: "Jobs currently leased"})

	// JobOutcomes counts finished attempts by job type and outcome (succeeded, retry, dead_letter).
	JobOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ops_job_outcomes_total",
		Help: "Job attempts by type and outcome",
	}, []string{"type", "outcome"})
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ops_job_duration_seconds",
		Help:    "Handler execution time",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	EmailDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ops_email_deliveries_total",
		Help: "Email ledger outcomes (sent, already_sent, failed)",
	}, []string{"outcome"})
	WebhookResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ops_webhook_responses_total",
		Help: "Webhook invocations by classification",
	}, []string{"class"})
	ReclaimOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ops_reclaim_outcomes_total",
		Help: "Upload intents processed by reclamation outcome",
	}, []string{"outcome"})
	ReclaimDeletedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ops_reclaim_deleted_bytes_total",
		Help: "Bytes deleted from object storage by reclamation",
	})
	HealthCheckDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ops_health_check_duration_seconds",
		Help:    "Snapshot query time by kind",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	AlertTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ops_alert_transitions_total",
		Help: "Alert state changes by rule and transition",
	}, []string{"rule", "transition"})
	AlertNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ops_alert_notifications_total",
		Help: "Alert notifications by result (sent, throttled, failed)",
	}, []string{"result"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			JobOutcomes,
			JobDuration,
			EmailDeliveries,
			WebhookResponses,
			ReclaimOutcomes,
			ReclaimDeletedBytes,
			HealthCheckDuration,
			AlertTransitions,
			AlertNotifications,
		)
	})
	return promhttp.Handler()
}

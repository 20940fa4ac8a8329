package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics for the dispatch gateway
type Metrics struct {
	// Ingress metrics
	MessagesSubmitted prometheus.Counter
	MessagesRejected  *prometheus.CounterVec

	// Queue metrics
	QueueDepth      prometheus.Gauge
	InFlight        prometheus.Gauge
	MessagesCleared prometheus.Counter

	// Delivery metrics
	DeliveryAttempts  prometheus.Counter
	DeliverySuccesses prometheus.Counter
	DeliveryFailures  *prometheus.CounterVec
	DeliveryRetries   prometheus.Counter
	DeliveryDuration  prometheus.Histogram

	// Sink metrics
	NotifierCalls    prometheus.Counter
	NotifierFailures prometheus.Counter
	AuditFailures    prometheus.Counter
	ArtifactUploads  prometheus.Counter
	ArtifactFailures prometheus.Counter

	// Session metrics
	SessionLogins       prometheus.Counter
	SessionLoginErrors  prometheus.Counter
	SecondFactorPrompts prometheus.Counter
}

// Get returns the singleton metrics instance
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		MessagesSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webmta_messages_submitted_total",
			Help: "Total number of messages accepted into the dispatch queue",
		}),
		MessagesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "webmta_messages_rejected_total",
			Help: "Total number of submissions rejected before enqueue",
		}, []string{"reason"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "webmta_queue_depth",
			Help: "Number of messages waiting in the dispatch queue",
		}),
		InFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "webmta_in_flight",
			Help: "Number of messages currently being attempted (0 or 1)",
		}),
		MessagesCleared: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webmta_messages_cleared_total",
			Help: "Total number of pending messages discarded by queue clear",
		}),
		DeliveryAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webmta_delivery_attempts_total",
			Help: "Total number of delivery attempts",
		}),
		DeliverySuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webmta_delivery_successes_total",
			Help: "Total number of successful deliveries",
		}),
		DeliveryFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "webmta_delivery_failures_total",
			Help: "Total number of terminally failed deliveries",
		}, []string{"kind"}),
		DeliveryRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webmta_delivery_retries_total",
			Help: "Total number of retried attempts",
		}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "webmta_delivery_duration_seconds",
			Help:    "Duration of delivery attempts",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		NotifierCalls: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webmta_notifier_calls_total",
			Help: "Total number of notification callbacks attempted",
		}),
		NotifierFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webmta_notifier_failures_total",
			Help: "Total number of notification callbacks that failed",
		}),
		AuditFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webmta_audit_failures_total",
			Help: "Total number of audit writes that failed",
		}),
		ArtifactUploads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webmta_artifact_uploads_total",
			Help: "Total number of diagnostic artifacts stored",
		}),
		ArtifactFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webmta_artifact_failures_total",
			Help: "Total number of artifact stores that failed",
		}),
		SessionLogins: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webmta_session_logins_total",
			Help: "Total number of completed console logins",
		}),
		SessionLoginErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webmta_session_login_errors_total",
			Help: "Total number of failed console logins",
		}),
		SecondFactorPrompts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webmta_second_factor_prompts_total",
			Help: "Total number of manual second-factor waits entered",
		}),
	}
}

// Handler returns the HTTP handler exposing the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

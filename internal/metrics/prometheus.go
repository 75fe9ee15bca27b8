package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"endpoint", "status", "method"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

var HTTPRateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "http_rate_limit_rejections_total",
		Help: "Total number of HTTP requests rejected due to rate limiting",
	},
)

var CredentialIssueDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "media_credential_issue_duration_seconds",
		Help:    "Time taken to issue media join credentials",
		Buckets: prometheus.DefBuckets,
	},
)

var CredentialIssueFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "media_credential_issue_failures_total",
		Help: "Total number of failed media credential issuances",
	},
	[]string{"reason"},
)

var CallTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "call_session_transitions_total",
		Help: "Total number of call session status transitions",
	},
	[]string{"status"},
)

var CallsEndedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "call_sessions_ended_total",
		Help: "Total number of call sessions ended, by reason",
	},
	[]string{"reason"},
)

var OutboxAppendsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "outbox_appends_total",
		Help: "Total number of notification events appended",
	},
	[]string{"event_type", "status"},
)

var PushAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "realtime_push_attempts_total",
		Help: "Total number of realtime push attempts",
	},
	[]string{"pusher", "status"},
)

var WSConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "realtime_ws_connections",
		Help: "Number of live websocket event connections",
	},
)

var KafkaPublishFailureTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kafka_publish_failure_total",
		Help: "Total number of failed Kafka publishes",
	},
	[]string{"topic"},
)

var registerOnce sync.Once

func InitAPIMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(HTTPRateLimitRejectionsTotal)
}

func InitCallMetrics() {
	prometheus.MustRegister(CredentialIssueDuration)
	prometheus.MustRegister(CredentialIssueFailuresTotal)
	prometheus.MustRegister(CallTransitionsTotal)
	prometheus.MustRegister(CallsEndedTotal)
	prometheus.MustRegister(OutboxAppendsTotal)
	prometheus.MustRegister(PushAttemptsTotal)
	prometheus.MustRegister(WSConnections)
}

func InitKafkaMetrics() {
	prometheus.MustRegister(KafkaPublishFailureTotal)
}

// Init registers every collector with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		InitAPIMetrics()
		InitCallMetrics()
		InitKafkaMetrics()
	})
}

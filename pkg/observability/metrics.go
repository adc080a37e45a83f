// Package observability provides Prometheus metrics and health endpoints
// for the conversational ordering core.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inbound path metrics
	messagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dishhub_messages_received_total",
			Help: "Total number of inbound customer messages",
		},
		[]string{"restaurant"},
	)

	batchesFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dishhub_batches_flushed_total",
			Help: "Total number of debounce batches flushed",
		},
	)

	// Orchestration metrics
	orchestratorDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dishhub_orchestrator_decisions_total",
			Help: "Total number of capability-routing decisions",
		},
		[]string{"agent", "fallback"},
	)

	stateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dishhub_state_transitions_total",
			Help: "Total number of conversation state transitions",
		},
		[]string{"from", "to"},
	)

	// Outbound delivery metrics
	deliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dishhub_delivery_attempts_total",
			Help: "Total number of outbound delivery attempts",
		},
		[]string{"status"},
	)

	enrichmentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dishhub_enrichment_duration_seconds",
			Help:    "Context enrichment duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Lifecycle metrics
	sessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dishhub_sessions_expired_total",
			Help: "Total number of sessions expired by the idle sweep",
		},
	)

	sessionsReopenedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dishhub_sessions_reopened_total",
			Help: "Total number of sessions reopened after order cancellation",
		},
	)

	sessionsArchivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dishhub_sessions_archived_total",
			Help: "Total number of sessions archived after order completion",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the Prometheus collectors.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			messagesReceivedTotal,
			batchesFlushedTotal,
			orchestratorDecisionsTotal,
			stateTransitionsTotal,
			deliveryAttemptsTotal,
			enrichmentDuration,
			sessionsExpiredTotal,
			sessionsReopenedTotal,
			sessionsArchivedTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordMessageReceived records an inbound customer message.
func RecordMessageReceived(restaurantID string) {
	messagesReceivedTotal.WithLabelValues(restaurantID).Inc()
}

// RecordBatchFlushed records a flushed debounce batch.
func RecordBatchFlushed() {
	batchesFlushedTotal.Inc()
}

// RecordDecision records an orchestrator decision.
func RecordDecision(agent string, fallback bool) {
	fb := "false"
	if fallback {
		fb = "true"
	}
	orchestratorDecisionsTotal.WithLabelValues(agent, fb).Inc()
}

// RecordStateTransition records a conversation state change.
func RecordStateTransition(from, to string) {
	stateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordDeliveryAttempt records one outbound delivery attempt outcome.
func RecordDeliveryAttempt(status string) {
	deliveryAttemptsTotal.WithLabelValues(status).Inc()
}

// RecordEnrichment records a context enrichment duration.
func RecordEnrichment(duration time.Duration) {
	enrichmentDuration.Observe(duration.Seconds())
}

// RecordSessionExpired records an idle-expired session.
func RecordSessionExpired() {
	sessionsExpiredTotal.Inc()
}

// RecordSessionReopened records a session reopened by an order cancellation.
func RecordSessionReopened() {
	sessionsReopenedTotal.Inc()
}

// RecordSessionArchived records a session archived by an order completion.
func RecordSessionArchived() {
	sessionsArchivedTotal.Inc()
}

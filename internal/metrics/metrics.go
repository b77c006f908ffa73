// Package metrics exposes the exchange engine's Prometheus instruments.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "peppol"

var (
	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Total send attempts by provider and outcome.",
		},
		[]string{"provider", "outcome"}, // outcome: sent, requeued, failed
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Duration of provider send calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Total document status transitions.",
		},
		[]string{"direction", "from", "to"},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total provider notifications by event type and result.",
		},
		[]string{"provider", "event_type", "result"}, // result: applied, duplicate, ignored, deferred, error
	)

	webhookRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Total webhook requests by provider and HTTP status.",
		},
		[]string{"provider", "code"},
	)

	reconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Total reconciliations of received documents.",
		},
		[]string{"outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status_code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// ObserveSend records the outcome and latency of one send call
func ObserveSend(provider, outcome string, elapsed time.Duration) {
	sendsTotal.WithLabelValues(provider, outcome).Inc()
	sendDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ObserveTransition counts a status change
func ObserveTransition(direction, from, to string) {
	transitionsTotal.WithLabelValues(direction, from, to).Inc()
}

// ObserveNotification counts an applied, duplicate or ignored notification
func ObserveNotification(provider, eventType, result string) {
	notificationsTotal.WithLabelValues(provider, eventType, result).Inc()
}

// ObserveWebhook counts a webhook request by response code
func ObserveWebhook(provider, code string) {
	webhookRequestsTotal.WithLabelValues(provider, code).Inc()
}

// ObserveReconcile counts a reconciliation outcome
func ObserveReconcile(outcome string) {
	reconcileTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one served request; path is the route pattern
func ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	httpRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

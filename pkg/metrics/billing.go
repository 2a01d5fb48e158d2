package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics records webhook ingestion and reconciliation outcomes.
type BillingMetrics struct {
	webhookEvents     *prometheus.CounterVec
	reconcileTotal    *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
}

// NewBillingMetrics registers the billing metrics on the provided registerer.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Stripe webhook events by type and processing outcome.",
	}, []string{"type", "outcome"})
	reconcileTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_total",
		Help: "Manual reconciliation attempts by result.",
	}, []string{"result"})
	reconcileDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconcile_duration_seconds",
		Help:    "Duration of reconciliation calls in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})
	reg.MustRegister(webhookEvents, reconcileTotal, reconcileDuration)
	return &BillingMetrics{
		webhookEvents:     webhookEvents,
		reconcileTotal:    reconcileTotal,
		reconcileDuration: reconcileDuration,
	}
}

// ObserveWebhookEvent counts one webhook delivery outcome.
func (b *BillingMetrics) ObserveWebhookEvent(eventType, outcome string) {
	if b == nil || b.webhookEvents == nil {
		return
	}
	b.webhookEvents.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

// ObserveReconcile counts one reconciliation attempt and its duration.
func (b *BillingMetrics) ObserveReconcile(result string, duration time.Duration) {
	if b == nil || b.reconcileTotal == nil {
		return
	}
	b.reconcileTotal.WithLabelValues(normalizeLabel(result)).Inc()
	b.reconcileDuration.WithLabelValues(normalizeLabel(result)).Observe(duration.Seconds())
}

package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/practpec/voyaj-api/pkg/subscription"
)

// Metrics implements subscription.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal         *prometheus.CounterVec
	webhookProcessingDuration  *prometheus.HistogramVec
	transitionsTotal           *prometheus.CounterVec
	entitlementChecksTotal     *prometheus.CounterVec
	cacheHitsTotal             *prometheus.CounterVec
	cacheMissesTotal           *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	schedulerAffectedTotal     *prometheus.CounterVec
	schedulerRunDuration       *prometheus.HistogramVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events by outcome.",
		}, []string{"provider", "event_type", "outcome"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Latency of webhook event processing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "transitions_total",
			Help:      "Total number of committed status transitions.",
		}, []string{"from", "to"}),

		entitlementChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "entitlement_checks_total",
			Help:      "Total number of entitlement decisions.",
		}, []string{"check", "allowed"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		notificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "notifications_total",
			Help:      "Total number of notification attempts.",
		}, []string{"template", "success"}),

		schedulerAffectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "scheduler_affected_total",
			Help:      "Total number of subscriptions touched by scheduler jobs.",
		}, []string{"job"}),

		schedulerRunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "scheduler_run_duration_seconds",
			Help:      "Latency of scheduler job runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"name", "state"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider string, eventType subscription.EventType, outcome string) {
	m.webhookEventsTotal.WithLabelValues(provider, string(eventType), outcome).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider string, eventType subscription.EventType, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(provider, string(eventType)).Observe(duration.Seconds())
}

func (m *Metrics) RecordTransition(from, to subscription.Status) {
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordEntitlementCheck(check subscription.Check, allowed bool) {
	m.entitlementChecksTotal.WithLabelValues(string(check), strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordNotification(template string, success bool) {
	m.notificationsTotal.WithLabelValues(template, strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordSchedulerRun(job string, affected int, duration time.Duration) {
	m.schedulerAffectedTotal.WithLabelValues(job).Add(float64(affected))
	m.schedulerRunDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *Metrics) RecordCircuitBreakerStateChange(name, state string) {
	m.circuitBreakerStateChanges.WithLabelValues(name, state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

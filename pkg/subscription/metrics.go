package subscription

import "time"

// Metrics defines the interface for tracking subscription engine operations.
type Metrics interface {
	// RecordWebhookEvent records the outcome of one Process call.
	// outcome: "processed", "duplicate", "failed", "rejected" or "retried"
	RecordWebhookEvent(provider string, eventType EventType, outcome string)

	// RecordWebhookProcessingDuration records how long a webhook event took to process.
	RecordWebhookProcessingDuration(provider string, eventType EventType, duration time.Duration)

	// RecordTransition records a committed status transition.
	RecordTransition(from, to Status)

	// RecordEntitlementCheck records an entitlement decision.
	RecordEntitlementCheck(check Check, allowed bool)

	// RecordCacheHit records a cache hit for a specific cache type (e.g., "entitlement").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordNotification records a notification send attempt.
	RecordNotification(template string, success bool)

	// RecordSchedulerRun records a batch job run and how many subscriptions it touched.
	RecordSchedulerRun(job string, affected int, duration time.Duration)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(name, state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_ string, _ EventType, _ string)                     {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ EventType, _ time.Duration) {}
func (n *NoopMetrics) RecordTransition(_, _ Status)                                           {}
func (n *NoopMetrics) RecordEntitlementCheck(_ Check, _ bool)                                 {}
func (n *NoopMetrics) RecordCacheHit(_ string)                                                {}
func (n *NoopMetrics) RecordCacheMiss(_ string)                                               {}
func (n *NoopMetrics) RecordNotification(_ string, _ bool)                                    {}
func (n *NoopMetrics) RecordSchedulerRun(_ string, _ int, _ time.Duration)                    {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_, _ string)                            {}

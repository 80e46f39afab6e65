package billing

import "time"

// Metrics defines the interface for collecting gateway metrics.
// Engine-level webhook outcomes are recorded by subscription.Metrics; this
// interface covers HTTP intake and provider API traffic.
type Metrics interface {
	// Webhook intake
	RecordWebhookRequest(provider, status string)
	RecordWebhookRequestDuration(provider string, duration time.Duration)
	RecordWebhookError(provider, errorType string)

	// Provider API calls
	RecordAPICall(provider, endpoint, status string)
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of Metrics.
type NoopMetrics struct{}

func (m *NoopMetrics) RecordWebhookRequest(provider, status string)                            {}
func (m *NoopMetrics) RecordWebhookRequestDuration(provider string, duration time.Duration)    {}
func (m *NoopMetrics) RecordWebhookError(provider, errorType string)                           {}
func (m *NoopMetrics) RecordAPICall(provider, endpoint, status string)                         {}
func (m *NoopMetrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {}

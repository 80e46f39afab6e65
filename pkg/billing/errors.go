package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a gateway is missing credentials
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookPayload is returned when a verified webhook body cannot be decoded
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrMissingUserID is returned when a provider object carries no user reference
	ErrMissingUserID = errors.New("provider object missing user reference")

	// ErrProviderAPIError is returned when a provider REST call answers with an error status
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrPlanNotConfigured is returned when a plan has no provider price
	ErrPlanNotConfigured = errors.New("plan not configured for provider")

	// ErrNotSupported is returned for operations a provider does not offer
	ErrNotSupported = errors.New("operation not supported by provider")

	// ErrIgnoredNotification is returned for verified notifications that carry nothing to act on
	ErrIgnoredNotification = errors.New("notification ignored")
)

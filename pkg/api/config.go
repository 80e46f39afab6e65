package api

import (
	"fmt"
	"net/http"

	"github.com/practpec/voyaj-api/pkg/subscription"
)

// Config holds configuration for the subscription API handler
type Config struct {
	// Manager is the subscription lifecycle manager (required)
	Manager *subscription.Manager

	// Validator answers entitlement checks (required)
	Validator *subscription.Validator

	// Scheduler enables the trial admin endpoints (optional)
	Scheduler *subscription.Scheduler

	// Processor enables the failed event retry endpoint (optional)
	Processor *subscription.Processor

	// Webhooks maps a provider name to its intake handler, mounted at /webhooks/{provider}
	Webhooks map[string]http.Handler

	// GetUserID extracts the authenticated user ID from the request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// IsAdmin gates the /admin routes. If nil, admin routes are not mounted
	IsAdmin func(*http.Request) bool

	// MetricsHandler is served at /metrics when set (usually promhttp.Handler())
	MetricsHandler http.Handler

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional; NoopLogger when nil
	Logger subscription.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.Validator == nil {
		return fmt.Errorf("validator is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new subscription API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &subscription.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

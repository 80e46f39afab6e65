package billing

import (
	"net/http"

	"github.com/practpec/voyaj-api/pkg/subscription"
)

// Config holds the options shared by every payment gateway adapter
type Config struct {
	// Catalog maps provider price ids back to plans; defaults to subscription.DefaultCatalog()
	Catalog *subscription.Catalog

	// Credentials
	APIKey        string
	WebhookSecret string

	// HTTPClient is used for provider REST calls (optional)
	HTTPClient *http.Client

	// BaseURL overrides the provider API endpoint (tests, sandboxes)
	BaseURL string

	// Observability (optional)
	Metrics Metrics
	Logger  subscription.Logger
}

// WithDefaults returns a copy of c with nil collaborators replaced by no-ops.
func (c Config) WithDefaults() Config {
	if c.Catalog == nil {
		c.Catalog = subscription.DefaultCatalog()
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &subscription.NoopLogger{}
	}
	return c
}

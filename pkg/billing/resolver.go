package billing

import (
	"context"

	"github.com/practpec/voyaj-api/pkg/subscription"
)

// NotificationResolver is implemented by gateways whose notifications arrive as
// bare (topic, id) references. The full object is fetched from the provider API
// before anything is trusted.
type NotificationResolver interface {
	// ResolveNotification returns the normalized event, or ErrIgnoredNotification
	// when the referenced object needs no action.
	ResolveNotification(ctx context.Context, topic, id string) (*subscription.Event, error)
}

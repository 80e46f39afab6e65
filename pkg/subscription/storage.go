package subscription

import (
	"context"
	"fmt"
	"time"
)

// ErrSubscriptionExists is returned by SubscriptionStore.Create when the user already has one
var ErrSubscriptionExists = fmt.Errorf("subscription already exists: %w", ErrConflict)

// SubscriptionStore persists the single subscription each user owns.
// Implementations must make Update a single atomic write keyed by ID;
// concurrent writers to the same subscription are last-write-wins.
type SubscriptionStore interface {
	// Create stores a new subscription
	// Returns ErrSubscriptionExists if the user already has one
	Create(ctx context.Context, sub *Subscription) error

	// GetByUserID returns the user's subscription or ErrSubscriptionNotFound
	GetByUserID(ctx context.Context, userID string) (*Subscription, error)

	// GetByID returns a subscription by its ID or ErrSubscriptionNotFound
	GetByID(ctx context.Context, id string) (*Subscription, error)

	// GetByProviderSubscriptionID resolves an upstream subscription id or ErrSubscriptionNotFound
	GetByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)

	// Update overwrites the stored subscription with the same ID
	Update(ctx context.Context, sub *Subscription) error

	// ListTrialsEndingBetween returns trialing subscriptions with from <= trialEnd <= to
	// whose trial warning has not been sent
	ListTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error)

	// ListTrialsEndedBefore returns trialing subscriptions with trialEnd < t
	ListTrialsEndedBefore(ctx context.Context, t time.Time) ([]*Subscription, error)

	// ListByStatus returns every subscription in a status
	ListByStatus(ctx context.Context, status Status) ([]*Subscription, error)
}

// ProcessedEventStore is the append-only dedupe ledger of provider events
type ProcessedEventStore interface {
	// Get returns the record for an event id
	// Returns nil if no record found (not an error)
	Get(ctx context.Context, eventID string) (*ProcessedEvent, error)

	// Record inserts or updates the record for ev.EventID.
	// A completed record is never replaced by a failed one.
	Record(ctx context.Context, ev *ProcessedEvent) error

	// ListRetryable returns failed records with RetryCount < maxRetries, oldest first
	ListRetryable(ctx context.Context, maxRetries, limit int) ([]*ProcessedEvent, error)
}

// UsageProvider exposes usage counters owned by other domains
type UsageProvider interface {
	// CountActiveTrips returns the number of non-deleted trips the user owns
	CountActiveTrips(ctx context.Context, userID string) (int, error)

	// CountTripPhotos returns the number of non-deleted photos in a trip
	CountTripPhotos(ctx context.Context, tripID string) (int, error)
}

// UserProfile is the part of a user record notifications and checkout need
type UserProfile struct {
	ID    string
	Email string
	Name  string
}

// UserDirectory resolves user ids to contact details
type UserDirectory interface {
	// Lookup returns the profile or a *NotFoundError
	Lookup(ctx context.Context, userID string) (*UserProfile, error)
}

// Notifier delivers a rendered notification to a user.
// A nil error means the provider accepted the message.
type Notifier interface {
	Send(ctx context.Context, template, recipientUserID string, data map[string]interface{}) error
}

// LimitNoticeTracker suppresses repeated limit-reached notifications
type LimitNoticeTracker interface {
	// MarkLimitHit returns true only for the first call per key within window
	MarkLimitHit(ctx context.Context, key string, window time.Duration) (bool, error)
}

// Clock supplies the current time. Tests inject a fake.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

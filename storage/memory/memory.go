// Package memory provides in-memory implementations of the subscription stores.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/practpec/voyaj-api/pkg/subscription"
)

// Storage implements subscription.SubscriptionStore, ProcessedEventStore,
// LimitNoticeTracker, UsageProvider and UserDirectory using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription.Subscription // by ID
	byUser        map[string]string                     // user ID -> subscription ID
	events        map[string]*subscription.ProcessedEvent
	notices       map[string]time.Time
	trips         map[string]int
	photos        map[string]int
	users         map[string]*subscription.UserProfile
	clock         subscription.Clock
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return NewWithClock(subscription.SystemClock{})
}

// NewWithClock creates a storage adapter whose notice windows follow clock
func NewWithClock(clock subscription.Clock) *Storage {
	return &Storage{
		subscriptions: make(map[string]*subscription.Subscription),
		byUser:        make(map[string]string),
		events:        make(map[string]*subscription.ProcessedEvent),
		notices:       make(map[string]time.Time),
		trips:         make(map[string]int),
		photos:        make(map[string]int),
		users:         make(map[string]*subscription.UserProfile),
		clock:         clock,
	}
}

// Create implements subscription.SubscriptionStore
func (s *Storage) Create(_ context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byUser[sub.UserID]; exists {
		return subscription.ErrSubscriptionExists
	}
	s.subscriptions[sub.ID] = sub.Clone()
	s.byUser[sub.UserID] = sub.ID
	return nil
}

// GetByUserID implements subscription.SubscriptionStore
func (s *Storage) GetByUserID(_ context.Context, userID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUser[userID]
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return s.subscriptions[id].Clone(), nil
}

// GetByID implements subscription.SubscriptionStore
func (s *Storage) GetByID(_ context.Context, id string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, &subscription.NotFoundError{Resource: "subscription", ID: id}
	}
	return sub.Clone(), nil
}

// GetByProviderSubscriptionID implements subscription.SubscriptionStore
func (s *Storage) GetByProviderSubscriptionID(_ context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if providerSubscriptionID != "" && sub.ProviderSubscriptionID == providerSubscriptionID {
			return sub.Clone(), nil
		}
	}
	return nil, &subscription.NotFoundError{Resource: "subscription", ID: providerSubscriptionID}
}

// Update implements subscription.SubscriptionStore
func (s *Storage) Update(_ context.Context, sub *subscription.Subscription) error {
	if sub == nil {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[sub.ID]; !ok {
		return &subscription.NotFoundError{Resource: "subscription", ID: sub.ID}
	}
	s.subscriptions[sub.ID] = sub.Clone()
	s.byUser[sub.UserID] = sub.ID
	return nil
}

// ListTrialsEndingBetween implements subscription.SubscriptionStore
func (s *Storage) ListTrialsEndingBetween(_ context.Context, from, to time.Time) ([]*subscription.Subscription, error) {
	return s.list(func(sub *subscription.Subscription) bool {
		return sub.Status == subscription.StatusTrialing && !sub.TrialWarningSent &&
			sub.TrialEnd != nil && !sub.TrialEnd.Before(from) && !sub.TrialEnd.After(to)
	}), nil
}

// ListTrialsEndedBefore implements subscription.SubscriptionStore
func (s *Storage) ListTrialsEndedBefore(_ context.Context, t time.Time) ([]*subscription.Subscription, error) {
	return s.list(func(sub *subscription.Subscription) bool {
		return sub.Status == subscription.StatusTrialing && sub.TrialEnd != nil && sub.TrialEnd.Before(t)
	}), nil
}

// ListByStatus implements subscription.SubscriptionStore
func (s *Storage) ListByStatus(_ context.Context, status subscription.Status) ([]*subscription.Subscription, error) {
	return s.list(func(sub *subscription.Subscription) bool {
		return sub.Status == status
	}), nil
}

func (s *Storage) list(match func(*subscription.Subscription) bool) []*subscription.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subscription.Subscription
	for _, sub := range s.subscriptions {
		if match(sub) {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get implements subscription.ProcessedEventStore
func (s *Storage) Get(_ context.Context, eventID string) (*subscription.ProcessedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, nil // No record yet is not an error
	}
	evCopy := *ev
	return &evCopy, nil
}

// Record implements subscription.ProcessedEventStore
func (s *Storage) Record(_ context.Context, ev *subscription.ProcessedEvent) error {
	if ev == nil || ev.EventID == "" {
		return fmt.Errorf("invalid processed event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[ev.EventID]; ok && existing.Success && !ev.Success {
		return nil
	}
	evCopy := *ev
	s.events[ev.EventID] = &evCopy
	return nil
}

// ListRetryable implements subscription.ProcessedEventStore
func (s *Storage) ListRetryable(_ context.Context, maxRetries, limit int) ([]*subscription.ProcessedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subscription.ProcessedEvent
	for _, ev := range s.events {
		if !ev.Success && ev.RetryCount < maxRetries {
			evCopy := *ev
			out = append(out, &evCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.Before(out[j].ProcessedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkLimitHit implements subscription.LimitNoticeTracker
func (s *Storage) MarkLimitHit(_ context.Context, key string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if until, ok := s.notices[key]; ok && now.Before(until) {
		return false, nil
	}
	s.notices[key] = now.Add(window)
	return true, nil
}

// CountActiveTrips implements subscription.UsageProvider
func (s *Storage) CountActiveTrips(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trips[userID], nil
}

// CountTripPhotos implements subscription.UsageProvider
func (s *Storage) CountTripPhotos(_ context.Context, tripID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.photos[tripID], nil
}

// SetTrips sets the active trip count of a user
func (s *Storage) SetTrips(userID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trips[userID] = n
}

// SetPhotos sets the photo count of a trip
func (s *Storage) SetPhotos(tripID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.photos[tripID] = n
}

// AddUser registers a profile for Lookup
func (s *Storage) AddUser(profile subscription.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := profile
	s.users[profile.ID] = &p
}

// Lookup implements subscription.UserDirectory
func (s *Storage) Lookup(_ context.Context, userID string) (*subscription.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.users[userID]
	if !ok {
		return nil, &subscription.NotFoundError{Resource: "user", ID: userID}
	}
	pCopy := *p
	return &pCopy, nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions = make(map[string]*subscription.Subscription)
	s.byUser = make(map[string]string)
	s.events = make(map[string]*subscription.ProcessedEvent)
	s.notices = make(map[string]time.Time)
	s.trips = make(map[string]int)
	s.photos = make(map[string]int)
	s.users = make(map[string]*subscription.UserProfile)
}

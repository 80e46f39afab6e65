package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/practpec/voyaj-api/pkg/subscription"
)

type subscriptionDoc struct {
	ID                     string     `bson:"_id"`
	UserID                 string     `bson:"userId"`
	PlanType               string     `bson:"planType"`
	Status                 string     `bson:"status"`
	Provider               string     `bson:"provider,omitempty"`
	ProviderCustomerID     string     `bson:"providerCustomerId,omitempty"`
	ProviderSubscriptionID string     `bson:"providerSubscriptionId,omitempty"`
	CurrentPeriodStart     *time.Time `bson:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd       *time.Time `bson:"currentPeriodEnd,omitempty"`
	TrialStart             *time.Time `bson:"trialStart,omitempty"`
	TrialEnd               *time.Time `bson:"trialEnd,omitempty"`
	TrialWarningSent       bool       `bson:"trialWarningSent"`
	TrialWarningSentAt     *time.Time `bson:"trialWarningSentAt,omitempty"`
	CancelAtPeriodEnd      bool       `bson:"cancelAtPeriodEnd"`
	CancelledAt            *time.Time `bson:"cancelledAt,omitempty"`
	CancellationReason     string     `bson:"cancellationReason,omitempty"`
	DowngradedAt           *time.Time `bson:"downgradedAt,omitempty"`
	DowngradeReason        string     `bson:"downgradeReason,omitempty"`
	LastUpgradeAt          *time.Time `bson:"lastUpgradeAt,omitempty"`
	LastPaymentID          string     `bson:"lastPaymentId,omitempty"`
	RetryURL               string     `bson:"retryUrl,omitempty"`
	CreatedAt              time.Time  `bson:"createdAt"`
	UpdatedAt              time.Time  `bson:"updatedAt"`
}

func toSubscriptionDoc(sub *subscription.Subscription) subscriptionDoc {
	return subscriptionDoc{
		ID:                     sub.ID,
		UserID:                 sub.UserID,
		PlanType:               string(sub.PlanType),
		Status:                 string(sub.Status),
		Provider:               sub.Provider,
		ProviderCustomerID:     sub.ProviderCustomerID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		CurrentPeriodStart:     sub.CurrentPeriodStart,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		TrialStart:             sub.TrialStart,
		TrialEnd:               sub.TrialEnd,
		TrialWarningSent:       sub.TrialWarningSent,
		TrialWarningSentAt:     sub.TrialWarningSentAt,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		CancelledAt:            sub.CancelledAt,
		CancellationReason:     sub.CancellationReason,
		DowngradedAt:           sub.DowngradedAt,
		DowngradeReason:        sub.DowngradeReason,
		LastUpgradeAt:          sub.LastUpgradeAt,
		LastPaymentID:          sub.LastPaymentID,
		RetryURL:               sub.RetryURL,
		CreatedAt:              sub.CreatedAt,
		UpdatedAt:              sub.UpdatedAt,
	}
}

func (d *subscriptionDoc) toSubscription() *subscription.Subscription {
	sub := &subscription.Subscription{
		ID:                     d.ID,
		UserID:                 d.UserID,
		PlanType:               subscription.PlanType(d.PlanType),
		Status:                 subscription.Status(d.Status),
		Provider:               d.Provider,
		ProviderCustomerID:     d.ProviderCustomerID,
		ProviderSubscriptionID: d.ProviderSubscriptionID,
		CurrentPeriodStart:     d.CurrentPeriodStart,
		CurrentPeriodEnd:       d.CurrentPeriodEnd,
		TrialStart:             d.TrialStart,
		TrialEnd:               d.TrialEnd,
		TrialWarningSent:       d.TrialWarningSent,
		TrialWarningSentAt:     d.TrialWarningSentAt,
		CancelAtPeriodEnd:      d.CancelAtPeriodEnd,
		CancelledAt:            d.CancelledAt,
		CancellationReason:     d.CancellationReason,
		DowngradedAt:           d.DowngradedAt,
		DowngradeReason:        d.DowngradeReason,
		LastUpgradeAt:          d.LastUpgradeAt,
		LastPaymentID:          d.LastPaymentID,
		RetryURL:               d.RetryURL,
		CreatedAt:              d.CreatedAt.UTC(),
		UpdatedAt:              d.UpdatedAt.UTC(),
	}
	for _, t := range []*time.Time{
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialStart, sub.TrialEnd,
		sub.TrialWarningSentAt, sub.CancelledAt, sub.DowngradedAt, sub.LastUpgradeAt,
	} {
		if t != nil {
			*t = t.UTC()
		}
	}
	return sub
}

// Create implements subscription.SubscriptionStore
func (s *Storage) Create(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}
	if _, err := s.subscriptions.InsertOne(ctx, toSubscriptionDoc(sub)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return subscription.ErrSubscriptionExists
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetByUserID implements subscription.SubscriptionStore
func (s *Storage) GetByUserID(ctx context.Context, userID string) (*subscription.Subscription, error) {
	sub, err := s.findOne(ctx, bson.M{"userId": userID})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return sub, err
}

// GetByID implements subscription.SubscriptionStore
func (s *Storage) GetByID(ctx context.Context, id string) (*subscription.Subscription, error) {
	sub, err := s.findOne(ctx, bson.M{"_id": id})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &subscription.NotFoundError{Resource: "subscription", ID: id}
	}
	return sub, err
}

// GetByProviderSubscriptionID implements subscription.SubscriptionStore
func (s *Storage) GetByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	if providerSubscriptionID == "" {
		return nil, &subscription.NotFoundError{Resource: "subscription"}
	}
	sub, err := s.findOne(ctx, bson.M{"providerSubscriptionId": providerSubscriptionID})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &subscription.NotFoundError{Resource: "subscription", ID: providerSubscriptionID}
	}
	return sub, err
}

func (s *Storage) findOne(ctx context.Context, filter bson.M) (*subscription.Subscription, error) {
	var doc subscriptionDoc
	err := s.subscriptions.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return doc.toSubscription(), nil
}

// Update implements subscription.SubscriptionStore
func (s *Storage) Update(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil {
		return fmt.Errorf("invalid subscription")
	}
	res, err := s.subscriptions.ReplaceOne(ctx, bson.M{"_id": sub.ID}, toSubscriptionDoc(sub))
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if res.MatchedCount == 0 {
		return &subscription.NotFoundError{Resource: "subscription", ID: sub.ID}
	}
	return nil
}

// ListTrialsEndingBetween implements subscription.SubscriptionStore
func (s *Storage) ListTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]*subscription.Subscription, error) {
	return s.list(ctx, bson.M{
		"status":           string(subscription.StatusTrialing),
		"trialWarningSent": bson.M{"$ne": true},
		"trialEnd":         bson.M{"$gte": from, "$lte": to},
	})
}

// ListTrialsEndedBefore implements subscription.SubscriptionStore
func (s *Storage) ListTrialsEndedBefore(ctx context.Context, t time.Time) ([]*subscription.Subscription, error) {
	return s.list(ctx, bson.M{
		"status":   string(subscription.StatusTrialing),
		"trialEnd": bson.M{"$lt": t},
	})
}

// ListByStatus implements subscription.SubscriptionStore
func (s *Storage) ListByStatus(ctx context.Context, status subscription.Status) ([]*subscription.Subscription, error) {
	return s.list(ctx, bson.M{"status": string(status)})
}

func (s *Storage) list(ctx context.Context, filter bson.M) ([]*subscription.Subscription, error) {
	cursor, err := s.subscriptions.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	var docs []subscriptionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode subscriptions: %w", err)
	}

	out := make([]*subscription.Subscription, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toSubscription())
	}
	return out, nil
}

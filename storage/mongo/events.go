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

type eventDoc struct {
	EventID      string              `bson:"_id"`
	Provider     string              `bson:"provider"`
	EventType    string              `bson:"eventType"`
	ProcessedAt  time.Time           `bson:"processedAt"`
	Success      bool                `bson:"success"`
	Status       string              `bson:"status"`
	RetryCount   int                 `bson:"retryCount"`
	ErrorMessage string              `bson:"errorMessage,omitempty"`
	LastRetryAt  *time.Time          `bson:"lastRetryAt,omitempty"`
	Payload      *subscription.Event `bson:"payload,omitempty"`
}

func (d *eventDoc) toProcessedEvent() *subscription.ProcessedEvent {
	ev := &subscription.ProcessedEvent{
		EventID:      d.EventID,
		Provider:     d.Provider,
		EventType:    subscription.EventType(d.EventType),
		ProcessedAt:  d.ProcessedAt.UTC(),
		Success:      d.Success,
		Status:       subscription.EventStatus(d.Status),
		RetryCount:   d.RetryCount,
		ErrorMessage: d.ErrorMessage,
		Payload:      d.Payload,
	}
	if d.LastRetryAt != nil {
		t := d.LastRetryAt.UTC()
		ev.LastRetryAt = &t
	}
	return ev
}

// Get implements subscription.ProcessedEventStore
func (s *Storage) Get(ctx context.Context, eventID string) (*subscription.ProcessedEvent, error) {
	var doc eventDoc
	err := s.events.FindOne(ctx, bson.M{"_id": eventID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil // No record yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processed event: %w", err)
	}
	return doc.toProcessedEvent(), nil
}

// Record implements subscription.ProcessedEventStore.
// A failed record only matches documents that are not already completed; when a
// completed one exists the upsert collides on _id and the write is dropped.
func (s *Storage) Record(ctx context.Context, ev *subscription.ProcessedEvent) error {
	if ev == nil || ev.EventID == "" {
		return fmt.Errorf("invalid processed event")
	}

	filter := bson.M{"_id": ev.EventID}
	if !ev.Success {
		filter["success"] = bson.M{"$ne": true}
	}

	set := bson.M{
		"provider":     ev.Provider,
		"eventType":    string(ev.EventType),
		"processedAt":  ev.ProcessedAt,
		"success":      ev.Success,
		"status":       string(ev.Status),
		"retryCount":   ev.RetryCount,
		"errorMessage": ev.ErrorMessage,
		"lastRetryAt":  ev.LastRetryAt,
	}
	if ev.Payload != nil {
		set["payload"] = ev.Payload
	}

	_, err := s.events.UpdateOne(ctx, filter, bson.M{"$set": set}, options.UpdateOne().SetUpsert(true))
	if err != nil {
		if !ev.Success && mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to record processed event: %w", err)
	}
	return nil
}

// ListRetryable implements subscription.ProcessedEventStore
func (s *Storage) ListRetryable(ctx context.Context, maxRetries, limit int) ([]*subscription.ProcessedEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "processedAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.events.Find(ctx, bson.M{
		"success":    false,
		"retryCount": bson.M{"$lt": maxRetries},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable events: %w", err)
	}
	var docs []eventDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode retryable events: %w", err)
	}

	out := make([]*subscription.ProcessedEvent, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toProcessedEvent())
	}
	return out, nil
}

// MarkLimitHit implements subscription.LimitNoticeTracker.
// The upsert filter only matches an expired notice, so a live notice makes the
// insert collide on _id and the hit is reported as repeated.
func (s *Storage) MarkLimitHit(ctx context.Context, key string, window time.Duration) (bool, error) {
	now := s.clock.Now()
	_, err := s.notices.UpdateOne(ctx,
		bson.M{"_id": key, "expiresAt": bson.M{"$lte": now}},
		bson.M{"$set": bson.M{"expiresAt": now.Add(window), "markedAt": now}},
		options.UpdateOne().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark limit hit: %w", err)
	}
	return true, nil
}

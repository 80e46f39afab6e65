package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/practpec/voyaj-api/pkg/subscription"
)

// CountActiveTrips implements subscription.UsageProvider
func (s *Storage) CountActiveTrips(ctx context.Context, userID string) (int, error) {
	n, err := s.trips.CountDocuments(ctx, bson.M{
		"createdBy": objectID(userID),
		"isDeleted": notDeleted,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count trips: %w", err)
	}
	return int(n), nil
}

// CountTripPhotos implements subscription.UsageProvider
func (s *Storage) CountTripPhotos(ctx context.Context, tripID string) (int, error) {
	n, err := s.photos.CountDocuments(ctx, bson.M{
		"tripId":    objectID(tripID),
		"isDeleted": notDeleted,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count photos: %w", err)
	}
	return int(n), nil
}

type userDoc struct {
	Email string `bson:"email"`
	Name  string `bson:"name"`
}

// Lookup implements subscription.UserDirectory
func (s *Storage) Lookup(ctx context.Context, userID string) (*subscription.UserProfile, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, bson.M{"_id": objectID(userID), "isDeleted": notDeleted}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &subscription.NotFoundError{Resource: "user", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	return &subscription.UserProfile{ID: userID, Email: doc.Email, Name: doc.Name}, nil
}

// Package mongo provides MongoDB implementations of the subscription stores.
//
// It owns the subscriptions, processed_events and limit_notices collections and
// reads the trips, photos and users collections written by the rest of the Voyaj
// API to answer usage counts and recipient lookups.
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

// Collection names
const (
	SubscriptionsCollection = "subscriptions"
	EventsCollection        = "processed_events"
	NoticesCollection       = "limit_notices"
	TripsCollection         = "trips"
	PhotosCollection        = "photos"
	UsersCollection         = "users"
)

// ErrFailedToConnect is returned when no connection attempt succeeded
var ErrFailedToConnect = errors.New("failed to connect to mongo")

// Config holds MongoDB storage configuration
type Config struct {
	// URI is the MongoDB connection string (required)
	URI string

	// Database holds every collection (default: "voyaj")
	Database string

	ConnectTimeout  time.Duration
	MaxPoolSize     uint64
	MinPoolSize     uint64
	MaxConnIdleTime time.Duration

	// RetryAttempts is the number of connection attempts (default: 3)
	RetryAttempts int
	RetryInterval time.Duration

	// Clock drives limit notice windows (default: SystemClock)
	Clock subscription.Clock
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Database:        "voyaj",
		ConnectTimeout:  10 * time.Second,
		MaxPoolSize:     100,
		MinPoolSize:     1,
		MaxConnIdleTime: 5 * time.Minute,
		RetryAttempts:   3,
		RetryInterval:   2 * time.Second,
	}
}

// Storage implements subscription.SubscriptionStore, ProcessedEventStore,
// LimitNoticeTracker, UsageProvider and UserDirectory using MongoDB
type Storage struct {
	client *mongo.Client
	db     *mongo.Database
	clock  subscription.Clock

	subscriptions *mongo.Collection
	events        *mongo.Collection
	notices       *mongo.Collection
	trips         *mongo.Collection
	photos        *mongo.Collection
	users         *mongo.Collection
}

// New connects to MongoDB, retrying up to RetryAttempts times
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.URI == "" {
		return nil, fmt.Errorf("connection URI is required")
	}
	if config.Database == "" {
		config.Database = "voyaj"
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}

	opts := options.Client().ApplyURI(config.URI)
	if config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(config.ConnectTimeout)
	}
	if config.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(config.MaxPoolSize)
	}
	if config.MinPoolSize > 0 {
		opts.SetMinPoolSize(config.MinPoolSize)
	}
	if config.MaxConnIdleTime > 0 {
		opts.SetMaxConnIdleTime(config.MaxConnIdleTime)
	}

	var lastErr error
	for attempt := 0; attempt < config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Join(ErrFailedToConnect, ctx.Err())
			case <-time.After(config.RetryInterval):
			}
		}

		client, err := mongo.Connect(opts)
		if err != nil {
			lastErr = err
			continue
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			lastErr = err
			continue
		}
		return NewWithDatabase(client, client.Database(config.Database), config.Clock), nil
	}
	return nil, errors.Join(ErrFailedToConnect, lastErr)
}

// NewWithDatabase wraps an existing database handle. client may be nil when the
// caller owns the connection.
func NewWithDatabase(client *mongo.Client, db *mongo.Database, clock subscription.Clock) *Storage {
	if clock == nil {
		clock = subscription.SystemClock{}
	}
	return &Storage{
		client:        client,
		db:            db,
		clock:         clock,
		subscriptions: db.Collection(SubscriptionsCollection),
		events:        db.Collection(EventsCollection),
		notices:       db.Collection(NoticesCollection),
		trips:         db.Collection(TripsCollection),
		photos:        db.Collection(PhotosCollection),
		users:         db.Collection(UsersCollection),
	}
}

// EnsureIndexes creates the indexes the stores rely on. It is idempotent.
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	_, err := s.subscriptions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{
			Keys: bson.D{{Key: "providerSubscriptionId", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(
				bson.M{"providerSubscriptionId": bson.M{"$gt": ""}}),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "trialEnd", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create subscription indexes: %w", err)
	}

	_, err = s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "success", Value: 1}, {Key: "processedAt", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create event indexes: %w", err)
	}

	// MongoDB removes notices once their window has passed
	_, err = s.notices.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("failed to create notice indexes: %w", err)
	}
	return nil
}

// Close disconnects the client when this Storage opened it
func (s *Storage) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// Ping checks the MongoDB connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err()
}

// objectID returns the ObjectID form of a hex id, or the id itself.
// Voyaj user and trip ids are ObjectIDs; other ids are stored as strings.
func objectID(id string) interface{} {
	if oid, err := bson.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

// notDeleted matches documents that were not soft-deleted
var notDeleted = bson.M{"$ne": true}

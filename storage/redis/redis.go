// Package redis provides a Redis implementation of subscription.LimitNoticeTracker.
// Suppression windows are plain keys written with SET NX and an expiry, so every
// API replica shares one view of which limit notices were already sent.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Storage implements subscription.LimitNoticeTracker using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "voyaj:")
	KeyPrefix string

	// MinWindow is the shortest suppression window written (default: 1s).
	// Redis rejects a zero expiry, so shorter windows are rounded up.
	MinWindow time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "voyaj:",
		MinWindow: time.Second,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "voyaj:"
	}
	if config.MinWindow <= 0 {
		config.MinWindow = time.Second
	}

	return &Storage{client: client, config: config}, nil
}

// MarkLimitHit implements subscription.LimitNoticeTracker
func (s *Storage) MarkLimitHit(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window < s.config.MinWindow {
		window = s.config.MinWindow
	}
	ok, err := s.client.SetNX(ctx, s.noticeKey(key), time.Now().UTC().Unix(), window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark limit hit: %w", err)
	}
	return ok, nil
}

// ResetLimitHit clears the suppression window of key
func (s *Storage) ResetLimitHit(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.noticeKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to reset limit hit: %w", err)
	}
	return nil
}

func (s *Storage) noticeKey(key string) string {
	return fmt.Sprintf("%slimit_notice:%s", s.config.KeyPrefix, key)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

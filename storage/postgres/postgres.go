// Package postgres provides PostgreSQL implementations of the subscription stores.
// Subscriptions, the processed event ledger and limit notices each live in their
// own table; the schema ships as embedded goose migrations (see Migrate).
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/practpec/voyaj-api/pkg/subscription"
)

// uniqueViolation is the SQLSTATE PostgreSQL reports for a duplicate key
const uniqueViolation = "23505"

// Storage implements subscription.SubscriptionStore, ProcessedEventStore and
// LimitNoticeTracker using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often expired limit notices are purged

	// Clock drives limit notice windows (default: SystemClock)
	Clock subscription.Clock

	// Logger receives migration and cleanup messages (default: NoopLogger)
	Logger subscription.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Clock == nil {
		config.Clock = subscription.SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = &subscription.NoopLogger{}
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close stops the cleanup worker and closes the connection pool
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	s.pool.Close()
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const subscriptionColumns = `id, user_id, plan_type, status, provider, provider_customer_id,
	provider_subscription_id, current_period_start, current_period_end, trial_start, trial_end,
	trial_warning_sent, trial_warning_sent_at, cancel_at_period_end, cancelled_at,
	cancellation_reason, downgraded_at, downgrade_reason, last_upgrade_at, last_payment_id,
	retry_url, created_at, updated_at`

// Create implements subscription.SubscriptionStore
func (s *Storage) Create(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`, subscriptionArgs(sub)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return subscription.ErrSubscriptionExists
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetByUserID implements subscription.SubscriptionStore
func (s *Storage) GetByUserID(ctx context.Context, userID string) (*subscription.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetByID implements subscription.SubscriptionStore
func (s *Storage) GetByID(ctx context.Context, id string) (*subscription.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &subscription.NotFoundError{Resource: "subscription", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetByProviderSubscriptionID implements subscription.SubscriptionStore
func (s *Storage) GetByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	if providerSubscriptionID == "" {
		return nil, &subscription.NotFoundError{Resource: "subscription"}
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE provider_subscription_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, providerSubscriptionID)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &subscription.NotFoundError{Resource: "subscription", ID: providerSubscriptionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// Update implements subscription.SubscriptionStore
func (s *Storage) Update(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil {
		return fmt.Errorf("invalid subscription")
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			user_id = $2, plan_type = $3, status = $4, provider = $5, provider_customer_id = $6,
			provider_subscription_id = $7, current_period_start = $8, current_period_end = $9,
			trial_start = $10, trial_end = $11, trial_warning_sent = $12, trial_warning_sent_at = $13,
			cancel_at_period_end = $14, cancelled_at = $15, cancellation_reason = $16,
			downgraded_at = $17, downgrade_reason = $18, last_upgrade_at = $19,
			last_payment_id = $20, retry_url = $21, created_at = $22, updated_at = $23
		WHERE id = $1
	`, subscriptionArgs(sub)...)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &subscription.NotFoundError{Resource: "subscription", ID: sub.ID}
	}
	return nil
}

// ListTrialsEndingBetween implements subscription.SubscriptionStore
func (s *Storage) ListTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]*subscription.Subscription, error) {
	return s.listSubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = $1 AND trial_warning_sent = FALSE
			AND trial_end >= $2 AND trial_end <= $3
		ORDER BY created_at
	`, string(subscription.StatusTrialing), from, to)
}

// ListTrialsEndedBefore implements subscription.SubscriptionStore
func (s *Storage) ListTrialsEndedBefore(ctx context.Context, t time.Time) ([]*subscription.Subscription, error) {
	return s.listSubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = $1 AND trial_end < $2
		ORDER BY created_at
	`, string(subscription.StatusTrialing), t)
}

// ListByStatus implements subscription.SubscriptionStore
func (s *Storage) ListByStatus(ctx context.Context, status subscription.Status) ([]*subscription.Subscription, error) {
	return s.listSubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = $1
		ORDER BY created_at
	`, string(status))
}

func (s *Storage) listSubscriptions(ctx context.Context, query string, args ...interface{}) ([]*subscription.Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return out, nil
}

func subscriptionArgs(sub *subscription.Subscription) []interface{} {
	return []interface{}{
		sub.ID, sub.UserID, string(sub.PlanType), string(sub.Status), sub.Provider,
		sub.ProviderCustomerID, sub.ProviderSubscriptionID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialStart, sub.TrialEnd,
		sub.TrialWarningSent, sub.TrialWarningSentAt, sub.CancelAtPeriodEnd, sub.CancelledAt,
		sub.CancellationReason, sub.DowngradedAt, sub.DowngradeReason, sub.LastUpgradeAt,
		sub.LastPaymentID, sub.RetryURL, sub.CreatedAt, sub.UpdatedAt,
	}
}

// rowScanner is satisfied by pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*subscription.Subscription, error) {
	var (
		sub          subscription.Subscription
		plan, status string
	)
	err := row.Scan(
		&sub.ID, &sub.UserID, &plan, &status, &sub.Provider,
		&sub.ProviderCustomerID, &sub.ProviderSubscriptionID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.TrialStart, &sub.TrialEnd,
		&sub.TrialWarningSent, &sub.TrialWarningSentAt, &sub.CancelAtPeriodEnd, &sub.CancelledAt,
		&sub.CancellationReason, &sub.DowngradedAt, &sub.DowngradeReason, &sub.LastUpgradeAt,
		&sub.LastPaymentID, &sub.RetryURL, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.PlanType = subscription.PlanType(plan)
	sub.Status = subscription.Status(status)
	utc(&sub)
	return &sub, nil
}

// utc normalizes scanned timestamps, which pgx returns in the local zone
func utc(sub *subscription.Subscription) {
	for _, t := range []*time.Time{
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialStart, sub.TrialEnd,
		sub.TrialWarningSentAt, sub.CancelledAt, sub.DowngradedAt, sub.LastUpgradeAt,
	} {
		if t != nil {
			*t = t.UTC()
		}
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
}

// Get implements subscription.ProcessedEventStore
func (s *Storage) Get(ctx context.Context, eventID string) (*subscription.ProcessedEvent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM processed_events WHERE event_id = $1`, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No record yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processed event: %w", err)
	}
	return ev, nil
}

const eventColumns = `event_id, provider, event_type, processed_at, success, status,
	retry_count, error_message, last_retry_at, payload`

// Record implements subscription.ProcessedEventStore
func (s *Storage) Record(ctx context.Context, ev *subscription.ProcessedEvent) error {
	if ev == nil || ev.EventID == "" {
		return fmt.Errorf("invalid processed event")
	}

	var payload []byte
	if ev.Payload != nil {
		var err error
		if payload, err = json.Marshal(ev.Payload); err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
	}

	// The WHERE clause keeps a completed record from being replaced by a failed one
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			event_type = EXCLUDED.event_type,
			processed_at = EXCLUDED.processed_at,
			success = EXCLUDED.success,
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			error_message = EXCLUDED.error_message,
			last_retry_at = EXCLUDED.last_retry_at,
			payload = COALESCE(EXCLUDED.payload, processed_events.payload)
		WHERE NOT (processed_events.success AND NOT EXCLUDED.success)
	`, ev.EventID, ev.Provider, string(ev.EventType), ev.ProcessedAt, ev.Success, string(ev.Status),
		ev.RetryCount, ev.ErrorMessage, ev.LastRetryAt, payload)
	if err != nil {
		return fmt.Errorf("failed to record processed event: %w", err)
	}
	return nil
}

// ListRetryable implements subscription.ProcessedEventStore
func (s *Storage) ListRetryable(ctx context.Context, maxRetries, limit int) ([]*subscription.ProcessedEvent, error) {
	// LIMIT NULL returns every row
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM processed_events
		WHERE success = FALSE AND retry_count < $1
		ORDER BY processed_at
		LIMIT NULLIF($2::int, 0)
	`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable events: %w", err)
	}
	defer rows.Close()

	var out []*subscription.ProcessedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan processed event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list retryable events: %w", err)
	}
	return out, nil
}

func scanEvent(row rowScanner) (*subscription.ProcessedEvent, error) {
	var (
		ev                subscription.ProcessedEvent
		eventType, status string
		payload           []byte
	)
	err := row.Scan(&ev.EventID, &ev.Provider, &eventType, &ev.ProcessedAt, &ev.Success, &status,
		&ev.RetryCount, &ev.ErrorMessage, &ev.LastRetryAt, &payload)
	if err != nil {
		return nil, err
	}
	ev.EventType = subscription.EventType(eventType)
	ev.Status = subscription.EventStatus(status)
	ev.ProcessedAt = ev.ProcessedAt.UTC()
	if ev.LastRetryAt != nil {
		t := ev.LastRetryAt.UTC()
		ev.LastRetryAt = &t
	}
	if len(payload) > 0 {
		var event subscription.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
		ev.Payload = &event
	}
	return &ev, nil
}

// MarkLimitHit implements subscription.LimitNoticeTracker.
// The upsert only takes effect when the key is new or its window has passed,
// so a returned row means this call opened a new window.
func (s *Storage) MarkLimitHit(ctx context.Context, key string, window time.Duration) (bool, error) {
	now := s.config.Clock.Now()

	var stored string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO limit_notices (key, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE limit_notices.expires_at <= $3
		RETURNING key
	`, key, now.Add(window), now).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark limit hit: %w", err)
	}
	return true, nil
}

// startCleanup runs periodic cleanup of expired limit notices
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil {
				s.config.Logger.Warn("limit notice cleanup failed", subscription.F("error", err))
			}
		}
	}
}

// Cleanup deletes limit notices whose window has passed
func (s *Storage) Cleanup(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM limit_notices WHERE expires_at <= $1`, s.config.Clock.Now())
	if err != nil {
		return fmt.Errorf("failed to cleanup limit notices: %w", err)
	}
	return nil
}

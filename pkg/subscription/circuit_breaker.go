package subscription

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the circuit breakers around collaborators.
type BreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed in half-open state.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state.
	Interval time.Duration

	// Timeout is the period of the open state.
	Timeout time.Duration

	// FailureThreshold trips the breaker after this many consecutive failures.
	FailureThreshold uint32
}

// DefaultBreakerConfig returns a sensible default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      3,
		Interval:         10 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

func newBreaker(name string, cfg BreakerConfig, logger Logger, metrics Metrics) *gobreaker.CircuitBreaker[any] {
	if cfg.FailureThreshold == 0 {
		cfg = DefaultBreakerConfig()
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				F("breaker", name), F("from", from.String()), F("to", to.String()))
			metrics.RecordCircuitBreakerStateChange(name, to.String())
		},
	})
}

// CircuitBreakerUsage wraps a UsageProvider with circuit breaker protection.
// An open breaker surfaces as an error, which the Validator treats as fail-open.
type CircuitBreakerUsage struct {
	usage UsageProvider
	cb    *gobreaker.CircuitBreaker[any]
}

// NewCircuitBreakerUsage creates a new usage provider wrapper with circuit breaker.
func NewCircuitBreakerUsage(usage UsageProvider, cfg BreakerConfig, logger Logger, metrics Metrics) *CircuitBreakerUsage {
	return &CircuitBreakerUsage{
		usage: usage,
		cb:    newBreaker("usage_provider", cfg, logger, metrics),
	}
}

func (u *CircuitBreakerUsage) CountActiveTrips(ctx context.Context, userID string) (int, error) {
	res, err := u.cb.Execute(func() (any, error) {
		return u.usage.CountActiveTrips(ctx, userID)
	})
	if err != nil {
		return 0, err
	}
	n, _ := res.(int)
	return n, nil
}

func (u *CircuitBreakerUsage) CountTripPhotos(ctx context.Context, tripID string) (int, error) {
	res, err := u.cb.Execute(func() (any, error) {
		return u.usage.CountTripPhotos(ctx, tripID)
	})
	if err != nil {
		return 0, err
	}
	n, _ := res.(int)
	return n, nil
}

// State returns the breaker state name.
func (u *CircuitBreakerUsage) State() string {
	return u.cb.State().String()
}

// CircuitBreakerGateway wraps a PaymentGateway with circuit breaker protection.
// Signature verification is local and bypasses the breaker.
type CircuitBreakerGateway struct {
	gateway PaymentGateway
	cb      *gobreaker.CircuitBreaker[any]
}

// NewCircuitBreakerGateway creates a new gateway wrapper with circuit breaker.
func NewCircuitBreakerGateway(gateway PaymentGateway, cfg BreakerConfig, logger Logger, metrics Metrics) *CircuitBreakerGateway {
	return &CircuitBreakerGateway{
		gateway: gateway,
		cb:      newBreaker(gateway.Name()+"_gateway", cfg, logger, metrics),
	}
}

func (g *CircuitBreakerGateway) Name() string {
	return g.gateway.Name()
}

func (g *CircuitBreakerGateway) CreateCustomer(ctx context.Context, params CustomerParams) (string, error) {
	res, err := g.cb.Execute(func() (any, error) {
		return g.gateway.CreateCustomer(ctx, params)
	})
	if err != nil {
		return "", err
	}
	id, _ := res.(string)
	return id, nil
}

func (g *CircuitBreakerGateway) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	res, err := g.cb.Execute(func() (any, error) {
		return g.gateway.CreateCheckoutSession(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	session, _ := res.(*CheckoutSession)
	return session, nil
}

func (g *CircuitBreakerGateway) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.gateway.CancelSubscription(ctx, subscriptionID, atPeriodEnd)
	})
	return err
}

func (g *CircuitBreakerGateway) UpdateSubscription(ctx context.Context, params UpdateParams) (*SubscriptionUpdate, error) {
	res, err := g.cb.Execute(func() (any, error) {
		return g.gateway.UpdateSubscription(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	update, _ := res.(*SubscriptionUpdate)
	return update, nil
}

func (g *CircuitBreakerGateway) VerifyWebhookSignature(payload []byte, signature string) (*Event, error) {
	return g.gateway.VerifyWebhookSignature(payload, signature)
}

// Unwrap returns the wrapped gateway.
func (g *CircuitBreakerGateway) Unwrap() PaymentGateway {
	return g.gateway
}

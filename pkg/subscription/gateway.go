package subscription

import (
	"context"
	"time"
)

// ProrationBehavior controls how a provider bills a mid-cycle plan change
type ProrationBehavior string

const (
	ProrationCreate        ProrationBehavior = "create_prorations"
	ProrationNone          ProrationBehavior = "none"
	ProrationAlwaysInvoice ProrationBehavior = "always_invoice"
)

// CustomerParams describes the customer to create upstream
type CustomerParams struct {
	UserID string
	Email  string
	Name   string
}

// CheckoutParams describes a hosted checkout for a paid plan
type CheckoutParams struct {
	UserID      string
	CustomerID  string
	Email       string
	PlanType    PlanType
	PriceID     string
	PriceAmount float64
	Currency    string
	TrialDays   int
	SuccessURL  string
	CancelURL   string
}

// CheckoutSession is the provider's hosted checkout
type CheckoutSession struct {
	ID  string
	URL string
}

// UpdateParams describes a plan change on an upstream subscription
type UpdateParams struct {
	SubscriptionID string
	PriceID        string
	PriceAmount    float64
	Currency       string
	Proration      ProrationBehavior
}

// SubscriptionUpdate is what the provider reports after a plan change
type SubscriptionUpdate struct {
	ProviderStatus string
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
}

// PaymentGateway is the capability every payment provider adapter implements
type PaymentGateway interface {
	// Name returns the provider name (e.g., "stripe", "mercadopago")
	Name() string

	// CreateCustomer registers the user upstream and returns the provider customer id
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)

	// CreateCheckoutSession starts a hosted checkout; the resulting webhook carries
	// params.UserID and params.PlanType back as metadata
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)

	// CancelSubscription cancels upstream, immediately or at period end
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error

	// UpdateSubscription moves an upstream subscription to a new price
	UpdateSubscription(ctx context.Context, params UpdateParams) (*SubscriptionUpdate, error)

	// VerifyWebhookSignature authenticates a raw webhook body and normalizes it.
	// Any failure returns a *SignatureError; verification never fails open.
	VerifyWebhookSignature(payload []byte, signature string) (*Event, error)
}

// Gateways indexes gateways by provider name
type Gateways map[string]PaymentGateway

// NewGateways builds the index from gateway names.
func NewGateways(gws ...PaymentGateway) Gateways {
	out := make(Gateways, len(gws))
	for _, g := range gws {
		if g != nil {
			out[g.Name()] = g
		}
	}
	return out
}

// Get returns the gateway for a provider or ErrGatewayNotConfigured.
func (g Gateways) Get(provider string) (PaymentGateway, error) {
	gw, ok := g[provider]
	if !ok {
		return nil, ErrGatewayNotConfigured
	}
	return gw, nil
}

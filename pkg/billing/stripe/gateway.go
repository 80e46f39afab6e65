package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/practpec/voyaj-api/pkg/billing"
	"github.com/practpec/voyaj-api/pkg/subscription"
)

// SignatureHeader is the header carrying the webhook signature
const SignatureHeader = "Stripe-Signature"

const (
	providerName       = "stripe"
	defaultHTTPTimeout = 10 * time.Second

	metadataUserID   = "user_id"
	metadataPlanType = "plan_type"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// MaxNetworkRetries overrides the SDK's retry count (optional)
	MaxNetworkRetries *int64
}

// Gateway implements subscription.PaymentGateway for Stripe
type Gateway struct {
	client        *stripe.Client
	catalog       *subscription.Catalog
	webhookSecret string
	metrics       billing.Metrics
	logger        subscription.Logger
}

var _ subscription.PaymentGateway = (*Gateway)(nil)

// NewGateway creates a new Stripe payment gateway
func NewGateway(config Config) (*Gateway, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	base := config.Config.WithDefaults()

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        base.HTTPClient,
		MaxNetworkRetries: config.MaxNetworkRetries,
	}
	if backendConfig.HTTPClient == nil {
		backendConfig.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if base.BaseURL != "" {
		backendConfig.URL = stripe.String(base.BaseURL)
	}

	return &Gateway{
		client:        stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig))),
		catalog:       base.Catalog,
		webhookSecret: strings.TrimSpace(base.WebhookSecret),
		metrics:       base.Metrics,
		logger:        base.Logger,
	}, nil
}

// Name returns the provider name
func (g *Gateway) Name() string {
	return providerName
}

// CreateCustomer creates a Stripe customer tagged with the Voyaj user id
func (g *Gateway) CreateCustomer(ctx context.Context, params subscription.CustomerParams) (string, error) {
	p := &stripe.CustomerCreateParams{}
	if params.Email != "" {
		p.Email = stripe.String(params.Email)
	}
	if params.Name != "" {
		p.Name = stripe.String(params.Name)
	}
	p.AddMetadata(metadataUserID, params.UserID)

	start := time.Now()
	cust, err := g.client.V1Customers.Create(ctx, p)
	g.observe("/v1/customers", start, err)
	if err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	return cust.ID, nil
}

// CreateCheckoutSession creates a subscription-mode Checkout Session. The
// session and the resulting subscription both carry user_id and plan_type so
// every later webhook can be attributed.
func (g *Gateway) CreateCheckoutSession(
	ctx context.Context, params subscription.CheckoutParams,
) (*subscription.CheckoutSession, error) {
	if params.PriceID == "" {
		return nil, fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, params.PlanType)
	}

	p := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		ClientReferenceID: stripe.String(params.UserID),
	}
	p.AddMetadata(metadataUserID, params.UserID)
	p.AddMetadata(metadataPlanType, string(params.PlanType))

	p.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	p.SubscriptionData.AddMetadata(metadataUserID, params.UserID)
	p.SubscriptionData.AddMetadata(metadataPlanType, string(params.PlanType))
	if params.TrialDays > 0 {
		p.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(params.TrialDays))
	}

	switch {
	case params.CustomerID != "":
		p.Customer = stripe.String(params.CustomerID)
	case params.Email != "":
		p.CustomerEmail = stripe.String(params.Email)
	}

	start := time.Now()
	session, err := g.client.V1CheckoutSessions.Create(ctx, p)
	g.observe("/v1/checkout/sessions", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return &subscription.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// CancelSubscription cancels immediately or flags the subscription to end
// with the current period.
func (g *Gateway) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error {
	start := time.Now()
	var err error
	if atPeriodEnd {
		_, err = g.client.V1Subscriptions.Update(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		})
		g.observe("/v1/subscriptions/update", start, err)
	} else {
		_, err = g.client.V1Subscriptions.Cancel(ctx, subscriptionID, &stripe.SubscriptionCancelParams{})
		g.observe("/v1/subscriptions/cancel", start, err)
	}
	if err != nil {
		return fmt.Errorf("failed to cancel subscription %s: %w", subscriptionID, err)
	}
	return nil
}

// UpdateSubscription swaps the subscription's single item to a new price
func (g *Gateway) UpdateSubscription(
	ctx context.Context, params subscription.UpdateParams,
) (*subscription.SubscriptionUpdate, error) {
	if params.PriceID == "" {
		return nil, billing.ErrPlanNotConfigured
	}

	start := time.Now()
	current, err := g.client.V1Subscriptions.Retrieve(ctx, params.SubscriptionID, nil)
	g.observe("/v1/subscriptions/retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscription: %w", err)
	}
	item := firstItem(current)
	if item == nil {
		return nil, fmt.Errorf("subscription %s has no items", params.SubscriptionID)
	}

	proration := params.Proration
	if proration == "" {
		proration = subscription.ProrationCreate
	}

	start = time.Now()
	updated, err := g.client.V1Subscriptions.Update(ctx, params.SubscriptionID, &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{
				ID:    stripe.String(item.ID),
				Price: stripe.String(params.PriceID),
			},
		},
		ProrationBehavior: stripe.String(string(proration)),
	})
	g.observe("/v1/subscriptions/update", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	out := &subscription.SubscriptionUpdate{ProviderStatus: string(updated.Status)}
	out.PeriodStart, out.PeriodEnd = itemPeriod(updated)
	return out, nil
}

func (g *Gateway) observe(endpoint string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code != "" {
			status = string(stripeErr.Code)
		}
		g.logger.Warn("stripe API call failed", subscription.F("endpoint", endpoint), subscription.F("error", err.Error()))
	}
	g.metrics.RecordAPICall(providerName, endpoint, status)
	g.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

func firstItem(sub *stripe.Subscription) *stripe.SubscriptionItem {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	return sub.Items.Data[0]
}

// itemPeriod reads the billing period, which Stripe reports per subscription item.
func itemPeriod(sub *stripe.Subscription) (start, end *time.Time) {
	item := firstItem(sub)
	if item == nil {
		return nil, nil
	}
	return unixPtr(item.CurrentPeriodStart), unixPtr(item.CurrentPeriodEnd)
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

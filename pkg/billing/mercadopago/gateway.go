package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/practpec/voyaj-api/pkg/billing"
	"github.com/practpec/voyaj-api/pkg/subscription"
)

const (
	providerName       = "mercadopago"
	defaultBaseURL     = "https://api.mercadopago.com"
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 1 << 20
)

// Config extends billing.Config with MercadoPago-specific options.
// billing.Config.APIKey holds the access token.
type Config struct {
	billing.Config

	// NotificationURL is sent with every preference so payments notify the webhook
	NotificationURL string

	// Sandbox returns sandbox_init_point checkout URLs
	Sandbox bool
}

// Gateway implements subscription.PaymentGateway for MercadoPago
type Gateway struct {
	httpClient      *http.Client
	baseURL         string
	accessToken     string
	webhookSecret   []byte
	notificationURL string
	sandbox         bool
	catalog         *subscription.Catalog
	metrics         billing.Metrics
	logger          subscription.Logger
	now             func() time.Time
}

var (
	_ subscription.PaymentGateway  = (*Gateway)(nil)
	_ billing.NotificationResolver = (*Gateway)(nil)
)

// NewGateway creates a new MercadoPago payment gateway
func NewGateway(config Config) (*Gateway, error) {
	token := strings.TrimSpace(config.APIKey)
	if token == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	base := config.Config.WithDefaults()

	httpClient := base.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	baseURL := strings.TrimRight(base.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Gateway{
		httpClient:      httpClient,
		baseURL:         baseURL,
		accessToken:     token,
		webhookSecret:   []byte(strings.TrimSpace(base.WebhookSecret)),
		notificationURL: config.NotificationURL,
		sandbox:         config.Sandbox,
		catalog:         base.Catalog,
		metrics:         base.Metrics,
		logger:          base.Logger,
		now:             time.Now,
	}, nil
}

// Name returns the provider name
func (g *Gateway) Name() string {
	return providerName
}

type customerRequest struct {
	Email       string `json:"email"`
	FirstName   string `json:"first_name,omitempty"`
	Description string `json:"description,omitempty"`
}

type idResponse struct {
	ID string `json:"id"`
}

// CreateCustomer registers the payer with MercadoPago
func (g *Gateway) CreateCustomer(ctx context.Context, params subscription.CustomerParams) (string, error) {
	var out idResponse
	err := g.do(ctx, http.MethodPost, "/v1/customers", customerRequest{
		Email:       params.Email,
		FirstName:   params.Name,
		Description: "voyaj:" + params.UserID,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	return out.ID, nil
}

type preferenceItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type preferenceRequest struct {
	Items             []preferenceItem  `json:"items"`
	Payer             *payer            `json:"payer,omitempty"`
	ExternalReference string            `json:"external_reference"`
	BackURLs          backURLs          `json:"back_urls"`
	AutoReturn        string            `json:"auto_return,omitempty"`
	NotificationURL   string            `json:"notification_url,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type payer struct {
	Email string `json:"email,omitempty"`
}

type backURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type preferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

// CreateCheckoutSession creates a checkout preference for one month of the
// plan. MercadoPago payments are one-off, so trial days are not forwarded.
func (g *Gateway) CreateCheckoutSession(
	ctx context.Context, params subscription.CheckoutParams,
) (*subscription.CheckoutSession, error) {
	plan, err := g.catalog.Info(params.PlanType)
	if err != nil {
		return nil, err
	}
	amount, currency := params.PriceAmount, params.Currency
	if amount <= 0 {
		amount = plan.PriceAmount
	}
	if currency == "" {
		currency = plan.Currency
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, params.PlanType)
	}

	req := preferenceRequest{
		Items: []preferenceItem{{
			ID:         fmt.Sprintf("voyaj_%s_monthly", plan.ID),
			Title:      fmt.Sprintf("Voyaj %s - Suscripción Mensual", plan.Name),
			Quantity:   1,
			UnitPrice:  amount,
			CurrencyID: currency,
		}},
		ExternalReference: ExternalReference(plan.ID, params.UserID, g.now()),
		BackURLs: backURLs{
			Success: params.SuccessURL,
			Failure: params.CancelURL,
			Pending: params.SuccessURL,
		},
		AutoReturn:      "approved",
		NotificationURL: g.notificationURL,
		Metadata: map[string]string{
			"user_id":   params.UserID,
			"plan_type": string(plan.ID),
		},
	}
	if params.Email != "" {
		req.Payer = &payer{Email: params.Email}
	}

	var out preferenceResponse
	if err := g.do(ctx, http.MethodPost, "/checkout/preferences", req, &out); err != nil {
		return nil, fmt.Errorf("failed to create preference: %w", err)
	}
	url := out.InitPoint
	if g.sandbox && out.SandboxInitPoint != "" {
		url = out.SandboxInitPoint
	}
	return &subscription.CheckoutSession{ID: out.ID, URL: url}, nil
}

type preapprovalUpdate struct {
	Status        string         `json:"status,omitempty"`
	AutoRecurring *autoRecurring `json:"auto_recurring,omitempty"`
}

type autoRecurring struct {
	TransactionAmount float64 `json:"transaction_amount"`
	CurrencyID        string  `json:"currency_id"`
}

type preapprovalResponse struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	LastModified    *time.Time `json:"last_modified,omitempty"`
	NextPaymentDate *time.Time `json:"next_payment_date,omitempty"`
}

// CancelSubscription cancels a recurring preapproval. MercadoPago has no
// end-of-period cancellation; stopping future charges is equivalent since
// local access runs until the period ends either way.
func (g *Gateway) CancelSubscription(ctx context.Context, subscriptionID string, _ bool) error {
	if subscriptionID == "" {
		return fmt.Errorf("%w: no preapproval to cancel", billing.ErrNotSupported)
	}
	err := g.do(ctx, http.MethodPut, "/preapproval/"+subscriptionID, preapprovalUpdate{Status: "cancelled"}, nil)
	if err != nil {
		return fmt.Errorf("failed to cancel preapproval %s: %w", subscriptionID, err)
	}
	return nil
}

// UpdateSubscription changes the recurring amount of a preapproval. The
// proration behavior is not supported upstream and is ignored.
func (g *Gateway) UpdateSubscription(
	ctx context.Context, params subscription.UpdateParams,
) (*subscription.SubscriptionUpdate, error) {
	if params.SubscriptionID == "" || params.PriceAmount <= 0 {
		return nil, fmt.Errorf("%w: preapproval id and amount required", billing.ErrNotSupported)
	}
	var out preapprovalResponse
	err := g.do(ctx, http.MethodPut, "/preapproval/"+params.SubscriptionID, preapprovalUpdate{
		AutoRecurring: &autoRecurring{
			TransactionAmount: params.PriceAmount,
			CurrencyID:        params.Currency,
		},
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to update preapproval: %w", err)
	}
	return &subscription.SubscriptionUpdate{
		ProviderStatus: out.Status,
		PeriodEnd:      out.NextPaymentDate,
	}, nil
}

// do performs one authenticated JSON call. Non-2xx answers wrap
// billing.ErrProviderAPIError with the provider's message.
func (g *Gateway) do(ctx context.Context, method, path string, in, out interface{}) (err error) {
	start := time.Now()
	endpoint := metricEndpoint(path)
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			g.logger.Warn("mercadopago API call failed",
				subscription.F("endpoint", endpoint), subscription.F("error", err.Error()))
		}
		g.metrics.RecordAPICall(providerName, endpoint, status)
		g.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	}()

	var body io.Reader = http.NoBody
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.accessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &APIError{StatusCode: res.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// APIError is a non-2xx answer from the MercadoPago API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mercadopago API error: status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == billing.ErrProviderAPIError
}

func errorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}

// metricEndpoint strips ids so label cardinality stays bounded
func metricEndpoint(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, p := range parts {
		if i > 0 && p != "" && strings.IndexFunc(p, unicode.IsDigit) >= 0 {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

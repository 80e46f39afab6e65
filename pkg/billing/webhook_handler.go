package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/practpec/voyaj-api/pkg/billing/internal"
	"github.com/practpec/voyaj-api/pkg/subscription"
)

const (
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// EventProcessor settles normalized events; *subscription.Processor implements it.
type EventProcessor interface {
	Process(ctx context.Context, ev *subscription.Event) bool
}

// WebhookHandlerConfig configures the intake endpoint of one gateway
type WebhookHandlerConfig struct {
	Gateway   subscription.PaymentGateway
	Processor EventProcessor

	// SignatureHeader names the header carrying the provider signature
	SignatureHeader string

	// MaxBodyBytes bounds request bodies (default 256KiB)
	MaxBodyBytes int64

	// RateLimit requests per RateWindow per client IP (defaults 100/min)
	RateLimit  int
	RateWindow time.Duration

	Metrics Metrics
	Logger  subscription.Logger
}

// WebhookResponse is the acknowledgement body
type WebhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id,omitempty"`
	Ignored  bool   `json:"ignored,omitempty"`
}

type webhookHandler struct {
	gateway   subscription.PaymentGateway
	resolver  NotificationResolver
	processor EventProcessor
	header    string
	maxBody   int64
	metrics   Metrics
	logger    subscription.Logger
}

// NewWebhookHandler returns the HTTP handler for one provider's webhooks.
// Signature failures answer 401, undecodable bodies 400, processing
// failures 500 so the provider redelivers.
func NewWebhookHandler(config WebhookHandlerConfig) (http.Handler, error) {
	if config.Gateway == nil || config.Processor == nil || config.SignatureHeader == "" {
		return nil, ErrProviderNotConfigured
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &subscription.NoopLogger{}
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimitRequests
	}
	if config.RateWindow <= 0 {
		config.RateWindow = defaultRateLimitWindow
	}

	h := &webhookHandler{
		gateway:   config.Gateway,
		processor: config.Processor,
		header:    config.SignatureHeader,
		maxBody:   config.MaxBodyBytes,
		metrics:   config.Metrics,
		logger:    config.Logger,
	}
	h.resolver, _ = unwrapGateway(config.Gateway).(NotificationResolver)

	provider := config.Gateway.Name()
	limiter := internal.NewRateLimiter(config.RateLimit, config.RateWindow).OnReject(func(string) {
		config.Metrics.RecordWebhookError(provider, "rate_limited")
	})
	return limiter.Middleware(h), nil
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	provider := h.gateway.Name()
	internal.SetSecurityHeaders(w)
	defer func() {
		h.metrics.RecordWebhookRequestDuration(provider, time.Since(start))
	}()

	if r.Method != http.MethodPost && !(r.Method == http.MethodGet && h.resolver != nil) {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ev, status, reason := h.intake(w, r)
	if status != http.StatusOK {
		h.metrics.RecordWebhookError(provider, reason)
		h.metrics.RecordWebhookRequest(provider, reason)
		http.Error(w, reason, status)
		return
	}
	if ev.Type == "" {
		// verified but nothing to act on
		h.metrics.RecordWebhookRequest(provider, "ignored")
		h.reply(w, WebhookResponse{Received: true, EventID: ev.ID, Ignored: true})
		return
	}

	if !h.processor.Process(r.Context(), ev) {
		h.metrics.RecordWebhookError(provider, "processing_error")
		h.metrics.RecordWebhookRequest(provider, "failed")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}
	h.metrics.RecordWebhookRequest(provider, "accepted")
	h.reply(w, WebhookResponse{Received: true, EventID: ev.ID})
}

// intake authenticates the request and returns the event to process.
func (h *webhookHandler) intake(w http.ResponseWriter, r *http.Request) (*subscription.Event, int, string) {
	ctx := r.Context()
	provider := h.gateway.Name()

	if h.resolver != nil {
		if topic, id := queryReference(r); topic != "" && id != "" {
			return h.resolve(ctx, &subscription.Event{Provider: provider, ProviderType: topic, PaymentID: id})
		}
		if r.Method == http.MethodGet {
			return nil, http.StatusBadRequest, "missing_reference"
		}
	}

	body, err := internal.ReadBodyStrict(w, r, h.maxBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			return nil, http.StatusRequestEntityTooLarge, "payload_too_large"
		}
		return nil, http.StatusBadRequest, "invalid_payload"
	}

	ev, err := h.gateway.VerifyWebhookSignature(body, r.Header.Get(h.header))
	if err != nil {
		if errors.Is(err, subscription.ErrInvalidSignature) {
			h.logger.Warn("webhook signature rejected", subscription.F("provider", provider), subscription.F("error", err.Error()))
			return nil, http.StatusUnauthorized, "auth_failed"
		}
		h.logger.Warn("webhook payload rejected", subscription.F("provider", provider), subscription.F("error", err.Error()))
		return nil, http.StatusBadRequest, "invalid_payload"
	}
	if h.resolver != nil {
		return h.resolve(ctx, ev)
	}
	return ev, http.StatusOK, ""
}

func (h *webhookHandler) resolve(ctx context.Context, ref *subscription.Event) (*subscription.Event, int, string) {
	ev, err := h.resolver.ResolveNotification(ctx, ref.ProviderType, ref.PaymentID)
	switch {
	case err == nil:
		return ev, http.StatusOK, ""
	case errors.Is(err, ErrIgnoredNotification):
		h.logger.Debug("webhook notification ignored",
			subscription.F("provider", ref.Provider), subscription.F("reason", err.Error()))
		return &subscription.Event{ID: ref.ID, Provider: ref.Provider}, http.StatusOK, ""
	case errors.Is(err, ErrInvalidWebhookPayload):
		return nil, http.StatusBadRequest, "invalid_payload"
	default:
		h.logger.Error("webhook notification could not be resolved",
			subscription.F("provider", ref.Provider), subscription.F("topic", ref.ProviderType),
			subscription.F("id", ref.PaymentID), subscription.F("error", err.Error()))
		return nil, http.StatusInternalServerError, "resolve_failed"
	}
}

func (h *webhookHandler) reply(w http.ResponseWriter, resp WebhookResponse) {
	if err := internal.WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Warn("failed to write webhook response", subscription.F("error", err.Error()))
	}
}

// queryReference reads both notification styles: ?topic=..&id=.. and
// ?type=..&data.id=..
func queryReference(r *http.Request) (topic, id string) {
	q := r.URL.Query()
	topic, id = q.Get("topic"), q.Get("id")
	if topic == "" {
		topic = q.Get("type")
	}
	if id == "" {
		id = q.Get("data.id")
	}
	return topic, id
}

// unwrapGateway sees through decorators such as the circuit breaker.
func unwrapGateway(gw subscription.PaymentGateway) subscription.PaymentGateway {
	for {
		u, ok := gw.(interface {
			Unwrap() subscription.PaymentGateway
		})
		if !ok {
			return gw
		}
		gw = u.Unwrap()
	}
}

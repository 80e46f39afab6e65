package mercadopago

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/practpec/voyaj-api/pkg/billing"
	"github.com/practpec/voyaj-api/pkg/subscription"
)

// Notification topics
const (
	TopicPayment       = "payment"
	TopicMerchantOrder = "merchant_order"
)

const (
	paymentStatusApproved = "approved"
	referencePrefix       = "voyaj_"
	legacyPlanToken       = "pro"
)

type payment struct {
	ID                int64             `json:"id"`
	Status            string            `json:"status"`
	ExternalReference string            `json:"external_reference"`
	TransactionAmount float64           `json:"transaction_amount"`
	CurrencyID        string            `json:"currency_id"`
	DateApproved      *time.Time        `json:"date_approved"`
	Metadata          map[string]string `json:"metadata"`
	Payer             struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"payer"`
}

type merchantOrder struct {
	ID       int64 `json:"id"`
	Payments []struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	} `json:"payments"`
}

// ResolveNotification fetches the referenced object and returns a
// payment.approved event for approved payments. Anything else yields
// billing.ErrIgnoredNotification.
func (g *Gateway) ResolveNotification(ctx context.Context, topic, id string) (*subscription.Event, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: missing id", billing.ErrInvalidWebhookPayload)
	}

	switch topic {
	case TopicPayment:
		return g.resolvePayment(ctx, id)
	case TopicMerchantOrder:
		var order merchantOrder
		if err := g.do(ctx, http.MethodGet, "/merchant_orders/"+id, nil, &order); err != nil {
			return nil, fmt.Errorf("failed to fetch merchant order %s: %w", id, err)
		}
		for _, p := range order.Payments {
			if p.Status == paymentStatusApproved {
				return g.resolvePayment(ctx, strconv.FormatInt(p.ID, 10))
			}
		}
		return nil, fmt.Errorf("%w: merchant order %s has no approved payment", billing.ErrIgnoredNotification, id)
	default:
		return nil, fmt.Errorf("%w: topic %q", billing.ErrIgnoredNotification, topic)
	}
}

func (g *Gateway) resolvePayment(ctx context.Context, id string) (*subscription.Event, error) {
	var p payment
	if err := g.do(ctx, http.MethodGet, "/v1/payments/"+id, nil, &p); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: payment %s not found", billing.ErrIgnoredNotification, id)
		}
		return nil, fmt.Errorf("failed to fetch payment %s: %w", id, err)
	}
	if p.Status != paymentStatusApproved {
		return nil, fmt.Errorf("%w: payment %s is %s", billing.ErrIgnoredNotification, id, p.Status)
	}

	userID, plan := p.Metadata["user_id"], subscription.PlanType(p.Metadata["plan_type"])
	if userID == "" {
		refPlan, refUser, ok := g.ParseExternalReference(p.ExternalReference)
		if !ok {
			return nil, fmt.Errorf("%w: payment %s reference %q", billing.ErrIgnoredNotification, id, p.ExternalReference)
		}
		userID = refUser
		if plan == "" {
			plan = refPlan
		}
	}

	paymentID := strconv.FormatInt(p.ID, 10)
	created := g.now().UTC()
	if p.DateApproved != nil {
		created = p.DateApproved.UTC()
	}
	return &subscription.Event{
		ID:             "mp_payment_" + paymentID,
		Type:           subscription.EventPaymentApproved,
		Provider:       providerName,
		ProviderType:   TopicPayment,
		CreatedAt:      created,
		UserID:         userID,
		PlanType:       subscription.Normalize(plan),
		CustomerID:     p.Payer.ID,
		ProviderStatus: string(subscription.StatusActive),
		PaymentID:      paymentID,
		PeriodStart:    timePtr(created),
	}, nil
}

// ExternalReference builds "voyaj_<plan>_<userId>_<unix>".
func ExternalReference(plan subscription.PlanType, userID string, at time.Time) string {
	return fmt.Sprintf("%s%s_%s_%d", referencePrefix, plan, userID, at.Unix())
}

// ParseExternalReference extracts plan and user from an external reference.
// Plan ids may contain underscores, so they are matched against the catalog;
// the legacy "pro" token maps to the cheapest paid plan.
func (g *Gateway) ParseExternalReference(ref string) (subscription.PlanType, string, bool) {
	if !strings.HasPrefix(ref, referencePrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(ref, referencePrefix)
	i := strings.LastIndex(rest, "_")
	if i <= 0 {
		return "", "", false
	}
	if _, err := strconv.ParseInt(rest[i+1:], 10, 64); err != nil {
		return "", "", false
	}
	rest = rest[:i]

	candidates := make([]subscription.PlanType, 0, 4)
	for _, p := range g.catalog.Plans() {
		candidates = append(candidates, p.ID)
	}
	// longest first so "nomada_digital" is not read as plan "nomada"
	sort.Slice(candidates, func(i, j int) bool { return len(candidates[i]) > len(candidates[j]) })
	for _, plan := range candidates {
		prefix := string(plan) + "_"
		if strings.HasPrefix(rest, prefix) && len(rest) > len(prefix) {
			return plan, rest[len(prefix):], true
		}
	}
	if strings.HasPrefix(rest, legacyPlanToken+"_") && len(rest) > len(legacyPlanToken)+1 {
		return g.cheapestPaidPlan(), rest[len(legacyPlanToken)+1:], true
	}
	return "", "", false
}

func (g *Gateway) cheapestPaidPlan() subscription.PlanType {
	var best *subscription.Plan
	for _, p := range g.catalog.Plans() {
		if p.IsFree() {
			continue
		}
		if best == nil || p.Rank < best.Rank {
			best = &p
		}
	}
	if best == nil {
		return g.catalog.Free().ID
	}
	return best.ID
}

func timePtr(t time.Time) *time.Time {
	return &t
}

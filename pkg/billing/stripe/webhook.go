package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/practpec/voyaj-api/pkg/billing"
	"github.com/practpec/voyaj-api/pkg/subscription"
)

// VerifyWebhookSignature checks the Stripe-Signature header against the raw
// body and normalizes the event. Any verification failure is a
// *subscription.SignatureError; a verified body that cannot be decoded wraps
// billing.ErrInvalidWebhookPayload.
func (g *Gateway) VerifyWebhookSignature(payload []byte, signature string) (*subscription.Event, error) {
	if g.webhookSecret == "" {
		return nil, &subscription.SignatureError{Provider: providerName, Reason: "webhook secret not configured"}
	}
	if signature == "" {
		return nil, &subscription.SignatureError{Provider: providerName, Reason: "missing Stripe-Signature header"}
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, &subscription.SignatureError{Provider: providerName, Reason: err.Error()}
	}

	ev, err := g.normalize(&event)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return ev, nil
}

func (g *Gateway) normalize(event *stripe.Event) (*subscription.Event, error) {
	ev := &subscription.Event{
		ID:           event.ID,
		Type:         subscription.EventType(event.Type),
		Provider:     providerName,
		ProviderType: string(event.Type),
		CreatedAt:    time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return nil, fmt.Errorf("event %s has no data", event.ID)
	}

	switch ev.Type {
	case subscription.EventCheckoutCompleted:
		return ev, g.fillFromCheckoutSession(ev, event.Data.Raw)
	case subscription.EventSubscriptionCreated,
		subscription.EventSubscriptionUpdated,
		subscription.EventSubscriptionDeleted,
		subscription.EventTrialWillEnd:
		return ev, g.fillFromSubscription(ev, event.Data.Raw)
	case subscription.EventPaymentSucceeded, subscription.EventPaymentFailed:
		return ev, fillFromInvoice(ev, event.Data.Raw)
	default:
		// recorded by the processor and otherwise ignored
		return ev, nil
	}
}

func (g *Gateway) fillFromCheckoutSession(ev *subscription.Event, raw json.RawMessage) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	ev.UserID = session.Metadata[metadataUserID]
	if ev.UserID == "" {
		ev.UserID = session.ClientReferenceID
	}
	ev.PlanType = subscription.Normalize(subscription.PlanType(session.Metadata[metadataPlanType]))
	if session.Customer != nil {
		ev.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		ev.SubscriptionID = session.Subscription.ID
		if session.Subscription.Status != "" {
			ev.ProviderStatus = string(session.Subscription.Status)
			ev.TrialStart = unixPtr(session.Subscription.TrialStart)
			ev.TrialEnd = unixPtr(session.Subscription.TrialEnd)
			ev.PeriodStart, ev.PeriodEnd = itemPeriod(session.Subscription)
		}
	}
	if ev.UserID == "" {
		return fmt.Errorf("%w: checkout session %s", billing.ErrMissingUserID, session.ID)
	}
	return nil
}

func (g *Gateway) fillFromSubscription(ev *subscription.Event, raw json.RawMessage) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	ev.SubscriptionID = sub.ID
	ev.UserID = sub.Metadata[metadataUserID]
	ev.PlanType = g.planFor(sub.Metadata[metadataPlanType], firstItem(&sub))
	if sub.Customer != nil {
		ev.CustomerID = sub.Customer.ID
	}
	ev.ProviderStatus = string(sub.Status)
	ev.PeriodStart, ev.PeriodEnd = itemPeriod(&sub)
	ev.TrialStart = unixPtr(sub.TrialStart)
	ev.TrialEnd = unixPtr(sub.TrialEnd)
	ev.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	ev.CanceledAt = unixPtr(sub.CanceledAt)
	if ev.Type == subscription.EventTrialWillEnd && ev.TrialEnd != nil {
		ev.DaysRemaining = ceilDays(ev.TrialEnd.Sub(ev.CreatedAt))
	}
	return nil
}

// planFor prefers explicit metadata and falls back to the item's price.
func (g *Gateway) planFor(metadataPlan string, item *stripe.SubscriptionItem) subscription.PlanType {
	if metadataPlan != "" {
		return subscription.Normalize(subscription.PlanType(metadataPlan))
	}
	if item != nil && item.Price != nil {
		if plan, ok := g.catalog.ByPriceID(item.Price.ID); ok {
			return plan.ID
		}
	}
	return ""
}

// invoiceRefs pulls the fields whose location moved between API versions.
type invoiceRefs struct {
	Subscription json.RawMessage `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage   `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func fillFromInvoice(ev *subscription.Event, raw json.RawMessage) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	var refs invoiceRefs
	if err := json.Unmarshal(raw, &refs); err != nil {
		return fmt.Errorf("failed to unmarshal invoice references: %w", err)
	}

	ev.SubscriptionID = expandableID(refs.Subscription)
	if refs.Parent != nil && refs.Parent.SubscriptionDetails != nil {
		details := refs.Parent.SubscriptionDetails
		if id := expandableID(details.Subscription); id != "" {
			ev.SubscriptionID = id
		}
		ev.UserID = details.Metadata[metadataUserID]
		ev.PlanType = subscription.Normalize(subscription.PlanType(details.Metadata[metadataPlanType]))
	}
	if invoice.Customer != nil {
		ev.CustomerID = invoice.Customer.ID
	}
	ev.BillingReason = string(invoice.BillingReason)
	ev.RetryURL = invoice.HostedInvoiceURL
	ev.PaymentID = invoice.ID
	if invoice.Lines != nil && len(invoice.Lines.Data) > 0 && invoice.Lines.Data[0].Period != nil {
		ev.PeriodStart = unixPtr(invoice.Lines.Data[0].Period.Start)
		ev.PeriodEnd = unixPtr(invoice.Lines.Data[0].Period.End)
	}
	return nil
}

// expandableID accepts either a bare id or an expanded object.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func ceilDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

package api

import (
	"time"

	"github.com/practpec/voyaj-api/pkg/subscription"
)

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status string `json:"status"`
}

// PlanResponse is one entry of GET /plans
type PlanResponse struct {
	ID          subscription.PlanType `json:"id"`
	Name        string                `json:"name"`
	PriceAmount float64               `json:"priceAmount"`
	Currency    string                `json:"currency,omitempty"`
	TrialDays   int                   `json:"trialDays"`
	Limits      subscription.Limits   `json:"limits"`
	Features    subscription.Features `json:"features"`
}

// CheckoutRequest is the body of POST /subscriptions/checkout
type CheckoutRequest struct {
	PlanType   subscription.PlanType `json:"planType"`
	Provider   string                `json:"provider,omitempty"`
	SuccessURL string                `json:"successUrl,omitempty"`
	CancelURL  string                `json:"cancelUrl,omitempty"`
}

// CheckoutResponse points the client at the hosted checkout
type CheckoutResponse struct {
	SessionID   string `json:"sessionId"`
	CheckoutURL string `json:"checkoutUrl"`
	Provider    string `json:"provider,omitempty"`
}

// CancelRequest is the body of POST /subscriptions/cancel
type CancelRequest struct {
	Immediate bool   `json:"immediate"`
	Reason    string `json:"reason,omitempty"`
}

// PlanChangeRequest is the body of upgrade and downgrade requests
type PlanChangeRequest struct {
	PlanType subscription.PlanType `json:"planType,omitempty"`
	Reason   string                `json:"reason,omitempty"`
}

// ChangeResponse reports whether a state-changing call did anything
type ChangeResponse struct {
	Changed bool                     `json:"changed"`
	Status  *subscription.StatusView `json:"subscription,omitempty"`
}

// ExtendTrialRequest is the body of POST /admin/trials/{userID}/extend
type ExtendTrialRequest struct {
	Days int `json:"days"`
}

// TrialResponse describes a trial after an admin change
type TrialResponse struct {
	UserID   string              `json:"userId"`
	Status   subscription.Status `json:"status"`
	TrialEnd *time.Time          `json:"trialEnd,omitempty"`
}

// ErrorResponse is the default error body
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

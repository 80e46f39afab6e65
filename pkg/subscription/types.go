package subscription

import "time"

// PlanType identifies a plan in the catalog
type PlanType string

const (
	PlanExplorador    PlanType = "explorador"
	PlanAventurero    PlanType = "aventurero"
	PlanNomadaDigital PlanType = "nomada_digital"

	// PlanFree is the alias the API and older records use for the explorador plan
	PlanFree PlanType = "free"
)

// Status is the canonical subscription status shared by every provider
type Status string

const (
	StatusPending           Status = "pending"
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusUnpaid            Status = "unpaid"
	StatusCancelled         Status = "cancelled"
	StatusExpired           Status = "expired"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusPaused            Status = "paused"
)

// Terminal reports whether no further automatic transition leaves this status.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusIncompleteExpired
}

// Subscription is the single subscription record a user owns.
// It is mutated only through the Manager.
type Subscription struct {
	ID       string
	UserID   string
	PlanType PlanType
	Status   Status

	// Provider is the payment provider that owns the upstream subscription ("stripe", "mercadopago")
	Provider               string
	ProviderCustomerID     string
	ProviderSubscriptionID string

	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time

	TrialStart         *time.Time
	TrialEnd           *time.Time
	TrialWarningSent   bool
	TrialWarningSentAt *time.Time

	CancelAtPeriodEnd  bool
	CancelledAt        *time.Time
	CancellationReason string
	DowngradedAt       *time.Time
	DowngradeReason    string
	LastUpgradeAt      *time.Time

	// LastPaymentID is the provider payment that last activated the plan
	LastPaymentID string
	// RetryURL is the hosted invoice page a past_due user can pay from
	RetryURL string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so stores and callers never share time pointers.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.TrialStart = cloneTime(s.TrialStart)
	c.TrialEnd = cloneTime(s.TrialEnd)
	c.TrialWarningSentAt = cloneTime(s.TrialWarningSentAt)
	c.CancelledAt = cloneTime(s.CancelledAt)
	c.DowngradedAt = cloneTime(s.DowngradedAt)
	c.LastUpgradeAt = cloneTime(s.LastUpgradeAt)
	return &c
}

// EventStatus is the outcome recorded for a processed webhook event
type EventStatus string

const (
	EventCompleted EventStatus = "completed"
	EventFailed    EventStatus = "failed"
)

// ProcessedEvent is an entry of the append-only dedupe ledger keyed by provider event id
type ProcessedEvent struct {
	EventID      string
	Provider     string
	EventType    EventType
	ProcessedAt  time.Time
	Success      bool
	Status       EventStatus
	RetryCount   int
	ErrorMessage string
	LastRetryAt  *time.Time

	// Payload is the normalized event, kept so failed records can be re-dispatched
	Payload *Event
}

// LimitCheckResult is the outcome of one entitlement check
type LimitCheckResult struct {
	Allowed         bool   `json:"allowed"`
	LimitType       string `json:"limitType,omitempty"`
	CurrentUsage    int    `json:"currentUsage,omitempty"`
	MaxAllowed      int    `json:"maxAllowed,omitempty"`
	Message         string `json:"message,omitempty"`
	UpgradeRequired bool   `json:"upgradeRequired"`
}

// EventType is the canonical event type every provider event is normalized to
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout.session.completed"
	EventSubscriptionCreated EventType = "customer.subscription.created"
	EventSubscriptionUpdated EventType = "customer.subscription.updated"
	EventSubscriptionDeleted EventType = "customer.subscription.deleted"
	EventPaymentSucceeded    EventType = "invoice.payment_succeeded"
	EventPaymentFailed       EventType = "invoice.payment_failed"
	EventTrialWillEnd        EventType = "customer.subscription.trial_will_end"
	EventPaymentApproved     EventType = "payment.approved"
)

// Invoice billing reasons that decide which payment email is sent
const (
	BillingReasonCreate = "subscription_create"
	BillingReasonCycle  = "subscription_cycle"
	BillingReasonUpdate = "subscription_update"
)

// Event is a provider webhook event normalized by a PaymentGateway adapter.
// Fields a provider does not carry are left zero.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	Provider     string    `json:"provider"`
	ProviderType string    `json:"provider_type,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	UserID         string   `json:"user_id,omitempty"`
	PlanType       PlanType `json:"plan_type,omitempty"`
	CustomerID     string   `json:"customer_id,omitempty"`
	SubscriptionID string   `json:"subscription_id,omitempty"`
	ProviderStatus string   `json:"provider_status,omitempty"`

	PeriodStart       *time.Time `json:"period_start,omitempty"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
	TrialStart        *time.Time `json:"trial_start,omitempty"`
	TrialEnd          *time.Time `json:"trial_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end,omitempty"`
	CanceledAt        *time.Time `json:"canceled_at,omitempty"`

	BillingReason string `json:"billing_reason,omitempty"`
	RetryURL      string `json:"retry_url,omitempty"`
	PaymentID     string `json:"payment_id,omitempty"`
	DaysRemaining int    `json:"days_remaining,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

package subscription

import (
	"context"
)

// Notification templates the engine emits
const (
	TemplateWelcomeFree         = "welcome_free"
	TemplateWelcomePremium      = "welcome_premium"
	TemplatePaymentSuccessful   = "payment_successful"
	TemplatePaymentFailed       = "payment_failed"
	TemplateSubscriptionRenewed = "subscription_renewed"
	TemplateUpgradeConfirmation = "upgrade_confirmation"
	TemplateDowngradeWarning    = "downgrade_warning"
	TemplateCancellation        = "cancellation_confirmation"
	TemplateLimitReached        = "limit_reached"
	TemplateTrialEnding         = "trial_ending"
	TemplateSubscriptionExpired = "subscription_expired"
	TemplateReactivated         = "subscription_reactivated"
)

// ActionKind enumerates side effects a state change can request
type ActionKind string

const (
	// ActionNotify sends Template to UserID
	ActionNotify ActionKind = "notify"

	// ActionInvalidateEntitlements drops cached entitlement decisions for UserID
	ActionInvalidateEntitlements ActionKind = "invalidate_entitlements"
)

// Action is one side effect produced by the state machine
type Action struct {
	Kind     ActionKind
	UserID   string
	Template string
	Data     map[string]interface{}
}

// EntitlementInvalidator drops cached decisions for a user
type EntitlementInvalidator interface {
	InvalidateUser(userID string)
}

// Executor performs actions. Failures are logged and counted; they never
// undo the state change that produced them.
type Executor struct {
	notifier    Notifier
	invalidator EntitlementInvalidator
	logger      Logger
	metrics     Metrics
}

// NewExecutor creates an executor. A nil notifier turns notifications into log lines.
func NewExecutor(notifier Notifier, logger Logger, metrics Metrics) *Executor {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Executor{
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
	}
}

// SetInvalidator wires the entitlement cache so plan and status changes take effect immediately.
func (e *Executor) SetInvalidator(inv EntitlementInvalidator) {
	e.invalidator = inv
}

// Execute runs every action and returns how many notifications were delivered.
func (e *Executor) Execute(ctx context.Context, actions []Action) int {
	sent := 0
	for _, a := range actions {
		switch a.Kind {
		case ActionInvalidateEntitlements:
			if e.invalidator != nil {
				e.invalidator.InvalidateUser(a.UserID)
			}
		case ActionNotify:
			if e.notify(ctx, a) {
				sent++
			}
		default:
			e.logger.Warn("unknown action", F("kind", a.Kind), F("user_id", a.UserID))
		}
	}
	return sent
}

func (e *Executor) notify(ctx context.Context, a Action) bool {
	if e.notifier == nil {
		e.logger.Info("notification skipped, no notifier configured",
			F("template", a.Template), F("user_id", a.UserID))
		return false
	}
	if err := e.notifier.Send(ctx, a.Template, a.UserID, a.Data); err != nil {
		e.logger.Warn("notification failed",
			F("template", a.Template), F("user_id", a.UserID), errField(err))
		e.metrics.RecordNotification(a.Template, false)
		return false
	}
	e.metrics.RecordNotification(a.Template, true)
	return true
}

package subscription

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MapProviderStatus maps a provider status string to the canonical enum.
// Unknown values map to expired so a surprise never grants access.
func MapProviderStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "authorized":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due":
		return StatusPastDue
	case "unpaid":
		return StatusUnpaid
	case "canceled", "cancelled":
		return StatusCancelled
	case "incomplete":
		return StatusIncomplete
	case "incomplete_expired":
		return StatusIncompleteExpired
	case "paused":
		return StatusPaused
	case "pending":
		return StatusPending
	default:
		return StatusExpired
	}
}

// CompleteCheckout creates or restarts the user's subscription from a completed
// checkout. A record that already tracks the same upstream subscription is
// updated in place; any other record starts a new lifecycle from pending.
func (m *Manager) CompleteCheckout(ctx context.Context, ev *Event) (*Subscription, error) {
	if ev.UserID == "" {
		return nil, &ValidationError{Field: "metadata.user_id", Reason: "missing"}
	}
	plan, err := m.catalog.Info(ev.PlanType)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	existing, err := m.subs.GetByUserID(ctx, ev.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	target := StatusActive
	trialStart, trialEnd := cloneTime(ev.TrialStart), cloneTime(ev.TrialEnd)
	switch {
	case ev.ProviderStatus != "":
		target = MapProviderStatus(ev.ProviderStatus)
	case trialEnd != nil && trialEnd.After(now):
		target = StatusTrialing
	case plan.TrialDays > 0 && (existing == nil || existing.TrialStart == nil):
		target = StatusTrialing
		trialStart = timePtr(now)
		trialEnd = timePtr(now.AddDate(0, 0, plan.TrialDays))
	}
	if target == StatusTrialing && plan.IsFree() {
		target = StatusActive
	}

	periodStart, periodEnd := cloneTime(ev.PeriodStart), cloneTime(ev.PeriodEnd)
	if periodStart == nil {
		periodStart = timePtr(now)
	}
	if periodEnd == nil {
		if target == StatusTrialing && trialEnd != nil {
			periodEnd = cloneTime(trialEnd)
		} else {
			periodEnd = timePtr(periodStart.Add(defaultBillingPeriod))
		}
	}

	apply := func(next *Subscription) {
		next.PlanType = plan.ID
		next.Provider = ev.Provider
		if ev.CustomerID != "" {
			next.ProviderCustomerID = ev.CustomerID
		}
		if ev.SubscriptionID != "" {
			next.ProviderSubscriptionID = ev.SubscriptionID
		}
		if ev.PaymentID != "" {
			next.LastPaymentID = ev.PaymentID
		}
		next.CurrentPeriodStart = cloneTime(periodStart)
		next.CurrentPeriodEnd = cloneTime(periodEnd)
		if next.Status == StatusTrialing || target == StatusTrialing {
			next.TrialStart = cloneTime(trialStart)
			next.TrialEnd = cloneTime(trialEnd)
		}
	}

	if existing == nil {
		pending := &Subscription{
			ID:        uuid.NewString(),
			UserID:    ev.UserID,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		apply(pending)
		res, err := Transition(pending, target, TransitionMeta{Source: SourceProvider, Reason: "checkout_completed"}, now)
		if err != nil {
			return nil, err
		}
		if err := m.subs.Create(ctx, res.Subscription); err != nil {
			return nil, err
		}
		m.metrics.RecordTransition(res.From, res.To)
		m.logger.Info("subscription created from checkout",
			F("user_id", ev.UserID), F("plan_type", plan.ID), F("status", res.To))
		m.executor.Execute(ctx, res.Actions)
		return res.Subscription, nil
	}

	meta := TransitionMeta{Source: SourceProvider, Reason: "checkout_completed"}
	if ev.SubscriptionID != "" && existing.ProviderSubscriptionID == ev.SubscriptionID && !lifecycleOver(existing, now) {
		// the subscription snapshot got here first: without an upstream status
		// the checkout only adds identifiers
		if ev.ProviderStatus == "" {
			res, err := m.commit(ctx, existing, existing.Status, meta, func(next *Subscription) {
				next.PlanType = plan.ID
				next.Provider = ev.Provider
				if ev.CustomerID != "" {
					next.ProviderCustomerID = ev.CustomerID
				}
				if ev.PaymentID != "" {
					next.LastPaymentID = ev.PaymentID
				}
			})
			if err != nil {
				return nil, err
			}
			return res.Subscription, nil
		}
		to := existing.Status
		if CanTransition(existing.Status, target) {
			to = target
		}
		res, err := m.commit(ctx, existing, to, meta, apply)
		if err != nil {
			return nil, err
		}
		return res.Subscription, nil
	}

	return m.restart(ctx, existing, target, meta, apply)
}

// restart begins a new lifecycle on an existing record whose previous one
// ended or tracked another upstream subscription. The trial history is kept.
func (m *Manager) restart(ctx context.Context, existing *Subscription, target Status, meta TransitionMeta, apply func(*Subscription)) (*Subscription, error) {
	next := existing.Clone()
	next.Status = StatusPending
	next.CancelAtPeriodEnd = false
	next.CancelledAt = nil
	next.CancellationReason = ""
	next.RetryURL = ""
	next.TrialWarningSent = false
	next.TrialWarningSentAt = nil
	apply(next)
	res, err := m.commit(ctx, next, target, meta, func(*Subscription) {})
	if err != nil {
		return nil, err
	}
	m.logger.Info("subscription restarted",
		F("user_id", existing.UserID), F("previous_status", existing.Status),
		F("status", res.To), F("plan_type", res.Subscription.PlanType), F("reason", meta.Reason))
	return res.Subscription, nil
}

// lifecycleOver reports whether sub can only be revived by a new lifecycle:
// it is terminal, or cancelled with its access period lapsed.
func lifecycleOver(sub *Subscription, now time.Time) bool {
	if sub.Status.Terminal() {
		return true
	}
	return sub.Status == StatusCancelled && sub.CurrentPeriodEnd != nil && !now.Before(*sub.CurrentPeriodEnd)
}

// SyncProviderSubscription applies an upstream subscription snapshot
// (created or updated event) to the local record.
func (m *Manager) SyncProviderSubscription(ctx context.Context, ev *Event) (*Subscription, error) {
	sub, err := m.resolve(ctx, ev)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if ev.Type == EventSubscriptionCreated && ev.UserID != "" && ev.PlanType != "" &&
		(sub == nil || (ev.SubscriptionID != "" && sub.ProviderSubscriptionID != ev.SubscriptionID)) {
		// created can arrive before checkout.session.completed
		return m.CompleteCheckout(ctx, ev)
	}
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	to := sub.Status
	if ev.ProviderStatus != "" {
		to = MapProviderStatus(ev.ProviderStatus)
	}

	var plan *Plan
	if ev.PlanType != "" {
		if p, err := m.catalog.Info(ev.PlanType); err == nil {
			plan = &p
		}
	}

	meta := TransitionMeta{Source: SourceProvider, Reason: string(ev.Type), AtPeriodEnd: ev.CancelAtPeriodEnd}
	edit := func(next *Subscription) {
		if ev.PeriodStart != nil {
			next.CurrentPeriodStart = cloneTime(ev.PeriodStart)
		}
		if ev.PeriodEnd != nil {
			next.CurrentPeriodEnd = cloneTime(ev.PeriodEnd)
		}
		if ev.TrialStart != nil {
			next.TrialStart = cloneTime(ev.TrialStart)
		}
		if ev.TrialEnd != nil {
			next.TrialEnd = cloneTime(ev.TrialEnd)
		}
		if ev.CustomerID != "" {
			next.ProviderCustomerID = ev.CustomerID
		}
		if next.Status != StatusCancelled {
			next.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
		}
		if plan != nil {
			next.PlanType = plan.ID
		}
	}

	live := to == StatusActive || to == StatusTrialing
	switch {
	case live && sub.Status == StatusCancelled && sub.CancelAtPeriodEnd && ev.CancelAtPeriodEnd && !lifecycleOver(sub, now):
		// upstream keeps the subscription running until the period ends;
		// the local cancellation stands
		to = StatusCancelled
	case live && lifecycleOver(sub, now):
		return m.restart(ctx, sub, to, meta, edit)
	}

	res, err := m.commit(ctx, sub, to, meta, edit)
	if err != nil {
		return nil, err
	}
	return res.Subscription, nil
}

// EndProviderSubscription handles the upstream subscription ending. Access is
// over, so the record drops to the free plan.
func (m *Manager) EndProviderSubscription(ctx context.Context, ev *Event) (*Subscription, error) {
	sub, err := m.resolve(ctx, ev)
	if err != nil {
		return nil, err
	}
	free := m.catalog.Free().ID
	endedAt := m.clock.Now()
	if ev.CanceledAt != nil {
		endedAt = *ev.CanceledAt
	}
	to := StatusCancelled
	if sub.Status.Terminal() {
		to = sub.Status
	}
	res, err := m.commit(ctx, sub, to, TransitionMeta{Source: SourceProvider, Reason: "subscription_deleted"}, func(next *Subscription) {
		next.PlanType = free
		next.CancelAtPeriodEnd = false
		if next.CancelledAt == nil {
			next.CancelledAt = timePtr(endedAt)
		}
		next.CurrentPeriodEnd = timePtr(endedAt)
	})
	if err != nil {
		return nil, err
	}
	return res.Subscription, nil
}

// RecordPayment applies a successful invoice payment. The billing reason picks
// the email: first payments activate, cycles renew.
func (m *Manager) RecordPayment(ctx context.Context, ev *Event) (*Subscription, error) {
	sub, err := m.resolve(ctx, ev)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	edit := func(next *Subscription) {
		if ev.PeriodStart != nil {
			next.CurrentPeriodStart = cloneTime(ev.PeriodStart)
		}
		if ev.PeriodEnd != nil {
			next.CurrentPeriodEnd = cloneTime(ev.PeriodEnd)
		}
		if ev.PaymentID != "" {
			next.LastPaymentID = ev.PaymentID
		}
	}

	// a payment after the local lifecycle ended (e.g. a trial expired on the
	// wall clock before the first invoice settled) starts a new one
	if lifecycleOver(sub, now) {
		planType := sub.PlanType
		if ev.PlanType != "" {
			if p, err := m.catalog.Info(ev.PlanType); err == nil {
				planType = p.ID
			}
		}
		return m.restart(ctx, sub, StatusActive, TransitionMeta{Source: SourceProvider, Reason: "payment_succeeded"}, func(next *Subscription) {
			edit(next)
			next.PlanType = planType
			if ev.PeriodStart == nil {
				next.CurrentPeriodStart = timePtr(now)
			}
			if ev.PeriodEnd == nil {
				next.CurrentPeriodEnd = timePtr(next.CurrentPeriodStart.Add(defaultBillingPeriod))
			}
		})
	}

	// the zero-amount invoice issued when a trial starts does not end the trial
	if sub.Status == StatusTrialing && sub.TrialEnd != nil && sub.TrialEnd.After(now) && ev.BillingReason == BillingReasonCreate {
		res, err := m.commit(ctx, sub, StatusTrialing, TransitionMeta{Source: SourceProvider}, edit)
		if err != nil {
			return nil, err
		}
		return res.Subscription, nil
	}

	var extra []Action
	if sub.Status == StatusActive && ev.BillingReason == BillingReasonCycle {
		data := map[string]interface{}{"plan_type": string(sub.PlanType)}
		if ev.PeriodEnd != nil {
			data["next_billing_date"] = ev.PeriodEnd.Format(time.RFC3339)
		}
		extra = append(extra, notifyAction(sub.UserID, TemplateSubscriptionRenewed, data))
	}
	res, err := m.commit(ctx, sub, StatusActive, TransitionMeta{Source: SourceProvider, Reason: ev.BillingReason}, edit, extra...)
	if err != nil {
		return nil, err
	}
	return res.Subscription, nil
}

// RecordPaymentFailure moves the subscription to past_due.
func (m *Manager) RecordPaymentFailure(ctx context.Context, ev *Event) (*Subscription, error) {
	sub, err := m.resolve(ctx, ev)
	if err != nil {
		return nil, err
	}
	res, err := m.commit(ctx, sub, StatusPastDue, TransitionMeta{
		Source:   SourceProvider,
		Reason:   "payment_failed",
		RetryURL: ev.RetryURL,
	}, nil)
	if err != nil {
		return nil, err
	}
	return res.Subscription, nil
}

// WarnTrialEnding sends the trial_ending email once per trial. The flag is
// shared with the scheduler so provider and local warnings never double up.
func (m *Manager) WarnTrialEnding(ctx context.Context, sub *Subscription, daysRemaining int) (bool, error) {
	if sub.TrialWarningSent {
		return false, nil
	}
	if sub.Status != StatusTrialing {
		return false, nil
	}
	now := m.clock.Now()
	data := map[string]interface{}{
		"plan_type":      string(sub.PlanType),
		"days_remaining": daysRemaining,
	}
	if sub.TrialEnd != nil {
		data["trial_end"] = sub.TrialEnd.Format(time.RFC3339)
	}
	_, err := m.commit(ctx, sub, sub.Status, TransitionMeta{Source: SourceScheduler}, func(next *Subscription) {
		next.TrialWarningSent = true
		next.TrialWarningSentAt = timePtr(now)
	}, notifyAction(sub.UserID, TemplateTrialEnding, data))
	if err != nil {
		return false, err
	}
	return true, nil
}

// ExtendTrial pushes the trial end of a trialing subscription by days.
func (m *Manager) ExtendTrial(ctx context.Context, userID string, days int) (*Subscription, error) {
	if days <= 0 {
		return nil, &ValidationError{Field: "days", Reason: "must be positive"}
	}
	sub, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusTrialing || sub.TrialEnd == nil {
		return nil, &ConflictError{From: sub.Status, To: StatusTrialing, Reason: "subscription is not in trial"}
	}
	res, err := m.commit(ctx, sub, StatusTrialing, TransitionMeta{Source: SourceUser, Reason: "trial_extended"}, func(next *Subscription) {
		extended := next.TrialEnd.AddDate(0, 0, days)
		next.TrialEnd = timePtr(extended)
		if next.CurrentPeriodEnd == nil || next.CurrentPeriodEnd.Before(extended) {
			next.CurrentPeriodEnd = timePtr(extended)
		}
		next.TrialWarningSent = false
		next.TrialWarningSentAt = nil
	})
	if err != nil {
		return nil, err
	}
	return res.Subscription, nil
}

// ConvertTrialToPaid activates a trialing subscription.
func (m *Manager) ConvertTrialToPaid(ctx context.Context, userID string) (bool, error) {
	sub, err := m.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if sub.Status != StatusTrialing {
		return false, &ConflictError{From: sub.Status, To: StatusActive, Reason: "subscription is not in trial"}
	}
	now := m.clock.Now()
	res, err := m.commit(ctx, sub, StatusActive, TransitionMeta{Source: SourceUser, Reason: "trial_converted"}, func(next *Subscription) {
		next.CurrentPeriodStart = timePtr(now)
		next.CurrentPeriodEnd = timePtr(now.Add(defaultBillingPeriod))
	})
	if err != nil {
		return false, err
	}
	return res.Changed, nil
}

// resolve finds the local subscription an event refers to: by upstream
// subscription id first, then by the user id carried in metadata.
func (m *Manager) resolve(ctx context.Context, ev *Event) (*Subscription, error) {
	if ev.SubscriptionID != "" {
		sub, err := m.subs.GetByProviderSubscriptionID(ctx, ev.SubscriptionID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if ev.UserID != "" {
		return m.subs.GetByUserID(ctx, ev.UserID)
	}
	return nil, &NotFoundError{Resource: "subscription", ID: ev.SubscriptionID}
}

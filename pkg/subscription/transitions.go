package subscription

import (
	"fmt"
	"time"
)

// edges lists every allowed status change. Anything absent is a ConflictError.
var edges = map[Status][]Status{
	StatusPending:    {StatusTrialing, StatusActive, StatusIncomplete, StatusCancelled},
	StatusIncomplete: {StatusTrialing, StatusActive, StatusIncompleteExpired, StatusCancelled},
	StatusTrialing:   {StatusActive, StatusExpired, StatusCancelled, StatusPastDue, StatusPaused},
	StatusActive:     {StatusPastDue, StatusCancelled, StatusPaused, StatusUnpaid},
	StatusPastDue:    {StatusActive, StatusUnpaid, StatusCancelled},
	StatusUnpaid:     {StatusActive, StatusCancelled},
	StatusPaused:     {StatusActive, StatusCancelled},
	StatusCancelled:  {StatusActive},
}

// Source tells the state machine who asked for a transition
type Source string

const (
	SourceUser      Source = "user"
	SourceProvider  Source = "provider"
	SourceScheduler Source = "scheduler"
)

// TransitionMeta carries the inputs a transition may record
type TransitionMeta struct {
	Source Source
	Reason string

	// AtPeriodEnd keeps access until CurrentPeriodEnd on cancellation
	AtPeriodEnd bool

	// RetryURL is where a past_due user can settle the invoice
	RetryURL string
}

// TransitionResult is the pure outcome of Transition
type TransitionResult struct {
	Subscription *Subscription
	From         Status
	To           Status
	Changed      bool
	Actions      []Action
}

// CanTransition reports whether the edge from -> to exists, ignoring time guards.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if to == StatusExpired && !from.Terminal() {
		return true
	}
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a status change to a copy of sub.
// It performs no I/O: the caller persists the result and executes its actions.
func Transition(sub *Subscription, to Status, meta TransitionMeta, now time.Time) (*TransitionResult, error) {
	if sub == nil {
		return nil, &NotFoundError{Resource: "subscription"}
	}
	from := sub.Status
	if from == to {
		return &TransitionResult{Subscription: sub.Clone(), From: from, To: to}, nil
	}
	if !CanTransition(from, to) {
		return nil, &ConflictError{From: from, To: to}
	}
	if err := checkGuards(sub, to, meta, now); err != nil {
		return nil, err
	}

	next := sub.Clone()
	next.Status = to
	next.UpdatedAt = now

	switch to {
	case StatusCancelled:
		if next.CancelledAt == nil {
			next.CancelledAt = timePtr(now)
		}
		next.CancelAtPeriodEnd = meta.AtPeriodEnd
		if meta.Reason != "" {
			next.CancellationReason = meta.Reason
		}
	case StatusPastDue:
		next.RetryURL = meta.RetryURL
	case StatusActive:
		next.RetryURL = ""
		if from == StatusCancelled {
			next.CancelAtPeriodEnd = false
			next.CancelledAt = nil
			next.CancellationReason = ""
		}
	}

	return &TransitionResult{
		Subscription: next,
		From:         from,
		To:           to,
		Changed:      true,
		Actions:      actionsFor(next, from, to, meta, now),
	}, nil
}

func checkGuards(sub *Subscription, to Status, meta TransitionMeta, now time.Time) error {
	switch {
	case to == StatusExpired && meta.Source != SourceProvider:
		if !deadlinePassed(sub, now) {
			reason := "period has not ended"
			if sub.Status == StatusTrialing {
				reason = "trial has not ended"
			}
			return &ConflictError{From: sub.Status, To: to, Reason: reason}
		}
	case to == StatusActive && sub.Status == StatusCancelled:
		if sub.CurrentPeriodEnd != nil && !now.Before(*sub.CurrentPeriodEnd) {
			return &ConflictError{From: sub.Status, To: to, Reason: "access period already lapsed"}
		}
	}
	return nil
}

func deadlinePassed(sub *Subscription, now time.Time) bool {
	if sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.Before(now) {
		return true
	}
	return sub.TrialEnd != nil && sub.TrialEnd.Before(now)
}

func actionsFor(sub *Subscription, from, to Status, meta TransitionMeta, now time.Time) []Action {
	data := map[string]interface{}{
		"plan_type": string(sub.PlanType),
		"status":    string(to),
	}
	actions := []Action{{Kind: ActionInvalidateEntitlements, UserID: sub.UserID}}

	switch to {
	case StatusTrialing:
		if sub.TrialEnd != nil {
			data["trial_end"] = sub.TrialEnd.Format(time.RFC3339)
		}
		actions = append(actions, notifyAction(sub.UserID, TemplateWelcomePremium, data))
	case StatusActive:
		if from == StatusCancelled {
			actions = append(actions, notifyAction(sub.UserID, TemplateReactivated, data))
			break
		}
		actions = append(actions, notifyAction(sub.UserID, TemplatePaymentSuccessful, data))
	case StatusPastDue:
		data["retry_url"] = meta.RetryURL
		actions = append(actions, notifyAction(sub.UserID, TemplatePaymentFailed, data))
	case StatusCancelled:
		accessUntil := now
		if meta.AtPeriodEnd && sub.CurrentPeriodEnd != nil {
			accessUntil = *sub.CurrentPeriodEnd
		}
		data["access_until"] = accessUntil.Format(time.RFC3339)
		data["immediate"] = !meta.AtPeriodEnd
		if meta.Reason != "" {
			data["reason"] = meta.Reason
		}
		actions = append(actions, notifyAction(sub.UserID, TemplateCancellation, data))
	case StatusExpired:
		actions = append(actions, notifyAction(sub.UserID, TemplateSubscriptionExpired, data))
	}
	return actions
}

func notifyAction(userID, template string, data map[string]interface{}) Action {
	return Action{Kind: ActionNotify, UserID: userID, Template: template, Data: data}
}

func (r *TransitionResult) String() string {
	return fmt.Sprintf("%s -> %s (changed=%t, actions=%d)", r.From, r.To, r.Changed, len(r.Actions))
}

package subscription

import "time"

// TrialView is the trial block of a status response
type TrialView struct {
	TrialStart    *time.Time `json:"trialStart,omitempty"`
	TrialEnd      *time.Time `json:"trialEnd,omitempty"`
	DaysRemaining int        `json:"daysRemaining"`
}

// BillingView is the billing block of a status response
type BillingView struct {
	CurrentPeriodStart *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancelAtPeriodEnd"`
}

// StatusView is the subscription status returned to clients
type StatusView struct {
	Plan              PlanType     `json:"plan"`
	Status            Status       `json:"status"`
	PlanName          string       `json:"planName"`
	IsPro             bool         `json:"isPro"`
	PriceAmount       float64      `json:"priceAmount"`
	Currency          string       `json:"currency,omitempty"`
	Provider          string       `json:"provider,omitempty"`
	Limits            Limits       `json:"limits"`
	FeaturesAvailable Features     `json:"featuresAvailable"`
	Trial             *TrialView   `json:"trial,omitempty"`
	Billing           *BillingView `json:"billing,omitempty"`
}

// BuildStatusView renders a subscription for the status endpoint.
func BuildStatusView(catalog *Catalog, sub *Subscription, now time.Time) (*StatusView, error) {
	plan, err := catalog.Info(sub.PlanType)
	if err != nil {
		return nil, err
	}
	view := &StatusView{
		Plan:              plan.ID,
		Status:            sub.Status,
		PlanName:          plan.Name,
		IsPro:             !plan.IsFree(),
		PriceAmount:       plan.PriceAmount,
		Currency:          plan.Currency,
		Provider:          sub.Provider,
		Limits:            plan.Limits,
		FeaturesAvailable: plan.Features,
		Trial:             trialView(sub, now),
	}
	if sub.CurrentPeriodStart != nil || sub.CurrentPeriodEnd != nil {
		view.Billing = &BillingView{
			CurrentPeriodStart: cloneTime(sub.CurrentPeriodStart),
			CurrentPeriodEnd:   cloneTime(sub.CurrentPeriodEnd),
			CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		}
	}
	return view, nil
}

func trialView(sub *Subscription, now time.Time) *TrialView {
	if sub.Status != StatusTrialing || sub.TrialEnd == nil {
		return nil
	}
	return &TrialView{
		TrialStart:    cloneTime(sub.TrialStart),
		TrialEnd:      cloneTime(sub.TrialEnd),
		DaysRemaining: daysUntil(now, *sub.TrialEnd),
	}
}

package subscription

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

const defaultBillingPeriod = 30 * 24 * time.Hour

// Config wires the Manager to its collaborators
type Config struct {
	// Catalog is the plan table (default: DefaultCatalog())
	Catalog *Catalog

	// Subscriptions is the subscription store (required)
	Subscriptions SubscriptionStore

	// Gateways indexes payment providers by name
	Gateways Gateways

	// DefaultProvider is used for checkouts that do not name a provider (default: "stripe")
	DefaultProvider string

	// Users resolves contact details for checkout customer creation (optional)
	Users UserDirectory

	// Executor performs side-effect actions (default: executor with no notifier)
	Executor *Executor

	// Clock is the time source (default: SystemClock)
	Clock Clock

	// Logger is optional; NoopLogger when nil
	Logger Logger

	// Metrics is optional; NoopMetrics when nil
	Metrics Metrics
}

// Manager is the subscription lifecycle state machine.
// Every mutation of a Subscription goes through it.
type Manager struct {
	catalog         *Catalog
	subs            SubscriptionStore
	gateways        Gateways
	defaultProvider string
	users           UserDirectory
	executor        *Executor
	clock           Clock
	logger          Logger
	metrics         Metrics
}

// NewManager creates a lifecycle manager with the given configuration
func NewManager(config Config) (*Manager, error) {
	if config.Subscriptions == nil {
		return nil, ErrStoreUnavailable
	}

	// Set defaults
	if config.Catalog == nil {
		config.Catalog = DefaultCatalog()
	}
	if config.Gateways == nil {
		config.Gateways = Gateways{}
	}
	if config.DefaultProvider == "" {
		config.DefaultProvider = "stripe"
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Executor == nil {
		config.Executor = NewExecutor(nil, config.Logger, config.Metrics)
	}

	return &Manager{
		catalog:         config.Catalog,
		subs:            config.Subscriptions,
		gateways:        config.Gateways,
		defaultProvider: config.DefaultProvider,
		users:           config.Users,
		executor:        config.Executor,
		clock:           config.Clock,
		logger:          config.Logger,
		metrics:         config.Metrics,
	}, nil
}

// Catalog returns the plan catalog the manager validates against.
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// Get returns the user's subscription.
func (m *Manager) Get(ctx context.Context, userID string) (*Subscription, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "userId", Reason: "required"}
	}
	return m.subs.GetByUserID(ctx, userID)
}

// CreateFree registers the free subscription a user gets at sign-up.
func (m *Manager) CreateFree(ctx context.Context, userID string) (*Subscription, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "userId", Reason: "required"}
	}
	now := m.clock.Now()
	sub := &Subscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		PlanType:  m.catalog.Free().ID,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.subs.Create(ctx, sub); err != nil {
		return nil, err
	}

	m.logger.Info("free subscription created", F("user_id", userID))
	m.executor.Execute(ctx, []Action{
		{Kind: ActionInvalidateEntitlements, UserID: userID},
		notifyAction(userID, TemplateWelcomeFree, map[string]interface{}{"plan_type": string(sub.PlanType)}),
	})
	return sub, nil
}

// ApplyTransition moves a subscription to newStatus. It returns false without
// writing when the status is unchanged, a *NotFoundError when the subscription
// is missing, and a *ConflictError when the edge is not allowed.
func (m *Manager) ApplyTransition(ctx context.Context, subscriptionID string, newStatus Status, meta TransitionMeta) (bool, error) {
	sub, err := m.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return false, err
	}
	res, err := m.commit(ctx, sub, newStatus, meta, nil)
	if err != nil {
		return false, err
	}
	return res.Changed, nil
}

// ExpireTrial expires a trialing subscription.
func (m *Manager) ExpireTrial(ctx context.Context, userID string) (bool, error) {
	sub, err := m.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if sub.Status != StatusTrialing && sub.Status != StatusExpired {
		return false, &ConflictError{From: sub.Status, To: StatusExpired, Reason: "subscription is not in trial"}
	}
	res, err := m.commit(ctx, sub, StatusExpired, TransitionMeta{Source: SourceScheduler, Reason: "trial_ended"}, nil)
	if err != nil {
		return false, err
	}
	return res.Changed, nil
}

// MarkPastDue records a failed payment.
func (m *Manager) MarkPastDue(ctx context.Context, subscriptionID, retryURL string) (bool, error) {
	return m.ApplyTransition(ctx, subscriptionID, StatusPastDue, TransitionMeta{
		Source:   SourceProvider,
		Reason:   "payment_failed",
		RetryURL: retryURL,
	})
}

// Reactivate restores a cancelled subscription whose access period has not lapsed.
func (m *Manager) Reactivate(ctx context.Context, userID string) (bool, error) {
	sub, err := m.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if sub.Status != StatusCancelled && sub.Status != StatusActive {
		return false, &ConflictError{From: sub.Status, To: StatusActive, Reason: "only cancelled subscriptions can be reactivated"}
	}
	res, err := m.commit(ctx, sub, StatusActive, TransitionMeta{Source: SourceUser, Reason: "reactivated"}, nil)
	if err != nil {
		return false, err
	}
	return res.Changed, nil
}

// CancelResult describes the outcome of a cancellation
type CancelResult struct {
	CancelledAt   time.Time `json:"cancelledAt"`
	AccessUntil   time.Time `json:"accessUntil"`
	DowngradeDate time.Time `json:"downgradeDate"`
	Immediate     bool      `json:"immediateCancellation"`
}

// Cancel cancels the user's paid subscription. The upstream cancel is attempted
// first; if it fails the local cancellation still proceeds and a warning is logged.
func (m *Manager) Cancel(ctx context.Context, userID string, immediate bool, reason string) (*CancelResult, error) {
	sub, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	plan, err := m.catalog.Info(sub.PlanType)
	if err != nil {
		return nil, err
	}
	if plan.IsFree() {
		return nil, &ValidationError{Field: "planType", Reason: "free plan cannot be cancelled"}
	}
	if sub.Status == StatusCancelled || sub.Status.Terminal() {
		return nil, &ConflictError{From: sub.Status, To: StatusCancelled, Reason: "subscription already ended"}
	}

	now := m.clock.Now()
	accessUntil := now
	if !immediate {
		switch {
		case sub.CurrentPeriodEnd != nil:
			accessUntil = *sub.CurrentPeriodEnd
		case sub.TrialEnd != nil:
			accessUntil = *sub.TrialEnd
		}
	}

	m.cancelUpstream(ctx, sub, !immediate)

	free := m.catalog.Free().ID
	_, err = m.commit(ctx, sub, StatusCancelled, TransitionMeta{
		Source:      SourceUser,
		Reason:      reason,
		AtPeriodEnd: !immediate,
	}, func(next *Subscription) {
		if immediate {
			next.PlanType = free
		} else if next.CurrentPeriodEnd == nil {
			next.CurrentPeriodEnd = timePtr(accessUntil)
		}
	})
	if err != nil {
		return nil, err
	}

	return &CancelResult{
		CancelledAt:   now,
		AccessUntil:   accessUntil,
		DowngradeDate: accessUntil,
		Immediate:     immediate,
	}, nil
}

// cancelUpstream never fails the caller: cancel and downgrade prefer a
// consistent local state over strict upstream consistency.
func (m *Manager) cancelUpstream(ctx context.Context, sub *Subscription, atPeriodEnd bool) {
	if sub.ProviderSubscriptionID == "" {
		return
	}
	gw, err := m.gateways.Get(sub.Provider)
	if err != nil {
		m.logger.Warn("upstream cancel skipped, proceeding locally",
			F("user_id", sub.UserID), F("provider", sub.Provider), errField(err))
		return
	}
	if err := gw.CancelSubscription(ctx, sub.ProviderSubscriptionID, atPeriodEnd); err != nil {
		upErr := &UpstreamError{Provider: gw.Name(), Op: "cancel subscription", Err: err}
		m.logger.Warn("upstream cancel failed, proceeding locally",
			F("user_id", sub.UserID), F("provider_subscription_id", sub.ProviderSubscriptionID), errField(upErr))
	}
}

// Upgrade moves an active or trialing subscription to a higher plan.
// A gateway failure aborts the upgrade without touching local state.
func (m *Manager) Upgrade(ctx context.Context, userID string, target PlanType) (*Subscription, error) {
	sub, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	targetPlan, err := m.catalog.Info(target)
	if err != nil {
		return nil, err
	}
	if !m.catalog.IsUpgrade(sub.PlanType, targetPlan.ID) {
		return nil, &ValidationError{Field: "planType", Reason: fmt.Sprintf("%s is not an upgrade from %s", targetPlan.ID, sub.PlanType)}
	}
	if sub.Status != StatusActive && sub.Status != StatusTrialing {
		return nil, &ConflictError{From: sub.Status, To: sub.Status, Reason: "only active or trialing subscriptions can be upgraded"}
	}
	if targetPlan.ProviderPriceID == "" {
		return nil, &ValidationError{Field: "planType", Reason: "plan has no provider price"}
	}
	if sub.ProviderSubscriptionID == "" {
		return nil, &ValidationError{Field: "subscription", Reason: "no provider subscription to upgrade, start a checkout instead"}
	}

	gw, err := m.gateways.Get(sub.Provider)
	if err != nil {
		return nil, err
	}
	update, err := gw.UpdateSubscription(ctx, UpdateParams{
		SubscriptionID: sub.ProviderSubscriptionID,
		PriceID:        targetPlan.ProviderPriceID,
		PriceAmount:    targetPlan.PriceAmount,
		Currency:       targetPlan.Currency,
		Proration:      ProrationCreate,
	})
	if err != nil {
		return nil, &UpstreamError{Provider: gw.Name(), Op: "update subscription", Err: err}
	}

	now := m.clock.Now()
	previous := sub.PlanType
	res, err := m.commit(ctx, sub, sub.Status, TransitionMeta{Source: SourceUser, Reason: "upgrade"}, func(next *Subscription) {
		next.PlanType = targetPlan.ID
		next.LastUpgradeAt = timePtr(now)
		if update != nil {
			if update.PeriodStart != nil {
				next.CurrentPeriodStart = cloneTime(update.PeriodStart)
			}
			if update.PeriodEnd != nil {
				next.CurrentPeriodEnd = cloneTime(update.PeriodEnd)
			}
		}
	}, notifyAction(userID, TemplateUpgradeConfirmation, map[string]interface{}{
		"previous_plan": string(previous),
		"plan_type":     string(targetPlan.ID),
		"plan_name":     targetPlan.Name,
		"price_amount":  targetPlan.PriceAmount,
	}))
	if err != nil {
		return nil, err
	}
	m.logger.Info("subscription upgraded",
		F("user_id", userID), F("from", previous), F("to", targetPlan.ID))
	return res.Subscription, nil
}

// UpgradePreview estimates the prorated charge of an upgrade
type UpgradePreview struct {
	CurrentPlan     PlanType  `json:"currentPlan"`
	TargetPlan      PlanType  `json:"targetPlan"`
	ProratedAmount  float64   `json:"proratedAmount"`
	NextPeriodPrice float64   `json:"nextPeriodPrice"`
	Currency        string    `json:"currency"`
	EffectiveAt     time.Time `json:"effectiveAt"`
}

// PreviewUpgrade computes the prorated price difference for the rest of the current period.
func (m *Manager) PreviewUpgrade(ctx context.Context, userID string, target PlanType) (*UpgradePreview, error) {
	sub, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	current, err := m.catalog.Info(sub.PlanType)
	if err != nil {
		return nil, err
	}
	targetPlan, err := m.catalog.Info(target)
	if err != nil {
		return nil, err
	}
	if !m.catalog.IsUpgrade(current.ID, targetPlan.ID) {
		return nil, &ValidationError{Field: "planType", Reason: fmt.Sprintf("%s is not an upgrade from %s", targetPlan.ID, current.ID)}
	}

	now := m.clock.Now()
	fraction := 1.0
	if sub.CurrentPeriodStart != nil && sub.CurrentPeriodEnd != nil {
		cycle := sub.CurrentPeriodEnd.Sub(*sub.CurrentPeriodStart)
		remaining := sub.CurrentPeriodEnd.Sub(now)
		if cycle <= 0 {
			cycle = defaultBillingPeriod
		}
		if remaining < 0 {
			remaining = 0
		}
		fraction = math.Min(1, float64(remaining)/float64(cycle))
	}
	delta := (targetPlan.PriceAmount - current.PriceAmount) * fraction

	return &UpgradePreview{
		CurrentPlan:     current.ID,
		TargetPlan:      targetPlan.ID,
		ProratedAmount:  math.Round(delta*100) / 100,
		NextPeriodPrice: targetPlan.PriceAmount,
		Currency:        targetPlan.Currency,
		EffectiveAt:     now,
	}, nil
}

// DowngradeToFree schedules the move back to the free plan. The upstream
// subscription is cancelled at period end; an upstream failure is logged only.
func (m *Manager) DowngradeToFree(ctx context.Context, userID, reason string) (*Subscription, error) {
	sub, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	free := m.catalog.Free()
	if sub.PlanType == free.ID {
		return nil, &ValidationError{Field: "planType", Reason: "already on the free plan"}
	}

	m.cancelUpstream(ctx, sub, true)

	now := m.clock.Now()
	target := StatusActive
	meta := TransitionMeta{Source: SourceUser, Reason: reason}
	if sub.ProviderSubscriptionID != "" {
		target = StatusCancelled
		meta.AtPeriodEnd = true
	}
	if sub.Status == StatusCancelled {
		target = StatusCancelled
	}
	previous := sub.PlanType
	effective := now
	if sub.CurrentPeriodEnd != nil {
		effective = *sub.CurrentPeriodEnd
	}

	res, err := m.commit(ctx, sub, target, meta, func(next *Subscription) {
		next.PlanType = free.ID
		next.DowngradedAt = timePtr(now)
		next.DowngradeReason = reason
	}, notifyAction(userID, TemplateDowngradeWarning, map[string]interface{}{
		"previous_plan":  string(previous),
		"plan_type":      string(free.ID),
		"effective_date": effective.Format(time.RFC3339),
	}))
	if err != nil {
		return nil, err
	}
	return res.Subscription, nil
}

// CheckoutRequest starts a paid subscription
type CheckoutRequest struct {
	UserID     string
	PlanType   PlanType
	Provider   string
	SuccessURL string
	CancelURL  string
}

// StartCheckout creates the upstream customer when needed and returns a hosted
// checkout. Gateway failures are fatal: nothing changes locally without upstream confirmation.
func (m *Manager) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.UserID == "" {
		return nil, &ValidationError{Field: "userId", Reason: "required"}
	}
	plan, err := m.catalog.Info(req.PlanType)
	if err != nil {
		return nil, err
	}
	if plan.IsFree() {
		return nil, &ValidationError{Field: "planType", Reason: "free plan does not need a checkout"}
	}
	provider := req.Provider
	if provider == "" {
		provider = m.defaultProvider
	}
	gw, err := m.gateways.Get(provider)
	if err != nil {
		return nil, err
	}

	sub, err := m.subs.GetByUserID(ctx, req.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if sub != nil && sub.PlanType == plan.ID && (sub.Status == StatusActive || sub.Status == StatusTrialing) {
		return nil, &ConflictError{From: sub.Status, To: sub.Status, Reason: "already subscribed to this plan"}
	}

	var profile *UserProfile
	if m.users != nil {
		profile, err = m.users.Lookup(ctx, req.UserID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if profile == nil {
		profile = &UserProfile{ID: req.UserID}
	}

	customerID := ""
	if sub != nil && sub.Provider == provider {
		customerID = sub.ProviderCustomerID
	}
	if customerID == "" {
		customerID, err = gw.CreateCustomer(ctx, CustomerParams{UserID: req.UserID, Email: profile.Email, Name: profile.Name})
		if err != nil {
			return nil, &UpstreamError{Provider: gw.Name(), Op: "create customer", Err: err}
		}
	}

	trialDays := plan.TrialDays
	if sub != nil && sub.TrialStart != nil {
		// one trial per user
		trialDays = 0
	}

	session, err := gw.CreateCheckoutSession(ctx, CheckoutParams{
		UserID:      req.UserID,
		CustomerID:  customerID,
		Email:       profile.Email,
		PlanType:    plan.ID,
		PriceID:     plan.ProviderPriceID,
		PriceAmount: plan.PriceAmount,
		Currency:    plan.Currency,
		TrialDays:   trialDays,
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
	})
	if err != nil {
		return nil, &UpstreamError{Provider: gw.Name(), Op: "create checkout session", Err: err}
	}

	if sub != nil && sub.ProviderCustomerID != customerID && sub.Provider == "" {
		_, err := m.commit(ctx, sub, sub.Status, TransitionMeta{Source: SourceUser}, func(next *Subscription) {
			next.Provider = provider
			next.ProviderCustomerID = customerID
		})
		if err != nil {
			m.logger.Warn("failed to store provider customer", F("user_id", req.UserID), errField(err))
		}
	}

	m.logger.Info("checkout session created",
		F("user_id", req.UserID), F("plan_type", plan.ID), F("provider", provider), F("session_id", session.ID))
	return session, nil
}

// Status returns the status view of the user's subscription.
func (m *Manager) Status(ctx context.Context, userID string) (*StatusView, error) {
	sub, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return BuildStatusView(m.catalog, sub, m.clock.Now())
}

// commit applies a status change plus optional field edits, persists the
// result with a single write and then executes the resulting actions.
func (m *Manager) commit(
	ctx context.Context, sub *Subscription, to Status, meta TransitionMeta,
	edit func(*Subscription), extra ...Action,
) (*TransitionResult, error) {
	now := m.clock.Now()
	res, err := Transition(sub, to, meta, now)
	if err != nil {
		return nil, err
	}
	if !res.Changed && edit == nil && len(extra) == 0 {
		return res, nil
	}

	if edit != nil {
		edit(res.Subscription)
		res.Subscription.UpdatedAt = now
	}
	if err := m.subs.Update(ctx, res.Subscription); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	actions := res.Actions
	if !res.Changed {
		actions = append(actions, Action{Kind: ActionInvalidateEntitlements, UserID: sub.UserID})
	} else {
		m.metrics.RecordTransition(res.From, res.To)
		m.logger.Info("subscription transitioned",
			F("subscription_id", sub.ID), F("user_id", sub.UserID),
			F("from", res.From), F("to", res.To), F("source", meta.Source))
	}
	actions = append(actions, extra...)
	m.executor.Execute(ctx, actions)
	return res, nil
}

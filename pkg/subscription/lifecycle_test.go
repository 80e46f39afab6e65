package subscription_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/practpec/voyaj-api/pkg/subscription"
)

func TestNewManager_RequiresStore(t *testing.T) {
	_, err := subscription.NewManager(subscription.Config{})
	assert.ErrorIs(t, err, subscription.ErrStoreUnavailable)
}

func TestManager_CreateFree(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub, err := env.manager.CreateFree(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, subscription.PlanExplorador, sub.PlanType)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, 1, env.notifier.count(subscription.TemplateWelcomeFree))

	_, err = env.manager.CreateFree(ctx, testUserID)
	assert.ErrorIs(t, err, subscription.ErrSubscriptionExists)

	_, err = env.manager.CreateFree(ctx, "")
	assert.ErrorIs(t, err, subscription.ErrValidation)
}

func TestManager_Cancel_FailOpenWhenGatewayFails(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.cancelErr = errors.New("stripe unreachable")
	ctx := context.Background()
	env.seed(t, paidActive(testUserID))

	result, err := env.manager.Cancel(ctx, testUserID, true, "too expensive")
	require.NoError(t, err, "upstream failure must not fail a cancellation")
	assert.True(t, result.Immediate)
	assert.Equal(t, testNow, result.AccessUntil)

	require.Len(t, env.gateway.cancels, 1)
	assert.Equal(t, testSubID, env.gateway.cancels[0].ID)
	assert.False(t, env.gateway.cancels[0].AtPeriodEnd)

	stored := env.load(t, testUserID)
	assert.Equal(t, subscription.StatusCancelled, stored.Status)
	assert.Equal(t, subscription.PlanExplorador, stored.PlanType, "immediate cancel drops to the free plan")
	assert.Equal(t, "too expensive", stored.CancellationReason)
	assert.Equal(t, 1, env.notifier.count(subscription.TemplateCancellation))
}

func TestManager_Cancel_AtPeriodEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.seed(t, paidActive(testUserID))

	result, err := env.manager.Cancel(ctx, testUserID, false, "")
	require.NoError(t, err)
	assert.False(t, result.Immediate)
	assert.Equal(t, *sub.CurrentPeriodEnd, result.AccessUntil)
	assert.Equal(t, result.AccessUntil, result.DowngradeDate)
	assert.True(t, env.gateway.cancels[0].AtPeriodEnd)

	stored := env.load(t, testUserID)
	assert.Equal(t, subscription.StatusCancelled, stored.Status)
	assert.True(t, stored.CancelAtPeriodEnd)
	assert.Equal(t, subscription.PlanAventurero, stored.PlanType, "paid access kept until period end")

	_, err = env.manager.Cancel(ctx, testUserID, false, "")
	assert.ErrorIs(t, err, subscription.ErrConflict)
}

func TestManager_Cancel_TrialEchoKeepsCancellation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	trialEnd := testNow.Add(5 * 24 * time.Hour)
	trial := trialing(testUserID, trialEnd)
	trial.Provider = "stripe"
	trial.ProviderSubscriptionID = testSubID
	env.seed(t, trial)

	_, err := env.manager.Cancel(ctx, testUserID, false, "")
	require.NoError(t, err)

	sub, err := env.manager.SyncProviderSubscription(ctx, &subscription.Event{
		ID:                "evt_trial_echo",
		Type:              subscription.EventSubscriptionUpdated,
		Provider:          "stripe",
		SubscriptionID:    testSubID,
		ProviderStatus:    "trialing",
		CancelAtPeriodEnd: true,
		TrialEnd:          &trialEnd,
	})
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCancelled, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, subscription.StatusCancelled, env.load(t, testUserID).Status)
	assert.Equal(t, 0, env.notifier.count(subscription.TemplateReactivated))
}

func TestManager_Cancel_FreePlanRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.manager.CreateFree(ctx, testUserID)
	require.NoError(t, err)

	_, err = env.manager.Cancel(ctx, testUserID, true, "")
	assert.ErrorIs(t, err, subscription.ErrValidation)
	assert.Empty(t, env.gateway.cancels)
}

func TestManager_Reactivate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, paidActive(testUserID))

	_, err := env.manager.Cancel(ctx, testUserID, false, "")
	require.NoError(t, err)

	changed, err := env.manager.Reactivate(ctx, testUserID)
	require.NoError(t, err)
	assert.True(t, changed)

	stored := env.load(t, testUserID)
	assert.Equal(t, subscription.StatusActive, stored.Status)
	assert.False(t, stored.CancelAtPeriodEnd)
	assert.Equal(t, 1, env.notifier.count(subscription.TemplateReactivated))
}

func TestManager_Reactivate_AfterPeriodEndConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, paidActive(testUserID))

	_, err := env.manager.Cancel(ctx, testUserID, false, "")
	require.NoError(t, err)

	env.clock.Advance(21 * 24 * time.Hour)
	_, err = env.manager.Reactivate(ctx, testUserID)
	assert.ErrorIs(t, err, subscription.ErrConflict)
}

func TestManager_ExpireTrial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, paidActive(testUserID))

	_, err := env.manager.ExpireTrial(ctx, testUserID)
	assert.ErrorIs(t, err, subscription.ErrConflict, "active subscription is not a trial")

	_, err = env.manager.ExpireTrial(ctx, "ghost")
	assert.ErrorIs(t, err, subscription.ErrNotFound)

	env.seed(t, trialing("user_mid_trial", testNow.Add(48*time.Hour)))
	changed, err := env.manager.ExpireTrial(ctx, "user_mid_trial")
	assert.ErrorIs(t, err, subscription.ErrConflict, "trial end not reached")
	assert.False(t, changed)
	assert.Equal(t, subscription.StatusTrialing, env.load(t, "user_mid_trial").Status)
	assert.Equal(t, 0, env.notifier.count(subscription.TemplateSubscriptionExpired))

	env.clock.Advance(49 * time.Hour)
	changed, err = env.manager.ExpireTrial(ctx, "user_mid_trial")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestManager_Upgrade(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, paidActive(testUserID))

	sub, err := env.manager.Upgrade(ctx, testUserID, subscription.PlanNomadaDigital)
	require.NoError(t, err)
	assert.Equal(t, subscription.PlanNomadaDigital, sub.PlanType)
	assert.NotNil(t, sub.LastUpgradeAt)

	require.Len(t, env.gateway.updates, 1)
	assert.Equal(t, "price_nomada_monthly", env.gateway.updates[0].PriceID)
	assert.Equal(t, subscription.ProrationCreate, env.gateway.updates[0].Proration)
	assert.Equal(t, 1, env.notifier.count(subscription.TemplateUpgradeConfirmation))

	_, err = env.manager.Upgrade(ctx, testUserID, subscription.PlanAventurero)
	assert.ErrorIs(t, err, subscription.ErrValidation, "downgrades are not upgrades")
}

func TestManager_Upgrade_GatewayFailureIsFatal(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.updateErr = errors.New("card declined")
	ctx := context.Background()
	env.seed(t, paidActive(testUserID))

	_, err := env.manager.Upgrade(ctx, testUserID, subscription.PlanNomadaDigital)
	assert.ErrorIs(t, err, subscription.ErrUpstream)
	assert.Equal(t, subscription.KindUpstream, subscription.KindOf(err))

	stored := env.load(t, testUserID)
	assert.Equal(t, subscription.PlanAventurero, stored.PlanType, "no local change without upstream confirmation")
	assert.Equal(t, 0, env.notifier.total())
}

func TestManager_PreviewUpgrade(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := paidActive(testUserID)
	sub.CurrentPeriodStart = ptr(testNow.Add(-15 * 24 * time.Hour))
	sub.CurrentPeriodEnd = ptr(testNow.Add(15 * 24 * time.Hour))
	env.seed(t, sub)

	preview, err := env.manager.PreviewUpgrade(ctx, testUserID, subscription.PlanNomadaDigital)
	require.NoError(t, err)
	// half the period left: (19.99 - 9.99) / 2
	assert.InDelta(t, 5.0, preview.ProratedAmount, 0.001)
	assert.Equal(t, 19.99, preview.NextPeriodPrice)
	assert.Equal(t, "MXN", preview.Currency)
}

func TestManager_DowngradeToFree_FailOpen(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.cancelErr = errors.New("timeout")
	ctx := context.Background()
	env.seed(t, paidActive(testUserID))

	sub, err := env.manager.DowngradeToFree(ctx, testUserID, "budget")
	require.NoError(t, err)
	assert.Equal(t, subscription.PlanExplorador, sub.PlanType)
	assert.Equal(t, subscription.StatusCancelled, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, "budget", sub.DowngradeReason)
	assert.Equal(t, 1, env.notifier.count(subscription.TemplateDowngradeWarning))

	_, err = env.manager.DowngradeToFree(ctx, testUserID, "")
	assert.ErrorIs(t, err, subscription.ErrValidation)
}

func TestManager_StartCheckout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.AddUser(subscription.UserProfile{ID: testUserID, Email: "ana@example.com", Name: "Ana"})
	_, err := env.manager.CreateFree(ctx, testUserID)
	require.NoError(t, err)

	session, err := env.manager.StartCheckout(ctx, subscription.CheckoutRequest{
		UserID:     testUserID,
		PlanType:   subscription.PlanAventurero,
		SuccessURL: "https://app.example/ok",
		CancelURL:  "https://app.example/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test", session.ID)

	require.Len(t, env.gateway.checkouts, 1)
	params := env.gateway.checkouts[0]
	assert.Equal(t, "cus_test", params.CustomerID)
	assert.Equal(t, "ana@example.com", params.Email)
	assert.Equal(t, "price_aventurero_monthly", params.PriceID)
	assert.Equal(t, 7, params.TrialDays)

	stored := env.load(t, testUserID)
	assert.Equal(t, "cus_test", stored.ProviderCustomerID)

	_, err = env.manager.StartCheckout(ctx, subscription.CheckoutRequest{UserID: testUserID, PlanType: subscription.PlanFree})
	assert.ErrorIs(t, err, subscription.ErrValidation)
}

func TestManager_StartCheckout_UserWithoutProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.manager.StartCheckout(ctx, subscription.CheckoutRequest{
		UserID:   "user_without_profile",
		PlanType: subscription.PlanNomadaDigital,
	})
	require.NoError(t, err, "a missing directory entry must not block checkout")
	assert.Equal(t, "cs_test", session.ID)

	require.Len(t, env.gateway.checkouts, 1)
	assert.Equal(t, "user_without_profile", env.gateway.checkouts[0].UserID)
	assert.Empty(t, env.gateway.checkouts[0].Email)
	assert.Equal(t, 1, env.gateway.customers)
}

func TestManager_StartCheckout_GatewayFailure(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.checkoutErr = errors.New("stripe down")
	env.store.AddUser(subscription.UserProfile{ID: testUserID, Email: "ana@example.com"})
	ctx := context.Background()

	_, err := env.manager.StartCheckout(ctx, subscription.CheckoutRequest{UserID: testUserID, PlanType: subscription.PlanAventurero})
	assert.ErrorIs(t, err, subscription.ErrUpstream)

	_, err = env.manager.StartCheckout(ctx, subscription.CheckoutRequest{UserID: testUserID, PlanType: subscription.PlanAventurero, Provider: "paypal"})
	assert.ErrorIs(t, err, subscription.ErrGatewayNotConfigured)
}

func TestManager_Status(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := paidActive(testUserID)
	sub.Status = subscription.StatusTrialing
	sub.TrialStart = ptr(testNow.Add(-4 * 24 * time.Hour))
	sub.TrialEnd = ptr(testNow.Add(3 * 24 * time.Hour))
	env.seed(t, sub)

	view, err := env.manager.Status(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, subscription.PlanAventurero, view.Plan)
	assert.True(t, view.IsPro)
	require.NotNil(t, view.Trial)
	assert.Equal(t, 3, view.Trial.DaysRemaining)
	require.NotNil(t, view.Billing)
	assert.False(t, view.Billing.CancelAtPeriodEnd)
}

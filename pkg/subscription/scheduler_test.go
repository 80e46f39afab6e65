package subscription_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/practpec/voyaj-api/pkg/subscription"
)

func trialing(userID string, trialEnd time.Time) *subscription.Subscription {
	return &subscription.Subscription{
		UserID:     userID,
		PlanType:   subscription.PlanAventurero,
		Status:     subscription.StatusTrialing,
		TrialStart: ptr(trialEnd.AddDate(0, 0, -7)),
		TrialEnd:   &trialEnd,
	}
}

func TestScheduler_ExpireTrials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, trialing(testUserID, testNow.Add(-24*time.Hour)))
	env.seed(t, trialing("user_still_trialing", testNow.Add(24*time.Hour)))

	scheduler := subscription.NewScheduler(env.manager, nil, nil)
	report, err := scheduler.ExpireTrials(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Found)
	assert.Equal(t, 1, report.Affected)

	assert.Equal(t, subscription.StatusExpired, env.load(t, testUserID).Status)
	assert.Equal(t, subscription.StatusTrialing, env.load(t, "user_still_trialing").Status)
	assert.Equal(t, 1, env.notifier.count(subscription.TemplateSubscriptionExpired))

	report, err = scheduler.ExpireTrials(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Found, "re-running finds nothing new")
	assert.Equal(t, 1, env.notifier.count(subscription.TemplateSubscriptionExpired))
}

func TestScheduler_CheckExpiringTrials_WarnsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// 7 days ahead, late in the day
	env.seed(t, trialing(testUserID, time.Date(2026, 3, 17, 23, 0, 0, 0, time.UTC)))
	env.seed(t, trialing("user_other_day", time.Date(2026, 3, 18, 1, 0, 0, 0, time.UTC)))

	scheduler := subscription.NewScheduler(env.manager, nil, nil)
	first, err := scheduler.CheckExpiringTrials(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Affected)

	second, err := scheduler.CheckExpiringTrials(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Affected)

	assert.Equal(t, 1, env.notifier.count(subscription.TemplateTrialEnding))
	sub := env.load(t, testUserID)
	assert.True(t, sub.TrialWarningSent)
	assert.NotNil(t, sub.TrialWarningSentAt)
	assert.False(t, env.load(t, "user_other_day").TrialWarningSent)
}

func TestScheduler_TrialStatistics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, trialing("u_trial", testNow.Add(2*24*time.Hour)))
	env.seed(t, trialing("u_trial_late", testNow.Add(6*24*time.Hour)))

	converted := trialing("u_converted", testNow.Add(-24*time.Hour))
	converted.Status = subscription.StatusActive
	env.seed(t, converted)

	expired := trialing("u_expired", testNow.Add(-24*time.Hour))
	expired.Status = subscription.StatusExpired
	env.seed(t, expired)

	_, err := env.manager.CreateFree(ctx, "u_free")
	require.NoError(t, err)

	stats, err := subscription.NewScheduler(env.manager, nil, nil).TrialStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ActiveTrials)
	assert.Equal(t, 1, stats.ExpiringSoon)
	assert.Equal(t, 1, stats.Converted)
	assert.Equal(t, 1, stats.Expired)
	assert.InDelta(t, 0.5, stats.ConversionRate, 0.0001)
}

func TestScheduler_ExtendAndConvertTrial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	end := testNow.Add(24 * time.Hour)
	env.seed(t, trialing(testUserID, end))

	sub, err := env.manager.ExtendTrial(ctx, testUserID, 5)
	require.NoError(t, err)
	assert.Equal(t, end.AddDate(0, 0, 5), *sub.TrialEnd)

	changed, err := env.manager.ConvertTrialToPaid(ctx, testUserID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, subscription.StatusActive, env.load(t, testUserID).Status)

	_, err = env.manager.ExtendTrial(ctx, testUserID, 5)
	assert.ErrorIs(t, err, subscription.ErrConflict)
}

func TestScheduler_RunDaily(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, trialing(testUserID, testNow.Add(-time.Hour)))
	env.seed(t, trialing("user_soon", time.Date(2026, 3, 13, 8, 0, 0, 0, time.UTC)))

	validator, err := subscription.NewValidator(subscription.ValidatorConfig{
		Subscriptions: env.store,
		Usage:         env.store,
		Clock:         env.clock,
	})
	require.NoError(t, err)

	report, err := subscription.NewScheduler(env.manager, env.processor, validator).RunDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Warnings.Affected)
	assert.Equal(t, 1, report.Expirations.Affected)
	require.NotNil(t, report.Retries)
	assert.Equal(t, 0, report.Retries.Attempted)
}

func TestScheduler_WithWarningDays(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, trialing(testUserID, testNow.AddDate(0, 0, 5)))

	scheduler := subscription.NewScheduler(env.manager, nil, nil)
	report, err := scheduler.RunDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Warnings.Affected, "default horizon is three days")

	report, err = scheduler.WithWarningDays(5).RunDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Warnings.Affected)

	stats, err := scheduler.TrialStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ExpiringSoon)
}

package notify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/practpec/voyaj-api/pkg/notify"
	"github.com/practpec/voyaj-api/pkg/subscription"
	"github.com/practpec/voyaj-api/storage/memory"
)

type recordingSender struct {
	sent []notify.Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg notify.Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func newNotifier(t *testing.T) (*notify.Notifier, *recordingSender) {
	t.Helper()
	users := memory.New()
	users.AddUser(subscription.UserProfile{ID: "u1", Email: "ana@example.com", Name: "Ana"})
	users.AddUser(subscription.UserProfile{ID: "no_email", Name: "Sin correo"})

	sender := &recordingSender{}
	n, err := notify.New(notify.Config{Users: users, Sender: sender})
	require.NoError(t, err)
	return n, sender
}

func TestNotifier_Send(t *testing.T) {
	n, sender := newNotifier(t)

	err := n.Send(context.Background(), subscription.TemplatePaymentFailed, "u1", map[string]interface{}{
		"plan_type": "aventurero",
		"retry_url": "https://pay.example/retry?a=1&b=2",
	})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)

	msg := sender.sent[0]
	assert.Equal(t, "ana@example.com", msg.To)
	assert.Equal(t, "Problema con tu pago - Actualiza tu método de pago", msg.Subject)
	assert.Equal(t, subscription.TemplatePaymentFailed, msg.Tag)
	assert.Contains(t, msg.HTMLBody, "Hola Ana,")
	assert.Contains(t, msg.HTMLBody, `href="https://pay.example/retry?a=1&amp;b=2"`)
	assert.Contains(t, msg.HTMLBody, "El equipo de Voyaj")
}

func TestNotifier_PlanNameAndDates(t *testing.T) {
	n, sender := newNotifier(t)

	err := n.Send(context.Background(), subscription.TemplateCancellation, "u1", map[string]interface{}{
		"plan_type":    "nomada_digital",
		"access_until": "2026-04-09T12:00:00Z",
	})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].HTMLBody, "Nómada Digital")
	assert.Contains(t, sender.sent[0].HTMLBody, "09/04/2026")
}

func TestNotifier_EveryTemplateRenders(t *testing.T) {
	templates := []string{
		subscription.TemplateWelcomeFree,
		subscription.TemplateWelcomePremium,
		subscription.TemplatePaymentSuccessful,
		subscription.TemplatePaymentFailed,
		subscription.TemplateSubscriptionRenewed,
		subscription.TemplateUpgradeConfirmation,
		subscription.TemplateDowngradeWarning,
		subscription.TemplateCancellation,
		subscription.TemplateLimitReached,
		subscription.TemplateTrialEnding,
		subscription.TemplateSubscriptionExpired,
		subscription.TemplateReactivated,
	}
	for _, tmpl := range templates {
		t.Run(tmpl, func(t *testing.T) {
			n, sender := newNotifier(t)
			require.NoError(t, n.Send(context.Background(), tmpl, "u1", map[string]interface{}{"plan_type": "aventurero"}))
			require.Len(t, sender.sent, 1)
			assert.NotContains(t, sender.sent[0].HTMLBody, "<no value>")
		})
	}
}

func TestNotifier_Errors(t *testing.T) {
	n, sender := newNotifier(t)
	ctx := context.Background()

	err := n.Send(ctx, "mystery", "u1", nil)
	assert.ErrorIs(t, err, notify.ErrUnknownTemplate)

	err = n.Send(ctx, subscription.TemplateWelcomeFree, "no_email", nil)
	assert.ErrorIs(t, err, notify.ErrNoRecipient)

	err = n.Send(ctx, subscription.TemplateWelcomeFree, "ghost", nil)
	assert.ErrorIs(t, err, subscription.ErrNotFound)

	sender.err = errors.New("smtp down")
	err = n.Send(ctx, subscription.TemplateWelcomeFree, "u1", nil)
	assert.ErrorIs(t, err, notify.ErrFailedToSend)
	assert.ErrorContains(t, err, "smtp down")
}

func TestSubject_TrialEndingDays(t *testing.T) {
	subject, err := notify.Subject(subscription.TemplateTrialEnding, map[string]interface{}{"days_remaining": 3})
	require.NoError(t, err)
	assert.Equal(t, "Tu período de prueba Voyaj termina en 3 días", subject)

	subject, err = notify.Subject(subscription.TemplateTrialEnding, nil)
	require.NoError(t, err)
	assert.Equal(t, "Tu período de prueba Voyaj termina pronto", subject)
}

func TestNew_Validation(t *testing.T) {
	_, err := notify.New(notify.Config{Sender: notify.LogSender{}})
	assert.Error(t, err)

	_, err = notify.New(notify.Config{Users: memory.New()})
	assert.Error(t, err)
}

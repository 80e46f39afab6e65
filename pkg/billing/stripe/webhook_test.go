package stripe

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/practpec/voyaj-api/pkg/billing"
	"github.com/practpec/voyaj-api/pkg/subscription"
)

var testCreated = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func signedEvent(t *testing.T, id, eventType string, object interface{}) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     testCreated.Unix(),
		"api_version": "2025-09-30.clover",
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Payload, signed.Header
}

func stripeSubscription(status string, metadata map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"id":                   testSubID,
		"object":               "subscription",
		"status":               status,
		"customer":             testCustomerID,
		"metadata":             metadata,
		"cancel_at_period_end": false,
		"trial_start":          testCreated.AddDate(0, 0, -4).Unix(),
		"trial_end":            testCreated.Add(71 * time.Hour).Unix(),
		"items": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"id":                   "si_1",
					"object":               "subscription_item",
					"price":                map[string]interface{}{"id": "price_nomada_monthly", "object": "price"},
					"current_period_start": testCreated.Unix(),
					"current_period_end":   testCreated.AddDate(0, 1, 0).Unix(),
				},
			},
		},
	}
}

func TestVerifyWebhookSignature_CheckoutCompleted(t *testing.T) {
	gw := newTestGateway(t, "", nil)
	payload, header := signedEvent(t, "evt_checkout", "checkout.session.completed", map[string]interface{}{
		"id":                  "cs_test_1",
		"object":              "checkout.session",
		"mode":                "subscription",
		"client_reference_id": testUserID,
		"customer":            testCustomerID,
		"subscription":        testSubID,
		"metadata":            map[string]string{"user_id": testUserID, "plan_type": "aventurero"},
	})

	ev, err := gw.VerifyWebhookSignature(payload, header)
	require.NoError(t, err)
	assert.Equal(t, "evt_checkout", ev.ID)
	assert.Equal(t, subscription.EventCheckoutCompleted, ev.Type)
	assert.Equal(t, "stripe", ev.Provider)
	assert.Equal(t, testUserID, ev.UserID)
	assert.Equal(t, subscription.PlanAventurero, ev.PlanType)
	assert.Equal(t, testCustomerID, ev.CustomerID)
	assert.Equal(t, testSubID, ev.SubscriptionID)
	assert.Empty(t, ev.ProviderStatus, "unexpanded subscription carries no status")
	assert.True(t, testCreated.Equal(ev.CreatedAt))
}

func TestVerifyWebhookSignature_CheckoutWithoutUser(t *testing.T) {
	gw := newTestGateway(t, "", nil)
	payload, header := signedEvent(t, "evt_checkout", "checkout.session.completed", map[string]interface{}{
		"id":     "cs_test_1",
		"object": "checkout.session",
		"mode":   "subscription",
	})

	_, err := gw.VerifyWebhookSignature(payload, header)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
	assert.NotErrorIs(t, err, subscription.ErrInvalidSignature)
}

func TestVerifyWebhookSignature_SubscriptionUpdated(t *testing.T) {
	gw := newTestGateway(t, "", nil)
	// no plan_type metadata: the plan comes from the item's price
	payload, header := signedEvent(t, "evt_updated", "customer.subscription.updated",
		stripeSubscription("past_due", map[string]string{"user_id": testUserID}))

	ev, err := gw.VerifyWebhookSignature(payload, header)
	require.NoError(t, err)
	assert.Equal(t, subscription.EventSubscriptionUpdated, ev.Type)
	assert.Equal(t, testSubID, ev.SubscriptionID)
	assert.Equal(t, subscription.PlanNomadaDigital, ev.PlanType)
	assert.Equal(t, "past_due", ev.ProviderStatus)
	require.NotNil(t, ev.PeriodEnd)
	assert.True(t, testCreated.AddDate(0, 1, 0).Equal(*ev.PeriodEnd))
	require.NotNil(t, ev.TrialEnd)
	assert.Equal(t, 0, ev.DaysRemaining)
}

func TestVerifyWebhookSignature_TrialWillEnd(t *testing.T) {
	gw := newTestGateway(t, "", nil)
	payload, header := signedEvent(t, "evt_trial", "customer.subscription.trial_will_end",
		stripeSubscription("trialing", map[string]string{"user_id": testUserID, "plan_type": "nomada_digital"}))

	ev, err := gw.VerifyWebhookSignature(payload, header)
	require.NoError(t, err)
	assert.Equal(t, subscription.EventTrialWillEnd, ev.Type)
	assert.Equal(t, 3, ev.DaysRemaining)
}

func TestVerifyWebhookSignature_InvoiceEvents(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		invoice   map[string]interface{}
		wantType  subscription.EventType
		wantUser  string
	}{
		{
			name:      "subscription details under parent",
			eventType: "invoice.payment_succeeded",
			invoice: map[string]interface{}{
				"id":             "in_1",
				"object":         "invoice",
				"customer":       testCustomerID,
				"billing_reason": "subscription_cycle",
				"parent": map[string]interface{}{
					"type": "subscription_details",
					"subscription_details": map[string]interface{}{
						"subscription": testSubID,
						"metadata":     map[string]string{"user_id": testUserID},
					},
				},
				"lines": map[string]interface{}{
					"object": "list",
					"data": []interface{}{
						map[string]interface{}{
							"id":     "il_1",
							"object": "line_item",
							"period": map[string]interface{}{
								"start": testCreated.Unix(),
								"end":   testCreated.AddDate(0, 1, 0).Unix(),
							},
						},
					},
				},
			},
			wantType: subscription.EventPaymentSucceeded,
			wantUser: testUserID,
		},
		{
			name:      "legacy top-level subscription",
			eventType: "invoice.payment_failed",
			invoice: map[string]interface{}{
				"id":                 "in_2",
				"object":             "invoice",
				"customer":           testCustomerID,
				"billing_reason":     "subscription_cycle",
				"subscription":       testSubID,
				"hosted_invoice_url": "https://invoice.stripe.com/i/in_2",
			},
			wantType: subscription.EventPaymentFailed,
		},
	}

	gw := newTestGateway(t, "", nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, header := signedEvent(t, "evt_"+tt.name, tt.eventType, tt.invoice)
			ev, err := gw.VerifyWebhookSignature(payload, header)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, testSubID, ev.SubscriptionID)
			assert.Equal(t, tt.wantUser, ev.UserID)
			assert.Equal(t, testCustomerID, ev.CustomerID)
			assert.Equal(t, subscription.BillingReasonCycle, ev.BillingReason)
		})
	}
}

func TestVerifyWebhookSignature_InvoiceRetryURL(t *testing.T) {
	gw := newTestGateway(t, "", nil)
	payload, header := signedEvent(t, "evt_failed", "invoice.payment_failed", map[string]interface{}{
		"id":                 "in_2",
		"object":             "invoice",
		"subscription":       map[string]interface{}{"id": testSubID, "object": "subscription"},
		"hosted_invoice_url": "https://invoice.stripe.com/i/in_2",
	})

	ev, err := gw.VerifyWebhookSignature(payload, header)
	require.NoError(t, err)
	assert.Equal(t, testSubID, ev.SubscriptionID, "expanded subscription object")
	assert.Equal(t, "https://invoice.stripe.com/i/in_2", ev.RetryURL)
	assert.Equal(t, "in_2", ev.PaymentID)
}

func TestVerifyWebhookSignature_UnknownTypePassesThrough(t *testing.T) {
	gw := newTestGateway(t, "", nil)
	payload, header := signedEvent(t, "evt_other", "customer.created", map[string]interface{}{
		"id":     testCustomerID,
		"object": "customer",
	})

	ev, err := gw.VerifyWebhookSignature(payload, header)
	require.NoError(t, err)
	assert.Equal(t, subscription.EventType("customer.created"), ev.Type)
	assert.Equal(t, subscription.PriorityLow, subscription.PriorityOf(ev.Type))
}

func TestVerifyWebhookSignature_Rejections(t *testing.T) {
	payload, header := signedEvent(t, "evt_1", "customer.created", map[string]interface{}{"id": "cus_1", "object": "customer"})

	tests := []struct {
		name    string
		secret  string
		payload []byte
		header  string
	}{
		{"missing header", testWebhookSecret, payload, ""},
		{"wrong secret", "whsec_other", payload, header},
		{"tampered body", testWebhookSecret, append([]byte{' '}, payload...), header},
		{"garbage header", testWebhookSecret, payload, "t=abc,v1=zzz"},
		{"not configured", "", payload, header},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, err := NewGateway(Config{Config: billing.Config{APIKey: testAPIKey, WebhookSecret: tt.secret}})
			require.NoError(t, err)

			ev, err := gw.VerifyWebhookSignature(tt.payload, tt.header)
			assert.Nil(t, ev)
			assert.ErrorIs(t, err, subscription.ErrInvalidSignature)
		})
	}
}

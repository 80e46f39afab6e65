package subscription_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/practpec/voyaj-api/pkg/subscription"
	"github.com/practpec/voyaj-api/storage/memory"
)

const (
	testUserID = "user_123"
	testSubID  = "sub_stripe_123"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testNow} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentNotification struct {
	Template string
	UserID   string
	Data     map[string]interface{}
}

// recordingNotifier records every notification; failWith makes every send fail.
type recordingNotifier struct {
	mu       sync.Mutex
	sent     []sentNotification
	failWith error
}

func (n *recordingNotifier) Send(_ context.Context, template, userID string, data map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failWith != nil {
		return n.failWith
	}
	n.sent = append(n.sent, sentNotification{Template: template, UserID: userID, Data: data})
	return nil
}

func (n *recordingNotifier) count(template string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.Template == template {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// mockGateway is a scriptable PaymentGateway
type mockGateway struct {
	mu          sync.Mutex
	cancelErr   error
	updateErr   error
	checkoutErr error
	cancels     []cancelCall
	updates     []subscription.UpdateParams
	checkouts   []subscription.CheckoutParams
	customers   int
}

type cancelCall struct {
	ID          string
	AtPeriodEnd bool
}

func (g *mockGateway) Name() string { return "stripe" }

func (g *mockGateway) CreateCustomer(_ context.Context, _ subscription.CustomerParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.customers++
	return "cus_test", nil
}

func (g *mockGateway) CreateCheckoutSession(_ context.Context, params subscription.CheckoutParams) (*subscription.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.checkoutErr != nil {
		return nil, g.checkoutErr
	}
	g.checkouts = append(g.checkouts, params)
	return &subscription.CheckoutSession{ID: "cs_test", URL: "https://checkout.example/cs_test"}, nil
}

func (g *mockGateway) CancelSubscription(_ context.Context, id string, atPeriodEnd bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, cancelCall{ID: id, AtPeriodEnd: atPeriodEnd})
	return g.cancelErr
}

func (g *mockGateway) UpdateSubscription(_ context.Context, params subscription.UpdateParams) (*subscription.SubscriptionUpdate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates = append(g.updates, params)
	if g.updateErr != nil {
		return nil, g.updateErr
	}
	return &subscription.SubscriptionUpdate{ProviderStatus: "active"}, nil
}

func (g *mockGateway) VerifyWebhookSignature(_ []byte, _ string) (*subscription.Event, error) {
	return nil, &subscription.SignatureError{Provider: "stripe", Reason: "not supported in tests"}
}

// countingUsage counts calls and can be made to fail
type countingUsage struct {
	mu     sync.Mutex
	trips  int
	photos int
	err    error
	calls  int
}

func (u *countingUsage) CountActiveTrips(_ context.Context, _ string) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	return u.trips, u.err
}

func (u *countingUsage) CountTripPhotos(_ context.Context, _ string) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	return u.photos, u.err
}

func (u *countingUsage) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// failingStore fails reads with err
type failingStore struct {
	*memory.Storage
	err error
}

func (s *failingStore) GetByUserID(_ context.Context, _ string) (*subscription.Subscription, error) {
	return nil, s.err
}

var errBoom = errors.New("boom")

type testEnv struct {
	clock     *fakeClock
	store     *memory.Storage
	notifier  *recordingNotifier
	gateway   *mockGateway
	executor  *subscription.Executor
	manager   *subscription.Manager
	processor *subscription.Processor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newFakeClock()
	store := memory.NewWithClock(clock)
	notifier := &recordingNotifier{}
	gateway := &mockGateway{}
	executor := subscription.NewExecutor(notifier, nil, nil)

	manager, err := subscription.NewManager(subscription.Config{
		Subscriptions: store,
		Gateways:      subscription.NewGateways(gateway),
		Users:         store,
		Executor:      executor,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	processor, err := subscription.NewProcessor(subscription.ProcessorConfig{
		Manager: manager,
		Events:  store,
	})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	return &testEnv{
		clock:     clock,
		store:     store,
		notifier:  notifier,
		gateway:   gateway,
		executor:  executor,
		manager:   manager,
		processor: processor,
	}
}

// seed stores a subscription directly
func (e *testEnv) seed(t *testing.T, sub *subscription.Subscription) *subscription.Subscription {
	t.Helper()
	if sub.ID == "" {
		sub.ID = "local_" + sub.UserID
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = e.clock.Now()
	}
	if err := e.store.Create(context.Background(), sub); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return sub
}

func (e *testEnv) load(t *testing.T, userID string) *subscription.Subscription {
	t.Helper()
	sub, err := e.store.GetByUserID(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetByUserID failed: %v", err)
	}
	return sub
}

func ptr(t time.Time) *time.Time { return &t }

// paidActive is an aventurero subscription mid-period
func paidActive(userID string) *subscription.Subscription {
	return &subscription.Subscription{
		UserID:                 userID,
		PlanType:               subscription.PlanAventurero,
		Status:                 subscription.StatusActive,
		Provider:               "stripe",
		ProviderCustomerID:     "cus_test",
		ProviderSubscriptionID: testSubID,
		CurrentPeriodStart:     ptr(testNow.Add(-10 * 24 * time.Hour)),
		CurrentPeriodEnd:       ptr(testNow.Add(20 * 24 * time.Hour)),
	}
}

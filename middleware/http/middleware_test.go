package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/practpec/voyaj-api/pkg/subscription"
	"github.com/practpec/voyaj-api/storage/memory"
)

// Test helper to create a validator over a memory store
func setupValidator(t *testing.T) (*subscription.Validator, *memory.Storage) {
	t.Helper()

	store := memory.New()
	validator, err := subscription.NewValidator(subscription.ValidatorConfig{
		Subscriptions: store,
		Usage:         store,
	})
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}
	return validator, store
}

// Test helper to register a subscription on a plan
func setupSubscription(t *testing.T, store *memory.Storage, userID string, plan subscription.PlanType) {
	t.Helper()

	err := store.Create(context.Background(), &subscription.Subscription{
		ID:       "local_" + userID,
		UserID:   userID,
		PlanType: plan,
		Status:   subscription.StatusActive,
	})
	if err != nil {
		t.Fatalf("Failed to create subscription: %v", err)
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func TestMiddleware_Allowed(t *testing.T) {
	validator, store := setupValidator(t)
	setupSubscription(t, store, "user1", subscription.PlanExplorador)

	handler := Middleware(Config{
		Entitlements: validator,
		Check:        subscription.CheckCreateTrip,
		GetUserID:    FromHeader("X-User-ID"),
	})(okHandler())

	req := httptest.NewRequest("POST", "/trips", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestMiddleware_LimitReached(t *testing.T) {
	validator, store := setupValidator(t)
	setupSubscription(t, store, "user1", subscription.PlanExplorador)
	store.SetTrips("user1", 1)

	handler := Middleware(Config{
		Entitlements: validator,
		Check:        subscription.CheckCreateTrip,
		GetUserID:    FromHeader("X-User-ID"),
	})(okHandler())

	req := httptest.NewRequest("POST", "/trips", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", rec.Code)
	}

	var body DeniedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.LimitInfo == nil || body.LimitInfo.MaxAllowed != 1 || body.LimitInfo.CurrentUsage != 1 {
		t.Errorf("Unexpected limit info: %+v", body.LimitInfo)
	}
	if body.UpgradeOptions.RecommendedPlan != subscription.PlanAventurero {
		t.Errorf("Expected aventurero to be recommended, got %s", body.UpgradeOptions.RecommendedPlan)
	}
	if len(body.UpgradeOptions.AvailablePlans) != 2 {
		t.Errorf("Expected 2 paid plans, got %v", body.UpgradeOptions.AvailablePlans)
	}
	if body.UpgradeOptions.UpgradeURL != DefaultUpgradeURL {
		t.Errorf("Expected default upgrade URL, got %s", body.UpgradeOptions.UpgradeURL)
	}
}

func TestMiddleware_NoSubscriptionIsForbidden(t *testing.T) {
	validator, _ := setupValidator(t)

	handler := Middleware(Config{
		Entitlements: validator,
		Check:        subscription.CheckExportData,
		GetUserID:    FromHeader("X-User-ID"),
	})(okHandler())

	req := httptest.NewRequest("GET", "/trips/t1/export", nil)
	req.Header.Set("X-User-ID", "ghost")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rec.Code)
	}
	var body DeniedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if !body.FeatureLocked {
		t.Error("Expected feature_locked")
	}
}

func TestMiddleware_MissingAuth(t *testing.T) {
	validator, _ := setupValidator(t)

	handler := Middleware(Config{
		Entitlements: validator,
		Check:        subscription.CheckCreateTrip,
		GetUserID:    FromHeader("X-User-ID"),
	})(okHandler())

	req := httptest.NewRequest("POST", "/trips", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_PhotoScopedByPath(t *testing.T) {
	validator, store := setupValidator(t)
	setupSubscription(t, store, "user1", subscription.PlanExplorador)
	store.SetPhotos("full_trip", 100)

	handler := Middleware(Config{
		Entitlements: validator,
		Check:        subscription.CheckUploadPhoto,
		GetUserID:    FromHeader("X-User-ID"),
	})(okHandler())

	tests := []struct {
		path string
		want int
	}{
		{"/trips/full_trip/photos", http.StatusPaymentRequired},
		{"/trips/empty_trip/photos", http.StatusOK},
		{"/photos", http.StatusOK}, // no trip in the path
	}
	for _, tt := range tests {
		req := httptest.NewRequest("POST", tt.path, nil)
		req.Header.Set("X-User-ID", "user1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != tt.want {
			t.Errorf("%s: expected status %d, got %d", tt.path, tt.want, rec.Code)
		}
	}
}

func TestMiddleware_InviteMembers(t *testing.T) {
	validator, store := setupValidator(t)
	setupSubscription(t, store, "paid", subscription.PlanAventurero)

	handler := Middleware(Config{
		Entitlements:      validator,
		Check:             subscription.CheckInviteMembers,
		GetUserID:         FromHeader("X-User-ID"),
		GetCurrentMembers: QueryInt("members"),
	})(okHandler())

	tests := []struct {
		query string
		want  int
	}{
		{"", http.StatusOK},
		{"?members=9", http.StatusOK},
		{"?members=10", http.StatusPaymentRequired},
		{"?members=-1", http.StatusBadRequest},
		{"?members=ten", http.StatusBadRequest},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("POST", "/trips/t1/invite"+tt.query, nil)
		req.Header.Set("X-User-ID", "paid")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != tt.want {
			t.Errorf("%q: expected status %d, got %d", tt.query, tt.want, rec.Code)
		}
	}
}

func TestMiddleware_FromContext(t *testing.T) {
	validator, store := setupValidator(t)
	setupSubscription(t, store, "user1", subscription.PlanNomadaDigital)

	handler := Middleware(Config{
		Entitlements: validator,
		Check:        subscription.CheckAccessAnalytics,
		GetUserID:    FromContext(UserIDKey),
	})(okHandler())

	req := httptest.NewRequest("GET", "/trips/t1/analytics", nil)
	req = req.WithContext(WithUserID(req.Context(), "user1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	validator, store := setupValidator(t)
	setupSubscription(t, store, "user1", subscription.PlanExplorador)

	var denied subscription.LimitCheckResult
	var gotErr error
	config := Config{
		Entitlements: validator,
		Check:        subscription.CheckExportData,
		GetUserID:    FromHeader("X-User-ID"),
		OnDenied: func(w http.ResponseWriter, _ *http.Request, result subscription.LimitCheckResult) {
			denied = result
			w.WriteHeader(http.StatusTeapot)
		},
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusInternalServerError)
		},
	}

	req := httptest.NewRequest("GET", "/trips/t1/export", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	Middleware(config)(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("Expected custom denial status, got %d", rec.Code)
	}
	if denied.LimitType != "premium_export" {
		t.Errorf("Expected premium_export denial, got %q", denied.LimitType)
	}

	config.Check = "teleport"
	rec = httptest.NewRecorder()
	Middleware(config)(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError || gotErr == nil {
		t.Errorf("Expected OnError for an unknown check, got %d (%v)", rec.Code, gotErr)
	}
}

func TestMiddleware_HandlerFunc(t *testing.T) {
	validator, store := setupValidator(t)
	setupSubscription(t, store, "user1", subscription.PlanExplorador)

	wrap := HandlerFunc(Config{
		Entitlements: validator,
		Check:        subscription.CheckCreateTrip,
		GetUserID:    FromHeader("X-User-ID"),
	})
	h := wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) })

	req := httptest.NewRequest("POST", "/trips", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("Expected status 201, got %d", rec.Code)
	}
}

func TestMiddleware_ConcurrentRequests(t *testing.T) {
	validator, store := setupValidator(t)
	setupSubscription(t, store, "user1", subscription.PlanExplorador)

	handler := Middleware(Config{
		Entitlements: validator,
		Check:        subscription.CheckCreateTrip,
		GetUserID:    FromHeader("X-User-ID"),
	})(okHandler())

	var wg sync.WaitGroup
	codes := make(chan int, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("POST", "/trips", nil)
			req.Header.Set("X-User-ID", "user1")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			codes <- rec.Code
		}()
	}
	wg.Wait()
	close(codes)

	for code := range codes {
		if code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", code)
		}
	}
}

func TestPathSegmentAfter(t *testing.T) {
	extract := PathSegmentAfter("trips")
	tests := map[string]string{
		"/trips/abc/photos/upload": "abc",
		"/trips/abc":               "abc",
		"/trips":                   "",
		"/users/abc":               "",
	}
	for path, want := range tests {
		req := httptest.NewRequest("GET", path, nil)
		if got := extract(req); got != want {
			t.Errorf("%s: expected %q, got %q", path, want, got)
		}
	}
}

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/practpec/voyaj-api/internal/config"
	"github.com/practpec/voyaj-api/pkg/subscription"
)

func newTestApp(t *testing.T, vars map[string]string) (*App, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Parse(env.Options{Environment: vars})
	require.NoError(t, err)

	var buf bytes.Buffer
	a, err := New(context.Background(), cfg, zerolog.New(&buf))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a, &buf
}

func serve(a *App, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, req)
	return rec
}

func TestNew_MemoryBackend(t *testing.T) {
	a, logs := newTestApp(t, map[string]string{})

	assert.NotNil(t, a.Manager)
	assert.NotNil(t, a.Validator)
	assert.NotNil(t, a.Processor)
	assert.NotNil(t, a.Scheduler)
	assert.NotNil(t, a.Registry)
	assert.NoError(t, a.Migrate(context.Background()))

	rec := serve(a, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, logs.String(), `"path":"/health"`)

	rec = serve(a, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNew_StatusCreatesFreePlan(t *testing.T) {
	a, _ := newTestApp(t, map[string]string{})

	rec := serve(a, http.MethodGet, "/subscriptions/status", http.Header{"X-User-Id": {"user_1"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(subscription.PlanExplorador), body["plan"])

	rec = serve(a, http.MethodGet, "/subscriptions/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNew_AdminRoutes(t *testing.T) {
	a, _ := newTestApp(t, map[string]string{})
	rec := serve(a, http.MethodGet, "/admin/trials/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "admin routes need a token")

	a, _ = newTestApp(t, map[string]string{"HTTP_ADMIN_TOKEN": "s3cret"})
	rec = serve(a, http.MethodGet, "/admin/trials/stats", http.Header{AdminTokenHeader: {"wrong"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(a, http.MethodGet, "/admin/trials/stats", http.Header{AdminTokenHeader: {"s3cret"}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_MetricsDisabled(t *testing.T) {
	a, _ := newTestApp(t, map[string]string{"METRICS_ENABLED": "false"})
	assert.Nil(t, a.Registry)

	rec := serve(a, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildCatalog_PriceOverrides(t *testing.T) {
	catalog, err := buildCatalog(config.StripeConfig{AventureroPriceID: "price_live_av"})
	require.NoError(t, err)

	plan, ok := catalog.ByPriceID("price_live_av")
	require.True(t, ok)
	assert.Equal(t, subscription.PlanAventurero, plan.ID)

	_, ok = catalog.ByPriceID("price_nomada_monthly")
	assert.True(t, ok, "unset overrides keep the default price")
}

func TestBuildGateways_StripeOnly(t *testing.T) {
	cfg, err := config.Parse(env.Options{Environment: map[string]string{
		"STRIPE_SECRET_KEY":     "sk_test_123",
		"STRIPE_WEBHOOK_SECRET": "whsec_123",
	}})
	require.NoError(t, err)
	catalog, err := buildCatalog(cfg.Stripe)
	require.NoError(t, err)

	gws, err := buildGateways(cfg, catalog, nil, nil, nil)
	require.NoError(t, err)
	assert.Len(t, gws, 1)
	_, err = gws.Get("stripe")
	assert.NoError(t, err)
	_, err = gws.Get("mercadopago")
	assert.ErrorIs(t, err, subscription.ErrGatewayNotConfigured)
}

func TestNew_RedisNotices(t *testing.T) {
	mr := miniredis.RunT(t)
	a, _ := newTestApp(t, map[string]string{"REDIS_ADDR": mr.Addr()})

	rec := serve(a, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, a.Close(context.Background()))
}

func TestNew_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg, err := config.Parse(env.Options{Environment: map[string]string{"REDIS_ADDR": addr}})
	require.NoError(t, err)
	_, err = New(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "failed to ping redis")
}

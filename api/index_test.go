package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-sync-backend/pkg/cache"
	"billing-sync-backend/pkg/config"
	"billing-sync-backend/pkg/database"
	"billing-sync-backend/pkg/paddle"
	"billing-sync-backend/pkg/utils"
)

const (
	testJWTSecret     = "jwt-test-secret"
	testWebhookSecret = "whsec_router"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	return newTestRouterWithLogger(t, zerolog.Nop())
}

func newTestRouterWithLogger(t *testing.T, logger zerolog.Logger) http.Handler {
	t.Helper()
	db, err := database.NewSQLiteDatabase(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{
		Environment:         "development",
		JWTSecret:           testJWTSecret,
		PaddleWebhookSecret: testWebhookSecret,
		AllowedOrigins:      []string{"*"},
		Plans: config.NewPlanCatalog(config.PlanCatalogOptions{
			ProPriceID: "price_pro",
		}),
	}

	return NewRouter(Dependencies{
		Config:  cfg,
		DB:      db,
		Deduper: cache.NewMemoryDeduper(time.Hour),
		Logger:  logger,
		Version: "test",
	})
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := utils.NewJWTService(testJWTSecret).GenerateAccessToken(userID, "", time.Minute)
	require.NoError(t, err)
	return "Bearer " + token
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouterWebhookToSubscriptionFlow(t *testing.T) {
	router := newTestRouter(t)

	body := `{
		"event_id": "evt_router",
		"event_type": "subscription.created",
		"data": {
			"id": "sub_r",
			"status": "trialing",
			"customer_id": "cus_r",
			"custom_data": {"user_id": "user_r"},
			"items": [{"price": {"id": "price_pro"}}]
		}
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/paddle", strings.NewReader(body))
	req.Header.Set(paddle.SignatureHeader, paddle.SignHeader([]byte(body), testWebhookSecret, time.Now()))
	rec := serve(router, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/subscription/current", nil)
	req.Header.Set("Authorization", bearer(t, "user_r"))
	rec = serve(router, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			SubscriptionID string `json:"subscription_id"`
			Status         string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "sub_r", resp.Data.SubscriptionID)
	assert.Equal(t, "trialing", resp.Data.Status)

	req = httptest.NewRequest(http.MethodPost, "/api/usage/consume", strings.NewReader(`{"tokens":10}`))
	req.Header.Set("Authorization", bearer(t, "user_r"))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusOK, serve(router, req).Code)
}

func TestRouterRejectsUnsignedWebhook(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/paddle", strings.NewReader(`{}`))
	rec := serve(router, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid signature"}`, rec.Body.String())
}

func TestRouterAuthAndPublicRoutes(t *testing.T) {
	router := newTestRouter(t)

	assert.Equal(t, http.StatusUnauthorized, serve(router, httptest.NewRequest(http.MethodGet, "/api/subscription/current", nil)).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, httptest.NewRequest(http.MethodGet, "/api/user/profile", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodGet, "/api/plans", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodGet, "/ping", nil)).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/subscription/cancel", strings.NewReader(`{"subscription_id":"x"}`))
	req.Header.Set("Authorization", bearer(t, "user_1"))
	assert.Equal(t, http.StatusBadRequest, serve(router, req).Code, "content type is enforced")

	req = httptest.NewRequest(http.MethodPost, "/api/subscription/cancel", strings.NewReader(`{"subscription_id":"x"}`))
	req.Header.Set("Authorization", bearer(t, "user_1"))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusNotFound, serve(router, req).Code)
}

func TestRouterMetricsAndFallbacks(t *testing.T) {
	router := newTestRouter(t)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/api/webhooks/paddle", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouterLogLinesCarryOneComponent(t *testing.T) {
	var buf bytes.Buffer
	router := newTestRouterWithLogger(t, zerolog.New(&buf).Level(zerolog.DebugLevel).With().Str("service", "billing-api").Logger())

	body := `{
		"event_id": "evt_log",
		"event_type": "subscription.created",
		"data": {
			"id": "sub_log",
			"status": "active",
			"customer_id": "cus_log",
			"custom_data": {"userId": "user_log"},
			"items": [{"price": {"id": "price_pro"}}]
		}
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/paddle", strings.NewReader(body))
	req.Header.Set(paddle.SignatureHeader, paddle.SignHeader([]byte(body), testWebhookSecret, time.Now()))
	require.Equal(t, http.StatusOK, serve(router, req).Code)

	components := map[string]bool{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.LessOrEqual(t, strings.Count(line, `"component":`), 1, line)
		var event map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &event))
		assert.Equal(t, "billing-api", event["service"])
		if c, ok := event["component"].(string); ok {
			components[c] = true
		}
	}
	assert.True(t, components["paddle_dispatcher"])
	assert.True(t, components["billing"])
	assert.True(t, components["http"])
}

func TestRedisConfigFromConfig(t *testing.T) {
	rc := RedisConfig(&config.Config{RedisAddr: "localhost:6379", RedisDB: 2, DedupTTL: time.Hour})
	assert.Equal(t, "localhost:6379", rc.Address)
	assert.Equal(t, 2, rc.DB)
	assert.Equal(t, time.Hour, rc.TTL)
}

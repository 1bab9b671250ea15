package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-sync-backend/pkg/billing"
	"billing-sync-backend/pkg/cache"
	"billing-sync-backend/pkg/config"
	"billing-sync-backend/pkg/database"
	"billing-sync-backend/pkg/middleware"
	"billing-sync-backend/pkg/models"
	"billing-sync-backend/pkg/paddle"
)

const webhookSecret = "whsec_test"

const createdPayload = `{
	"event_id": "evt_1",
	"event_type": "subscription.created",
	"occurred_at": "2024-05-10T12:00:00Z",
	"data": {
		"id": "sub_1",
		"status": "active",
		"customer_id": "cus_1",
		"custom_data": {"userId": "user_1"},
		"items": [{"price": {"id": "price_pro"}}],
		"current_billing_period": {"starts_at": "2024-05-10T12:00:00Z", "ends_at": "2024-06-10T12:00:00Z"}
	}
}`

type testEnv struct {
	store   *database.SQLiteDatabase
	svc     *billing.Service
	deduper *cache.MemoryDeduper
	webhook *WebhookHandler
	subs    *SubscriptionHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := database.NewSQLiteDatabase(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	plans := config.NewPlanCatalog(config.PlanCatalogOptions{
		BasicPriceID:      "price_basic",
		ProPriceID:        "price_pro",
		EnterprisePriceID: "price_enterprise",
	})
	svc := billing.NewService(store, plans, zerolog.Nop())
	dispatcher := paddle.NewDispatcher(zerolog.Nop())
	billing.NewReconciler(svc, zerolog.Nop()).Register(dispatcher)
	deduper := cache.NewMemoryDeduper(time.Hour)

	return &testEnv{
		store:   store,
		svc:     svc,
		deduper: deduper,
		webhook: NewWebhookHandler(paddle.NewVerifier(webhookSecret, 0), dispatcher, deduper, zerolog.Nop()),
		subs:    NewSubscriptionHandler(svc, plans, zerolog.Nop()),
	}
}

func (e *testEnv) postWebhook(t *testing.T, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/paddle", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(paddle.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	e.webhook.HandlePaddleWebhook(rec, req)
	return rec
}

func signed(body string) string {
	return paddle.SignHeader([]byte(body), webhookSecret, time.Now())
}

func TestWebhookAcceptsSignedEvent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postWebhook(t, createdPayload, signed(createdPayload))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	sub, err := env.store.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1", sub.UserID)
	assert.Equal(t, "Pro Plan", sub.PlanName)

	u, err := env.store.GetUser(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, models.UserStatusActive, u.SubscriptionStatus)
	assert.Equal(t, int64(50000), u.TokensLimit)
}

func TestWebhookAcceptsBareDigest(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postWebhook(t, createdPayload, paddle.Sign([]byte(createdPayload), webhookSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)

	for name, sig := range map[string]string{
		"missing":      "",
		"wrong secret": paddle.SignHeader([]byte(createdPayload), "other", time.Now()),
		"tampered":     signed(strings.Replace(createdPayload, "price_pro", "price_enterprise", 1)),
	} {
		t.Run(name, func(t *testing.T) {
			rec := env.postWebhook(t, createdPayload, sig)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, `{"error":"Invalid signature"}`, rec.Body.String())
		})
	}

	_, err := env.store.GetSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestWebhookMalformedPayload(t *testing.T) {
	env := newTestEnv(t)
	body := `{"event_type": "subscription.created", "data": [`

	rec := env.postWebhook(t, body, signed(body))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Webhook processing failed"}`, rec.Body.String())
}

func TestWebhookIgnoredAndSkippedEventsAreAcknowledged(t *testing.T) {
	env := newTestEnv(t)

	unknown := `{"event_id":"evt_x","event_type":"customer.created","data":{"id":"ctm_1"}}`
	rec := env.postWebhook(t, unknown, signed(unknown))
	assert.Equal(t, http.StatusOK, rec.Code)

	incomplete := `{"event_id":"evt_y","event_type":"subscription.created","data":{"id":"sub_2"}}`
	rec = env.postWebhook(t, incomplete, signed(incomplete))
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err := env.store.GetSubscription(context.Background(), "sub_2")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestWebhookDuplicateEventIsNotReapplied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.Equal(t, http.StatusOK, env.postWebhook(t, createdPayload, signed(createdPayload)).Code)
	seen, err := env.deduper.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	// 相同event_id的重投不再分发
	replay := `{
		"event_id": "evt_1",
		"event_type": "subscription.updated",
		"data": {"id": "sub_1", "status": "canceled"}
	}`
	rec := env.postWebhook(t, replay, signed(replay))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	sub, err := env.store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, sub.Status)
}

type failingDeduper struct{}

func (failingDeduper) Seen(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func (failingDeduper) MarkProcessed(context.Context, string) error {
	return errors.New("redis down")
}

func (failingDeduper) Close() error { return nil }

func TestWebhookProcessesWhenDeduperFails(t *testing.T) {
	env := newTestEnv(t)
	env.webhook.deduper = failingDeduper{}

	rec := env.postWebhook(t, createdPayload, signed(createdPayload))

	assert.Equal(t, http.StatusOK, rec.Code)
	_, err := env.store.GetSubscription(context.Background(), "sub_1")
	assert.NoError(t, err)
}

func TestWebhookBodyTooLarge(t *testing.T) {
	env := newTestEnv(t)
	body := `{"pad":"` + strings.Repeat("x", MaxWebhookBodyBytes) + `"}`

	rec := env.postWebhook(t, body, signed(body))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func authed(req *http.Request, userID string) *http.Request {
	return req.WithContext(middleware.WithClaims(req.Context(), &models.TokenClaims{UserID: userID}))
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) {
	t.Helper()
	var body struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	if data != nil {
		require.NoError(t, json.Unmarshal(body.Data, data))
	}
}

func TestGetCurrentSubscription(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.subs.GetCurrentSubscription(rec, authed(httptest.NewRequest(http.MethodGet, "/api/subscription/current", nil), "user_1"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":null`)

	require.Equal(t, http.StatusOK, env.postWebhook(t, createdPayload, signed(createdPayload)).Code)

	rec = httptest.NewRecorder()
	env.subs.GetCurrentSubscription(rec, authed(httptest.NewRequest(http.MethodGet, "/api/subscription/current", nil), "user_1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	var sub models.Subscription
	decodeEnvelope(t, rec, &sub)
	assert.Equal(t, "sub_1", sub.SubscriptionID)
	assert.Equal(t, models.StatusActive, sub.Status)
}

func TestSubscriptionEndpointsRequireIdentity(t *testing.T) {
	env := newTestEnv(t)

	for name, h := range map[string]http.HandlerFunc{
		"current": env.subs.GetCurrentSubscription,
		"history": env.subs.GetSubscriptionHistory,
		"profile": env.subs.GetUserProfile,
		"cancel":  env.subs.CancelSubscription,
		"consume": env.subs.ConsumeTokens,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}")))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestSubscriptionHistoryAndProfile(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.postWebhook(t, createdPayload, signed(createdPayload)).Code)

	rec := httptest.NewRecorder()
	env.subs.GetSubscriptionHistory(rec, authed(httptest.NewRequest(http.MethodGet, "/api/subscription/history", nil), "user_1"))
	assert.Equal(t, http.StatusOK, rec.Code)
	var history []models.Subscription
	decodeEnvelope(t, rec, &history)
	require.Len(t, history, 1)

	rec = httptest.NewRecorder()
	env.subs.GetSubscriptionHistory(rec, authed(httptest.NewRequest(http.MethodGet, "/api/subscription/history", nil), "nobody"))
	assert.Equal(t, http.StatusOK, rec.Code)
	history = nil
	decodeEnvelope(t, rec, &history)
	assert.Empty(t, history)

	rec = httptest.NewRecorder()
	env.subs.GetUserProfile(rec, authed(httptest.NewRequest(http.MethodGet, "/api/user/profile", nil), "user_1"))
	assert.Equal(t, http.StatusOK, rec.Code)
	var profile models.UserProfile
	decodeEnvelope(t, rec, &profile)
	require.NotNil(t, profile.User)
	require.NotNil(t, profile.Subscription)
	assert.Equal(t, "sub_1", profile.Subscription.SubscriptionID)
}

func TestCancelSubscriptionEndpoint(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.postWebhook(t, createdPayload, signed(createdPayload)).Code)

	cancel := func(userID, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/subscription/cancel", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		env.subs.CancelSubscription(rec, authed(req, userID))
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, cancel("user_1", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, cancel("user_1", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, cancel("user_1", `{"subscription_id":"sub_missing"}`).Code)
	assert.Equal(t, http.StatusForbidden, cancel("user_2", `{"subscription_id":"sub_1"}`).Code)

	rec := cancel("user_1", `{"subscription_id":"sub_1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var sub models.Subscription
	decodeEnvelope(t, rec, &sub)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, models.StatusActive, sub.Status)

	rec = cancel("user_1", `{"subscription_id":"sub_1","cancel_at_period_end":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeEnvelope(t, rec, &sub)
	assert.Equal(t, models.StatusCanceled, sub.Status)

	u, err := env.store.GetUser(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, models.UserStatusCanceled, u.SubscriptionStatus)
	assert.Equal(t, int64(0), u.TokensLimit)
}

func TestConsumeTokensEndpoint(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.postWebhook(t, createdPayload, signed(createdPayload)).Code)

	consume := func(userID, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/usage/consume", strings.NewReader(body))
		rec := httptest.NewRecorder()
		env.subs.ConsumeTokens(rec, authed(req, userID))
		return rec
	}

	rec := consume("user_1", `{"tokens":1000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var usage UsageResponse
	decodeEnvelope(t, rec, &usage)
	assert.Equal(t, int64(1000), usage.TokensUsed)
	assert.Equal(t, int64(49000), usage.TokensRemaining)

	assert.Equal(t, http.StatusBadRequest, consume("user_1", `{"tokens":0}`).Code)
	assert.Equal(t, http.StatusPaymentRequired, consume("user_1", `{"tokens":50000}`).Code)
	assert.Equal(t, http.StatusPaymentRequired, consume("stranger", `{"tokens":1}`).Code)
}

func TestListPlans(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.subs.ListPlans(rec, httptest.NewRequest(http.MethodGet, "/api/plans", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var plans []PlanView
	decodeEnvelope(t, rec, &plans)
	require.Len(t, plans, 3)
	assert.Equal(t, "pro", plans[1].Key)
	for _, p := range plans {
		assert.False(t, p.Current)
	}
}

func TestListPlansMarksCallersPlan(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.postWebhook(t, createdPayload, signed(createdPayload)).Code)

	rec := httptest.NewRecorder()
	env.subs.ListPlans(rec, authed(httptest.NewRequest(http.MethodGet, "/api/plans", nil), "user_1"))

	require.Equal(t, http.StatusOK, rec.Code)
	var plans []PlanView
	decodeEnvelope(t, rec, &plans)
	require.Len(t, plans, 3)
	assert.False(t, plans[0].Current)
	assert.True(t, plans[1].Current)
	assert.Equal(t, "price_pro", plans[1].PriceID)
	assert.False(t, plans[2].Current)
}

type stubHealth struct {
	err error
}

func (s stubHealth) HealthCheck(context.Context) error { return s.err }

func (s stubHealth) Dialect() string { return "sqlite" }

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(stubHealth{}, "test", "v1").Health(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	decodeEnvelope(t, rec, &status)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "healthy", status.Database.Status)
	assert.Equal(t, "sqlite", status.Database.Dialect)

	rec = httptest.NewRecorder()
	NewHealthHandler(stubHealth{err: errors.New("disk full")}, "test", "v1").Health(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	decodeEnvelope(t, rec, &status)
	assert.Equal(t, "unhealthy", status.Database.Status)
	assert.Equal(t, "disk full", status.Database.Error)
}

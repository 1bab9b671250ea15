package billing

import (
	"context"
	"testing"
	"time"

	"billing-sync-backend/pkg/config"
	"billing-sync-backend/pkg/database"
	"billing-sync-backend/pkg/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	store *database.SQLiteDatabase
	svc   *Service
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := database.NewSQLiteDatabase(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	plans := config.NewPlanCatalog(config.PlanCatalogOptions{
		BasicPriceID:      "price_basic",
		ProPriceID:        "price_pro",
		EnterprisePriceID: "price_enterprise",
	})
	clock := &fakeClock{t: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
	svc := NewService(store, plans, zerolog.Nop())
	svc.now = clock.Now

	return &fixture{store: store, svc: svc, clock: clock}
}

func (f *fixture) seedSubscription(t *testing.T, id, userID, priceID string, status models.SubscriptionStatus) *models.Subscription {
	t.Helper()
	sub, inserted, err := f.svc.CreateSubscription(context.Background(), SubscriptionFields{
		SubscriptionID:     id,
		UserID:             userID,
		CustomerID:         "cus_" + userID,
		Status:             status,
		PriceID:            priceID,
		CurrentPeriodStart: f.clock.Now(),
		CurrentPeriodEnd:   f.clock.Now().AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	require.True(t, inserted)
	f.clock.Advance(time.Minute)
	return sub
}

func (f *fixture) user(t *testing.T, userID string) *models.User {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return u
}

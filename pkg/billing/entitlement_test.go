package billing

import (
	"testing"

	"billing-sync-backend/pkg/models"

	"github.com/stretchr/testify/assert"
)

func TestProject(t *testing.T) {
	pro := models.Plan{Key: "pro", TokensLimit: 50000, TrialTokensLimit: 1000}
	basic := models.Plan{Key: "basic", TokensLimit: 10000}
	enterprise := models.Plan{Key: "enterprise", TokensLimit: models.UnlimitedTokens, TrialTokensLimit: 1000}

	tests := []struct {
		name   string
		status models.SubscriptionStatus
		plan   models.Plan
		want   Entitlement
	}{
		{"active uses plan limit", models.StatusActive, pro, Entitlement{models.UserStatusActive, 50000}},
		{"trialing uses trial limit", models.StatusTrialing, pro, Entitlement{models.UserStatusActive, 1000}},
		{"trialing without trial limit uses plan limit", models.StatusTrialing, basic, Entitlement{models.UserStatusActive, 10000}},
		{"unlimited plan stays unlimited in trial", models.StatusTrialing, enterprise, Entitlement{models.UserStatusActive, models.UnlimitedTokens}},
		{"active unlimited", models.StatusActive, enterprise, Entitlement{models.UserStatusActive, models.UnlimitedTokens}},
		{"canceled drops limit", models.StatusCanceled, pro, Entitlement{models.UserStatusCanceled, 0}},
		{"past due drops limit", models.StatusPastDue, pro, Entitlement{models.UserStatusPastDue, 0}},
		{"paused drops limit", models.StatusPaused, enterprise, Entitlement{models.UserStatusPaused, 0}},
		{"unknown status is free", models.SubscriptionStatus("weird"), pro, Entitlement{models.UserStatusFree, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Project(tt.status, tt.plan))
		})
	}
}

func TestEntitlementApply(t *testing.T) {
	u := &models.User{SubscriptionStatus: models.UserStatusFree, TokensUsed: 42}
	Entitlement{Status: models.UserStatusActive, TokensLimit: 50000}.Apply(u)

	assert.Equal(t, models.UserStatusActive, u.SubscriptionStatus)
	assert.Equal(t, int64(50000), u.TokensLimit)
	assert.Equal(t, int64(42), u.TokensUsed, "usage is not touched by projection")
}

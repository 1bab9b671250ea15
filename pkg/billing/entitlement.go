package billing

import (
	"billing-sync-backend/pkg/models"
)

// Entitlement is the user-visible result of a subscription status.
type Entitlement struct {
	Status      models.UserStatus `json:"status"`
	TokensLimit int64             `json:"tokens_limit"`
}

// Project maps a subscription status and its plan to the entitlement the
// user should see. Trials grant the plan's trial limit, active plans their
// full limit, and every other status drops the limit to zero.
func Project(status models.SubscriptionStatus, plan models.Plan) Entitlement {
	switch status {
	case models.StatusTrialing:
		limit := plan.TrialTokensLimit
		if limit == 0 || plan.IsUnlimited() {
			limit = plan.TokensLimit
		}
		return Entitlement{Status: models.UserStatusActive, TokensLimit: limit}
	case models.StatusActive:
		return Entitlement{Status: models.UserStatusActive, TokensLimit: plan.TokensLimit}
	case models.StatusCanceled:
		return Entitlement{Status: models.UserStatusCanceled}
	case models.StatusPastDue:
		return Entitlement{Status: models.UserStatusPastDue}
	case models.StatusPaused:
		return Entitlement{Status: models.UserStatusPaused}
	default:
		return Entitlement{Status: models.UserStatusFree}
	}
}

// Apply writes the entitlement onto a user record.
func (e Entitlement) Apply(u *models.User) {
	u.SubscriptionStatus = e.Status
	u.TokensLimit = e.TokensLimit
}

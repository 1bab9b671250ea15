package config

import (
	"billing-sync-backend/pkg/models"
)

// DefaultTokensLimit is granted for an active subscription whose price ID
// is not in the catalog.
const DefaultTokensLimit int64 = 10000

// PlanCatalogOptions holds the Paddle price IDs and limits used to build a catalog.
type PlanCatalogOptions struct {
	BasicPriceID       string
	ProPriceID         string
	EnterprisePriceID  string
	DefaultTokensLimit int64
	TrialTokensLimit   int64 // 0 = same as the plan limit
}

// PlanCatalog maps Paddle price IDs to plans. It is built once at startup
// and only read afterwards.
type PlanCatalog struct {
	byPriceID map[string]models.Plan
	plans     []models.Plan
	fallback  models.Plan
}

// NewPlanCatalog builds the catalog. Plans with an empty price ID are kept in
// the listing but cannot be matched.
func NewPlanCatalog(opts PlanCatalogOptions) *PlanCatalog {
	if opts.DefaultTokensLimit == 0 {
		opts.DefaultTokensLimit = DefaultTokensLimit
	}

	plans := []models.Plan{
		{Key: "basic", Name: "Basic Plan", PriceID: opts.BasicPriceID, TokensLimit: 10000},
		{Key: "pro", Name: "Pro Plan", PriceID: opts.ProPriceID, TokensLimit: 50000},
		{Key: "enterprise", Name: "Enterprise Plan", PriceID: opts.EnterprisePriceID, TokensLimit: models.UnlimitedTokens},
	}

	c := &PlanCatalog{
		byPriceID: make(map[string]models.Plan, len(plans)),
		fallback: models.Plan{
			Key:              "unknown",
			Name:             "Unknown Plan",
			TokensLimit:      opts.DefaultTokensLimit,
			TrialTokensLimit: opts.TrialTokensLimit,
		},
	}
	for _, p := range plans {
		p.TrialTokensLimit = opts.TrialTokensLimit
		c.plans = append(c.plans, p)
		if p.PriceID != "" {
			c.byPriceID[p.PriceID] = p
		}
	}
	return c
}

// Lookup returns the plan for a price ID.
func (c *PlanCatalog) Lookup(priceID string) (models.Plan, bool) {
	p, ok := c.byPriceID[priceID]
	return p, ok
}

// Resolve returns the plan for a price ID, or a fallback plan carrying the
// default token limit when the price is unknown.
func (c *PlanCatalog) Resolve(priceID string) models.Plan {
	if p, ok := c.byPriceID[priceID]; ok {
		return p
	}
	p := c.fallback
	p.PriceID = priceID
	return p
}

// Plans lists every configured plan in display order.
func (c *PlanCatalog) Plans() []models.Plan {
	out := make([]models.Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

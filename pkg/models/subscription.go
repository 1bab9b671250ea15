package models

import (
	"time"
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusPaused   SubscriptionStatus = "paused"
	StatusTrialing SubscriptionStatus = "trialing"
)

// SubscriptionStatuses 全部已知状态
var SubscriptionStatuses = []SubscriptionStatus{
	StatusActive, StatusTrialing, StatusPastDue, StatusPaused, StatusCanceled,
}

// Valid 检查状态是否为已知枚举值
func (s SubscriptionStatus) Valid() bool {
	for _, known := range SubscriptionStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsCurrent reports whether a record in this status counts as the user's current plan.
func (s SubscriptionStatus) IsCurrent() bool {
	return s == StatusActive || s == StatusTrialing
}

// UnlimitedTokens 表示不限量的token额度
const UnlimitedTokens int64 = -1

// Plan represents a subscription plan resolved from a Paddle price ID
type Plan struct {
	Key              string `json:"key"`
	Name             string `json:"name"`
	PriceID          string `json:"price_id"`
	TokensLimit      int64  `json:"tokens_limit"`
	TrialTokensLimit int64  `json:"trial_tokens_limit"`
}

// IsUnlimited reports whether the plan has no token limit.
func (p Plan) IsUnlimited() bool {
	return p.TokensLimit == UnlimitedTokens
}

// Subscription 订阅记录，每个Paddle订阅ID一条
type Subscription struct {
	ID                 string             `json:"id" db:"id"`
	SubscriptionID     string             `json:"subscription_id" db:"subscription_id"`
	UserID             string             `json:"user_id" db:"user_id"`
	CustomerID         string             `json:"customer_id" db:"customer_id"`
	Status             SubscriptionStatus `json:"status" db:"status"`
	PriceID            string             `json:"price_id" db:"price_id"`
	PlanName           string             `json:"plan_name" db:"plan_name"`
	CurrentPeriodStart time.Time          `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end" db:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty" db:"trial_end"`
	CreatedAt          time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
}

package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserStatus represents the entitlement status shown to the application
type UserStatus string

const (
	UserStatusFree     UserStatus = "free"
	UserStatusActive   UserStatus = "active"
	UserStatusCanceled UserStatus = "canceled"
	UserStatusPastDue  UserStatus = "past_due"
	UserStatusPaused   UserStatus = "paused"
)

// User 用户权益记录，每个应用用户一条
type User struct {
	ID                 string     `json:"id" db:"id"`
	UserID             string     `json:"user_id" db:"user_id"`
	Email              string     `json:"email" db:"email"`
	Name               string     `json:"name,omitempty" db:"name"`
	SubscriptionStatus UserStatus `json:"subscription_status" db:"subscription_status"`
	TokensUsed         int64      `json:"tokens_used" db:"tokens_used"`
	TokensLimit        int64      `json:"tokens_limit" db:"tokens_limit"`
	LastResetAt        time.Time  `json:"last_reset_at" db:"last_reset_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// TokensRemaining 剩余可用token，不限量时返回 UnlimitedTokens
func (u *User) TokensRemaining() int64 {
	if u.TokensLimit == UnlimitedTokens {
		return UnlimitedTokens
	}
	if remaining := u.TokensLimit - u.TokensUsed; remaining > 0 {
		return remaining
	}
	return 0
}

// UserProfile 用户资料及当前订阅
type UserProfile struct {
	User         *User         `json:"user"`
	Subscription *Subscription `json:"subscription"`
}

// TokenClaims represents the JWT token claims issued by the identity provider
type TokenClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Type   string `json:"type"` // "access"
	jwt.RegisteredClaims
}

// Identity returns the caller identity carried by the token
func (c *TokenClaims) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

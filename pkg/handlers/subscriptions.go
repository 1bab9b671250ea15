package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"billing-sync-backend/pkg/billing"
	"billing-sync-backend/pkg/config"
	"billing-sync-backend/pkg/logging"
	"billing-sync-backend/pkg/middleware"
	"billing-sync-backend/pkg/models"
	"billing-sync-backend/pkg/utils"
)

// SubscriptionHandler 处理订阅查询、取消与用量接口
type SubscriptionHandler struct {
	svc    *billing.Service
	plans  *config.PlanCatalog
	logger zerolog.Logger
}

// NewSubscriptionHandler 创建订阅处理器
func NewSubscriptionHandler(svc *billing.Service, plans *config.PlanCatalog, logger zerolog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{svc: svc, plans: plans, logger: logger}
}

// CancelRequest 取消订阅请求
type CancelRequest struct {
	SubscriptionID    string `json:"subscription_id"`
	CancelAtPeriodEnd *bool  `json:"cancel_at_period_end"`
}

// ConsumeRequest 用量扣减请求
type ConsumeRequest struct {
	Tokens int64 `json:"tokens"`
}

// UsageResponse 用量扣减结果
type UsageResponse struct {
	TokensUsed      int64 `json:"tokens_used"`
	TokensLimit     int64 `json:"tokens_limit"`
	TokensRemaining int64 `json:"tokens_remaining"`
}

// GetCurrentSubscription GET /api/subscription/current
func (h *SubscriptionHandler) GetCurrentSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, r, billing.ErrUnauthenticated)
		return
	}

	sub, err := h.svc.CurrentSubscription(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// 无订阅时data为null
	utils.WriteSuccessResponse(w, sub)
}

// GetSubscriptionHistory GET /api/subscription/history
func (h *SubscriptionHandler) GetSubscriptionHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, r, billing.ErrUnauthenticated)
		return
	}

	subs, err := h.svc.SubscriptionHistory(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	utils.WriteListResponse(w, subs, len(subs))
}

// GetUserProfile GET /api/user/profile
func (h *SubscriptionHandler) GetUserProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, r, billing.ErrUnauthenticated)
		return
	}

	profile, err := h.svc.UserProfile(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, profile)
}

// CancelSubscription POST /api/subscription/cancel
func (h *SubscriptionHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, r, billing.ErrUnauthenticated)
		return
	}

	var req CancelRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)
	if req.SubscriptionID == "" {
		utils.WriteValidationErrorResponse(w, "subscription_id is required", "")
		return
	}
	// 默认在当前计费周期结束时取消
	atPeriodEnd := true
	if req.CancelAtPeriodEnd != nil {
		atPeriodEnd = *req.CancelAtPeriodEnd
	}

	sub, err := h.svc.CancelSubscription(r.Context(), userID, req.SubscriptionID, atPeriodEnd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, sub)
}

// ConsumeTokens POST /api/usage/consume
func (h *SubscriptionHandler) ConsumeTokens(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, r, billing.ErrUnauthenticated)
		return
	}

	var req ConsumeRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}

	u, err := h.svc.ConsumeTokens(r.Context(), userID, req.Tokens)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, UsageResponse{
		TokensUsed:      u.TokensUsed,
		TokensLimit:     u.TokensLimit,
		TokensRemaining: u.TokensRemaining(),
	})
}

// PlanView 套餐列表项，current 标记登录用户当前订阅的套餐
type PlanView struct {
	models.Plan
	Current bool `json:"current"`
}

// ListPlans GET /api/plans
// 公开接口；携带有效令牌时标记调用者的当前套餐
func (h *SubscriptionHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	var currentPriceID string
	if userID, ok := middleware.GetUserIDFromContext(r.Context()); ok {
		sub, err := h.svc.CurrentSubscription(r.Context(), userID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if sub != nil {
			currentPriceID = sub.PriceID
		}
	}

	plans := h.plans.Plans()
	views := make([]PlanView, 0, len(plans))
	for _, p := range plans {
		views = append(views, PlanView{
			Plan:    p,
			Current: currentPriceID != "" && p.PriceID == currentPriceID,
		})
	}
	utils.WriteListResponse(w, views, len(views))
}

// writeError 将业务错误映射为HTTP状态码
func (h *SubscriptionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrUnauthenticated):
		utils.WriteUnauthorizedResponse(w, "Authentication required")
	case errors.Is(err, billing.ErrForbidden):
		utils.WriteForbiddenResponse(w, "Subscription belongs to another user")
	case errors.Is(err, billing.ErrNotFound):
		utils.WriteNotFoundResponse(w, "Subscription not found")
	case errors.Is(err, billing.ErrQuotaExceeded):
		utils.WritePaymentRequiredResponse(w, "Token quota exceeded")
	case errors.Is(err, billing.ErrInvalidInput):
		utils.WriteValidationErrorResponse(w, "Invalid input", err.Error())
	default:
		h.logger.Error().
			Err(err).
			Str("request_id", logging.RequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Subscription request failed")
		utils.WriteInternalServerErrorResponse(w, "Internal server error")
	}
}

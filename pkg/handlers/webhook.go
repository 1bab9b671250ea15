package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"billing-sync-backend/pkg/cache"
	"billing-sync-backend/pkg/logging"
	"billing-sync-backend/pkg/metrics"
	"billing-sync-backend/pkg/paddle"
	"billing-sync-backend/pkg/utils"
)

// MaxWebhookBodyBytes Paddle回调请求体上限
const MaxWebhookBodyBytes = 1 << 20

// WebhookHandler 处理Paddle webhook回调
type WebhookHandler struct {
	verifier   *paddle.Verifier
	dispatcher *paddle.Dispatcher
	deduper    cache.EventDeduper
	logger     zerolog.Logger
}

// NewWebhookHandler 创建新的webhook处理器；deduper 为 nil 时不做事件去重
func NewWebhookHandler(verifier *paddle.Verifier, dispatcher *paddle.Dispatcher, deduper cache.EventDeduper, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier:   verifier,
		dispatcher: dispatcher,
		deduper:    deduper,
		logger:     logger,
	}
}

type webhookError struct {
	Error string `json:"error"`
}

type webhookReceipt struct {
	Received bool `json:"received"`
}

// HandlePaddleWebhook 处理Paddle webhook
//
// 签名基于原始请求体计算，必须在解析JSON之前校验。
func (h *WebhookHandler) HandlePaddleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	ctx := r.Context()
	logger := h.logger.With().Str("request_id", logging.RequestID(ctx)).Logger()

	// 读取原始请求体
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
			logger.Warn().Int64("limit", tooLarge.Limit).Msg("Paddle webhook body too large")
			utils.WriteJSON(w, status, webhookError{Error: "Request body too large"})
			return
		}
		status = http.StatusInternalServerError
		logger.Error().Err(err).Msg("Failed to read Paddle webhook body")
		utils.WriteJSON(w, status, webhookError{Error: "Webhook processing failed"})
		return
	}

	// 验证webhook签名
	if err := h.verifier.Verify(body, r.Header.Get(paddle.SignatureHeader)); err != nil {
		status = http.StatusUnauthorized
		logger.Warn().Err(err).Str("ip", r.RemoteAddr).Msg("Invalid Paddle webhook signature")
		utils.WriteJSON(w, status, webhookError{Error: "Invalid signature"})
		return
	}

	// 解析webhook事件
	event, err := paddle.ParseEvent(body)
	if err != nil {
		status = http.StatusInternalServerError
		logger.Error().Err(err).Msg("Failed to parse Paddle webhook event")
		utils.WriteJSON(w, status, webhookError{Error: "Webhook processing failed"})
		return
	}
	eventType = string(event.EventType)
	logger = logger.With().Str("event_id", event.EventID).Str("event_type", eventType).Logger()
	ctx = logger.WithContext(ctx)

	// 去重检查失败时继续处理，所有handler都是幂等的
	if h.deduper != nil && event.EventID != "" {
		seen, err := h.deduper.Seen(ctx, event.EventID)
		if err != nil {
			logger.Warn().Err(err).Msg("Event deduplication lookup failed")
		} else if seen {
			metrics.WebhookDuplicatesTotal.Inc()
			logger.Info().Msg("Paddle event already processed")
			utils.WriteJSON(w, status, webhookReceipt{Received: true})
			return
		}
	}

	outcome, err := h.dispatcher.Dispatch(ctx, event)
	if err != nil {
		status = http.StatusInternalServerError
		logger.Error().Err(err).Str("outcome", string(outcome)).Msg("Failed to process Paddle webhook event")
		utils.WriteJSON(w, status, webhookError{Error: "Webhook processing failed"})
		return
	}

	if h.deduper != nil && event.EventID != "" {
		if err := h.deduper.MarkProcessed(ctx, event.EventID); err != nil {
			logger.Warn().Err(err).Msg("Failed to record processed Paddle event")
		}
	}

	logger.Debug().Str("outcome", string(outcome)).Dur("duration", time.Since(start)).Msg("Paddle webhook processed")
	utils.WriteJSON(w, status, webhookReceipt{Received: true})
}

package handlers

import (
	"context"
	"net/http"
	"time"

	"billing-sync-backend/pkg/utils"
)

// HealthChecker 数据库健康检查
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
	Dialect() string
}

// HealthHandler 服务健康检查
type HealthHandler struct {
	db          HealthChecker
	environment string
	version     string
	timeout     time.Duration
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(db HealthChecker, environment, version string) *HealthHandler {
	return &HealthHandler{
		db:          db,
		environment: environment,
		version:     version,
		timeout:     2 * time.Second,
	}
}

// HealthStatus 健康检查结果
type HealthStatus struct {
	Status      string         `json:"status"`
	Environment string         `json:"environment"`
	Version     string         `json:"version,omitempty"`
	Time        string         `json:"time"`
	Database    DatabaseHealth `json:"database"`
}

// DatabaseHealth 数据库状态
type DatabaseHealth struct {
	Status  string `json:"status"`
	Dialect string `json:"dialect,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Health GET /
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:      "ok",
		Environment: h.environment,
		Version:     h.version,
		Time:        time.Now().UTC().Format(time.RFC3339),
		Database:    DatabaseHealth{Status: "healthy"},
	}

	if h.db == nil {
		status.Status = "degraded"
		status.Database = DatabaseHealth{Status: "unavailable"}
		utils.WriteJSONResponse(w, http.StatusServiceUnavailable, status)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status.Database.Dialect = h.db.Dialect()
	if err := h.db.HealthCheck(ctx); err != nil {
		status.Status = "degraded"
		status.Database.Status = "unhealthy"
		status.Database.Error = err.Error()
		utils.WriteJSONResponse(w, http.StatusServiceUnavailable, status)
		return
	}

	utils.WriteSuccessResponse(w, status)
}

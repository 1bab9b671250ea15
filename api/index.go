package handler

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"billing-sync-backend/pkg/billing"
	"billing-sync-backend/pkg/cache"
	"billing-sync-backend/pkg/config"
	"billing-sync-backend/pkg/database"
	"billing-sync-backend/pkg/handlers"
	"billing-sync-backend/pkg/logging"
	customMiddleware "billing-sync-backend/pkg/middleware"
	"billing-sync-backend/pkg/paddle"
	"billing-sync-backend/pkg/utils"
)

// Dependencies 路由所需的外部依赖
type Dependencies struct {
	Config  *config.Config
	DB      database.DatabaseInterface
	Deduper cache.EventDeduper
	Logger  zerolog.Logger
	Version string
}

var (
	cachedRouter http.Handler
	routerErr    error
	routerOnce   sync.Once
)

// Handler 是Vercel函数的入口点
// 这个函数实现了"单体路由模式"，将所有API端点集中在一个Chi路由器中管理；
// 路由器在冷启动时构建一次，热调用直接复用
func Handler(w http.ResponseWriter, r *http.Request) {
	routerOnce.Do(func() {
		cachedRouter, routerErr = buildServerlessRouter()
	})
	if routerErr != nil {
		utils.WriteInternalServerErrorResponse(w, "Configuration error: "+routerErr.Error())
		return
	}
	cachedRouter.ServeHTTP(w, r)
}

func buildServerlessRouter() (http.Handler, error) {
	cfg := config.GetCached()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Service:   "billing-api",
	})

	db, err := database.GetDatabase(database.DatabaseConfig{
		PostgresDSN: cfg.PostgresDSN,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	deduper := cache.NewEventDeduper(ctx, RedisConfig(cfg), logger)

	return NewRouter(Dependencies{
		Config:  cfg,
		DB:      db,
		Deduper: deduper,
		Logger:  logger,
	}), nil
}

// RedisConfig 由应用配置构建去重存储配置
func RedisConfig(cfg *config.Config) cache.RedisConfig {
	return cache.RedisConfig{
		Address:  cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.DedupTTL,
	}
}

// NewRouter 构建完整的HTTP路由
func NewRouter(deps Dependencies) http.Handler {
	cfg := deps.Config
	logger := deps.Logger

	// 业务组件
	// NewService/NewDispatcher/NewReconciler 各自添加 component 字段
	svc := billing.NewService(deps.DB, cfg.Plans, logger)
	dispatcher := paddle.NewDispatcher(logger)
	billing.NewReconciler(svc, logger).Register(dispatcher)
	verifier := paddle.NewVerifier(cfg.PaddleWebhookSecret, cfg.PaddleSignatureMaxAge)
	jwtService := utils.NewJWTService(cfg.JWTSecret)

	if cfg.PaddleWebhookSecret == "" {
		logger.Warn().Msg("PADDLE_WEBHOOK_SECRET is not set; all webhook deliveries will be rejected")
	}

	router := chi.NewRouter()

	// 设置全局中间件
	setupMiddleware(router, cfg, logger)

	// 设置路由
	setupRoutes(router, cfg, routeHandlers{
		health:        handlers.NewHealthHandler(deps.DB, cfg.Environment, deps.Version),
		webhook:       handlers.NewWebhookHandler(verifier, dispatcher, deps.Deduper, logger.With().Str("component", "webhook").Logger()),
		subscriptions: handlers.NewSubscriptionHandler(svc, cfg.Plans, logger.With().Str("component", "api").Logger()),
		auth:          customMiddleware.AuthMiddleware(jwtService),
		optionalAuth:  customMiddleware.OptionalAuthMiddleware(jwtService),
		rateLimit:     customMiddleware.RateLimitByIP(customMiddleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)),
	})

	return router
}

type routeHandlers struct {
	health        *handlers.HealthHandler
	webhook       *handlers.WebhookHandler
	subscriptions *handlers.SubscriptionHandler
	auth          func(http.Handler) http.Handler
	optionalAuth  func(http.Handler) http.Handler
	rateLimit     func(http.Handler) http.Handler
}

// setupMiddleware 设置全局中间件
func setupMiddleware(router *chi.Mux, cfg *config.Config, logger zerolog.Logger) {
	// 基础中间件
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	// Normalize path and restore scheme/host before logging and routing
	router.Use(customMiddleware.Normalize())
	router.Use(customMiddleware.RequestLogger(logger.With().Str("component", "http").Logger()))
	router.Use(customMiddleware.Recovery(cfg))

	// 超时中间件（Vercel函数有时间限制）
	router.Use(middleware.Timeout(25 * time.Second)) // 留5秒缓冲

	// 开发环境额外中间件
	if cfg.IsDevelopment() {
		router.Use(middleware.Heartbeat("/ping"))
	}
}

// setupRoutes 设置所有API路由
func setupRoutes(router *chi.Mux, cfg *config.Config, h routeHandlers) {
	// 健康检查端点
	router.Get("/", h.health.Health)

	// Prometheus指标
	router.Handle("/metrics", promhttp.Handler())

	// 数据库连接池状态端点（调试用）
	if cfg.IsDevelopment() {
		router.Get("/debug/db-pool", func(w http.ResponseWriter, r *http.Request) {
			utils.WriteSuccessResponse(w, database.GetConnectionStats())
		})
	}

	// API路由组
	router.Route("/api", func(r chi.Router) {
		// Webhook路由（不需要认证，但需要验证签名；原始请求体不能被压缩或改写）
		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/paddle", h.webhook.HandlePaddleWebhook) // Paddle支付回调
		})

		// 前端调用的接口
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.CORS(cfg))
			r.Use(middleware.Compress(5))
			r.Use(h.rateLimit)

			// 公开路由（认证可选，登录时标记当前套餐）
			r.With(h.optionalAuth).Get("/plans", h.subscriptions.ListPlans)

			// 需要认证的路由
			r.Group(func(r chi.Router) {
				r.Use(h.auth)

				r.Route("/subscription", func(r chi.Router) {
					r.Get("/current", h.subscriptions.GetCurrentSubscription)
					r.Get("/history", h.subscriptions.GetSubscriptionHistory)
					r.With(customMiddleware.ContentTypeJSON, customMiddleware.MaxBodySize(64<<10)).
						Post("/cancel", h.subscriptions.CancelSubscription)
				})

				r.Get("/user/profile", h.subscriptions.GetUserProfile)

				r.With(customMiddleware.ContentTypeJSON, customMiddleware.MaxBodySize(64<<10)).
					Post("/usage/consume", h.subscriptions.ConsumeTokens)
			})
		})
	})

	// 404处理
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteNotFoundResponse(w, fmt.Sprintf("Route not found: %s %s", r.Method, r.URL.Path))
	})

	// 405处理
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteErrorResponseWithCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			fmt.Sprintf("Method %s not allowed for %s", r.Method, r.URL.Path), "")
	})
}

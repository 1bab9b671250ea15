package middleware

import (
	"net/http"

	"github.com/go-chi/cors"

	"billing-sync-backend/pkg/config"
)

// CORS 创建CORS中间件
//
// 仅作用于前端调用的订阅/用户接口；Paddle回调为服务端请求，不受CORS影响。
func CORS(cfg *config.Config) func(http.Handler) http.Handler {
	return cors.Handler(corsOptions(cfg))
}

func corsOptions(cfg *config.Config) cors.Options {
	opts := cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-Requested-With",
			"X-Request-Id",
		},
		ExposedHeaders: []string{
			"X-Request-Id",
			"Retry-After",
		},
		AllowCredentials: true,
		MaxAge:           300, // 5分钟
	}

	// 通配来源不能携带凭据
	if len(opts.AllowedOrigins) == 0 || contains(opts.AllowedOrigins, "*") {
		if cfg.IsDevelopment() || len(opts.AllowedOrigins) > 0 {
			opts.AllowedOrigins = []string{"*"}
		}
		opts.AllowCredentials = false
	}

	return opts
}

// contains 检查切片是否包含指定的字符串
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

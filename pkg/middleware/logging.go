package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"billing-sync-backend/pkg/logging"
)

// RequestLogger 请求日志中间件，每个请求输出一条结构化日志
//
// 请求ID优先沿用chi RequestID中间件生成的值，并写入context供下游日志使用。
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx, requestID := logging.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
			// 认证中间件在子请求上写入身份，通过共享的holder回传给这里
			holder := &requestUser{}
			ctx = context.WithValue(ctx, requestUserKey{}, holder)
			r = r.WithContext(ctx)

			// 创建响应写入器包装器来捕获状态码
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			event := logger.Info()
			switch {
			case status >= 500:
				event = logger.Error()
			case status >= 400:
				event = logger.Warn()
			}

			// 获取用户信息（如果有）
			user := "anonymous"
			if id := holder.get(); id != "" {
				user = id
			} else if id, ok := GetUserIDFromContext(r.Context()); ok {
				user = id
			}

			event.
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("user", user).
				Str("ip", getClientIP(r)).
				Str("user_agent", r.UserAgent()).
				Msg("HTTP request")
		})
	}
}

type requestUserKey struct{}

// requestUser 记录本次请求认证出的用户
type requestUser struct {
	mu sync.Mutex
	id string
}

func (u *requestUser) set(id string) {
	u.mu.Lock()
	u.id = id
	u.mu.Unlock()
}

func (u *requestUser) get() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.id
}

// recordRequestUser 将认证出的用户回写给外层的请求日志
func recordRequestUser(ctx context.Context, id string) {
	if holder, ok := ctx.Value(requestUserKey{}).(*requestUser); ok {
		holder.set(id)
	}
}

// getClientIP 获取客户端IP地址
func getClientIP(r *http.Request) string {
	// 检查X-Forwarded-For头（代理/负载均衡器），取最靠近客户端的一项
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	// 检查X-Real-IP头
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	// 使用RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

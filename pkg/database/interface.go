package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"billing-sync-backend/pkg/models"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// SubscriptionStore 订阅记录存储。所有写操作以 subscription_id 为键，在单个事务内完成。
type SubscriptionStore interface {
	// InsertSubscription 插入订阅记录；subscription_id 已存在时不写入并返回 false
	InsertSubscription(ctx context.Context, sub *models.Subscription) (bool, error)
	// UpdateSubscription 在事务内读取、修改并写回记录；fn 返回错误时回滚
	UpdateSubscription(ctx context.Context, subscriptionID string, fn func(*models.Subscription) error) (*models.Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error)
	// ListSubscriptionsByUser 按创建时间倒序返回用户的全部订阅
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]models.Subscription, error)
	ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]models.Subscription, error)
	// GetCurrentSubscription 返回状态为 active/trialing 的最新订阅
	GetCurrentSubscription(ctx context.Context, userID string) (*models.Subscription, error)
}

// UserStore 用户权益记录存储，以 user_id 为键
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	// UpdateUser 仅修改已存在的用户，不存在时返回 ErrNotFound
	UpdateUser(ctx context.Context, userID string, fn func(*models.User) error) (*models.User, error)
	// ProjectUser 用户不存在时先创建（status=free）；锁定用户行后在同一事务内读取
	// 当前订阅（无则为 nil）并应用 fn。同一用户的并发投影按锁顺序串行，
	// 后执行者总能看到之前已提交的订阅写入。
	ProjectUser(ctx context.Context, userID string, fn func(u *models.User, current *models.Subscription, created bool) error) (*models.User, error)
}

// DatabaseInterface 定义数据库访问接口
type DatabaseInterface interface {
	SubscriptionStore
	UserStore

	// Migrate 创建表和索引（幂等）
	Migrate(ctx context.Context) error

	// 健康检查
	HealthCheck(ctx context.Context) error

	// Dialect 返回 "postgresql" 或 "sqlite"
	Dialect() string

	// 关闭连接
	Close() error
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	PostgresDSN string
	SQLitePath  string
}

// NewDatabase 根据配置选择数据库实现：PostgreSQL 优先，其次本地 SQLite
func NewDatabase(config DatabaseConfig) (DatabaseInterface, error) {
	if dsn := strings.TrimSpace(config.PostgresDSN); dsn != "" {
		pg, err := NewPostgresDatabase(dsn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}

	// Serverless 文件系统是临时的，SQLite 数据会在冷启动后丢失
	if isVercelEnvironment() {
		return nil, fmt.Errorf("no database configured for serverless environment: set POSTGRES_DSN")
	}

	if config.SQLitePath == "" {
		return nil, fmt.Errorf("no valid database configuration found: set POSTGRES_DSN or SQLITE_PATH")
	}
	lite, err := NewSQLiteDatabase(config.SQLitePath)
	if err != nil {
		return nil, err
	}
	return lite, nil
}

// isVercelEnvironment 内部检查 Vercel 环境
func isVercelEnvironment() bool {
	vercelEnv := os.Getenv("VERCEL_ENV")
	vercelURL := os.Getenv("VERCEL_URL")
	awsLambda := os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
	return vercelEnv != "" || vercelURL != "" || awsLambda != ""
}

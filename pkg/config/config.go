package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Config 应用配置结构
type Config struct {
	// 环境配置
	Environment string
	Port        string

	// 数据库配置
	PostgresDSN string
	SQLitePath  string

	// JWT配置（身份由外部认证服务签发）
	JWTSecret string

	// Paddle配置
	PaddleEnvironment     string
	PaddleWebhookSecret   string
	PaddleSignatureMaxAge time.Duration
	Plans                 *PlanCatalog

	// Redis配置（webhook事件去重，可选）
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DedupTTL      time.Duration

	// CORS配置
	AllowedOrigins []string

	// 限流配置
	RateLimitRPS   float64
	RateLimitBurst int

	// 日志配置
	LogLevel  string
	LogFormat string

	// 调试配置
	Debug bool
}

// LoadConfig 加载配置（支持本地和Vercel环境）
func LoadConfig() *Config {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	// 按环境加载 .env 文件；已存在的环境变量不会被覆盖
	switch env {
	case "production":
		_ = godotenv.Load(".env.production")
	default:
		_ = godotenv.Load(".env.local")
	}

	config := &Config{
		Environment: getEnvWithDefault("ENVIRONMENT", "development"),
		Port:        getEnvWithDefault("PORT", "3000"),
		JWTSecret:   getEnvWithDefault("JWT_SECRET", defaultJWTSecret),
		Debug:       getEnvBool("DEBUG", false),
	}

	// 数据库配置
	// Trim whitespace to avoid trailing spaces/newlines from env sources
	config.PostgresDSN = strings.TrimSpace(os.Getenv("POSTGRES_DSN"))
	config.SQLitePath = strings.TrimSpace(getEnvWithDefault("SQLITE_PATH", "./data"))

	// Paddle配置
	config.PaddleEnvironment = getEnvWithDefault("PADDLE_ENVIRONMENT", "sandbox")
	config.PaddleWebhookSecret = strings.TrimSpace(os.Getenv("PADDLE_WEBHOOK_SECRET"))
	config.PaddleSignatureMaxAge = getEnvDuration("PADDLE_SIGNATURE_MAX_AGE", 0)
	config.Plans = NewPlanCatalog(PlanCatalogOptions{
		BasicPriceID:       strings.TrimSpace(os.Getenv("PADDLE_BASIC_PRICE_ID")),
		ProPriceID:         strings.TrimSpace(os.Getenv("PADDLE_PRO_PRICE_ID")),
		EnterprisePriceID:  strings.TrimSpace(os.Getenv("PADDLE_ENTERPRISE_PRICE_ID")),
		DefaultTokensLimit: getEnvInt64("DEFAULT_TOKENS_LIMIT", DefaultTokensLimit),
		TrialTokensLimit:   getEnvInt64("TRIAL_TOKENS_LIMIT", 0),
	})

	// Redis配置
	config.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	config.RedisPassword = os.Getenv("REDIS_PASSWORD")
	config.RedisDB = int(getEnvInt64("REDIS_DB", 0))
	config.DedupTTL = getEnvDuration("WEBHOOK_DEDUP_TTL", 72*time.Hour)

	// CORS配置
	allowedOrigins := getEnvWithDefault("ALLOWED_ORIGINS", "*")
	if allowedOrigins == "*" {
		config.AllowedOrigins = []string{"*"}
	} else {
		config.AllowedOrigins = strings.Split(allowedOrigins, ",")
	}

	// 限流配置
	config.RateLimitRPS = getEnvFloat("RATE_LIMIT_RPS", 10)
	config.RateLimitBurst = int(getEnvInt64("RATE_LIMIT_BURST", 20))

	// 日志配置
	config.LogLevel = getEnvWithDefault("LOG_LEVEL", "info")
	config.LogFormat = getEnvWithDefault("LOG_FORMAT", "auto")

	// 生产环境关闭调试
	if config.Environment == "production" {
		config.Debug = false
		if config.PostgresDSN == "" {
			fmt.Fprintln(os.Stderr, "WARNING: production environment using local SQLite database. Please configure POSTGRES_DSN")
		}
	}
	if config.Debug {
		config.LogLevel = "debug"
	}

	return config
}

// Cached config (initialized once per cold start)
var (
	cachedConfig *Config
	configOnce   sync.Once
)

// GetCached returns the process-wide cached Config.
// On serverless (Vercel), it initializes once per cold start and
// reuses it across warm invocations, avoiding per-request parsing.
func GetCached() *Config {
	configOnce.Do(func() {
		cachedConfig = LoadConfig()
	})
	return cachedConfig
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	if c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret {
		if c.IsProduction() {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
	}

	// webhook密钥缺失时所有回调都会被拒绝
	if c.PaddleWebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("PADDLE_WEBHOOK_SECRET must be set in production")
	}

	if c.PostgresDSN == "" && c.SQLitePath == "" {
		return fmt.Errorf("database configuration incomplete: set POSTGRES_DSN or SQLITE_PATH")
	}

	if c.Plans == nil {
		return fmt.Errorf("plan catalog is not configured")
	}

	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit settings must not be negative")
	}

	return nil
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment 检查是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// DatabaseType 当前使用的数据库类型
func (c *Config) DatabaseType() string {
	if c.PostgresDSN != "" {
		return "postgresql"
	}
	return "sqlite"
}

// 辅助函数

// getEnvWithDefault 获取环境变量，如果不存在则使用默认值
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool 获取布尔类型的环境变量
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration 解析时长，支持 "90s" 形式或纯秒数
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

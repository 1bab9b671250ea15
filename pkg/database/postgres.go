package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id                   TEXT PRIMARY KEY,
		subscription_id      TEXT NOT NULL UNIQUE,
		user_id              TEXT NOT NULL,
		customer_id          TEXT NOT NULL,
		status               TEXT NOT NULL,
		price_id             TEXT NOT NULL,
		plan_name            TEXT NOT NULL DEFAULT '',
		current_period_start BIGINT NOT NULL DEFAULT 0,
		current_period_end   BIGINT NOT NULL DEFAULT 0,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		trial_end            BIGINT,
		created_at           BIGINT NOT NULL,
		updated_at           BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_customer_id ON subscriptions (customer_id)`,
	`CREATE TABLE IF NOT EXISTS users (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL UNIQUE,
		email               TEXT NOT NULL DEFAULT '',
		name                TEXT NOT NULL DEFAULT '',
		subscription_status TEXT NOT NULL DEFAULT 'free',
		tokens_used         BIGINT NOT NULL DEFAULT 0,
		tokens_limit        BIGINT NOT NULL DEFAULT 0,
		last_reset_at       BIGINT NOT NULL DEFAULT 0,
		created_at          BIGINT NOT NULL,
		updated_at          BIGINT NOT NULL
	)`,
}

// PostgresDatabase PostgreSQL数据库实现
type PostgresDatabase struct {
	*sqlStore
}

// NewPostgresDatabase 创建PostgreSQL数据库实例并初始化表结构
func NewPostgresDatabase(dsn string) (*PostgresDatabase, error) {
	// Sanitize DSN to avoid stray CR/LF from env values
	dsn = addConnectionParams(strings.TrimSpace(dsn), "connect_timeout=10")

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pg := &PostgresDatabase{sqlStore: &sqlStore{
		db: db,
		dialect: dialect{
			name:      "postgresql",
			numbered:  true,
			forUpdate: " FOR UPDATE",
			schema:    postgresSchema,
		},
		now: time.Now,
	}}
	pg.tunePoolParams()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info().Msg("PostgreSQL connection established")
	return pg, nil
}

// addConnectionParams 添加连接参数到DSN（URL 形式的 DSN 且未设置该参数时）
func addConnectionParams(dsn, params string) string {
	if params == "" || !strings.Contains(dsn, "://") {
		return dsn
	}
	key, _, _ := strings.Cut(params, "=")
	if strings.Contains(dsn, key+"=") {
		return dsn
	}

	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}

	return dsn + separator + params
}

// tunePoolParams 调整应用侧连接池参数，适合无服务器环境
func (db *PostgresDatabase) tunePoolParams() {
	if db == nil || db.db == nil {
		return
	}
	db.db.SetMaxOpenConns(10)
	db.db.SetMaxIdleConns(5)
	db.db.SetConnMaxLifetime(5 * time.Minute)
	db.db.SetConnMaxIdleTime(2 * time.Minute)
}

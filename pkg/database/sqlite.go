package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id                   TEXT PRIMARY KEY,
		subscription_id      TEXT NOT NULL UNIQUE,
		user_id              TEXT NOT NULL,
		customer_id          TEXT NOT NULL,
		status               TEXT NOT NULL,
		price_id             TEXT NOT NULL,
		plan_name            TEXT NOT NULL DEFAULT '',
		current_period_start INTEGER NOT NULL DEFAULT 0,
		current_period_end   INTEGER NOT NULL DEFAULT 0,
		cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
		trial_end            INTEGER,
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_customer_id ON subscriptions (customer_id)`,
	`CREATE TABLE IF NOT EXISTS users (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL UNIQUE,
		email               TEXT NOT NULL DEFAULT '',
		name                TEXT NOT NULL DEFAULT '',
		subscription_status TEXT NOT NULL DEFAULT 'free',
		tokens_used         INTEGER NOT NULL DEFAULT 0,
		tokens_limit        INTEGER NOT NULL DEFAULT 0,
		last_reset_at       INTEGER NOT NULL DEFAULT 0,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	)`,
}

// SQLiteDatabase 本地 SQLite 数据库实现（开发环境与测试）
type SQLiteDatabase struct {
	*sqlStore
}

// NewSQLiteDatabase 打开（或创建）SQLite 数据库。path 为目录时使用 billing.db。
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	dbPath := path
	if !strings.HasSuffix(path, ".db") && !strings.HasSuffix(path, ".sqlite") {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		dbPath = filepath.Join(path, "billing.db")
	} else if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接串行化所有事务，保证按键的读-改-写原子性
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteDatabase{
		sqlStore: &sqlStore{
			db: db,
			dialect: dialect{
				name:   "sqlite",
				schema: sqliteSchema,
			},
			now: time.Now,
		},
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Debug().Str("path", dbPath).Msg("SQLite database opened")
	return s, nil
}

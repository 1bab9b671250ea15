package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"billing-sync-backend/pkg/models"

	"github.com/google/uuid"
)

// dialect 描述两种 SQL 后端之间的差异
type dialect struct {
	name string
	// numbered 为 true 时占位符改写为 $1, $2 ...
	numbered  bool
	forUpdate string
	schema    []string
}

// sqlStore PostgreSQL 与 SQLite 共用的存储实现
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

const subscriptionColumns = `id, subscription_id, user_id, customer_id, status, price_id, plan_name,
	current_period_start, current_period_end, cancel_at_period_end, trial_end, created_at, updated_at`

const userColumns = `id, user_id, email, name, subscription_status, tokens_used, tokens_limit,
	last_reset_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

// rebind 将 ? 占位符转换为方言格式
func (s *sqlStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate 创建表和索引
func (s *sqlStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

// HealthCheck 健康检查
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect 数据库类型
func (s *sqlStore) Dialect() string {
	return s.dialect.name
}

// Close 关闭连接
func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTx 在事务内执行 fn，fn 返回错误时回滚
func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ================= Subscriptions =================

// InsertSubscription 插入订阅记录（ON CONFLICT DO NOTHING）
func (s *sqlStore) InsertSubscription(ctx context.Context, sub *models.Subscription) (bool, error) {
	if sub == nil || sub.SubscriptionID == "" {
		return false, fmt.Errorf("subscription id is required")
	}
	now := s.now().UTC()
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id) DO NOTHING`),
		subscriptionArgs(sub)...,
	)
	if err != nil {
		return false, fmt.Errorf("insert subscription %s: %w", sub.SubscriptionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert subscription %s: %w", sub.SubscriptionID, err)
	}
	return affected > 0, nil
}

// UpdateSubscription 事务内读-改-写
func (s *sqlStore) UpdateSubscription(ctx context.Context, subscriptionID string, fn func(*models.Subscription) error) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`
			SELECT `+subscriptionColumns+`
			FROM subscriptions
			WHERE subscription_id = ?`+s.dialect.forUpdate), subscriptionID)
		sub, err := scanSubscription(row)
		if err != nil {
			return err
		}

		prevUpdated := sub.UpdatedAt
		if err := fn(sub); err != nil {
			return err
		}
		// 键字段不可修改
		sub.SubscriptionID = subscriptionID
		if sub.UpdatedAt.Equal(prevUpdated) {
			sub.UpdatedAt = s.now().UTC()
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE subscriptions SET
				user_id = ?, customer_id = ?, status = ?, price_id = ?, plan_name = ?,
				current_period_start = ?, current_period_end = ?, cancel_at_period_end = ?,
				trial_end = ?, updated_at = ?
			WHERE subscription_id = ?`),
			sub.UserID, sub.CustomerID, string(sub.Status), sub.PriceID, sub.PlanName,
			toMillis(sub.CurrentPeriodStart), toMillis(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd,
			nullableMillis(sub.TrialEnd), toMillis(sub.UpdatedAt),
			subscriptionID,
		)
		if err != nil {
			return fmt.Errorf("update subscription %s: %w", subscriptionID, err)
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSubscription 根据 subscription_id 获取订阅
func (s *sqlStore) GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE subscription_id = ?`), subscriptionID)
	return scanSubscription(row)
}

// ListSubscriptionsByUser 用户订阅历史（新到旧）
func (s *sqlStore) ListSubscriptionsByUser(ctx context.Context, userID string) ([]models.Subscription, error) {
	return s.listSubscriptions(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`, userID)
}

// ListSubscriptionsByCustomer Paddle 客户的全部订阅（新到旧）
func (s *sqlStore) ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]models.Subscription, error) {
	return s.listSubscriptions(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE customer_id = ?
		ORDER BY created_at DESC, id DESC`, customerID)
}

// GetCurrentSubscription 最新的 active/trialing 订阅
func (s *sqlStore) GetCurrentSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	return s.currentSubscription(ctx, s.db, userID)
}

// rowQuerier *sql.DB 与 *sql.Tx 共有的查询方法
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) currentSubscription(ctx context.Context, q rowQuerier, userID string) (*models.Subscription, error) {
	statuses := currentStatuses()
	args := make([]any, 0, len(statuses)+1)
	args = append(args, userID)
	args = append(args, statuses...)

	row := q.QueryRowContext(ctx, s.rebind(`
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = ? AND status IN (`+placeholders(len(statuses))+`)
		ORDER BY created_at DESC, id DESC
		LIMIT 1`), args...)
	return scanSubscription(row)
}

// currentStatuses 计入“当前订阅”的状态值
func currentStatuses() []any {
	var out []any
	for _, st := range models.SubscriptionStatuses {
		if st.IsCurrent() {
			out = append(out, string(st))
		}
	}
	return out
}

func placeholders(n int) string {
	if n <= 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *sqlStore) listSubscriptions(ctx context.Context, query string, args ...any) ([]models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	out := []models.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}

func subscriptionArgs(sub *models.Subscription) []any {
	return []any{
		sub.ID, sub.SubscriptionID, sub.UserID, sub.CustomerID, string(sub.Status), sub.PriceID, sub.PlanName,
		toMillis(sub.CurrentPeriodStart), toMillis(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd,
		nullableMillis(sub.TrialEnd), toMillis(sub.CreatedAt), toMillis(sub.UpdatedAt),
	}
}

func scanSubscription(row scanner) (*models.Subscription, error) {
	var (
		sub                    models.Subscription
		status                 string
		periodStart, periodEnd int64
		trialEnd               sql.NullInt64
		createdAt, updatedAt   int64
	)
	err := row.Scan(
		&sub.ID, &sub.SubscriptionID, &sub.UserID, &sub.CustomerID, &status, &sub.PriceID, &sub.PlanName,
		&periodStart, &periodEnd, &sub.CancelAtPeriodEnd, &trialEnd, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.Status = models.SubscriptionStatus(status)
	sub.CurrentPeriodStart = fromMillis(periodStart)
	sub.CurrentPeriodEnd = fromMillis(periodEnd)
	if trialEnd.Valid {
		t := fromMillis(trialEnd.Int64)
		sub.TrialEnd = &t
	}
	sub.CreatedAt = fromMillis(createdAt)
	sub.UpdatedAt = fromMillis(updatedAt)
	return &sub, nil
}

// ================= Users =================

// GetUser 根据 user_id 获取用户
func (s *sqlStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+userColumns+`
		FROM users
		WHERE user_id = ?`), userID)
	return scanUser(row)
}

// UpdateUser 修改已存在的用户
func (s *sqlStore) UpdateUser(ctx context.Context, userID string, fn func(*models.User) error) (*models.User, error) {
	var out *models.User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := s.lockUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
		if err := s.writeUser(ctx, tx, u); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProjectUser 锁定（必要时先创建）用户行，再在同一事务内读取当前订阅
func (s *sqlStore) ProjectUser(ctx context.Context, userID string, fn func(u *models.User, current *models.Subscription, created bool) error) (*models.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	var out *models.User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		created, err := s.ensureUser(ctx, tx, userID)
		if err != nil {
			return err
		}

		u, err := s.lockUser(ctx, tx, userID)
		if err != nil {
			return err
		}

		// 锁定之后再查询：READ COMMITTED 下该语句使用新快照
		current, err := s.currentSubscription(ctx, tx, userID)
		if errors.Is(err, ErrNotFound) {
			current = nil
		} else if err != nil {
			return fmt.Errorf("load current subscription for %s: %w", userID, err)
		}

		if err := fn(u, current, created); err != nil {
			return err
		}
		if err := s.writeUser(ctx, tx, u); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ensureUser 用户不存在时插入 free 记录，返回是否新建
func (s *sqlStore) ensureUser(ctx context.Context, tx *sql.Tx, userID string) (bool, error) {
	now := toMillis(s.now().UTC())
	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, '', '', ?, 0, 0, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`),
		uuid.New().String(), userID, string(models.UserStatusFree), now, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("create user %s: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create user %s: %w", userID, err)
	}
	return affected > 0, nil
}

func (s *sqlStore) lockUser(ctx context.Context, tx *sql.Tx, userID string) (*models.User, error) {
	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT `+userColumns+`
		FROM users
		WHERE user_id = ?`+s.dialect.forUpdate), userID)
	return scanUser(row)
}

func (s *sqlStore) writeUser(ctx context.Context, tx *sql.Tx, u *models.User) error {
	u.UpdatedAt = s.now().UTC()
	_, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE users SET
			email = ?, name = ?, subscription_status = ?, tokens_used = ?, tokens_limit = ?,
			last_reset_at = ?, updated_at = ?
		WHERE user_id = ?`),
		u.Email, u.Name, string(u.SubscriptionStatus), u.TokensUsed, u.TokensLimit,
		toMillis(u.LastResetAt), toMillis(u.UpdatedAt),
		u.UserID,
	)
	if err != nil {
		return fmt.Errorf("update user %s: %w", u.UserID, err)
	}
	return nil
}

func scanUser(row scanner) (*models.User, error) {
	var (
		u                               models.User
		status                          string
		lastReset, createdAt, updatedAt int64
	)
	err := row.Scan(
		&u.ID, &u.UserID, &u.Email, &u.Name, &status, &u.TokensUsed, &u.TokensLimit,
		&lastReset, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.SubscriptionStatus = models.UserStatus(status)
	u.LastResetAt = fromMillis(lastReset)
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}

// ================= helpers =================

// 时间以 Unix 毫秒存储，零值存为 0
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

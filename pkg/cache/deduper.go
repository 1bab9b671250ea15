package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// EventDeduper remembers which webhook events were already processed.
// An event is marked only after it was applied, so a failed delivery is
// processed again when Paddle retries it.
type EventDeduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
	Close() error
}

// RedisClient is the subset of go-redis client methods used by RedisDeduper.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisConfig holds the deduper connection settings.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisDeduper stores processed event IDs as expiring Redis keys.
type RedisDeduper struct {
	cfg    RedisConfig
	client RedisClient
}

// NewRedisDeduper connects to Redis and verifies the connection with PING.
func NewRedisDeduper(ctx context.Context, cfg RedisConfig) (*RedisDeduper, error) {
	opts := &redis.Options{
		Addr: cfg.Address,
		DB:   cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis deduper: ping failed: %w", err)
	}
	return NewRedisDeduperWithClient(cfg, client), nil
}

// NewRedisDeduperWithClient creates a deduper backed by a pre-built client.
func NewRedisDeduperWithClient(cfg RedisConfig, client RedisClient) *RedisDeduper {
	if cfg.Prefix == "" {
		cfg.Prefix = "paddle:event:"
	}
	return &RedisDeduper{cfg: cfg, client: client}
}

// Seen reports whether eventID was marked processed.
func (r *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	n, err := r.client.Exists(ctx, r.prefixed(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis deduper: exists: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records eventID for the configured TTL (0 = no expiry).
func (r *RedisDeduper) MarkProcessed(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	if err := r.client.Set(ctx, r.prefixed(eventID), time.Now().UTC().Format(time.RFC3339), r.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("redis deduper: set: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisDeduper) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RedisDeduper) prefixed(eventID string) string {
	return r.cfg.Prefix + eventID
}

// MemoryDeduper is a process-local deduper for single-instance and
// development deployments.
type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryDeduper creates an in-memory deduper. A zero ttl keeps IDs forever.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Seen reports whether eventID was marked and has not expired.
func (m *MemoryDeduper) Seen(_ context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.seen[eventID]
	if !ok {
		return false, nil
	}
	if m.ttl > 0 && m.now().Sub(at) > m.ttl {
		delete(m.seen, eventID)
		return false, nil
	}
	return true, nil
}

// MarkProcessed records eventID and drops expired entries.
func (m *MemoryDeduper) MarkProcessed(_ context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.ttl > 0 {
		for id, at := range m.seen {
			if now.Sub(at) > m.ttl {
				delete(m.seen, id)
			}
		}
	}
	m.seen[eventID] = now
	return nil
}

// Close is a no-op.
func (m *MemoryDeduper) Close() error { return nil }

// NewEventDeduper returns a Redis deduper when an address is configured and
// reachable, and a MemoryDeduper otherwise.
func NewEventDeduper(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) EventDeduper {
	if cfg.Address == "" {
		logger.Debug().Msg("Redis not configured, using in-memory event deduplication")
		return NewMemoryDeduper(cfg.TTL)
	}
	d, err := NewRedisDeduper(ctx, cfg)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Address).Msg("Redis unavailable, falling back to in-memory event deduplication")
		return NewMemoryDeduper(cfg.TTL)
	}
	return d
}

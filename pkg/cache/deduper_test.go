package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisDeduper(t *testing.T, ttl time.Duration) (*RedisDeduper, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisDeduperWithClient(RedisConfig{Address: mr.Addr(), Prefix: "test:", TTL: ttl}, client), mr
}

func TestRedisDeduperMarksAfterProcessing(t *testing.T) {
	ctx := context.Background()
	d, mr := newTestRedisDeduper(t, time.Hour)

	seen, err := d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.MarkProcessed(ctx, "evt_1"))
	seen, err = d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	assert.True(t, mr.Exists("test:evt_1"))
	ttl := mr.TTL("test:evt_1")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Hour)
}

func TestRedisDeduperExpires(t *testing.T) {
	ctx := context.Background()
	d, mr := newTestRedisDeduper(t, time.Minute)

	require.NoError(t, d.MarkProcessed(ctx, "evt_1"))
	mr.FastForward(2 * time.Minute)

	seen, err := d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisDeduperIgnoresEmptyID(t *testing.T) {
	ctx := context.Background()
	d, mr := newTestRedisDeduper(t, time.Hour)

	require.NoError(t, d.MarkProcessed(ctx, ""))
	seen, err := d.Seen(ctx, "")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Empty(t, mr.Keys())
}

func TestRedisDeduperSurfacesConnectionErrors(t *testing.T) {
	d, mr := newTestRedisDeduper(t, time.Hour)
	mr.Close()

	_, err := d.Seen(context.Background(), "evt_1")
	assert.Error(t, err)
}

func TestNewRedisDeduperPing(t *testing.T) {
	mr := miniredis.RunT(t)
	d, err := NewRedisDeduper(context.Background(), RedisConfig{Address: mr.Addr(), TTL: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.MarkProcessed(context.Background(), "evt_1"))
	assert.True(t, mr.Exists("paddle:event:evt_1"))
}

func TestMemoryDeduper(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemoryDeduper(time.Hour)
	d.now = func() time.Time { return now }

	require.NoError(t, d.MarkProcessed(ctx, "evt_1"))
	seen, err := d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	now = now.Add(2 * time.Hour)
	seen, err = d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.NoError(t, d.Close())
}

func TestNewEventDeduperSelectsBackend(t *testing.T) {
	ctx := context.Background()

	d := NewEventDeduper(ctx, RedisConfig{TTL: time.Hour}, zerolog.Nop())
	assert.IsType(t, &MemoryDeduper{}, d)

	mr := miniredis.RunT(t)
	d = NewEventDeduper(ctx, RedisConfig{Address: mr.Addr(), TTL: time.Hour}, zerolog.Nop())
	t.Cleanup(func() { _ = d.Close() })
	assert.IsType(t, &RedisDeduper{}, d)

	down, err := miniredis.Run()
	require.NoError(t, err)
	addr := down.Addr()
	down.Close()
	d = NewEventDeduper(ctx, RedisConfig{Address: addr, TTL: time.Hour}, zerolog.Nop())
	assert.IsType(t, &MemoryDeduper{}, d)
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedis(client, WithPrefix("test"))
}

func TestRedisSetGet(t *testing.T) {
	ctx := context.Background()
	_, c := newTestRedis(t)

	val, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)

	assert.NoError(t, c.Set(ctx, "key", "value", time.Minute))

	val, found, err = c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.NotNil(t, val)

	// Serialized backends hand back bytes; As recovers the type.
	str, err := As[string](val)
	assert.NoError(t, err)
	assert.Equal(t, "value", str)
}

func TestRedisStructRoundtrip(t *testing.T) {
	ctx := context.Background()
	_, c := newTestRedis(t)

	assert.NoError(t, c.Set(ctx, "user:1", user{Name: "ana", Age: 30}, 0))

	got, found, err := GetAs[user](ctx, c, "user:1")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, user{Name: "ana", Age: 30}, got)
}

func TestRedisExpiry(t *testing.T) {
	ctx := context.Background()
	mr, c := newTestRedis(t)

	assert.NoError(t, c.Set(ctx, "key", "value", time.Minute))

	ttl, ok, err := c.TTL(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, ttl, 50*time.Second)

	// miniredis advances expiry via FastForward, not wall time.
	mr.FastForward(2 * time.Minute)

	_, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestRedisGetAndRefresh(t *testing.T) {
	ctx := context.Background()
	mr, c := newTestRedis(t)

	assert.NoError(t, c.Set(ctx, "key", "value", time.Minute))
	mr.FastForward(45 * time.Second)

	_, found, err := c.GetAndRefresh(ctx, "key")
	require.NoError(t, err)
	require.True(t, found)

	// The refresh rewound the clock; the original expiry has passed.
	mr.FastForward(45 * time.Second)
	_, found, err = c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
}

func TestRedisNoExpiry(t *testing.T) {
	ctx := context.Background()
	_, c := newTestRedis(t)

	assert.NoError(t, c.Set(ctx, "key", "value", -1))
	ttl, ok, err := c.TTL(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, NoExpiration, ttl)
}

func TestRedisAdd(t *testing.T) {
	ctx := context.Background()
	_, c := newTestRedis(t)

	assert.NoError(t, c.Add(ctx, "key", "first", 0))
	assert.ErrorIs(t, c.Add(ctx, "key", "second", 0), ErrAlreadyExists)
}

func TestRedisDeleteHasClear(t *testing.T) {
	ctx := context.Background()
	_, c := newTestRedis(t)

	ok, err := c.Delete(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, c.Set(ctx, "a", 1, 0))
	assert.NoError(t, c.Set(ctx, "b", 2, 0))

	has, err := c.Has(ctx, "a")
	assert.NoError(t, err)
	assert.True(t, has)

	ok, err = c.Delete(ctx, "a")
	assert.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, c.Clear(ctx))
	has, err = c.Has(ctx, "b")
	assert.NoError(t, err)
	assert.False(t, has)
}

func TestRedisBatchOps(t *testing.T) {
	ctx := context.Background()
	_, c := newTestRedis(t)

	entries := map[string]any{"a": "1", "b": "2", "c": "3"}
	assert.NoError(t, c.SetMany(ctx, entries, time.Minute))

	got, err := c.GetMany(ctx, []string{"a", "b", "missing"})
	assert.NoError(t, err)
	assert.Len(t, got, 2)
	a, err := As[string](got["a"])
	assert.NoError(t, err)
	assert.Equal(t, "1", a)

	removed, err := c.DeleteMany(ctx, []string{"a", "c", "missing"})
	assert.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestRedisKeysPrefixed(t *testing.T) {
	ctx := context.Background()
	_, c := newTestRedis(t)

	for _, key := range []string{"user:1", "user:2", "session:1"} {
		require.NoError(t, c.Set(ctx, key, "v", 0))
	}

	keys, err := c.Keys(ctx, "user:*")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:1", "user:2"}, keys)

	// The namespace prefix never leaks into results.
	keys, err = c.Keys(ctx, "*")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:1", "user:2", "session:1"}, keys)
}

func TestRedisMetadata(t *testing.T) {
	ctx := context.Background()
	_, c := newTestRedis(t)

	assert.NoError(t, c.Set(ctx, "key", "value", time.Minute))
	_, _, _ = c.Get(ctx, "key")

	md, found, err := c.GetWithMetadata(ctx, "key")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), md.AccessCount)
	assert.Greater(t, md.SizeBytes, int64(0))
	assert.False(t, md.CreatedAt.IsZero())
	assert.False(t, md.ExpiresAt.IsZero())
}

func TestRedisUpdateTTL(t *testing.T) {
	ctx := context.Background()
	mr, c := newTestRedis(t)

	assert.NoError(t, c.Set(ctx, "key", "value", time.Minute))

	ok, err := c.UpdateTTL(ctx, "key", time.Hour)
	assert.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	has, err := c.Has(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, has)

	// Dropping the expiry keeps the key alive forever.
	ok, err = c.UpdateTTL(ctx, "key", -1)
	assert.NoError(t, err)
	assert.True(t, ok)
	ttl, live, err := c.TTL(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, NoExpiration, ttl)

	ok, err = c.UpdateTTL(ctx, "missing", time.Minute)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSizeOfAndStats(t *testing.T) {
	ctx := context.Background()
	_, c := newTestRedis(t)

	assert.NoError(t, c.Set(ctx, "key", "value", 0))

	size, found, err := c.SizeOf(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Greater(t, size, int64(0))

	_, _, _ = c.Get(ctx, "key")
	_, _, _ = c.Get(ctx, "missing")

	stats, err := c.Stats(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), stats.Keys)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestRedisPing(t *testing.T) {
	ctx := context.Background()
	_, c := newTestRedis(t)
	assert.NoError(t, c.Ping(ctx))
	assert.NoError(t, c.Close(ctx))
}

func TestRedisAsTieredDurable(t *testing.T) {
	ctx := context.Background()
	_, l2 := newTestRedis(t)
	l1 := NewMemory(ctx, WithCleanupInterval(0))
	defer l1.Close(ctx)

	tc := NewTiered(ctx, l1, l2, WithWriteThrough())
	defer tc.Close(ctx)

	require.NoError(t, tc.Set(ctx, "user:1", user{Name: "ana", Age: 30}, 0))

	// Drop the fast tier copy; the read falls through to Redis and the
	// deserialized value still comes back typed.
	_, err := l1.Delete(ctx, "user:1")
	require.NoError(t, err)

	got, found, err := GetAs[user](ctx, tc, "user:1")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "ana", got.Name)
}

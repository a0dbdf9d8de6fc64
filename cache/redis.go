package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tiercache/tiercache/resilience"
)

// Redis hash fields per key: value bytes, created-at, original TTL, size and
// access count. Keeping the original TTL lets GetAndRefresh recompute the
// expiry the same way the memory engine does.
const (
	redisFieldValue    = "v"
	redisFieldCreated  = "c"
	redisFieldTTL      = "t"
	redisFieldSize     = "s"
	redisFieldAccessed = "la"
	redisFieldHits     = "a"
)

// Redis is a durable Store backed by a Redis server. Values are msgpack
// serialized into a hash; expiry rides on native Redis TTLs, so Cleanup is a
// no-op. The connection is established lazily with bounded-backoff retry and
// re-established the same way after a network fault.
//
// The caller owns the client lifecycle; Close does not close it.
type Redis struct {
	client *redis.Client
	cfg    config

	mu        sync.Mutex
	connected bool
	hits      uint64
	misses    uint64
}

var _ Store = (*Redis)(nil)

// NewRedis returns a Store backed by the given client. No connection is made
// until the first operation.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	return &Redis{client: client, cfg: applyOptions(opts)}
}

func (c *Redis) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *Redis) prefixKey(key string) string {
	if c.cfg.prefix == "" {
		return key
	}
	return c.cfg.prefix + ":" + key
}

func (c *Redis) stripPrefix(key string) string {
	if c.cfg.prefix == "" {
		return key
	}
	return key[len(c.cfg.prefix)+1:]
}

// ensure lazily establishes the connection, retrying with bounded backoff.
func (c *Redis) ensure(ctx context.Context) error {
	c.mu.Lock()
	ok := c.connected
	c.mu.Unlock()
	if ok {
		return nil
	}

	cfg := resilience.RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableErrors:   resilience.DefaultRetryableErrors,
	}
	err := resilience.Retry(ctx, cfg, func() error {
		qctx, cancel := c.queryCtx(ctx)
		defer cancel()
		return c.client.Ping(qctx).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.cfg.logger.Debug("redis connection established")
	return nil
}

// fail wraps an operation error, dropping back to the reconnect path when it
// looks like a network fault.
func (c *Redis) fail(op, key string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}
	return opError(op, key, err)
}

func (c *Redis) resolveTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return c.cfg.defaultTTL
	}
	return ttl
}

func (c *Redis) Get(ctx context.Context, key string) (any, bool, error) {
	return c.get(ctx, key, false)
}

func (c *Redis) GetAndRefresh(ctx context.Context, key string) (any, bool, error) {
	return c.get(ctx, key, true)
}

func (c *Redis) get(ctx context.Context, key string, refresh bool) (any, bool, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, false, opError("get", key, err)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	k := c.prefixKey(key)
	vals, err := c.client.HMGet(qctx, k, redisFieldValue, redisFieldTTL).Result()
	if err != nil {
		return nil, false, c.fail("get", key, err)
	}
	if vals[0] == nil {
		c.count(false)
		return nil, false, nil
	}
	data := []byte(vals[0].(string))

	// Access bookkeeping is fire-and-forget; a failure must not fail the Get.
	pipe := c.client.Pipeline()
	pipe.HIncrBy(qctx, k, redisFieldHits, 1)
	pipe.HSet(qctx, k, redisFieldAccessed, time.Now().UnixMilli())
	if refresh {
		if ttlMS := fieldInt(vals[1]); ttlMS > 0 {
			pipe.PExpire(qctx, k, time.Duration(ttlMS)*time.Millisecond)
		}
	}
	_, _ = pipe.Exec(qctx)

	c.count(true)
	return data, true, nil
}

func (c *Redis) count(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
}

func fieldInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (c *Redis) GetWithMetadata(ctx context.Context, key string) (*Metadata, bool, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, false, opError("get_with_metadata", key, err)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	k := c.prefixKey(key)
	fields, err := c.client.HGetAll(qctx, k).Result()
	if err != nil {
		return nil, false, c.fail("get_with_metadata", key, err)
	}
	if len(fields) == 0 {
		c.count(false)
		return nil, false, nil
	}

	md := &Metadata{Value: []byte(fields[redisFieldValue])}
	if n := fieldInt(fields[redisFieldCreated]); n > 0 {
		md.CreatedAt = time.UnixMilli(n)
	}
	if n := fieldInt(fields[redisFieldAccessed]); n > 0 {
		md.LastAccessedAt = time.UnixMilli(n)
	}
	md.AccessCount = fieldInt(fields[redisFieldHits]) + 1
	md.SizeBytes = fieldInt(fields[redisFieldSize])
	if pttl, err := c.client.PTTL(qctx, k).Result(); err == nil && pttl > 0 {
		md.ExpiresAt = time.Now().Add(pttl)
	}

	pipe := c.client.Pipeline()
	pipe.HIncrBy(qctx, k, redisFieldHits, 1)
	pipe.HSet(qctx, k, redisFieldAccessed, time.Now().UnixMilli())
	_, _ = pipe.Exec(qctx)

	c.count(true)
	return md, true, nil
}

func (c *Redis) Set(ctx context.Context, key string, val any, ttl time.Duration) error {
	if key == "" {
		return opError("set", key, ErrInvalidKey)
	}
	if err := c.ensure(ctx); err != nil {
		return opError("set", key, err)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := c.write(qctx, c.client.Pipeline(), key, val, ttl); err != nil {
		return err
	}
	return nil
}

// write stages one write on the pipeline and executes it.
func (c *Redis) write(qctx context.Context, pipe redis.Pipeliner, key string, val any, ttl time.Duration) error {
	data, err := msgpack.Marshal(val)
	if err != nil {
		return opError("set", key, fmt.Errorf("%w: %v", ErrMarshal, err))
	}
	ttl = c.resolveTTL(ttl)

	k := c.prefixKey(key)
	now := time.Now().UnixMilli()
	var ttlMS int64
	if ttl > 0 {
		ttlMS = ttl.Milliseconds()
	}
	pipe.HSet(qctx, k,
		redisFieldValue, data,
		redisFieldCreated, now,
		redisFieldAccessed, now,
		redisFieldTTL, ttlMS,
		redisFieldSize, int64(len(key)+len(data)),
		redisFieldHits, 0,
	)
	if ttl > 0 {
		pipe.PExpire(qctx, k, ttl)
	} else {
		pipe.Persist(qctx, k)
	}
	if _, err := pipe.Exec(qctx); err != nil {
		return c.fail("set", key, err)
	}
	return nil
}

func (c *Redis) Add(ctx context.Context, key string, val any, ttl time.Duration) error {
	if err := c.ensure(ctx); err != nil {
		return opError("add", key, err)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	n, err := c.client.Exists(qctx, c.prefixKey(key)).Result()
	if err != nil {
		return c.fail("add", key, err)
	}
	if n > 0 {
		return opError("add", key, ErrAlreadyExists)
	}
	return c.write(qctx, c.client.Pipeline(), key, val, ttl)
}

func (c *Redis) Has(ctx context.Context, key string) (bool, error) {
	if err := c.ensure(ctx); err != nil {
		return false, opError("has", key, err)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	n, err := c.client.Exists(qctx, c.prefixKey(key)).Result()
	if err != nil {
		return false, c.fail("has", key, err)
	}
	return n > 0, nil
}

func (c *Redis) Delete(ctx context.Context, key string) (bool, error) {
	if err := c.ensure(ctx); err != nil {
		return false, opError("delete", key, err)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	n, err := c.client.Del(qctx, c.prefixKey(key)).Result()
	if err != nil {
		return false, c.fail("delete", key, err)
	}
	return n > 0, nil
}

func (c *Redis) Clear(ctx context.Context) error {
	keys, err := c.scan(ctx, "*")
	if err != nil {
		return opError("clear", "", err)
	}
	if len(keys) == 0 {
		return nil
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := c.client.Del(qctx, keys...).Err(); err != nil {
		return c.fail("clear", "", err)
	}
	return nil
}

func (c *Redis) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, opError("get_many", "", err)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	pipe := c.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(keys))
	for _, key := range keys {
		cmds[key] = pipe.HGet(qctx, c.prefixKey(key), redisFieldValue)
	}
	if _, err := pipe.Exec(qctx); err != nil && err != redis.Nil {
		return nil, c.fail("get_many", "", err)
	}

	access := c.client.Pipeline()
	now := time.Now().UnixMilli()
	result := make(map[string]any, len(keys))
	for key, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			c.count(false)
			continue
		}
		if err != nil {
			return result, c.fail("get_many", key, err)
		}
		c.count(true)
		result[key] = data
		access.HIncrBy(qctx, c.prefixKey(key), redisFieldHits, 1)
		access.HSet(qctx, c.prefixKey(key), redisFieldAccessed, now)
	}
	_, _ = access.Exec(qctx)
	return result, nil
}

func (c *Redis) SetMany(ctx context.Context, entries map[string]any, ttl time.Duration) error {
	if err := c.ensure(ctx); err != nil {
		return opError("set_many", "", err)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	var firstErr error
	for key, val := range entries {
		if err := c.write(qctx, c.client.Pipeline(), key, val, ttl); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Redis) DeleteMany(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.ensure(ctx); err != nil {
		return 0, opError("delete_many", "", err)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = c.prefixKey(key)
	}
	n, err := c.client.Del(qctx, prefixed...).Result()
	if err != nil {
		return 0, c.fail("delete_many", "", err)
	}
	return int(n), nil
}

func (c *Redis) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := c.ensure(ctx); err != nil {
		return 0, false, opError("ttl", key, err)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	d, err := c.client.PTTL(qctx, c.prefixKey(key)).Result()
	if err != nil {
		return 0, false, c.fail("ttl", key, err)
	}
	switch d {
	case -2: // no such key
		return 0, false, nil
	case -1: // live, no expiry
		return NoExpiration, true, nil
	default:
		return d, true, nil
	}
}

func (c *Redis) UpdateTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := c.ensure(ctx); err != nil {
		return false, opError("update_ttl", key, err)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	k := c.prefixKey(key)
	ttl = c.resolveTTL(ttl)
	var ok bool
	var err error
	if ttl > 0 {
		ok, err = c.client.PExpire(qctx, k, ttl).Result()
	} else {
		ok, err = c.client.Persist(qctx, k).Result()
		if err == nil && !ok {
			// Persist reports false for keys without an expiry too; they
			// still count as updated when live.
			n, existsErr := c.client.Exists(qctx, k).Result()
			if existsErr == nil {
				ok = n > 0
			}
		}
	}
	if err != nil {
		return false, c.fail("update_ttl", key, err)
	}
	if ok {
		var ttlMS int64
		if ttl > 0 {
			ttlMS = ttl.Milliseconds()
		}
		_ = c.client.HSet(qctx, k, redisFieldTTL, ttlMS).Err()
	}
	return ok, nil
}

func (c *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	keys, err := c.scan(ctx, pattern)
	if err != nil {
		return nil, opError("keys", pattern, err)
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = c.stripPrefix(k)
	}
	return out, nil
}

// scan walks the keyspace under the store's prefix. pattern is a Redis glob.
func (c *Redis) scan(ctx context.Context, pattern string) ([]string, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	match := pattern
	if c.cfg.prefix != "" {
		match = c.cfg.prefix + ":" + pattern
	}
	var keys []string
	iter := c.client.Scan(qctx, 0, match, 100).Iterator()
	for iter.Next(qctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *Redis) SizeOf(ctx context.Context, key string) (int64, bool, error) {
	if err := c.ensure(ctx); err != nil {
		return 0, false, opError("sizeof", key, err)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	size, err := c.client.HGet(qctx, c.prefixKey(key), redisFieldSize).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, c.fail("sizeof", key, err)
	}
	return size, true, nil
}

// Stats reports the local hit/miss counters and the key count under the
// store's prefix. Memory usage and eviction counts live server-side and are
// not surfaced here.
func (c *Redis) Stats(ctx context.Context) (Stats, error) {
	keys, err := c.scan(ctx, "*")
	if err != nil {
		return Stats{}, opError("stats", "", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Keys:   int64(len(keys)),
		Hits:   c.hits,
		Misses: c.misses,
	}, nil
}

// Cleanup is a no-op: Redis expires keys natively.
func (c *Redis) Cleanup(_ context.Context) (int, error) {
	return 0, nil
}

func (c *Redis) Ping(ctx context.Context) error {
	if err := c.ensure(ctx); err != nil {
		return opError("ping", "", err)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := c.client.Ping(qctx).Err(); err != nil {
		return c.fail("ping", "", err)
	}
	return nil
}

// Close is a no-op on the client — the caller owns its lifecycle.
func (c *Redis) Close(_ context.Context) error {
	return nil
}

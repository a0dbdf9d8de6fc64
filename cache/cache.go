package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tiercache/tiercache/logger"
)

// Store is the contract every backing implementation satisfies. A Store may be
// an in-process engine (Memory), a remote backend (Redis, SQLite) or a Tiered
// composition of two stores — callers depend only on this interface.
//
// Misses are reported through the found flag, not an error. Errors are
// reserved for operational failures (I/O, serialization, closed store) and
// always carry a sentinel from errors.go reachable via errors.Is.
//
// TTL semantics for Set, Add, SetMany and UpdateTTL:
//   - ttl > 0: the entry expires after ttl
//   - ttl == 0: the store's configured default TTL applies (which may itself
//     mean "no expiration" when unset)
//   - ttl < 0: the entry never expires
type Store interface {
	// Get retrieves the value for key. An entry past its expiry is treated as
	// absent and removed on this access.
	Get(ctx context.Context, key string) (any, bool, error)

	// GetAndRefresh is Get, plus: on a hit against an entry that has a TTL,
	// the expiry is recomputed as now + the entry's original TTL duration.
	GetAndRefresh(ctx context.Context, key string) (any, bool, error)

	// GetWithMetadata retrieves the value together with its bookkeeping
	// fields. It counts as an access.
	GetWithMetadata(ctx context.Context, key string) (*Metadata, bool, error)

	// Set stores a value, overwriting any live entry for key.
	Set(ctx context.Context, key string, val any, ttl time.Duration) error

	// Add stores a value only if no live entry exists for key; otherwise it
	// fails with ErrAlreadyExists.
	Add(ctx context.Context, key string, val any, ttl time.Duration) error

	// Has reports whether a live entry exists for key.
	Has(ctx context.Context, key string) (bool, error)

	// Delete removes the entry for key, reporting whether a live entry was
	// removed.
	Delete(ctx context.Context, key string) (bool, error)

	// Clear removes every entry. Cumulative hit/miss/eviction/expiration
	// counters are preserved.
	Clear(ctx context.Context) error

	// GetMany retrieves the values for keys; absent keys are simply missing
	// from the result map.
	GetMany(ctx context.Context, keys []string) (map[string]any, error)

	// SetMany stores every entry with one shared TTL.
	SetMany(ctx context.Context, entries map[string]any, ttl time.Duration) error

	// DeleteMany removes the given keys and returns how many live entries
	// were removed.
	DeleteMany(ctx context.Context, keys []string) (int, error)

	// TTL returns the remaining time to live for key. ok is false when the
	// key is absent or already expired. A live entry without an expiry
	// reports NoExpiration.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)

	// UpdateTTL replaces the remaining time to live for key, reporting
	// whether a live entry was updated.
	UpdateTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Keys lists the keys of live entries matching pattern, where "*" matches
	// any run of characters. An empty pattern matches everything.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// SizeOf returns the heuristic size in bytes of the entry for key.
	SizeOf(ctx context.Context, key string) (int64, bool, error)

	// Stats returns a point-in-time snapshot of the store's counters.
	Stats(ctx context.Context) (Stats, error)

	// Cleanup eagerly removes every expired entry and returns how many were
	// removed.
	Cleanup(ctx context.Context) (int, error)

	// Ping probes the store for liveness.
	Ping(ctx context.Context) error

	// Close releases the store's resources. Background tasks are stopped and
	// awaited; pending work is drained where the implementation has any.
	Close(ctx context.Context) error
}

// NoExpiration is the TTL reported for live entries that never expire,
// mirroring the Redis PTTL convention.
const NoExpiration time.Duration = -1

// Metadata is the bookkeeping view of a single entry.
type Metadata struct {
	Value          any
	CreatedAt      time.Time
	LastAccessedAt time.Time
	// ExpiresAt is zero for entries without an expiry.
	ExpiresAt   time.Time
	AccessCount int64
	SizeBytes   int64
}

// Stats is a point-in-time snapshot of a store's counters. Counters are
// cumulative for the lifetime of the store; Clear does not reset them.
type Stats struct {
	Keys        int64
	MemoryBytes int64
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

// HitRatio derives hits/(hits+misses). It is never stored; zero when the
// store has not been read yet.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// merge folds another snapshot into this one for tiered stores: key counts
// take the max (tiers overlap, summing would double-count), everything else
// sums.
func (s Stats) merge(o Stats) Stats {
	keys := s.Keys
	if o.Keys > keys {
		keys = o.Keys
	}
	return Stats{
		Keys:        keys,
		MemoryBytes: s.MemoryBytes + o.MemoryBytes,
		Hits:        s.Hits + o.Hits,
		Misses:      s.Misses + o.Misses,
		Evictions:   s.Evictions + o.Evictions,
		Expirations: s.Expirations + o.Expirations,
	}
}

// DefaultQueryTimeout is the per-operation timeout for backends that perform
// I/O (SQLite, Redis). Prevents indefinite hangs on slow or unresponsive
// storage.
const DefaultQueryTimeout = 5 * time.Second

// DefaultEvictionBatch is how many LRU entries a memory-budgeted engine
// removes per eviction round while making room for an insert.
const DefaultEvictionBatch = 16

// EvictionPolicy selects how the memory engine picks victims when a budget
// forces entries out.
type EvictionPolicy int

const (
	// EvictLRU removes the least recently used entries first.
	EvictLRU EvictionPolicy = iota
	// EvictLFU removes the least frequently used entries first, ties broken
	// by insertion order.
	EvictLFU
)

// config holds the resolved configuration for a store. One value per
// instance, produced at construction; nothing is shared process-wide.
type config struct {
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	queryTimeout    time.Duration
	memoryBudget    int64
	maxEntries      int
	evictionBatch   int
	evictionPolicy  EvictionPolicy
	prefix          string
	logger          logger.Logger
}

// Option configures a Store implementation at construction time.
type Option func(*config)

func defaultConfig() config {
	return config{
		cleanupInterval: time.Minute,
		queryTimeout:    DefaultQueryTimeout,
		evictionBatch:   DefaultEvictionBatch,
		logger:          logger.Discard(),
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.evictionBatch <= 0 {
		cfg.evictionBatch = DefaultEvictionBatch
	}
	if cfg.logger == nil {
		cfg.logger = logger.Discard()
	}
	return cfg
}

// WithDefaultTTL sets the TTL applied when Set is called with a zero TTL.
// Unset, zero-TTL writes never expire.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithCleanupInterval sets how often the background sweep removes expired
// entries. Zero disables the sweep; lazy expiration still applies.
// Defaults to 1 minute.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *config) { c.cleanupInterval = d }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed stores.
// Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithMemoryBudget caps the memory engine's heuristic usage in bytes. When a
// write would exceed the budget, entries chosen by the eviction policy are
// evicted in batches first. Zero means unbounded.
func WithMemoryBudget(n int64) Option {
	return func(c *config) { c.memoryBudget = n }
}

// WithMaxEntries caps the memory engine's entry count; an entry chosen by the
// eviction policy is removed when a new key would exceed it. Zero means
// unbounded.
func WithMaxEntries(n int) Option {
	return func(c *config) { c.maxEntries = n }
}

// WithEvictionBatch sets how many LRU entries are removed per round when the
// memory budget is exceeded. Defaults to DefaultEvictionBatch.
func WithEvictionBatch(n int) Option {
	return func(c *config) { c.evictionBatch = n }
}

// WithEvictionPolicy selects the memory engine's victim ordering when a
// budget forces entries out. Defaults to EvictLRU.
func WithEvictionPolicy(p EvictionPolicy) Option {
	return func(c *config) { c.evictionPolicy = p }
}

// WithPrefix sets the key prefix for namespacing keys on shared backends.
// Applies to the Redis store. Defaults to empty (no prefix).
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithLogger sets the logger for structured store events (evictions, sweep
// results, tier write failures). Defaults to a no-op logger.
func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.logger = l }
}

// As converts a raw store value to T. For the memory engine it is a direct
// type assertion; for serialized backends it deserializes the stored []byte
// via msgpack. This makes call sites independent of which backend produced
// the value.
func As[T any](val any) (T, error) {
	if typed, ok := val.(T); ok {
		return typed, nil
	}
	if data, ok := val.([]byte); ok {
		var result T
		if err := msgpack.Unmarshal(data, &result); err != nil {
			var zero T
			return zero, fmt.Errorf("%w: %v", ErrUnmarshal, err)
		}
		return result, nil
	}
	var zero T
	return zero, fmt.Errorf("%w: cannot convert value of type %T to %T", ErrUnmarshal, val, zero)
}

// GetAs retrieves a typed value from a store.
func GetAs[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	val, found, err := s.Get(ctx, key)
	if err != nil || !found {
		var zero T
		return zero, false, err
	}
	typed, err := As[T](val)
	if err != nil {
		var zero T
		return zero, false, opError("get", key, err)
	}
	return typed, true, nil
}

// encodedSize is the size heuristic shared by the engine and the serialized
// backends: the msgpack encoding length of the value plus the key length. It
// is an accounting approximation, not true heap usage.
func encodedSize(key string, val any) (int64, error) {
	data, err := msgpack.Marshal(val)
	if err != nil {
		return int64(len(key)), fmt.Errorf("%w: %v", ErrMarshal, err)
	}
	return int64(len(key) + len(data)), nil
}

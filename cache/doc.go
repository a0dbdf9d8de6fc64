// Package cache provides a pluggable caching engine: a single [Store]
// contract, an in-process engine with TTL expiration and LRU eviction,
// durable backends, a two-tier orchestrator, and generic cache-or-populate
// helpers with bounded retry.
//
// # Store Contract
//
// Every backend satisfies the [Store] interface, so implementations can be
// swapped without changing application code. Misses are reported through a
// found bool, never an error — errors are reserved for operational failures
// and always unwrap to a sentinel from this package (see [ErrAlreadyExists],
// [ErrClosed] and friends).
//
// The interface uses [any] for values because Go does not allow generic
// methods on interfaces. Type safety is provided by the package-level generic
// functions [As], [GetAs] and [Fetch].
//
// TTL arguments follow one convention everywhere: a positive TTL expires the
// entry after that duration, zero applies the store's configured default
// ([WithDefaultTTL]), and a negative TTL means the entry never expires. A
// live entry without an expiry reports [NoExpiration] from [Store.TTL].
//
// # Implementations
//
//   - [NewMemory] — In-process engine guarded by a mutex. Values are stored
//     as-is with zero serialization overhead. Expired entries are removed
//     lazily on access and eagerly by a background sweep
//     ([WithCleanupInterval]). An optional memory budget
//     ([WithMemoryBudget]) or entry cap ([WithMaxEntries]) triggers
//     least-recently-used eviction. Lost on process restart.
//
//   - [NewSQLite] — Backed by a SQLite database using [modernc.org/sqlite]
//     (pure Go, no CGO). Values are serialized to msgpack and stored as
//     BLOBs. Supports file-backed and ":memory:" modes; WAL mode is enabled
//     for concurrent read performance. Each operation uses a per-query
//     timeout ([DefaultQueryTimeout]).
//
//   - [NewRedis] — Backed by Redis using [github.com/redis/go-redis/v9].
//     Values are serialized to msgpack into a hash per key; expiry rides on
//     native Redis TTLs. An optional key prefix ([WithPrefix]) namespaces
//     multiple caches on one instance. The caller owns the [redis.Client]
//     lifecycle. The connection is established lazily with bounded-backoff
//     retry and re-established the same way after a network fault.
//
//   - [NewTiered] — Composes a fast tier and a durable tier into one Store.
//     Reads check the fast tier first; a durable-tier hit is promoted back
//     with the fast-tier TTL ([WithPromoteOnL2Hit]). Writes propagate per
//     the configured policy: fast-tier only (default), synchronous
//     write-through ([WithWriteThrough]), or asynchronous write-behind
//     ([WithWriteBehind]) where queued writes coalesce per key and flush to
//     the durable tier in batches. Closing a Tiered store drains the queue
//     but leaves both tiers open — they are caller-owned.
//
// # Typed Reads
//
// [As] converts a raw stored value to a concrete type: a direct assertion
// for the memory engine, msgpack deserialization for the serialized
// backends. [GetAs] combines the lookup and the conversion:
//
//	user, found, err := cache.GetAs[User](ctx, store, "user:123")
//
// # Cache-or-Populate
//
// [Fetch] combines lookup and population in one call. On a miss the fetcher
// runs with bounded fixed-delay retry, and the fetched value is stored
// before returning:
//
//	res, err := cache.Fetch(ctx, store, "user:123",
//	    func(ctx context.Context) (User, error) {
//	        return loadUser(ctx, id)
//	    },
//	    cache.Options[User]{TTL: time.Minute, MaxRetries: 2},
//	)
//
// The [Result] reports whether the value came from cache, how many retries
// ran and the elapsed time. [Options.Default] serves a fallback value after
// every attempt failed; the fallback is never written to the store.
// [FetchMany] runs a batch of fetches concurrently, and
// [FetchInvalidating] deletes entries older than a maximum age before the
// lookup so stale data is refetched.
//
// A store read failure inside [Fetch] is treated as a miss: the fetcher is
// the source of truth and a degraded cache should not fail the call. A store
// write failure after a successful fetch is logged and swallowed unless
// [Options.FailOnStoreError] is set — producing the value succeeded, and
// failing to cache it is a degradation, not a failure.
//
// # Serialization
//
// The SQLite and Redis backends serialize values using msgpack
// ([github.com/vmihailenco/msgpack/v5]). Primitives, exported struct fields,
// maps, slices and pointers work out of the box; functions and channels do
// not and will fail the write with [ErrMarshal]. The memory engine stores
// values as-is and has no serialization constraints.
package cache

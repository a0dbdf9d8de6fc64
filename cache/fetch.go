package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tiercache/tiercache/logger"
	"github.com/tiercache/tiercache/resilience"
)

// Fetcher produces the value for a key when the store misses.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Options configures a single Fetch call.
type Options[T any] struct {
	// TTL for storing a freshly fetched value. Zero uses the store's default.
	TTL time.Duration

	// RefreshTTLOnHit recomputes a hit entry's expiry as now + its original
	// TTL duration.
	RefreshTTLOnHit bool

	// MaxRetries is the number of fetcher retries after the initial attempt.
	MaxRetries int

	// RetryDelay is the fixed delay between failed fetcher attempts.
	// Defaults to DefaultRetryDelay.
	RetryDelay time.Duration

	// Default, when set, is returned after every fetcher attempt failed. It
	// is never written to the store.
	Default *T

	// FailOnStoreError propagates a failed post-fetch store write as
	// ErrStoreFailed. By default a store write failure does not fail a
	// successful fetch.
	FailOnStoreError bool

	// Logger receives soft-failure and retry events. Defaults to a no-op
	// logger.
	Logger logger.Logger
}

// DefaultRetryDelay is the inter-attempt delay used when Options.RetryDelay
// is zero.
const DefaultRetryDelay = 100 * time.Millisecond

// Result is a fetch outcome with its call metadata.
type Result[T any] struct {
	Value     T
	FromCache bool
	Retried   bool
	Retries   int
	Elapsed   time.Duration
}

// Fetch returns the cached value for key, or runs fetcher to populate it.
//
// A store read failure is soft: it is logged and treated as a miss. On a
// miss the fetcher runs with bounded fixed-delay retry, short-circuiting on
// the first success; the ctx cancels both attempts and the delays between
// them. A fetched value is stored with Options.TTL before returning.
//
// Concurrent misses on the same key each invoke the fetcher independently —
// there is no single-flight suppression.
func Fetch[T any](ctx context.Context, store Store, key string, fetcher Fetcher[T], opts Options[T]) (Result[T], error) {
	start := time.Now()
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	var raw any
	var found bool
	var err error
	if opts.RefreshTTLOnHit {
		raw, found, err = store.GetAndRefresh(ctx, key)
	} else {
		raw, found, err = store.Get(ctx, key)
	}
	if err != nil {
		log.Warn("store read failed for %q, falling through to fetch: %v", key, err)
		found = false
	}
	if found {
		val, convErr := As[T](raw)
		if convErr == nil {
			log.Trace("cache hit for %q", key)
			return Result[T]{Value: val, FromCache: true, Elapsed: time.Since(start)}, nil
		}
		log.Warn("cached value for %q unusable, refetching: %v", key, convErr)
	}
	log.Trace("cache miss for %q, fetching", key)

	delay := opts.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	var val T
	stats, fetchErr := resilience.RetryWithStats(ctx, resilience.FixedDelay(opts.MaxRetries, delay), func() error {
		v, ferr := fetcher(ctx)
		if ferr != nil {
			return ferr
		}
		val = v
		return nil
	})
	retries := stats.TotalAttempts - 1
	if retries < 0 {
		retries = 0
	}

	if fetchErr != nil {
		if opts.Default != nil {
			log.Warn("fetch for %q exhausted %d attempts, serving default: %v", key, stats.TotalAttempts, fetchErr)
			return Result[T]{
				Value:   *opts.Default,
				Retried: retries > 0,
				Retries: retries,
				Elapsed: time.Since(start),
			}, nil
		}
		return Result[T]{Elapsed: time.Since(start)}, &FetchError{Key: key, Attempts: stats.TotalAttempts, Err: fetchErr}
	}
	if retries > 0 {
		log.Debug("fetch for %q succeeded after %d retries", key, retries)
	}

	if setErr := store.Set(ctx, key, val, opts.TTL); setErr != nil {
		if opts.FailOnStoreError {
			return Result[T]{Elapsed: time.Since(start)},
				opError("fetch", key, errors.Join(ErrStoreFailed, setErr))
		}
		// The fetch itself succeeded; a write failure only costs the caching.
		log.Warn("store write failed for %q after fetch: %v", key, setErr)
	}

	return Result[T]{
		Value:   val,
		Retried: retries > 0,
		Retries: retries,
		Elapsed: time.Since(start),
	}, nil
}

// Item is one FetchMany input.
type Item[T any] struct {
	Key     string
	Fetcher Fetcher[T]
	Options Options[T]
}

// FetchMany runs Fetch for every item concurrently, with no ordering between
// keys. The result map holds every successful key. When any item fails, the
// error is a *BatchError naming the failed keys; successful entries remain
// committed in the store.
func FetchMany[T any](ctx context.Context, store Store, items []Item[T]) (map[string]Result[T], error) {
	var (
		mu      sync.Mutex
		results = make(map[string]Result[T], len(items))
		failed  = make(map[string]error)
	)

	var g errgroup.Group
	for _, item := range items {
		item := item
		g.Go(func() error {
			res, err := Fetch(ctx, store, item.Key, item.Fetcher, item.Options)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[item.Key] = err
				return nil
			}
			results[item.Key] = res
			return nil
		})
	}
	// Per-item errors are collected, not returned, so one failure cannot
	// cancel the siblings.
	_ = g.Wait()

	if len(failed) > 0 {
		return results, &BatchError{Failed: failed, Succeeded: len(results)}
	}
	return results, nil
}

// FetchInvalidating is Fetch with an age bound: when the stored entry was
// created more than maxAge ago it is deleted and refetched. A fresh entry is
// served from the age-check read itself, so a hit counts as one access, not
// two. A zero maxAge disables the bound; a negative one is rejected with
// ErrInvalidTTL.
func FetchInvalidating[T any](ctx context.Context, store Store, key string, fetcher Fetcher[T], opts Options[T], maxAge time.Duration) (Result[T], error) {
	if maxAge < 0 {
		return Result[T]{}, opError("fetch", key, ErrInvalidTTL)
	}
	if maxAge == 0 {
		return Fetch(ctx, store, key, fetcher, opts)
	}

	start := time.Now()
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	md, found, err := store.GetWithMetadata(ctx, key)
	if err != nil {
		log.Warn("store read failed for %q, falling through to fetch: %v", key, err)
		found = false
	}
	switch {
	case found && time.Since(md.CreatedAt) > maxAge:
		if _, delErr := store.Delete(ctx, key); delErr != nil {
			log.Warn("invalidation delete failed for %q: %v", key, delErr)
		}
	case found && !opts.RefreshTTLOnHit:
		if val, convErr := As[T](md.Value); convErr == nil {
			log.Trace("cache hit for %q", key)
			return Result[T]{Value: val, FromCache: true, Elapsed: time.Since(start)}, nil
		} else {
			log.Warn("cached value for %q unusable, refetching: %v", key, convErr)
		}
	}
	// A refresh-on-hit read is left to the delegated call, which refreshes
	// the entry's own TTL as it reads.
	return Fetch(ctx, store, key, fetcher, opts)
}

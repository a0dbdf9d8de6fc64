package cache

import (
	"context"
	"sync"
	"time"

	"github.com/tiercache/tiercache/logger"
)

// TieredOption configures a Tiered store. The configuration is fixed at
// construction.
type TieredOption func(*tieredConfig)

type tieredConfig struct {
	l1TTL          time.Duration
	l2TTL          time.Duration
	promoteOnL2Hit bool
	writeThrough   bool
	writeBehind    bool
	flushInterval  time.Duration
	logger         logger.Logger
}

func defaultTieredConfig() tieredConfig {
	return tieredConfig{
		promoteOnL2Hit: true,
		flushInterval:  5 * time.Second,
		logger:         logger.Discard(),
	}
}

// WithL1TTL sets the fast-tier TTL used when Set is called with a zero TTL
// and for promotions of durable-tier hits.
func WithL1TTL(d time.Duration) TieredOption {
	return func(c *tieredConfig) { c.l1TTL = d }
}

// WithL2TTL sets the durable-tier TTL used when Set is called with a zero TTL.
func WithL2TTL(d time.Duration) TieredOption {
	return func(c *tieredConfig) { c.l2TTL = d }
}

// WithPromoteOnL2Hit controls whether a durable-tier hit repopulates the fast
// tier (with the fast-tier TTL, independent of the durable tier's expiry).
// Defaults to true.
func WithPromoteOnL2Hit(enabled bool) TieredOption {
	return func(c *tieredConfig) { c.promoteOnL2Hit = enabled }
}

// WithWriteThrough makes Set propagate synchronously to the durable tier. A
// durable-tier failure is logged but does not fail the call: the fast tier
// already committed, and the temporary cross-tier inconsistency is accepted.
func WithWriteThrough() TieredOption {
	return func(c *tieredConfig) { c.writeThrough = true }
}

// WithWriteBehind queues Set writes and flushes the whole queue to the
// durable tier as one batch every interval. Re-writing a queued key before
// the flush coalesces to the newest value.
func WithWriteBehind(interval time.Duration) TieredOption {
	return func(c *tieredConfig) {
		c.writeBehind = true
		if interval > 0 {
			c.flushInterval = interval
		}
	}
}

// WithTieredLogger sets the logger for tier events (promotions, write
// failures, flush results). Defaults to a no-op logger.
func WithTieredLogger(l logger.Logger) TieredOption {
	return func(c *tieredConfig) { c.logger = l }
}

// pendingWrite is one queued write-behind entry. Re-queuing a key overwrites
// the previous entry: last write wins before a flush.
type pendingWrite struct {
	value    any
	ttl      time.Duration
	queuedAt time.Time
}

// Tiered composes a fast tier and a durable tier into one Store: reads go
// through the fast tier first, writes propagate by the configured policy.
// Both tiers remain caller-owned; Close stops and drains the background
// flusher but closes neither tier.
//
// Under write-behind the durable tier may lag the fast tier by up to the
// flush interval. The fast tier is the freshness source of truth.
type Tiered struct {
	l1  Store
	l2  Store
	cfg tieredConfig

	mu       sync.Mutex
	closed   bool
	pending  map[string]pendingWrite
	flushing bool
	// deleted records keys removed while a flush was in flight so a failed
	// batch cannot resurrect them on re-queue.
	deleted map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ Store = (*Tiered)(nil)

// NewTiered composes fast and durable into one store. Both tiers are
// required; write-through and write-behind are mutually exclusive. Violations
// are programmer errors and panic.
func NewTiered(parent context.Context, fast, durable Store, opts ...TieredOption) *Tiered {
	if fast == nil || durable == nil {
		panic("cache: NewTiered requires both tiers")
	}
	cfg := defaultTieredConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.writeThrough && cfg.writeBehind {
		panic("cache: write-through and write-behind are mutually exclusive")
	}
	if cfg.logger == nil {
		cfg.logger = logger.Discard()
	}

	ctx, cancel := context.WithCancel(parent)
	t := &Tiered{
		l1:      fast,
		l2:      durable,
		cfg:     cfg,
		pending: make(map[string]pendingWrite),
		deleted: make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.writeBehind {
		t.wg.Add(1)
		go t.runFlusher()
	}
	return t
}

func (t *Tiered) Get(ctx context.Context, key string) (any, bool, error) {
	return t.get(ctx, key, Store.Get)
}

func (t *Tiered) GetAndRefresh(ctx context.Context, key string) (any, bool, error) {
	return t.get(ctx, key, Store.GetAndRefresh)
}

func (t *Tiered) get(ctx context.Context, key string, read func(Store, context.Context, string) (any, bool, error)) (any, bool, error) {
	val, found, err := read(t.l1, ctx, key)
	if err != nil {
		// A fast-tier fault degrades to the durable tier rather than failing
		// the read.
		t.cfg.logger.Warn("fast tier read failed for %q: %v", key, err)
	}
	if found {
		return val, true, nil
	}

	val, found, err = read(t.l2, ctx, key)
	if err != nil {
		return nil, false, opError("get", key, err)
	}
	if !found {
		return nil, false, nil
	}
	t.promote(ctx, key, val)
	return val, true, nil
}

// promote writes a durable-tier hit back to the fast tier with the fast-tier
// TTL. Failures are logged, never propagated.
func (t *Tiered) promote(ctx context.Context, key string, val any) {
	if !t.cfg.promoteOnL2Hit {
		return
	}
	if err := t.l1.Set(ctx, key, val, t.l1TTL()); err != nil {
		t.cfg.logger.Warn("fast tier promotion failed for %q: %v", key, err)
	}
}

// l1TTL is the promotion TTL: the configured fast-tier TTL, or the fast
// tier's own default when none is configured.
func (t *Tiered) l1TTL() time.Duration {
	return t.cfg.l1TTL
}

func (t *Tiered) GetWithMetadata(ctx context.Context, key string) (*Metadata, bool, error) {
	md, found, err := t.l1.GetWithMetadata(ctx, key)
	if err != nil {
		t.cfg.logger.Warn("fast tier read failed for %q: %v", key, err)
	}
	if found {
		return md, true, nil
	}
	md, found, err = t.l2.GetWithMetadata(ctx, key)
	if err != nil {
		return nil, false, opError("get_with_metadata", key, err)
	}
	if !found {
		return nil, false, nil
	}
	t.promote(ctx, key, md.Value)
	return md, true, nil
}

func (t *Tiered) Set(ctx context.Context, key string, val any, ttl time.Duration) error {
	l1TTL := ttl
	if l1TTL == 0 {
		l1TTL = t.cfg.l1TTL
	}
	if err := t.l1.Set(ctx, key, val, l1TTL); err != nil {
		return opError("set", key, err)
	}

	l2TTL := ttl
	if l2TTL == 0 {
		l2TTL = t.cfg.l2TTL
	}
	switch {
	case t.cfg.writeThrough:
		if err := t.l2.Set(ctx, key, val, l2TTL); err != nil {
			// The fast tier committed; report success and accept the bounded
			// inconsistency.
			t.cfg.logger.Warn("durable tier write-through failed for %q: %v", key, err)
		}
	case t.cfg.writeBehind:
		t.enqueue(key, val, l2TTL)
	}
	return nil
}

func (t *Tiered) enqueue(key string, val any, ttl time.Duration) {
	t.mu.Lock()
	t.pending[key] = pendingWrite{value: val, ttl: ttl, queuedAt: time.Now()}
	delete(t.deleted, key)
	t.mu.Unlock()
}

func (t *Tiered) Add(ctx context.Context, key string, val any, ttl time.Duration) error {
	// Add must observe both tiers: a key live only in the durable tier still
	// exists.
	found, err := t.Has(ctx, key)
	if err != nil {
		return opError("add", key, err)
	}
	if found {
		return opError("add", key, ErrAlreadyExists)
	}
	return t.Set(ctx, key, val, ttl)
}

func (t *Tiered) Has(ctx context.Context, key string) (bool, error) {
	ok, err1 := t.l1.Has(ctx, key)
	if ok {
		return true, nil
	}
	ok, err2 := t.l2.Has(ctx, key)
	if ok {
		return true, nil
	}
	if err1 != nil {
		return false, opError("has", key, err1)
	}
	if err2 != nil {
		return false, opError("has", key, err2)
	}
	return false, nil
}

func (t *Tiered) Delete(ctx context.Context, key string) (bool, error) {
	// Cancel any queued write first so a later flush cannot resurrect the
	// deleted value.
	t.mu.Lock()
	delete(t.pending, key)
	if t.flushing {
		t.deleted[key] = struct{}{}
	}
	t.mu.Unlock()

	ok1, err1 := t.l1.Delete(ctx, key)
	ok2, err2 := t.l2.Delete(ctx, key)
	if err1 != nil {
		return ok1 || ok2, opError("delete", key, err1)
	}
	if err2 != nil {
		return ok1 || ok2, opError("delete", key, err2)
	}
	return ok1 || ok2, nil
}

func (t *Tiered) Clear(ctx context.Context) error {
	t.mu.Lock()
	t.pending = make(map[string]pendingWrite)
	t.mu.Unlock()

	if err := t.l1.Clear(ctx); err != nil {
		return opError("clear", "", err)
	}
	if err := t.l2.Clear(ctx); err != nil {
		return opError("clear", "", err)
	}
	return nil
}

func (t *Tiered) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	result, err := t.l1.GetMany(ctx, keys)
	if err != nil {
		t.cfg.logger.Warn("fast tier batch read failed: %v", err)
		result = make(map[string]any, len(keys))
	}
	if len(result) == len(keys) {
		return result, nil
	}

	missing := make([]string, 0, len(keys)-len(result))
	for _, key := range keys {
		if _, ok := result[key]; !ok {
			missing = append(missing, key)
		}
	}
	fromL2, err := t.l2.GetMany(ctx, missing)
	if err != nil {
		return result, opError("get_many", "", err)
	}
	for key, val := range fromL2 {
		result[key] = val
	}

	if t.cfg.promoteOnL2Hit && len(fromL2) > 0 {
		// Promotion is asynchronous for batch reads; failures are logged only.
		// The launch is guarded so Close cannot race the Add against its Wait,
		// and nothing is promoted once shutdown has begun.
		t.mu.Lock()
		if !t.closed {
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				if err := t.l1.SetMany(t.ctx, fromL2, t.l1TTL()); err != nil {
					t.cfg.logger.Warn("fast tier batch promotion failed: %v", err)
				}
			}()
		}
		t.mu.Unlock()
	}
	return result, nil
}

func (t *Tiered) SetMany(ctx context.Context, entries map[string]any, ttl time.Duration) error {
	var firstErr error
	for key, val := range entries {
		if err := t.Set(ctx, key, val, ttl); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Tiered) DeleteMany(ctx context.Context, keys []string) (int, error) {
	var removed int
	var firstErr error
	for _, key := range keys {
		ok, err := t.Delete(ctx, key)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ok {
			removed++
		}
	}
	return removed, firstErr
}

func (t *Tiered) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, ok, err := t.l1.TTL(ctx, key)
	if err == nil && ok {
		return ttl, true, nil
	}
	if err != nil {
		t.cfg.logger.Warn("fast tier ttl query failed for %q: %v", key, err)
	}
	ttl, ok, err = t.l2.TTL(ctx, key)
	if err != nil {
		return 0, false, opError("ttl", key, err)
	}
	return ttl, ok, nil
}

func (t *Tiered) UpdateTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok1, err1 := t.l1.UpdateTTL(ctx, key, ttl)
	ok2, err2 := t.l2.UpdateTTL(ctx, key, ttl)
	if err1 != nil {
		return ok1 || ok2, opError("update_ttl", key, err1)
	}
	if err2 != nil {
		return ok1 || ok2, opError("update_ttl", key, err2)
	}
	return ok1 || ok2, nil
}

func (t *Tiered) Keys(ctx context.Context, pattern string) ([]string, error) {
	l1Keys, err := t.l1.Keys(ctx, pattern)
	if err != nil {
		return nil, opError("keys", pattern, err)
	}
	l2Keys, err := t.l2.Keys(ctx, pattern)
	if err != nil {
		return nil, opError("keys", pattern, err)
	}
	seen := make(map[string]struct{}, len(l1Keys)+len(l2Keys))
	keys := make([]string, 0, len(l1Keys)+len(l2Keys))
	for _, k := range l1Keys {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for _, k := range l2Keys {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (t *Tiered) SizeOf(ctx context.Context, key string) (int64, bool, error) {
	size, ok, err := t.l1.SizeOf(ctx, key)
	if err == nil && ok {
		return size, true, nil
	}
	size, ok, err = t.l2.SizeOf(ctx, key)
	if err != nil {
		return 0, false, opError("sizeof", key, err)
	}
	return size, ok, nil
}

func (t *Tiered) Stats(ctx context.Context) (Stats, error) {
	s1, err := t.l1.Stats(ctx)
	if err != nil {
		return Stats{}, opError("stats", "", err)
	}
	s2, err := t.l2.Stats(ctx)
	if err != nil {
		return Stats{}, opError("stats", "", err)
	}
	return s1.merge(s2), nil
}

func (t *Tiered) Cleanup(ctx context.Context) (int, error) {
	n1, err := t.l1.Cleanup(ctx)
	if err != nil {
		return n1, opError("cleanup", "", err)
	}
	n2, err := t.l2.Cleanup(ctx)
	if err != nil {
		return n1 + n2, opError("cleanup", "", err)
	}
	return n1 + n2, nil
}

func (t *Tiered) Ping(ctx context.Context) error {
	if err := t.l1.Ping(ctx); err != nil {
		return opError("ping", "", err)
	}
	if err := t.l2.Ping(ctx); err != nil {
		return opError("ping", "", err)
	}
	return nil
}

// Close stops the background flusher, drains the pending write-behind queue
// to the durable tier, and returns. The tiers themselves stay open — they
// are owned by the caller.
func (t *Tiered) Close(ctx context.Context) error {
	var err error
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.cancel()
		t.wg.Wait()
		err = t.flush(ctx)
	})
	return err
}

func (t *Tiered) runFlusher() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := t.flush(t.ctx); err != nil {
				// Keep running; the failed batch was re-queued.
				t.cfg.logger.Error("write-behind flush failed: %v", err)
			}
		}
	}
}

// flush drains the whole pending queue to the durable tier as one batch,
// grouped by TTL. A failed group is re-queued unless a newer write or a
// delete superseded the key while the flush was in flight.
func (t *Tiered) flush(ctx context.Context) error {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return nil
	}
	batch := t.pending
	t.pending = make(map[string]pendingWrite)
	t.deleted = make(map[string]struct{})
	t.flushing = true
	t.mu.Unlock()

	byTTL := make(map[time.Duration]map[string]any)
	for key, w := range batch {
		group, ok := byTTL[w.ttl]
		if !ok {
			group = make(map[string]any)
			byTTL[w.ttl] = group
		}
		group[key] = w.value
	}

	var firstErr error
	var flushed int
	for ttl, group := range byTTL {
		if err := t.l2.SetMany(ctx, group, ttl); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			t.requeue(group, batch)
			continue
		}
		flushed += len(group)
	}

	t.mu.Lock()
	t.flushing = false
	t.deleted = make(map[string]struct{})
	t.mu.Unlock()

	if flushed > 0 {
		t.cfg.logger.Debug("write-behind flush committed %d entries", flushed)
	}
	return firstErr
}

func (t *Tiered) requeue(group map[string]any, batch map[string]pendingWrite) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range group {
		if _, newer := t.pending[key]; newer {
			continue
		}
		if _, gone := t.deleted[key]; gone {
			continue
		}
		t.pending[key] = batch[key]
	}
}

package cache

import (
	"container/list"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// memEntry is the engine's record for one key. It lives inside a recency list
// element; the map and the list are always mutated together under the engine
// mutex so no partially-updated state is observable.
type memEntry struct {
	key            string
	value          any
	createdAt      time.Time
	lastAccessedAt time.Time
	// expiresAt is zero for entries without an expiry. ttl keeps the original
	// duration so a refresh can recompute now+ttl instead of extending the
	// old expiry.
	expiresAt   time.Time
	ttl         time.Duration
	size        int64
	accessCount int64
	// seq is the insertion order, used to break ties in the LFU view.
	seq uint64
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is the in-process cache engine: TTL expiration (lazy on access plus
// an eager background sweep), LRU eviction against an optional memory budget
// or entry cap, and cumulative hit/miss/eviction/expiration counters.
//
// Recency is a doubly-linked list keyed by the entry map: front is the most
// recently used key, back the least. Exactly one list element exists per live
// key. A single mutex guards the map, the list, the memory accounting and the
// counters.
type Memory struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	recency *list.List

	memoryBytes int64
	seq         uint64

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	cfg    config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	closed bool
}

var _ Store = (*Memory)(nil)

// NewMemory returns a running in-memory engine. The background expiry sweep
// is bound to parent and to Close.
func NewMemory(parent context.Context, opts ...Option) *Memory {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	m := &Memory{
		items:   make(map[string]*list.Element),
		recency: list.New(),
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.cleanupInterval > 0 {
		m.wg.Add(1)
		go m.run()
	}
	return m
}

func (m *Memory) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if n := m.sweep(); n > 0 {
				m.cfg.logger.Debug("expiry sweep removed %d entries", n)
			}
		}
	}
}

// resolveTTL applies the package TTL convention against this engine's
// default.
func (m *Memory) resolveTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return m.cfg.defaultTTL
	}
	return ttl
}

func (m *Memory) Get(_ context.Context, key string) (any, bool, error) {
	return m.get(key, false)
}

func (m *Memory) GetAndRefresh(_ context.Context, key string) (any, bool, error) {
	return m.get(key, true)
}

func (m *Memory) get(key string, refresh bool) (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.liveLocked(key, time.Now())
	if !ok {
		m.misses++
		return nil, false, nil
	}
	m.touchLocked(e, refresh)
	m.hits++
	return e.value, true, nil
}

func (m *Memory) GetWithMetadata(_ context.Context, key string) (*Metadata, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.liveLocked(key, time.Now())
	if !ok {
		m.misses++
		return nil, false, nil
	}
	m.touchLocked(e, false)
	m.hits++
	return &Metadata{
		Value:          e.value,
		CreatedAt:      e.createdAt,
		LastAccessedAt: e.lastAccessedAt,
		ExpiresAt:      e.expiresAt,
		AccessCount:    e.accessCount,
		SizeBytes:      e.size,
	}, true, nil
}

// liveLocked resolves key to a live entry, removing it (and counting the
// expiration) if it has lapsed.
func (m *Memory) liveLocked(key string, now time.Time) (*memEntry, bool) {
	el, ok := m.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*memEntry)
	if e.expired(now) {
		m.removeLocked(el)
		m.expirations++
		return nil, false
	}
	return e, true
}

// touchLocked records an access: stamps, count, move-to-front, and optional
// TTL refresh from the entry's original duration.
func (m *Memory) touchLocked(e *memEntry, refresh bool) {
	now := time.Now()
	e.lastAccessedAt = now
	e.accessCount++
	m.recency.MoveToFront(m.items[e.key])
	if refresh && e.ttl > 0 {
		e.expiresAt = now.Add(e.ttl)
	}
}

func (m *Memory) Set(_ context.Context, key string, val any, ttl time.Duration) error {
	return m.set("set", key, val, ttl, true)
}

func (m *Memory) Add(_ context.Context, key string, val any, ttl time.Duration) error {
	return m.set("add", key, val, ttl, false)
}

func (m *Memory) set(op, key string, val any, ttl time.Duration, overwrite bool) error {
	if key == "" {
		return opError(op, key, ErrInvalidKey)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return opError(op, key, ErrClosed)
	}

	now := time.Now()
	size, err := encodedSize(key, val)
	if err != nil {
		// Size is a heuristic; an unencodable value is accounted at its key
		// length rather than failing the write.
		m.cfg.logger.Trace("size heuristic fell back for %q: %v", key, err)
	}

	ttl = m.resolveTTL(ttl)
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	} else {
		ttl = 0
	}

	if el, ok := m.items[key]; ok {
		e := el.Value.(*memEntry)
		if !e.expired(now) {
			if !overwrite {
				return opError(op, key, ErrAlreadyExists)
			}
			// Replacing a live key adjusts accounting by the size delta.
			m.evictForLocked(size-e.size, key)
			m.memoryBytes += size - e.size
			e.value = val
			e.size = size
			e.createdAt = now
			e.lastAccessedAt = now
			e.accessCount = 0
			e.ttl = ttl
			e.expiresAt = expiresAt
			m.recency.MoveToFront(el)
			return nil
		}
		m.removeLocked(el)
		m.expirations++
	}

	if m.cfg.maxEntries > 0 && len(m.items) >= m.cfg.maxEntries {
		m.evictLocked(len(m.items) - m.cfg.maxEntries + 1)
	}
	m.evictForLocked(size, key)

	e := &memEntry{
		key:            key,
		value:          val,
		createdAt:      now,
		lastAccessedAt: now,
		expiresAt:      expiresAt,
		ttl:            ttl,
		size:           size,
		seq:            m.seq,
	}
	m.seq++
	m.items[key] = m.recency.PushFront(e)
	m.memoryBytes += size
	return nil
}

// evictForLocked makes room for delta additional bytes, evicting LRU entries
// in batches until the budget holds. The key being written is never evicted.
// An entry larger than the whole budget still gets stored once everything
// else is gone.
func (m *Memory) evictForLocked(delta int64, skip string) {
	if m.cfg.memoryBudget <= 0 || delta <= 0 {
		return
	}
	for m.memoryBytes+delta > m.cfg.memoryBudget {
		evicted := m.evictBatchLocked(m.cfg.evictionBatch, skip)
		if len(evicted) == 0 {
			return
		}
		m.cfg.logger.Debug("memory budget eviction removed %d entries", len(evicted))
		if m.memoryBytes+delta <= m.cfg.memoryBudget {
			return
		}
	}
}

// evictBatchLocked removes up to n entries per the configured policy,
// skipping the named key, and returns the evicted keys.
func (m *Memory) evictBatchLocked(n int, skip string) []string {
	if m.cfg.evictionPolicy == EvictLFU {
		return m.evictLFULocked(n, skip)
	}
	keys := make([]string, 0, n)
	el := m.recency.Back()
	for el != nil && len(keys) < n {
		prev := el.Prev()
		e := el.Value.(*memEntry)
		if e.key != skip {
			m.removeLocked(el)
			m.evictions++
			keys = append(keys, e.key)
		}
		el = prev
	}
	return keys
}

// evictLFULocked removes up to n entries with the lowest access counts, ties
// broken by insertion order.
func (m *Memory) evictLFULocked(n int, skip string) []string {
	victims := make([]*list.Element, 0, len(m.items))
	for _, el := range m.items {
		if el.Value.(*memEntry).key != skip {
			victims = append(victims, el)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		a, b := victims[i].Value.(*memEntry), victims[j].Value.(*memEntry)
		if a.accessCount != b.accessCount {
			return a.accessCount < b.accessCount
		}
		return a.seq < b.seq
	})
	if n > len(victims) {
		n = len(victims)
	}
	keys := make([]string, 0, n)
	for _, el := range victims[:n] {
		e := el.Value.(*memEntry)
		m.removeLocked(el)
		m.evictions++
		keys = append(keys, e.key)
	}
	return keys
}

func (m *Memory) evictLocked(n int) []string {
	return m.evictBatchLocked(n, "")
}

// Evict removes n entries chosen by the configured eviction policy and
// returns their keys. Under LRU, entries that were never read keep their
// insertion order, so ties fall to the oldest insert.
func (m *Memory) Evict(_ context.Context, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, opError("evict", "", ErrClosed)
	}
	return m.evictLocked(n), nil
}

// LRUKeys returns up to n keys ordered least recently used first. Read-only.
func (m *Memory) LRUKeys(_ context.Context, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	keys := make([]string, 0, n)
	for el := m.recency.Back(); el != nil && len(keys) < n; el = el.Prev() {
		e := el.Value.(*memEntry)
		if !e.expired(now) {
			keys = append(keys, e.key)
		}
	}
	return keys, nil
}

// LFUKeys returns up to n keys ordered by ascending access count, ties broken
// by insertion order. Read-only.
func (m *Memory) LFUKeys(_ context.Context, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entries := make([]*memEntry, 0, len(m.items))
	for _, el := range m.items {
		e := el.Value.(*memEntry)
		if !e.expired(now) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].accessCount != entries[j].accessCount {
			return entries[i].accessCount < entries[j].accessCount
		}
		return entries[i].seq < entries[j].seq
	})
	if n > len(entries) {
		n = len(entries)
	}
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = entries[i].key
	}
	return keys, nil
}

func (m *Memory) Has(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.liveLocked(key, time.Now())
	return ok, nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, opError("delete", key, ErrClosed)
	}
	el, ok := m.items[key]
	if !ok {
		return false, nil
	}
	e := el.Value.(*memEntry)
	live := !e.expired(time.Now())
	m.removeLocked(el)
	if !live {
		m.expirations++
	}
	return live, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return opError("clear", "", ErrClosed)
	}
	m.items = make(map[string]*list.Element)
	m.recency.Init()
	m.memoryBytes = 0
	return nil
}

func (m *Memory) GetMany(_ context.Context, keys []string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	result := make(map[string]any, len(keys))
	for _, key := range keys {
		e, ok := m.liveLocked(key, now)
		if !ok {
			m.misses++
			continue
		}
		m.touchLocked(e, false)
		m.hits++
		result[key] = e.value
	}
	return result, nil
}

func (m *Memory) SetMany(ctx context.Context, entries map[string]any, ttl time.Duration) error {
	var firstErr error
	for key, val := range entries {
		if err := m.Set(ctx, key, val, ttl); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Memory) DeleteMany(ctx context.Context, keys []string) (int, error) {
	var removed int
	for _, key := range keys {
		ok, err := m.Delete(ctx, key)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	e, ok := m.liveLocked(key, now)
	if !ok {
		return 0, false, nil
	}
	if e.expiresAt.IsZero() {
		return NoExpiration, true, nil
	}
	return e.expiresAt.Sub(now), true, nil
}

func (m *Memory) UpdateTTL(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, opError("update_ttl", key, ErrClosed)
	}
	now := time.Now()
	e, ok := m.liveLocked(key, now)
	if !ok {
		return false, nil
	}
	ttl = m.resolveTTL(ttl)
	if ttl > 0 {
		e.ttl = ttl
		e.expiresAt = now.Add(ttl)
	} else {
		e.ttl = 0
		e.expiresAt = time.Time{}
	}
	return true, nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, opError("keys", pattern, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	keys := make([]string, 0, len(m.items))
	for key, el := range m.items {
		if el.Value.(*memEntry).expired(now) {
			continue
		}
		if re == nil || re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) SizeOf(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.liveLocked(key, time.Now())
	if !ok {
		return 0, false, nil
	}
	return e.size, true, nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Keys:        int64(len(m.items)),
		MemoryBytes: m.memoryBytes,
		Hits:        m.hits,
		Misses:      m.misses,
		Evictions:   m.evictions,
		Expirations: m.expirations,
	}, nil
}

func (m *Memory) Cleanup(_ context.Context) (int, error) {
	return m.sweep(), nil
}

// sweep removes every expired entry, walking from the recency tail the way
// the lapsed entries cluster.
func (m *Memory) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var n int
	for el := m.recency.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*memEntry).expired(now) {
			m.removeLocked(el)
			m.expirations++
			n++
		}
		el = prev
	}
	return n
}

// Ping round-trips a synthetic entry without touching counters, the memory
// budget or the recency of real keys.
func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return opError("ping", "", ErrClosed)
	}
	key := fmt.Sprintf("__ping:%d", time.Now().UnixNano())
	el := m.recency.PushBack(&memEntry{key: key, value: struct{}{}})
	m.items[key] = el
	m.recency.Remove(el)
	delete(m.items, key)
	return nil
}

// Close stops the background sweep and awaits it. Idempotent.
func (m *Memory) Close(_ context.Context) error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.cancel()
		m.wg.Wait()
	})
	return nil
}

// removeLocked unlinks an element from both the map and the recency list and
// releases its memory accounting.
func (m *Memory) removeLocked(el *list.Element) {
	e := el.Value.(*memEntry)
	m.recency.Remove(el)
	delete(m.items, e.key)
	m.memoryBytes -= e.size
}

// compilePattern translates a *-wildcard pattern to an anchored regexp. A nil
// result means "match everything".
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" || pattern == "*" {
		return nil, nil
	}
	var b strings.Builder
	b.WriteString("^")
	for i, part := range strings.Split(pattern, "*") {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: bad pattern: %v", ErrInvalidKey, err)
	}
	return re, nil
}

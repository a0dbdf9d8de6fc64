package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

// SQLite is a durable Store backed by a SQLite database (pure Go driver, no
// CGO). Values are msgpack serialized into BLOBs; expiry is enforced lazily
// on access and eagerly by a background sweep. Supports file-backed and
// ":memory:" modes.
type SQLite struct {
	db  *sql.DB
	cfg config

	mu          sync.Mutex
	hits        uint64
	misses      uint64
	expirations uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (or creates) the database at dbPath and returns a running
// store. An empty dbPath means ":memory:".
func NewSQLite(parent context.Context, dbPath string, opts ...Option) (*SQLite, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	cfg := applyOptions(opts)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// WAL mode for concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		accessed_at INTEGER NOT NULL,
		expires_at INTEGER,
		ttl_ms INTEGER NOT NULL DEFAULT 0,
		access_count INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	// Index on expires_at keeps the sweep cheap.
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache(expires_at)`); err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	s := &SQLite{db: db, cfg: cfg, ctx: ctx, cancel: cancel}
	if cfg.cleanupInterval > 0 {
		s.wg.Add(1)
		go s.run()
	}
	return s, nil
}

func (s *SQLite) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Cleanup(s.ctx); err != nil {
				s.cfg.logger.Warn("sqlite expiry sweep failed: %v", err)
			} else if n > 0 {
				s.cfg.logger.Debug("sqlite expiry sweep removed %d entries", n)
			}
		}
	}
}

func (s *SQLite) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *SQLite) resolveTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return s.cfg.defaultTTL
	}
	return ttl
}

func (s *SQLite) count(hit bool) {
	s.mu.Lock()
	if hit {
		s.hits++
	} else {
		s.misses++
	}
	s.mu.Unlock()
}

// expire lazily removes a row discovered past its expiry.
func (s *SQLite) expire(qctx context.Context, key string) {
	if _, err := s.db.ExecContext(qctx, `DELETE FROM cache WHERE key = ?`, key); err == nil {
		s.mu.Lock()
		s.expirations++
		s.mu.Unlock()
	}
}

func (s *SQLite) Get(ctx context.Context, key string) (any, bool, error) {
	return s.get(ctx, key, false)
}

func (s *SQLite) GetAndRefresh(ctx context.Context, key string) (any, bool, error) {
	return s.get(ctx, key, true)
}

func (s *SQLite) get(ctx context.Context, key string, refresh bool) (any, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	var data []byte
	var expiresAt sql.NullInt64
	var ttlMS int64
	err := s.db.QueryRowContext(qctx,
		`SELECT value, expires_at, ttl_ms FROM cache WHERE key = ?`, key,
	).Scan(&data, &expiresAt, &ttlMS)
	if err == sql.ErrNoRows {
		s.count(false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, opError("get", key, err)
	}
	if expiresAt.Valid && expiresAt.Int64 < now {
		s.expire(qctx, key)
		s.count(false)
		return nil, false, nil
	}

	if refresh && ttlMS > 0 {
		_, _ = s.db.ExecContext(qctx,
			`UPDATE cache SET access_count = access_count + 1, accessed_at = ?, expires_at = ? WHERE key = ?`,
			now, now+ttlMS, key)
	} else {
		_, _ = s.db.ExecContext(qctx,
			`UPDATE cache SET access_count = access_count + 1, accessed_at = ? WHERE key = ?`,
			now, key)
	}
	s.count(true)
	return data, true, nil
}

func (s *SQLite) GetWithMetadata(ctx context.Context, key string) (*Metadata, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	var data []byte
	var createdAt, accessedAt, accessCount, size int64
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(qctx,
		`SELECT value, created_at, accessed_at, expires_at, access_count, size FROM cache WHERE key = ?`, key,
	).Scan(&data, &createdAt, &accessedAt, &expiresAt, &accessCount, &size)
	if err == sql.ErrNoRows {
		s.count(false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, opError("get_with_metadata", key, err)
	}
	if expiresAt.Valid && expiresAt.Int64 < now {
		s.expire(qctx, key)
		s.count(false)
		return nil, false, nil
	}

	_, _ = s.db.ExecContext(qctx,
		`UPDATE cache SET access_count = access_count + 1, accessed_at = ? WHERE key = ?`, now, key)
	s.count(true)

	md := &Metadata{
		Value:          data,
		CreatedAt:      time.UnixMilli(createdAt),
		LastAccessedAt: time.UnixMilli(accessedAt),
		AccessCount:    accessCount + 1,
		SizeBytes:      size,
	}
	if expiresAt.Valid {
		md.ExpiresAt = time.UnixMilli(expiresAt.Int64)
	}
	return md, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, val any, ttl time.Duration) error {
	if key == "" {
		return opError("set", key, ErrInvalidKey)
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return s.upsert(qctx, s.db, key, val, ttl)
}

// execer abstracts *sql.DB and *sql.Tx for upsert.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) upsert(qctx context.Context, db execer, key string, val any, ttl time.Duration) error {
	data, err := msgpack.Marshal(val)
	if err != nil {
		return opError("set", key, fmt.Errorf("%w: %v", ErrMarshal, err))
	}
	now := time.Now().UnixMilli()
	ttl = s.resolveTTL(ttl)
	var expiresAt sql.NullInt64
	var ttlMS int64
	if ttl > 0 {
		ttlMS = ttl.Milliseconds()
		expiresAt = sql.NullInt64{Int64: now + ttlMS, Valid: true}
	}

	_, err = db.ExecContext(qctx,
		`INSERT INTO cache (key, value, created_at, accessed_at, expires_at, ttl_ms, access_count, size)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			accessed_at = excluded.accessed_at,
			expires_at = excluded.expires_at,
			ttl_ms = excluded.ttl_ms,
			access_count = 0,
			size = excluded.size`,
		key, data, now, now, expiresAt, ttlMS, int64(len(key)+len(data)))
	if err != nil {
		return opError("set", key, err)
	}
	return nil
}

func (s *SQLite) Add(ctx context.Context, key string, val any, ttl time.Duration) error {
	if key == "" {
		return opError("add", key, ErrInvalidKey)
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(qctx, `SELECT expires_at FROM cache WHERE key = ?`, key).Scan(&expiresAt)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return opError("add", key, err)
	case !expiresAt.Valid || expiresAt.Int64 >= now:
		return opError("add", key, ErrAlreadyExists)
	}
	return s.upsert(qctx, s.db, key, val, ttl)
}

func (s *SQLite) Has(ctx context.Context, key string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(qctx, `SELECT expires_at FROM cache WHERE key = ?`, key).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, opError("has", key, err)
	}
	if expiresAt.Valid && expiresAt.Int64 < now {
		s.expire(qctx, key)
		return false, nil
	}
	return true, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(qctx,
		`DELETE FROM cache WHERE key = ? AND (expires_at IS NULL OR expires_at >= ?)`, key, now)
	if err != nil {
		return false, opError("delete", key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, opError("delete", key, err)
	}
	if rows == 0 {
		// Remove an expired leftover, if any.
		_, _ = s.db.ExecContext(qctx, `DELETE FROM cache WHERE key = ?`, key)
	}
	return rows > 0, nil
}

func (s *SQLite) Clear(ctx context.Context) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(qctx, `DELETE FROM cache`); err != nil {
		return opError("clear", "", err)
	}
	return nil
}

func (s *SQLite) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	result := make(map[string]any, len(keys))
	for _, key := range keys {
		val, found, err := s.Get(ctx, key)
		if err != nil {
			return result, err
		}
		if found {
			result[key] = val
		}
	}
	return result, nil
}

// SetMany commits the whole batch in one transaction.
func (s *SQLite) SetMany(ctx context.Context, entries map[string]any, ttl time.Duration) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(qctx, nil)
	if err != nil {
		return opError("set_many", "", err)
	}
	for key, val := range entries {
		if err := s.upsert(qctx, tx, key, val, ttl); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return opError("set_many", "", err)
	}
	return nil
}

func (s *SQLite) DeleteMany(ctx context.Context, keys []string) (int, error) {
	var removed int
	for _, key := range keys {
		ok, err := s.Delete(ctx, key)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (s *SQLite) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(qctx, `SELECT expires_at FROM cache WHERE key = ?`, key).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, opError("ttl", key, err)
	}
	if !expiresAt.Valid {
		return NoExpiration, true, nil
	}
	if expiresAt.Int64 < now {
		s.expire(qctx, key)
		return 0, false, nil
	}
	return time.Duration(expiresAt.Int64-now) * time.Millisecond, true, nil
}

func (s *SQLite) UpdateTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	ttl = s.resolveTTL(ttl)
	var expiresAt sql.NullInt64
	var ttlMS int64
	if ttl > 0 {
		ttlMS = ttl.Milliseconds()
		expiresAt = sql.NullInt64{Int64: now + ttlMS, Valid: true}
	}
	res, err := s.db.ExecContext(qctx,
		`UPDATE cache SET expires_at = ?, ttl_ms = ? WHERE key = ? AND (expires_at IS NULL OR expires_at >= ?)`,
		expiresAt, ttlMS, key, now)
	if err != nil {
		return false, opError("update_ttl", key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, opError("update_ttl", key, err)
	}
	return rows > 0, nil
}

func (s *SQLite) Keys(ctx context.Context, pattern string) ([]string, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	query := `SELECT key FROM cache WHERE (expires_at IS NULL OR expires_at >= ?)`
	args := []any{now}
	if pattern != "" && pattern != "*" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, globToLike(pattern))
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, opError("keys", pattern, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, opError("keys", pattern, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// globToLike translates a *-wildcard pattern to a SQL LIKE pattern, escaping
// LIKE's own metacharacters.
func globToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *SQLite) SizeOf(ctx context.Context, key string) (int64, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	var size int64
	err := s.db.QueryRowContext(qctx,
		`SELECT size FROM cache WHERE key = ? AND (expires_at IS NULL OR expires_at >= ?)`, key, now,
	).Scan(&size)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, opError("sizeof", key, err)
	}
	return size, true, nil
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	var keys, memory int64
	err := s.db.QueryRowContext(qctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache WHERE expires_at IS NULL OR expires_at >= ?`, now,
	).Scan(&keys, &memory)
	if err != nil {
		return Stats{}, opError("stats", "", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Keys:        keys,
		MemoryBytes: memory,
		Hits:        s.hits,
		Misses:      s.misses,
		Expirations: s.expirations,
	}, nil
}

func (s *SQLite) Cleanup(ctx context.Context) (int, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(qctx,
		`DELETE FROM cache WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return 0, opError("cleanup", "", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, opError("cleanup", "", err)
	}
	s.mu.Lock()
	s.expirations += uint64(rows)
	s.mu.Unlock()
	return int(rows), nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if err := s.db.PingContext(qctx); err != nil {
		return opError("ping", "", fmt.Errorf("%w: %v", ErrConnection, err))
	}
	return nil
}

// Close stops the background sweep, awaits it and closes the database.
// Idempotent.
func (s *SQLite) Close(_ context.Context) error {
	var dbErr error
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		dbErr = s.db.Close()
	})
	return dbErr
}

package cache

import (
	"bytes"
	"compress/zlib"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	dferrors "github.com/namjunsu/docfind/internal/errors"
)

// envelopeVersion guards the serialized payload schema.
const envelopeVersion = 1

// envelope is the versioned wrapper around every stored payload.
type envelope struct {
	V       int             `json:"v"`
	Payload json.RawMessage `json:"payload"`
}

// PersistentConfig configures the on-disk tier.
type PersistentConfig struct {
	Path        string
	TTL         time.Duration
	Mode        TTLMode
	MaxDBMB     int
	CleanupProb float64
	Compress    bool
}

// PersistentStats reports on-disk cache statistics.
type PersistentStats struct {
	TotalEntries  int     `json:"total_entries"`
	TotalAccesses int     `json:"total_accesses"`
	DBSizeMB      float64 `json:"db_size_mb"`
}

// PersistentCache is the SQLite-backed tier: WAL journal, UPSERT writes
// that preserve created_at and bump the access counter, sliding or absolute
// TTL, a size cap enforced by LRU bulk eviction, and prefix invalidation.
// Maintenance runs probabilistically on writes to amortize its cost.
type PersistentCache struct {
	db  *sql.DB
	cfg PersistentConfig

	writeMu sync.Mutex

	// now and chance are injectable for tests.
	now    func() time.Time
	chance func() float64
}

// OpenPersistent opens (creating if needed) the persistent cache.
func OpenPersistent(cfg PersistentConfig) (*PersistentCache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Hour
	}
	if cfg.Mode == "" {
		cfg.Mode = TTLSliding
	}
	if cfg.MaxDBMB <= 0 {
		cfg.MaxDBMB = 256
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, dferrors.Wrap(dferrors.ErrCodeCacheStore, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=temp_store(MEMORY)&_pragma=mmap_size(268435456)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeCacheStore, err)
	}

	c := &PersistentCache{
		db:     db,
		cfg:    cfg,
		now:    time.Now,
		chance: rand.Float64,
	}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Startup maintenance keeps a long-lived cache file bounded.
	c.CleanupExpired()
	c.EnforceSizeLimit()
	return c, nil
}

func (c *PersistentCache) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS query_cache (
			cache_key    TEXT PRIMARY KEY,
			query        TEXT NOT NULL,
			result_data  BLOB NOT NULL,
			created_at   REAL NOT NULL,
			accessed_at  REAL NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 1,
			compressed   INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accessed_at ON query_cache(accessed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_created_at ON query_cache(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return dferrors.Wrap(dferrors.ErrCodeCacheStore, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (c *PersistentCache) Close() error {
	return c.db.Close()
}

// Get returns the payload stored under key, deleting it when expired.
// The access timestamp and counter are updated on a hit.
func (c *PersistentCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var (
		blob       []byte
		createdAt  float64
		accessedAt float64
		compressed int
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT result_data, created_at, accessed_at, compressed
		FROM query_cache WHERE cache_key = ?`, key).
		Scan(&blob, &createdAt, &accessedAt, &compressed)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, dferrors.Wrap(dferrors.ErrCodeCacheStore, err)
	}

	now := float64(c.now().UnixNano()) / 1e9
	ref := createdAt
	if c.cfg.Mode == TTLSliding && accessedAt > ref {
		ref = accessedAt
	}
	if now-ref > c.cfg.TTL.Seconds() {
		_, _ = c.db.ExecContext(ctx, `DELETE FROM query_cache WHERE cache_key = ?`, key)
		return nil, false, nil
	}

	if _, err := c.db.ExecContext(ctx, `
		UPDATE query_cache SET accessed_at = ?, access_count = access_count + 1
		WHERE cache_key = ?`, now, key); err != nil {
		slog.Warn("cache access update failed", slog.String("error", err.Error()))
	}

	payload, err := decodeEnvelope(blob, compressed == 1)
	if err != nil {
		// Corrupt or unknown-version entry: evict instead of erroring.
		slog.Warn("cache entry unreadable, evicting",
			slog.String("key", key),
			slog.String("error", err.Error()))
		_, _ = c.db.ExecContext(ctx, `DELETE FROM query_cache WHERE cache_key = ?`, key)
		return nil, false, nil
	}
	return payload, true, nil
}

// Set stores a payload under key. The UPSERT preserves created_at for
// existing rows and increments the access counter. Maintenance fires with
// probability cfg.CleanupProb.
func (c *PersistentCache) Set(ctx context.Context, key, query string, payload json.RawMessage) error {
	blob, err := encodeEnvelope(payload, c.cfg.Compress)
	if err != nil {
		return dferrors.Wrap(dferrors.ErrCodeCacheStore, err)
	}

	now := float64(c.now().UnixNano()) / 1e9
	compressed := 0
	if c.cfg.Compress {
		compressed = 1
	}

	c.writeMu.Lock()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO query_cache (cache_key, query, result_data, created_at, accessed_at, access_count, compressed)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			query        = excluded.query,
			result_data  = excluded.result_data,
			accessed_at  = excluded.accessed_at,
			access_count = query_cache.access_count + 1,
			compressed   = excluded.compressed,
			created_at   = query_cache.created_at`,
		key, query, blob, now, now, compressed)
	c.writeMu.Unlock()
	if err != nil {
		return dferrors.Wrap(dferrors.ErrCodeCacheStore, err)
	}

	if c.chance() < c.cfg.CleanupProb {
		c.CleanupExpired()
		c.EnforceSizeLimit()
	}
	return nil
}

// CleanupExpired removes entries past their TTL.
func (c *PersistentCache) CleanupExpired() {
	now := float64(c.now().UnixNano()) / 1e9
	refCol := "created_at"
	if c.cfg.Mode == TTLSliding {
		refCol = "MAX(created_at, accessed_at)"
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	res, err := c.db.Exec(
		fmt.Sprintf(`DELETE FROM query_cache WHERE (? - %s) > ?`, refCol),
		now, c.cfg.TTL.Seconds())
	if err != nil {
		slog.Warn("cache cleanup failed", slog.String("error", err.Error()))
		return
	}
	if deleted, _ := res.RowsAffected(); deleted > 0 {
		slog.Info("cache cleanup", slog.Int64("deleted", deleted))
	}
}

// EnforceSizeLimit bulk-evicts least-recently-accessed rows when the file
// exceeds the configured cap.
func (c *PersistentCache) EnforceSizeLimit() {
	size := c.fileSizeMB()
	if size <= float64(c.cfg.MaxDBMB) {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	res, err := c.db.Exec(`
		DELETE FROM query_cache WHERE cache_key IN (
			SELECT cache_key FROM query_cache ORDER BY accessed_at ASC LIMIT 1000
		)`)
	if err != nil {
		slog.Warn("cache size enforcement failed", slog.String("error", err.Error()))
		return
	}
	evicted, _ := res.RowsAffected()
	slog.Info("cache size limit exceeded",
		slog.Float64("size_mb", size),
		slog.Int64("evicted", evicted))
}

// InvalidatePrefix deletes every key starting with prefix. This is how a
// successful reindex flushes the previous namespace without stopping readers.
func (c *PersistentCache) InvalidatePrefix(prefix string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	res, err := c.db.Exec(
		`DELETE FROM query_cache WHERE cache_key LIKE ? ESCAPE '\'`,
		likePrefix(prefix))
	if err != nil {
		slog.Warn("cache invalidation failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()))
		return
	}
	deleted, _ := res.RowsAffected()
	slog.Info("cache namespace invalidated",
		slog.String("prefix", prefix),
		slog.Int64("deleted", deleted))
}

// Clear removes every entry.
func (c *PersistentCache) Clear() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.db.Exec(`DELETE FROM query_cache`)
	return err
}

// Stats returns cache statistics.
func (c *PersistentCache) Stats() (PersistentStats, error) {
	var st PersistentStats
	err := c.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(access_count), 0) FROM query_cache`).
		Scan(&st.TotalEntries, &st.TotalAccesses)
	if err != nil {
		return st, dferrors.Wrap(dferrors.ErrCodeCacheStore, err)
	}
	st.DBSizeMB = c.fileSizeMB()
	return st, nil
}

func (c *PersistentCache) fileSizeMB() float64 {
	info, err := os.Stat(c.cfg.Path)
	if err != nil {
		return 0
	}
	return float64(info.Size()) / (1024 * 1024)
}

// likePrefix escapes LIKE wildcards in the prefix and appends %.
func likePrefix(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+8)
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '%', '_', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, prefix[i])
	}
	return string(escaped) + "%"
}

// encodeEnvelope serializes {v:1, payload} as JSON, optionally zlib-compressed.
func encodeEnvelope(payload json.RawMessage, compress bool) ([]byte, error) {
	data, err := json.Marshal(envelope{V: envelopeVersion, Payload: payload})
	if err != nil {
		return nil, err
	}
	if !compress {
		return data, nil
	}

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, 6)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeEnvelope reverses encodeEnvelope and checks the schema version.
func decodeEnvelope(blob []byte, compressed bool) (json.RawMessage, error) {
	data := blob
	if compressed {
		r, err := zlib.NewReader(bytes.NewReader(blob))
		if err != nil {
			return nil, err
		}
		data, err = io.ReadAll(r)
		_ = r.Close()
		if err != nil {
			return nil, err
		}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.V != envelopeVersion {
		return nil, fmt.Errorf("unsupported cache schema version %d", env.V)
	}
	return env.Payload, nil
}

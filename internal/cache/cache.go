package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"media-preview/internal/logging"
	"media-preview/internal/metrics"
	"media-preview/internal/preview"
)

const defaultTimeout = 5 * time.Second

// Config holds the cache budgets. A zero budget disables that bound.
type Config struct {
	// Path is the full path to the bookkeeping database file. The parent
	// directory must exist and be writable.
	Path string

	// ByteBudget caps the total byte cost of stored artifacts.
	ByteBudget int64

	// EntryBudget caps the number of stored artifacts.
	EntryBudget int
}

// Cache stores preview artifacts keyed by PreviewKey with LRU eviction.
//
// Thumbnails and clips live inline as blobs; proxy artifacts reference their
// spool file, which the cache owns and removes on eviction. Least recently
// accessed entries are evicted first, ties broken by oldest generation time.
type Cache struct {
	db     *sql.DB
	config Config

	// mu serializes writes so eviction decisions see a consistent total.
	mu  sync.Mutex
	seq int64
}

// New opens (or creates) the cache at config.Path.
func New(ctx context.Context, config Config) (*Cache, error) {
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", config.Path)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close cache database after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to cache database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	c := &Cache{db: db, config: config}

	if err := c.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close cache database after init failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	c.refreshGauges(ctx)
	logging.Info("Preview cache initialized at %s (byte budget: %d, entry budget: %d)",
		config.Path, config.ByteBudget, config.EntryBudget)
	return c, nil
}

func (c *Cache) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS previews (
		key TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		mod_time INTEGER NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		format TEXT NOT NULL,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		byte_cost INTEGER NOT NULL,
		data BLOB,
		file_path TEXT NOT NULL DEFAULT '',
		generated_at INTEGER NOT NULL,
		last_access INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_previews_identity ON previews(host, path);
	CREATE INDEX IF NOT EXISTS idx_previews_lru ON previews(last_access, generated_at);
	`

	_, err := c.db.ExecContext(ctx, schema)
	return err
}

// Close closes the bookkeeping database. Spool files stay on disk for the
// next process to reuse.
func (c *Cache) Close() error {
	return c.db.Close()
}

// nextSeq returns a monotonically increasing access stamp. Wall-clock nanos
// alone can collide under load; the sequence keeps LRU ordering total.
func (c *Cache) nextSeq() int64 {
	c.seq++
	return time.Now().UnixNano() + c.seq
}

// Get returns the artifact stored for key, bumping its recency. A miss is
// (nil, false, nil).
func (c *Cache) Get(ctx context.Context, key preview.PreviewKey) (*preview.PreviewArtifact, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `
	SELECT host, path, size, mod_time, content_hash,
	       format, width, height, duration_ms, byte_cost, data, file_path, generated_at
	FROM previews WHERE key = ?
	`

	var (
		a          preview.PreviewArtifact
		modTime    int64
		durationMs int64
		genAt      int64
		data       []byte
	)

	err := c.db.QueryRowContext(ctx, query, string(key)).Scan(
		&a.Source.Host, &a.Source.Path, &a.Source.Size, &modTime, &a.Source.ContentHash,
		&a.Format, &a.Width, &a.Height, &durationMs, &a.Size, &data, &a.FilePath, &genAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.CacheMissesTotal.Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup: %w", err)
	}

	a.Source.ModTime = time.Unix(0, modTime)
	a.Duration = time.Duration(durationMs) * time.Millisecond
	a.GeneratedAt = time.Unix(0, genAt)
	a.Data = data

	// A proxy entry whose spool file vanished is unservable; treat as a miss
	// and drop the row.
	if a.FilePath != "" {
		if _, statErr := os.Stat(a.FilePath); statErr != nil {
			logging.Warn("Cache entry %s lost its spool file %s, dropping", key, a.FilePath)
			if err := c.Invalidate(ctx, key); err != nil {
				logging.Warn("Failed to drop orphaned cache entry: %v", err)
			}
			metrics.CacheMissesTotal.Inc()
			return nil, false, nil
		}
	}

	c.mu.Lock()
	stamp := c.nextSeq()
	c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, "UPDATE previews SET last_access = ? WHERE key = ?", stamp, string(key)); err != nil {
		logging.Warn("Failed to bump cache recency for %s: %v", key, err)
	}

	metrics.CacheHitsTotal.Inc()
	return &a, true, nil
}

// Put stores an artifact under key, replacing any existing entry and
// resetting its recency. Artifacts larger than the whole byte budget are not
// cached. Eviction runs before returning so budgets hold at all times.
func (c *Cache) Put(ctx context.Context, key preview.PreviewKey, a *preview.PreviewArtifact) error {
	cost := a.ByteCost()
	if c.config.ByteBudget > 0 && cost > c.config.ByteBudget {
		logging.Debug("Artifact for %s exceeds entire byte budget (%d > %d), not caching",
			key, cost, c.config.ByteBudget)
		// Declined artifacts keep serving their waiters, but the spool must
		// not outlive them as an orphan.
		if err := a.Detach(); err != nil {
			logging.Warn("Failed to release declined spool for %s: %v", key, err)
		}
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	// Replacing an entry that spooled to a different file must release the
	// old spool.
	var oldSpool string
	err := c.db.QueryRowContext(ctx, "SELECT file_path FROM previews WHERE key = ?", string(key)).Scan(&oldSpool)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("cache put lookup: %w", err)
	}

	stamp := c.nextSeq()
	_, err = c.db.ExecContext(ctx, `
	INSERT INTO previews (key, host, path, size, mod_time, content_hash,
		format, width, height, duration_ms, byte_cost, data, file_path, generated_at, last_access)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		host = excluded.host,
		path = excluded.path,
		size = excluded.size,
		mod_time = excluded.mod_time,
		content_hash = excluded.content_hash,
		format = excluded.format,
		width = excluded.width,
		height = excluded.height,
		duration_ms = excluded.duration_ms,
		byte_cost = excluded.byte_cost,
		data = excluded.data,
		file_path = excluded.file_path,
		generated_at = excluded.generated_at,
		last_access = excluded.last_access
	`,
		string(key),
		a.Source.Host, a.Source.Path, a.Source.Size, a.Source.ModTime.UnixNano(), a.Source.ContentHash,
		a.Format, a.Width, a.Height, a.Duration.Milliseconds(), cost,
		a.Data, a.FilePath, a.GeneratedAt.UnixNano(), stamp,
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}

	if oldSpool != "" && oldSpool != a.FilePath {
		removeSpool(oldSpool)
	}

	if err := c.evictLocked(ctx); err != nil {
		return err
	}

	c.refreshGauges(ctx)
	return nil
}

// Invalidate removes the entry for key, if any.
func (c *Cache) Invalidate(ctx context.Context, key preview.PreviewKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	removed, err := c.deleteRows(ctx, "SELECT key, file_path FROM previews WHERE key = ?", string(key))
	if err != nil {
		return err
	}
	if removed > 0 {
		metrics.CacheInvalidationsTotal.Inc()
		c.refreshGauges(ctx)
	}
	return nil
}

// InvalidateFile removes every entry derived from the named file, across all
// quality specs. Used when the file's identity no longer matches what a
// cached artifact was produced from.
func (c *Cache) InvalidateFile(ctx context.Context, host, path string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	removed, err := c.deleteRows(ctx, "SELECT key, file_path FROM previews WHERE host = ? AND path = ?", host, path)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		metrics.CacheInvalidationsTotal.Add(float64(removed))
		c.refreshGauges(ctx)
	}
	return removed, nil
}

// InvalidateStale removes entries for the named file whose stored identity
// no longer matches current. Entries matching the current identity stay.
func (c *Cache) InvalidateStale(ctx context.Context, current preview.FileIdentity) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	removed, err := c.deleteRows(ctx, `
	SELECT key, file_path FROM previews
	WHERE host = ? AND path = ?
	  AND (CASE
		WHEN content_hash != '' AND ? != '' THEN content_hash != ?
		ELSE size != ? OR mod_time != ?
	  END)
	`, current.Host, current.Path,
		current.ContentHash, current.ContentHash,
		current.Size, current.ModTime.UnixNano())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		metrics.CacheInvalidationsTotal.Add(float64(removed))
		c.refreshGauges(ctx)
		logging.Debug("Invalidated %d stale entries for %s:%s", removed, current.Host, current.Path)
	}
	return removed, nil
}

// deleteRows removes the rows selected by query, releasing their spool
// files. Caller holds c.mu.
func (c *Cache) deleteRows(ctx context.Context, query string, args ...any) (int, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cache delete select: %w", err)
	}

	type victim struct {
		key   string
		spool string
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.key, &v.spool); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("cache delete scan: %w", err)
		}
		victims = append(victims, v)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	for _, v := range victims {
		if _, err := c.db.ExecContext(ctx, "DELETE FROM previews WHERE key = ?", v.key); err != nil {
			return 0, fmt.Errorf("cache delete: %w", err)
		}
		if v.spool != "" {
			removeSpool(v.spool)
		}
	}
	return len(victims), nil
}

// evictLocked removes least recently accessed entries until both budgets
// hold. Ties on last access break toward the oldest generation time. Caller
// holds c.mu.
func (c *Cache) evictLocked(ctx context.Context) error {
	for {
		entries, bytes, err := c.totals(ctx)
		if err != nil {
			return err
		}

		overBytes := c.config.ByteBudget > 0 && bytes > c.config.ByteBudget
		overEntries := c.config.EntryBudget > 0 && entries > c.config.EntryBudget
		if !overBytes && !overEntries {
			return nil
		}

		var key, spool string
		err = c.db.QueryRowContext(ctx, `
		SELECT key, file_path FROM previews
		ORDER BY last_access ASC, generated_at ASC
		LIMIT 1
		`).Scan(&key, &spool)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("cache evict select: %w", err)
		}

		if _, err := c.db.ExecContext(ctx, "DELETE FROM previews WHERE key = ?", key); err != nil {
			return fmt.Errorf("cache evict: %w", err)
		}
		if spool != "" {
			removeSpool(spool)
		}

		metrics.CacheEvictionsTotal.Inc()
		logging.Debug("Evicted cache entry %s", key)
	}
}

func (c *Cache) totals(ctx context.Context) (int, int64, error) {
	var entries int
	var bytes int64
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(byte_cost), 0) FROM previews").Scan(&entries, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("cache totals: %w", err)
	}
	return entries, bytes, nil
}

// Stats returns the current entry count and total byte cost.
func (c *Cache) Stats(ctx context.Context) (entries int, bytes int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.totals(ctx)
}

func (c *Cache) refreshGauges(ctx context.Context) {
	entries, bytes, err := c.totals(ctx)
	if err != nil {
		logging.Warn("Failed to refresh cache gauges: %v", err)
		return
	}
	metrics.CacheEntryCount.Set(float64(entries))
	metrics.CacheSizeBytes.Set(float64(bytes))
}

// SweepSpool removes files under dir that no cache row references. Spool
// files orphaned by a crash between production and adoption are reclaimed
// here; call it at startup before serving.
func (c *Cache) SweepSpool(ctx context.Context, dir string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, "SELECT file_path FROM previews WHERE file_path != ''")
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	defer rows.Close()

	referenced := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return 0, fmt.Errorf("cache sweep scan: %w", err)
		}
		referenced[p] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("cache sweep rows: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("cache sweep readdir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if _, ok := referenced[full]; ok {
			continue
		}
		if err := os.Remove(full); err != nil {
			logging.Warn("Failed to remove orphaned spool %s: %v", full, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logging.Info("Removed %d orphaned spool file(s) from %s", removed, dir)
	}
	return removed, nil
}

func removeSpool(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Warn("Failed to remove spool file %s: %v", path, err)
	}
}

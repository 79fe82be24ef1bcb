package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/core"
)

// SQLCache is a database/sql implementation of core.DedupCache.
// The SQLite and MySQL constructors differ only in schema and upsert syntax.
type SQLCache struct {
	db          *sql.DB
	name        string
	upsertQuery string
	logger      *zap.Logger
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

func newSQLCache(db *sql.DB, name, upsertQuery string, logger *zap.Logger, cleanupFreq time.Duration) *SQLCache {
	cache := &SQLCache{
		db:          db,
		name:        name,
		upsertQuery: upsertQuery,
		logger:      logger,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}

	go runCleanup(cache, cleanupFreq, cache.stopCh, logger)

	return cache
}

// Get retrieves the dedup state for an email
func (c *SQLCache) Get(ctx context.Context, emailID string) (*core.CacheEntry, error) {
	entry := core.CacheEntry{EmailID: emailID}
	var lastSeen, expiresAt string

	err := c.db.QueryRowContext(ctx, `
		SELECT opens_count, last_seen, expires_at
		FROM dedup_cache
		WHERE email_id = ? AND expires_at > ?
	`, emailID, formatTimestamp(c.now())).Scan(&entry.OpensCount, &lastSeen, &expiresAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to query cache: %w", err)
	}

	entry.LastSeen, err = parseTimestamp(lastSeen)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_seen timestamp: %w", err)
	}

	entry.ExpiresAt, err = parseTimestamp(expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expires_at timestamp: %w", err)
	}

	return &entry, nil
}

// Put stores the dedup state for an email
func (c *SQLCache) Put(ctx context.Context, entry *core.CacheEntry) error {
	_, err := c.db.ExecContext(ctx, c.upsertQuery,
		entry.EmailID,
		entry.OpensCount,
		formatTimestamp(entry.LastSeen),
		formatTimestamp(entry.ExpiresAt))

	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}

	return nil
}

// Evict removes entries that expired at or before now
func (c *SQLCache) Evict(ctx context.Context, now time.Time) (int, error) {
	result, err := c.db.ExecContext(ctx, `
		DELETE FROM dedup_cache
		WHERE expires_at <= ?
	`, formatTimestamp(now))

	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired entries: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		c.logger.Warn("Failed to get rows affected during cleanup", zap.Error(err))
		return 0, nil
	}

	return int(rowsAffected), nil
}

// Stats reports the number of live entries and the oldest last-seen time
func (c *SQLCache) Stats(ctx context.Context) (core.CacheStats, error) {
	var stats core.CacheStats
	var oldest sql.NullString

	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(last_seen)
		FROM dedup_cache
		WHERE expires_at > ?
	`, formatTimestamp(c.now())).Scan(&stats.Entries, &oldest)
	if err != nil {
		return stats, fmt.Errorf("failed to query cache stats: %w", err)
	}

	if oldest.Valid {
		t, err := parseTimestamp(oldest.String)
		if err != nil {
			return stats, fmt.Errorf("failed to parse last_seen timestamp: %w", err)
		}
		stats.OldestEntry = &t
	}

	return stats, nil
}

// Stop stops the background cleanup task and closes the database connection
func (c *SQLCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if err := c.db.Close(); err != nil {
			c.logger.Error("Failed to close cache database", zap.Error(err), zap.String("driver", c.name))
		}
	})
}

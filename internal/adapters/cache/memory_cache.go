package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/core"
)

// MemoryCache is an in-memory implementation of core.DedupCache
type MemoryCache struct {
	entries     map[string]*core.CacheEntry
	mu          sync.RWMutex
	logger      *zap.Logger
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache(logger *zap.Logger, cleanupFreq time.Duration) *MemoryCache {
	cache := &MemoryCache{
		entries:     make(map[string]*core.CacheEntry),
		logger:      logger,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}

	go runCleanup(cache, cleanupFreq, cache.stopCh, logger)

	return cache
}

// Get retrieves the dedup state for an email
func (c *MemoryCache) Get(ctx context.Context, emailID string) (*core.CacheEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[emailID]
	if !ok || !c.now().Before(entry.ExpiresAt) {
		return nil, core.ErrCacheMiss
	}

	copied := *entry
	return &copied, nil
}

// Put stores the dedup state for an email
func (c *MemoryCache) Put(ctx context.Context, entry *core.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := *entry
	c.entries[entry.EmailID] = &copied
	return nil
}

// Evict removes entries that expired at or before now
func (c *MemoryCache) Evict(ctx context.Context, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for key, entry := range c.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(c.entries, key)
			expired++
		}
	}
	return expired, nil
}

// Stats reports the number of live entries and the oldest last-seen time
func (c *MemoryCache) Stats(ctx context.Context) (core.CacheStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	var stats core.CacheStats
	for _, entry := range c.entries {
		if !now.Before(entry.ExpiresAt) {
			continue
		}
		stats.Entries++
		if stats.OldestEntry == nil || entry.LastSeen.Before(*stats.OldestEntry) {
			oldest := entry.LastSeen
			stats.OldestEntry = &oldest
		}
	}
	return stats, nil
}

// Stop stops the background cleanup task
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/core"
)

const (
	fieldOpensCount = "opens_count"
	fieldLastSeen   = "last_seen"
	fieldExpiresAt  = "expires_at"
	scanBatchSize   = 200
)

// RedisCache keeps one hash per email and lets Redis expire it at ExpiresAt
type RedisCache struct {
	client      redis.UniversalClient
	prefix      string
	logger      *zap.Logger
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

// NewRedisCache connects to Redis and creates a new cache
func NewRedisCache(opts *redis.Options, prefix string, logger *zap.Logger, cleanupFreq time.Duration) (*RedisCache, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisCacheFromClient(client, prefix, logger, cleanupFreq), nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client redis.UniversalClient, prefix string, logger *zap.Logger, cleanupFreq time.Duration) *RedisCache {
	cache := &RedisCache{
		client:      client,
		prefix:      prefix,
		logger:      logger,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}

	go runCleanup(cache, cleanupFreq, cache.stopCh, logger)

	return cache
}

func (c *RedisCache) key(emailID string) string {
	return c.prefix + emailID
}

// Get retrieves the dedup state for an email
func (c *RedisCache) Get(ctx context.Context, emailID string) (*core.CacheEntry, error) {
	fields, err := c.client.HGetAll(ctx, c.key(emailID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query cache: %w", err)
	}
	if len(fields) == 0 {
		return nil, core.ErrCacheMiss
	}

	entry, err := decodeEntry(emailID, fields)
	if err != nil {
		return nil, err
	}

	// Redis expiry is lazy; treat a stale hash as absent
	if !c.now().Before(entry.ExpiresAt) {
		return nil, core.ErrCacheMiss
	}

	return entry, nil
}

// Put stores the dedup state for an email
func (c *RedisCache) Put(ctx context.Context, entry *core.CacheEntry) error {
	key := c.key(entry.EmailID)

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key,
		fieldOpensCount, entry.OpensCount,
		fieldLastSeen, formatTimestamp(entry.LastSeen),
		fieldExpiresAt, formatTimestamp(entry.ExpiresAt))
	pipe.ExpireAt(ctx, key, entry.ExpiresAt)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	return nil
}

// Evict removes expired hashes Redis has not reclaimed yet
func (c *RedisCache) Evict(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	err := c.scan(ctx, func(key string) error {
		raw, err := c.client.HGet(ctx, key, fieldExpiresAt).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		expiresAt, err := parseTimestamp(raw)
		if err != nil || !now.Before(expiresAt) {
			if err := c.client.Del(ctx, key).Err(); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return expired, fmt.Errorf("failed to clean up expired entries: %w", err)
	}

	return expired, nil
}

// Stats reports the number of live entries and the oldest last-seen time
func (c *RedisCache) Stats(ctx context.Context) (core.CacheStats, error) {
	var stats core.CacheStats
	now := c.now()
	err := c.scan(ctx, func(key string) error {
		values, err := c.client.HMGet(ctx, key, fieldLastSeen, fieldExpiresAt).Result()
		if err != nil {
			return err
		}
		rawLastSeen, _ := values[0].(string)
		rawExpiresAt, _ := values[1].(string)
		if rawLastSeen == "" {
			return nil
		}
		if expiresAt, err := parseTimestamp(rawExpiresAt); err != nil || !now.Before(expiresAt) {
			return nil
		}

		stats.Entries++
		if lastSeen, err := parseTimestamp(rawLastSeen); err == nil {
			if stats.OldestEntry == nil || lastSeen.Before(*stats.OldestEntry) {
				stats.OldestEntry = &lastSeen
			}
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to query cache stats: %w", err)
	}

	return stats, nil
}

func (c *RedisCache) scan(ctx context.Context, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", scanBatchSize).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Stop stops the background cleanup task and closes the client
func (c *RedisCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if err := c.client.Close(); err != nil {
			c.logger.Error("Failed to close Redis client", zap.Error(err))
		}
	})
}

func decodeEntry(emailID string, fields map[string]string) (*core.CacheEntry, error) {
	count, err := strconv.Atoi(fields[fieldOpensCount])
	if err != nil {
		return nil, fmt.Errorf("failed to parse opens_count: %w", err)
	}

	lastSeen, err := parseTimestamp(fields[fieldLastSeen])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_seen timestamp: %w", err)
	}

	expiresAt, err := parseTimestamp(fields[fieldExpiresAt])
	if err != nil {
		return nil, fmt.Errorf("failed to parse expires_at timestamp: %w", err)
	}

	return &core.CacheEntry{
		EmailID:    emailID,
		OpensCount: count,
		LastSeen:   lastSeen,
		ExpiresAt:  expiresAt,
	}, nil
}

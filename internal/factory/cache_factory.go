package factory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/adapters/cache"
	"github.com/mikey/email-open-relay/internal/config"
	"github.com/mikey/email-open-relay/internal/core"
)

// CacheFactory creates dedup caches based on configuration
type CacheFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewCacheFactory creates a new cache factory
func NewCacheFactory(cfg *config.Config, logger *zap.Logger) *CacheFactory {
	return &CacheFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateDedupCache creates a dedup cache based on the configuration
func (f *CacheFactory) CreateDedupCache() (core.DedupCache, error) {
	cc, err := f.cfg.GetCache()
	if err != nil {
		return nil, fmt.Errorf("invalid cache configuration: %w", err)
	}

	f.logger.Info("Creating dedup cache",
		zap.String("type", cc.Type),
		zap.Duration("retention", cc.Retention))

	switch cc.Type {
	case "memory":
		return cache.NewMemoryCache(f.logger, cc.CleanupFrequency), nil
	case "sqlite":
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(cc.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		return cache.NewSQLiteCache(cc.SQLitePath, f.logger, cc.CleanupFrequency)
	case "mysql":
		return cache.NewMySQLCache(cc.MySQLDSN, f.logger, cc.CleanupFrequency)
	case "redis":
		return cache.NewRedisCache(&redis.Options{
			Addr:     cc.RedisAddr,
			Password: cc.RedisPassword,
			DB:       cc.RedisDB,
		}, cc.RedisPrefix, f.logger, cc.CleanupFrequency)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cc.Type)
	}
}

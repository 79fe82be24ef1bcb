package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// timestampLayout is fixed width so stored timestamps compare correctly as strings
const timestampLayout = "2006-01-02T15:04:05.000Z"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}

// evictor is the part of a cache the cleanup task drives
type evictor interface {
	Evict(ctx context.Context, now time.Time) (int, error)
}

// runCleanup evicts expired entries every freq until stopCh is closed
func runCleanup(c evictor, freq time.Duration, stopCh <-chan struct{}, logger *zap.Logger) {
	if freq <= 0 {
		return
	}

	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := c.Evict(context.Background(), time.Now())
			if err != nil {
				logger.Error("Failed to clean up cache", zap.Error(err))
				continue
			}
			logger.Debug("Cleaned up expired cache entries", zap.Int("expired_count", n))
		case <-stopCh:
			return
		}
	}
}

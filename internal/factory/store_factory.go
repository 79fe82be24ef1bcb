package factory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/adapters/store"
	"github.com/mikey/email-open-relay/internal/config"
)

// StoreFactory creates the event store
type StoreFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewStoreFactory creates a new store factory
func NewStoreFactory(cfg *config.Config, logger *zap.Logger) *StoreFactory {
	return &StoreFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateEventStore opens the configured database
func (f *StoreFactory) CreateEventStore() (*store.SQLStore, error) {
	sc := f.cfg.GetStore()

	if sc.Driver == "sqlite3" && !strings.HasPrefix(sc.DSN, "file:") && sc.DSN != ":memory:" {
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(sc.DSN), 0755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
	}

	return store.New(sc.Driver, sc.DSN, f.logger)
}

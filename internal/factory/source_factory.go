package factory

import (
	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/adapters/closeio"
	"github.com/mikey/email-open-relay/internal/config"
	"github.com/mikey/email-open-relay/internal/core"
)

// SourceFactory creates the CRM client and the poller that drives it
type SourceFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewSourceFactory creates a new source factory
func NewSourceFactory(cfg *config.Config, logger *zap.Logger) *SourceFactory {
	return &SourceFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateClient creates the Close API client
func (f *SourceFactory) CreateClient() (*closeio.Client, error) {
	cc, err := f.cfg.GetCloseIO()
	if err != nil {
		return nil, err
	}
	if cc.APIKey == "" {
		f.logger.Warn("closeio.api_key is not set; polling and lead lookups will fail")
	}

	return closeio.NewClient(closeio.Config{
		APIKey:     cc.APIKey,
		APIURL:     cc.APIURL,
		Timeout:    cc.Timeout,
		MaxRetries: cc.MaxRetries,
	}, f.logger), nil
}

// CreatePoller creates the activity poller
func (f *SourceFactory) CreatePoller(source core.ActivitySource, ingester core.Ingester) (*core.Poller, error) {
	pc, err := f.cfg.GetPolling()
	if err != nil {
		return nil, err
	}
	if pc.Enabled && f.cfg.GetString("closeio.api_key") == "" {
		f.logger.Warn("Disabling polling without a Close API key")
		pc.Enabled = false
	}

	return core.NewPoller(source, ingester, f.logger, core.PollerOptions{
		Enabled:         pc.Enabled,
		Interval:        pc.Interval,
		InitialLookback: pc.InitialLookback,
		Overlap:         pc.Overlap,
	}), nil
}

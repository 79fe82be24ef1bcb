package factory

import (
	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/adapters/httpapi"
	"github.com/mikey/email-open-relay/internal/config"
)

// ServerFactory creates the HTTP server
type ServerFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewServerFactory creates a new server factory
func NewServerFactory(cfg *config.Config, logger *zap.Logger) *ServerFactory {
	return &ServerFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateServer creates the webhook and analytics server
func (f *ServerFactory) CreateServer(deps httpapi.Deps) (*httpapi.Server, error) {
	sc, err := f.cfg.GetServer()
	if err != nil {
		return nil, err
	}

	return httpapi.NewServer(httpapi.Options{
		ListenAddress: sc.ListenAddress,
		CORSOrigins:   sc.CORSOrigins,
		ReadTimeout:   sc.ReadTimeout,
		WriteTimeout:  sc.WriteTimeout,
		WebhookSecret: f.cfg.GetString("closeio.webhook_secret"),
	}, deps, f.logger), nil
}

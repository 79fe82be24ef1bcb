package di

import (
	"go.uber.org/dig"

	"github.com/mikey/email-open-relay/internal/adapters/closeio"
	"github.com/mikey/email-open-relay/internal/adapters/httpapi"
	"github.com/mikey/email-open-relay/internal/config"
	"github.com/mikey/email-open-relay/internal/core"
	"github.com/mikey/email-open-relay/internal/factory"
	"github.com/mikey/email-open-relay/internal/logging"
)

// BuildContainer creates and configures the dependency injection container for the relay service.
// An empty configPath searches the standard locations.
func BuildContainer(configPath string) (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(func() (*config.Config, error) {
		return config.NewFromFile(configPath)
	}); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	if err := provideCore(container); err != nil {
		return nil, err
	}

	// Canonical events go to the dispatcher queue
	if err := container.Provide(func(d *core.Dispatcher) core.EventSink {
		return d
	}); err != nil {
		return nil, err
	}

	// Register HTTP server
	if err := container.Provide(factory.NewServerFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(func(
		f *factory.ServerFactory,
		reconciler *core.Reconciler,
		analytics *core.Analytics,
		dispatcher *core.Dispatcher,
		cache core.DedupCache,
		eventStore core.EventStore,
		client *closeio.Client,
	) (*httpapi.Server, error) {
		return f.CreateServer(httpapi.Deps{
			Ingester:  reconciler,
			Analytics: analytics,
			Notifier:  dispatcher,
			Cache:     cache,
			Store:     eventStore,
			Leads:     client,
		})
	}); err != nil {
		return nil, err
	}

	return container, nil
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/adapters/httpapi"
	"github.com/mikey/email-open-relay/internal/adapters/store"
	"github.com/mikey/email-open-relay/internal/core"
	"github.com/mikey/email-open-relay/internal/di"
	"github.com/mikey/email-open-relay/internal/ports"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to config file")
	pflag.Parse()

	// Build the dependency injection container
	container, err := di.BuildContainer(*configPath)
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main application function that gets all dependencies injected
func run(
	logger *zap.Logger,
	server *httpapi.Server,
	poller *core.Poller,
	dispatcher *core.Dispatcher,
	cache core.DedupCache,
	eventStore *store.SQLStore,
) error {
	defer logger.Sync()

	// Dispatcher first so nothing ingested is enqueued before workers exist
	services := []ports.Service{dispatcher, server, poller}
	for i, svc := range services {
		if err := svc.Start(); err != nil {
			logger.Error("Failed to start service", zap.Error(err))
			stopAll(logger, services[:i])
			eventStore.Close()
			return err
		}
	}

	logger.Info("Email open relay running")

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Shutting down...")

	stopAll(logger, services)

	// Stop the cache if needed
	if stopper, ok := cache.(interface{ Stop() }); ok {
		stopper.Stop()
	}

	if err := eventStore.Close(); err != nil {
		logger.Error("Failed to close event store", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}

// stopAll stops services in reverse start order
func stopAll(logger *zap.Logger, services []ports.Service) {
	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(); err != nil {
			logger.Error("Failed to stop service", zap.Error(err))
		}
	}
}

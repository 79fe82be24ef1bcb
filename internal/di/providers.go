package di

import (
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/adapters/closeio"
	"github.com/mikey/email-open-relay/internal/adapters/store"
	"github.com/mikey/email-open-relay/internal/config"
	"github.com/mikey/email-open-relay/internal/core"
	"github.com/mikey/email-open-relay/internal/factory"
	"github.com/mikey/email-open-relay/internal/utils"
)

// provideCore registers the components shared by the service and the report tool
func provideCore(container *dig.Container) error {
	// Register factories
	if err := container.Provide(factory.NewCacheFactory); err != nil {
		return err
	}
	if err := container.Provide(factory.NewStoreFactory); err != nil {
		return err
	}
	if err := container.Provide(factory.NewNotifierFactory); err != nil {
		return err
	}
	if err := container.Provide(factory.NewSourceFactory); err != nil {
		return err
	}
	if err := container.Provide(factory.NewTextProcessorFactory); err != nil {
		return err
	}

	// Register text processor
	if err := container.Provide(func(f *factory.TextProcessorFactory) *utils.TextProcessor {
		return f.CreateTextProcessor()
	}); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.TextProcessorFactory, text *utils.TextProcessor) (*core.MessageFormatter, error) {
		return f.CreateMessageFormatter(text)
	}); err != nil {
		return err
	}

	// Register event store
	if err := container.Provide(func(f *factory.StoreFactory) (*store.SQLStore, error) {
		return f.CreateEventStore()
	}); err != nil {
		return err
	}
	if err := container.Provide(func(s *store.SQLStore) core.EventStore {
		return s
	}); err != nil {
		return err
	}

	// Register dedup cache
	if err := container.Provide(func(f *factory.CacheFactory) (core.DedupCache, error) {
		return f.CreateDedupCache()
	}); err != nil {
		return err
	}

	// Register notification sender and dispatcher
	if err := container.Provide(func(f *factory.NotifierFactory) (core.NotificationSender, error) {
		return f.CreateSender()
	}); err != nil {
		return err
	}
	if err := container.Provide(func(
		f *factory.NotifierFactory,
		sender core.NotificationSender,
		eventStore core.EventStore,
		formatter *core.MessageFormatter,
	) (*core.Dispatcher, error) {
		return f.CreateDispatcher(sender, eventStore, formatter)
	}); err != nil {
		return err
	}

	// Register Close client
	if err := container.Provide(func(f *factory.SourceFactory) (*closeio.Client, error) {
		return f.CreateClient()
	}); err != nil {
		return err
	}

	// Register reconciler
	if err := container.Provide(func(
		cfg *config.Config,
		logger *zap.Logger,
		eventStore core.EventStore,
		cache core.DedupCache,
		sink core.EventSink,
	) (*core.Reconciler, error) {
		cc, err := cfg.GetCache()
		if err != nil {
			return nil, err
		}
		loc, err := cfg.GetLocation()
		if err != nil {
			return nil, err
		}
		return core.NewReconciler(eventStore, cache, sink, logger, core.ReconcilerOptions{
			Retention:     cc.Retention,
			Location:      loc,
			RecordReplays: cfg.GetStore().RecordReplays,
		}), nil
	}); err != nil {
		return err
	}

	// Register poller
	if err := container.Provide(func(
		f *factory.SourceFactory,
		client *closeio.Client,
		reconciler *core.Reconciler,
	) (*core.Poller, error) {
		return f.CreatePoller(client, reconciler)
	}); err != nil {
		return err
	}

	// Register analytics
	if err := container.Provide(func(cfg *config.Config, eventStore core.EventStore) (*core.Analytics, error) {
		loc, err := cfg.GetLocation()
		if err != nil {
			return nil, err
		}
		return core.NewAnalytics(eventStore, loc), nil
	}); err != nil {
		return err
	}

	return nil
}

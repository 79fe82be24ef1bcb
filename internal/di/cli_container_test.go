package di

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mikey/email-open-relay/internal/adapters/store"
	"github.com/mikey/email-open-relay/internal/config"
	"github.com/mikey/email-open-relay/internal/core"
	"github.com/mikey/email-open-relay/internal/utils"
)

func mustTime(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)
}

func TestParseFlags(t *testing.T) {
	flags, err := ParseFlags("opens-report", []string{"--store-dsn", "/tmp/x.db", "--top", "5"})
	require.NoError(t, err)
	assert.Equal(t, ModeReport, flags.Mode)
	assert.Equal(t, "/tmp/x.db", flags.StoreDSN)
	assert.Equal(t, 5, flags.Top)
	assert.True(t, flags.Notify)

	flags, err = ParseFlags("opens-report", []string{"--poll-once", "--notify=false", "--lookback", "2h"})
	require.NoError(t, err)
	assert.Equal(t, ModePollOnce, flags.Mode)
	assert.False(t, flags.Notify)
	assert.Equal(t, "2h", flags.Lookback)

	flags, err = ParseFlags("opens-report", []string{"--mode", "poll-once"})
	require.NoError(t, err)
	assert.Equal(t, ModePollOnce, flags.Mode)

	usage := newFlagSet("opens-report", &CLIFlags{}).Lookup("mode").Usage
	for _, mode := range []string{ModeReport, ModeExport, ModePollOnce} {
		assert.Contains(t, usage, mode)
	}

	_, err = ParseFlags("opens-report", []string{"--mode", "dance"})
	assert.ErrorContains(t, err, "unknown mode")

	_, err = ParseFlags("opens-report", []string{"--no-such-flag"})
	assert.Error(t, err)
}

func TestBuildCLIContainer(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "events.db")
	flags, err := ParseFlags("opens-report", []string{
		"--store-dsn", dsn,
		"--poll-once",
		"--lookback", "3h",
		"--notify=false",
	})
	require.NoError(t, err)

	container, err := BuildCLIContainer(flags)
	require.NoError(t, err)

	err = container.Invoke(func(
		cfg *config.Config,
		analytics *core.Analytics,
		reconciler *core.Reconciler,
		eventStore *store.SQLStore,
	) error {
		defer eventStore.Close()

		assert.Equal(t, dsn, cfg.GetStore().DSN)
		polling, err := cfg.GetPolling()
		require.NoError(t, err)
		assert.False(t, polling.Enabled)
		assert.Equal(t, 3*time.Hour, polling.InitialLookback)

		_, err = reconciler.Ingest(context.Background(), core.SourceNotice{
			EmailID:    "acti_1",
			LeadID:     "lead_1",
			OpensCount: 2,
			OpenedAt:   mustTime(t),
			Source:     core.SourcePoll,
		})
		require.NoError(t, err)

		summary, err := analytics.Summary(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, summary.TotalOpens)
		return nil
	})
	require.NoError(t, err)
}

func TestDirectSink(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "events.db")
	flags, err := ParseFlags("opens-report", []string{"--store-dsn", dsn, "--poll-once"})
	require.NoError(t, err)

	container, err := BuildCLIContainer(flags)
	require.NoError(t, err)

	// The default notifier needs a Discord URL, so swap in the log sender
	require.NoError(t, container.Invoke(func(cfg *config.Config) {
		cfg.GetViper().Set("notifier.type", "log")
	}))

	err = container.Invoke(func(
		reconciler *core.Reconciler,
		eventStore *store.SQLStore,
		dispatcher *core.Dispatcher,
	) error {
		defer eventStore.Close()

		decision, err := reconciler.Ingest(context.Background(), core.SourceNotice{
			EmailID:    "acti_1",
			LeadID:     "lead_1",
			OpensCount: 1,
			OpenedAt:   mustTime(t),
			Source:     core.SourcePoll,
		})
		require.NoError(t, err)
		assert.Equal(t, core.KindNovel, decision.Kind)

		// Delivered inline, before Ingest returned
		assert.Equal(t, int64(1), dispatcher.Stats().Sent)

		events, err := eventStore.List(context.Background(), core.EventQuery{})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, core.NotifySent, events[0].NotifyStatus)
		return nil
	})
	require.NoError(t, err)
}

type rejectingSender struct{}

func (rejectingSender) Send(ctx context.Context, msg *core.Notification) error {
	return fmt.Errorf("%w: status 404", core.ErrPermanentDelivery)
}

func TestDirectSink_LogsFailedDelivery(t *testing.T) {
	eventStore, err := store.New("sqlite3", filepath.Join(t.TempDir(), "events.db"), zap.NewNop())
	require.NoError(t, err)
	defer eventStore.Close()

	formatter := core.NewMessageFormatter(utils.NewTextProcessor(zap.NewNop()), time.UTC, 1024)
	dispatcher := core.NewDispatcher(rejectingSender{}, eventStore, formatter, nil, zap.NewNop(), core.DispatcherOptions{})

	obsCore, logs := observer.New(zapcore.ErrorLevel)
	sink := &directSink{dispatcher: dispatcher, logger: zap.New(obsCore)}

	sink.Enqueue(&core.EmailOpenEvent{
		ID:         "evt-1",
		EmailID:    "acti_1",
		LeadID:     "lead_1",
		OpensCount: 1,
		OpenedAt:   mustTime(t),
	})

	entries := logs.FilterMessage("Notification not delivered").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "acti_1", entries[0].ContextMap()["email_id"])
	assert.Equal(t, int64(1), dispatcher.Stats().Failed)
}

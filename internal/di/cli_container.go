package di

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/config"
	"github.com/mikey/email-open-relay/internal/core"
	"github.com/mikey/email-open-relay/internal/logging"
)

// Report tool modes
const (
	ModeReport   = "report"
	ModeExport   = "export"
	ModePollOnce = "poll-once"
)

// CLIFlags contains all command line flags for the report tool
type CLIFlags struct {
	// Store flags
	StoreDriver string
	StoreDSN    string

	// Report flags
	Mode   string
	Limit  int
	Top    int
	Days   int
	Output string

	// Poll flags
	PollOnce bool
	Lookback string
	Notify   bool

	Verbose    bool
	JSONLog    bool
	ConfigFile string
}

// ParseFlags parses command line arguments into a CLIFlags struct
func ParseFlags(name string, args []string) (*CLIFlags, error) {
	flags := &CLIFlags{}
	fs := newFlagSet(name, flags)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if flags.PollOnce {
		flags.Mode = ModePollOnce
	}
	switch flags.Mode {
	case ModeReport, ModeExport, ModePollOnce:
	default:
		return nil, fmt.Errorf("unknown mode %q", flags.Mode)
	}

	return flags, nil
}

func newFlagSet(name string, flags *CLIFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)

	// Store flags
	fs.StringVar(&flags.StoreDriver, "store-driver", "", "Event store driver (sqlite3, mysql, postgres)")
	fs.StringVar(&flags.StoreDSN, "store-dsn", "", "Event store DSN or SQLite path")

	// Report flags
	fs.StringVar(&flags.Mode, "mode", ModeReport, "What to do (report, export, poll-once)")
	fs.IntVar(&flags.Limit, "limit", 10, "Number of recent opens to print")
	fs.IntVar(&flags.Top, "top", 10, "Number of top leads to print")
	fs.IntVar(&flags.Days, "days", 30, "Engagement window in days")
	fs.StringVarP(&flags.Output, "output", "o", "", "Export file (stdout if not specified)")

	// Poll flags
	fs.BoolVar(&flags.PollOnce, "poll-once", false, "Run a single poll against the Close API and exit")
	fs.StringVar(&flags.Lookback, "lookback", "", "How far back the poll looks (overrides polling.initial_lookback)")
	fs.BoolVar(&flags.Notify, "notify", true, "Send notifications for opens found by --poll-once")

	fs.BoolVarP(&flags.Verbose, "verbose", "v", false, "Enable verbose logging")
	fs.BoolVar(&flags.JSONLog, "json-log", false, "Output logs in JSON format")
	fs.StringVarP(&flags.ConfigFile, "config", "c", "", "Path to config file")

	return fs
}

// BuildCLIContainer creates and configures a dependency injection container for the report tool
func BuildCLIContainer(flags *CLIFlags) (*dig.Container, error) {
	container := dig.New()

	// Register flags
	if err := container.Provide(func() *CLIFlags { return flags }); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(func(flags *CLIFlags) (*zap.Logger, error) {
		return logging.InitConsoleLogger(flags.Verbose, flags.JSONLog)
	}); err != nil {
		return nil, err
	}

	// Register configuration
	if err := container.Provide(func(flags *CLIFlags, logger *zap.Logger) (*config.Config, error) {
		var cfg *config.Config
		if flags.ConfigFile != "" {
			loaded, err := config.NewFromFile(flags.ConfigFile)
			if err != nil {
				return nil, err
			}
			logger.Info("Loaded configuration from file", zap.String("file", loaded.GetViper().ConfigFileUsed()))
			cfg = loaded
		} else {
			cfg = config.NewFromViper(config.NewEmptyViper())
		}
		applyFlags(cfg, flags)
		return cfg, nil
	}); err != nil {
		return nil, err
	}

	if err := provideCore(container); err != nil {
		return nil, err
	}

	// Polled opens are notified inline so nothing is left queued when the tool exits
	if err := container.Provide(func(flags *CLIFlags, dispatcher *core.Dispatcher, logger *zap.Logger) core.EventSink {
		if !flags.Notify {
			return nil
		}
		return &directSink{dispatcher: dispatcher, logger: logger}
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// applyFlags overrides configuration with explicitly set flags
func applyFlags(cfg *config.Config, flags *CLIFlags) {
	v := cfg.GetViper()
	if flags.StoreDriver != "" {
		v.Set("store.driver", flags.StoreDriver)
	}
	if flags.StoreDSN != "" {
		v.Set("store.dsn", flags.StoreDSN)
	}
	if flags.Lookback != "" {
		v.Set("polling.initial_lookback", flags.Lookback)
	}
	if flags.Mode == ModePollOnce {
		// The poller loop never runs in the tool; PollOnce is called directly
		v.Set("polling.enabled", false)
	}
	if !flags.Notify {
		// No channel needs configuring when nothing is sent
		v.Set("notifier.type", "log")
	}
}

// directSink delivers each canonical event before Ingest returns
type directSink struct {
	dispatcher *core.Dispatcher
	logger     *zap.Logger
}

func (s *directSink) Enqueue(event *core.EmailOpenEvent) {
	// The outcome is already recorded on the stored event
	if err := s.dispatcher.Notify(context.Background(), event); err != nil {
		s.logger.Error("Notification not delivered",
			zap.Error(err),
			zap.String("event_id", event.ID),
			zap.String("email_id", event.EmailID))
	}
}

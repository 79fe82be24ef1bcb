package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/adapters/notifier"
	"github.com/mikey/email-open-relay/internal/config"
	"github.com/mikey/email-open-relay/internal/core"
	"github.com/mikey/email-open-relay/internal/muting"
)

// NotifierFactory creates the notification channel and the dispatcher around it
type NotifierFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewNotifierFactory creates a new notifier factory
func NewNotifierFactory(cfg *config.Config, logger *zap.Logger) *NotifierFactory {
	return &NotifierFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateSender creates a notification sender based on notifier.type
func (f *NotifierFactory) CreateSender() (core.NotificationSender, error) {
	notifierType := f.cfg.GetString("notifier.type")

	switch notifierType {
	case "discord":
		dc, err := f.cfg.GetDiscord()
		if err != nil {
			return nil, err
		}
		if dc.WebhookURL == "" {
			return nil, fmt.Errorf("discord.webhook_url is required for the discord notifier")
		}
		return notifier.NewDiscordSender(dc.WebhookURL, dc.Username, dc.Timeout, f.logger), nil
	case "smtp":
		sc := f.cfg.GetSMTP()
		if sc.From == "" || len(sc.To) == 0 {
			return nil, fmt.Errorf("smtp.from and smtp.to are required for the smtp notifier")
		}
		return notifier.NewSMTPSender(sc.Address, sc.Port, sc.From, sc.To, f.logger), nil
	case "log":
		return notifier.NewLogSender(f.logger), nil
	default:
		return nil, fmt.Errorf("unsupported notifier type: %s", notifierType)
	}
}

// CreateDispatcher wires the sender into a dispatcher
func (f *NotifierFactory) CreateDispatcher(
	sender core.NotificationSender,
	eventStore core.EventStore,
	formatter *core.MessageFormatter,
) (*core.Dispatcher, error) {
	dc, err := f.cfg.GetDispatch()
	if err != nil {
		return nil, fmt.Errorf("invalid dispatch configuration: %w", err)
	}

	return core.NewDispatcher(
		sender,
		eventStore,
		formatter,
		muting.NewChecker(dc.MutedDomains, f.logger),
		f.logger,
		core.DispatcherOptions{
			MaxAttempts:    dc.MaxAttempts,
			BaseDelay:      dc.BaseDelay,
			MaxDelay:       dc.MaxDelay,
			AttemptTimeout: dc.AttemptTimeout,
			QueueSize:      dc.QueueSize,
			Workers:        dc.Workers,
			RatePerMinute:  dc.RatePerMinute,
		},
	), nil
}

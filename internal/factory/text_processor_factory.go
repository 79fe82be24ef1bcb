package factory

import (
	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/config"
	"github.com/mikey/email-open-relay/internal/core"
	"github.com/mikey/email-open-relay/internal/utils"
)

// TextProcessorFactory creates the text cleanup and message rendering pieces
type TextProcessorFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewTextProcessorFactory creates a new TextProcessorFactory
func NewTextProcessorFactory(cfg *config.Config, logger *zap.Logger) *TextProcessorFactory {
	return &TextProcessorFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateTextProcessor creates a new TextProcessor
func (f *TextProcessorFactory) CreateTextProcessor() *utils.TextProcessor {
	return utils.NewTextProcessor(f.logger)
}

// CreateMessageFormatter creates the formatter that renders events for the notifier
func (f *TextProcessorFactory) CreateMessageFormatter(text *utils.TextProcessor) (*core.MessageFormatter, error) {
	loc, err := f.cfg.GetLocation()
	if err != nil {
		return nil, err
	}
	return core.NewMessageFormatter(text, loc, f.cfg.GetInt("notifications.max_field_length")), nil
}

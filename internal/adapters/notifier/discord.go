package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/core"
	"github.com/mikey/email-open-relay/internal/httpretry"
)

// Discord embed limits
const (
	maxEmbedTitle      = 256
	maxEmbedFieldName  = 256
	maxEmbedFieldValue = 1024
	embedColor         = 0x5865F2
)

// DiscordSender posts notifications to a Discord webhook as embeds
type DiscordSender struct {
	webhookURL string
	username   string
	client     httpretry.HTTPDoer
	logger     *zap.Logger
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// NewDiscordSender creates a new Discord webhook sender. Retries are left to the dispatcher.
func NewDiscordSender(webhookURL, username string, timeout time.Duration, logger *zap.Logger) *DiscordSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return NewDiscordSenderWithClient(webhookURL, username, &http.Client{Timeout: timeout}, logger)
}

// NewDiscordSenderWithClient creates a sender that posts through client
func NewDiscordSenderWithClient(webhookURL, username string, client httpretry.HTTPDoer, logger *zap.Logger) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   username,
		client:     client,
		logger:     logger,
	}
}

// Send posts one notification
func (s *DiscordSender) Send(ctx context.Context, msg *core.Notification) error {
	if s.webhookURL == "" {
		return fmt.Errorf("%w: discord webhook URL not configured", core.ErrPermanentDelivery)
	}

	body, err := json.Marshal(s.payload(msg))
	if err != nil {
		return fmt.Errorf("failed to encode discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", core.ErrPermanentDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.logger.Debug("Discord notification posted", zap.Int("status", resp.StatusCode))
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("discord webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && !httpretry.IsRetryableStatus(resp.StatusCode) {
		return fmt.Errorf("%w: %v", core.ErrPermanentDelivery, err)
	}
	return err
}

func (s *DiscordSender) payload(msg *core.Notification) discordPayload {
	embed := discordEmbed{
		Title:       clip(msg.Title, maxEmbedTitle),
		Description: msg.Summary,
		Color:       embedColor,
	}
	if !msg.Timestamp.IsZero() {
		embed.Timestamp = msg.Timestamp.UTC().Format(time.RFC3339)
	}
	for _, f := range msg.Fields {
		embed.Fields = append(embed.Fields, discordField{
			Name:   clip(f.Name, maxEmbedFieldName),
			Value:  clip(f.Value, maxEmbedFieldValue),
			Inline: f.Name != "Subject",
		})
	}

	return discordPayload{
		Username: s.username,
		Embeds:   []discordEmbed{embed},
	}
}

// clip cuts s to at most n runes
func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

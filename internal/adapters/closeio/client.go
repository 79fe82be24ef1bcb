package closeio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mikey/email-open-relay/internal/core"
	"github.com/mikey/email-open-relay/internal/httpretry"
)

const (
	pageSize = 100
	// maxPages bounds one fetch so a runaway cursor cannot stall the poller
	maxPages = 50
)

// Config holds Close API client settings
type Config struct {
	APIKey     string
	APIURL     string
	Timeout    time.Duration
	MaxRetries int
}

// Client talks to the Close REST API
type Client struct {
	apiKey  string
	baseURL string
	http    httpretry.HTTPDoer
	logger  *zap.Logger

	namesMu sync.RWMutex
	names   map[string]string
	group   singleflight.Group
}

type activityPage struct {
	Data    []EmailActivity `json:"data"`
	HasMore bool            `json:"has_more"`
}

type lead struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Name        string `json:"name"`
}

// NewClient creates a new Close API client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewClientWithDoer(cfg,
		httpretry.New(&http.Client{Timeout: timeout}, cfg.MaxRetries, logger),
		logger)
}

// NewClientWithDoer creates a client that sends requests through doer
func NewClientWithDoer(cfg Config, doer httpretry.HTTPDoer, logger *zap.Logger) *Client {
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		http:    doer,
		logger:  logger,
		names:   make(map[string]string),
	}
}

// FetchRecentActivity returns a notice for every email activity updated after since
// that has at least one open. Lead names are resolved best effort.
func (c *Client) FetchRecentActivity(ctx context.Context, since time.Time) ([]core.SourceNotice, error) {
	var notices []core.SourceNotice

	for page := 0; page < maxPages; page++ {
		params := url.Values{}
		params.Set("date_updated__gt", formatTime(since))
		params.Set("_skip", strconv.Itoa(page*pageSize))
		params.Set("_limit", strconv.Itoa(pageSize))

		var result activityPage
		if err := c.get(ctx, "/activity/email/", params, &result); err != nil {
			return nil, err
		}

		for i := range result.Data {
			activity := &result.Data[i]
			if !activity.HasOpens() {
				continue
			}

			notice, err := activity.Notice(core.SourcePoll)
			if err != nil {
				// Passed through with no open time so the reconciler counts it as malformed
				c.logger.Warn("Unparseable email activity",
					zap.Error(err),
					zap.String("email_id", activity.ID))
				notice.OpenedAt = time.Time{}
			}
			notice.LeadName = c.ResolveLeadName(ctx, notice.LeadID)
			notices = append(notices, notice)
		}

		if !result.HasMore {
			return notices, nil
		}
	}

	c.logger.Warn("Activity fetch stopped at page limit",
		zap.Int("max_pages", maxPages),
		zap.Time("since", since))
	return notices, nil
}

// ResolveLeadName returns the display name of a lead, or "" when it cannot be looked up.
// Names are cached for the life of the client and concurrent lookups are coalesced.
func (c *Client) ResolveLeadName(ctx context.Context, leadID string) string {
	if leadID == "" {
		return ""
	}

	c.namesMu.RLock()
	name, ok := c.names[leadID]
	c.namesMu.RUnlock()
	if ok {
		return name
	}

	v, err, _ := c.group.Do(leadID, func() (any, error) {
		var l lead
		params := url.Values{}
		params.Set("_fields", "id,display_name,name")
		if err := c.get(ctx, "/lead/"+url.PathEscape(leadID)+"/", params, &l); err != nil {
			return "", err
		}

		name := l.DisplayName
		if name == "" {
			name = l.Name
		}

		c.namesMu.Lock()
		c.names[leadID] = name
		c.namesMu.Unlock()
		return name, nil
	})
	if err != nil {
		c.logger.Warn("Failed to resolve lead name",
			zap.Error(err),
			zap.String("lead_id", leadID))
		return ""
	}

	return v.(string)
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("request to %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}

	return nil
}

package closeio

import (
	"fmt"
	"strings"
	"time"

	"github.com/mikey/email-open-relay/internal/core"
)

// EmailActivity is the subset of a Close email activity the relay reads
type EmailActivity struct {
	ID          string      `json:"id"`
	LeadID      string      `json:"lead_id"`
	Subject     string      `json:"subject"`
	To          []string    `json:"to"`
	Opens       []EmailOpen `json:"opens"`
	DateUpdated string      `json:"date_updated"`
}

// EmailOpen is one open recorded on an activity
type EmailOpen struct {
	OpenedAt  string `json:"opened_at"`
	OpenedBy  string `json:"opened_by"`
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

// HasOpens reports whether the activity carries open tracking data
func (a *EmailActivity) HasOpens() bool {
	return len(a.Opens) > 0
}

// Notice converts an activity into a notice. The open count is the number of
// recorded opens and the open time is the most recent one.
func (a *EmailActivity) Notice(source core.Source) (core.SourceNotice, error) {
	notice := core.SourceNotice{
		EmailID:    a.ID,
		LeadID:     a.LeadID,
		Subject:    a.Subject,
		OpensCount: len(a.Opens),
		Source:     source,
	}
	if len(a.To) > 0 {
		notice.Recipient = a.To[0]
	}

	for _, open := range a.Opens {
		if open.OpenedAt == "" {
			continue
		}
		t, err := parseTime(open.OpenedAt)
		if err != nil {
			return notice, fmt.Errorf("%w: invalid opened_at %q", core.ErrMalformedNotice, open.OpenedAt)
		}
		if t.After(notice.OpenedAt) {
			notice.OpenedAt = t
		}
	}

	return notice, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
}

// parseTime accepts Close timestamps with or without an offset; offsetless values are UTC
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// formatTime renders a time the way Close expects in query filters
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000+00:00")
}

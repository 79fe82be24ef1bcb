package core

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar date format used for date_opened and date-range queries
const DateLayout = "2006-01-02"

// Source identifies where a notice came from
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
	SourceTest    Source = "test"
)

// DecisionKind classifies a notice against the dedup state of its email
type DecisionKind string

const (
	KindNovel       DecisionKind = "novel"
	KindIncremented DecisionKind = "incremented"
	KindReplay      DecisionKind = "replay"
)

// NotifyStatus tracks delivery of the notification for a canonical event
type NotifyStatus string

const (
	NotifyNone    NotifyStatus = ""
	NotifyPending NotifyStatus = "pending"
	NotifySent    NotifyStatus = "sent"
	NotifyFailed  NotifyStatus = "failed"
	NotifySkipped NotifyStatus = "skipped"
)

// SourceNotice is a single unvalidated report of an email open
type SourceNotice struct {
	EmailID    string
	LeadID     string
	LeadName   string
	Subject    string
	Recipient  string
	OpensCount int
	OpenedAt   time.Time
	Source     Source
}

// Validate checks the fields needed to make a dedup decision
func (n *SourceNotice) Validate() error {
	var missing []string
	if strings.TrimSpace(n.EmailID) == "" {
		missing = append(missing, "email_id")
	}
	if strings.TrimSpace(n.LeadID) == "" {
		missing = append(missing, "lead_id")
	}
	if n.OpenedAt.IsZero() {
		missing = append(missing, "opened_at")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedNotice, strings.Join(missing, ", "))
	}
	if n.OpensCount < 1 {
		return fmt.Errorf("%w: opens_count must be at least 1, got %d", ErrMalformedNotice, n.OpensCount)
	}
	return nil
}

// EmailOpenEvent is the persisted record of an observed open state
type EmailOpenEvent struct {
	ID           string
	EmailID      string
	LeadID       string
	LeadName     string
	Subject      string
	Recipient    string
	OpensCount   int
	OpenedAt     time.Time
	NotifiedAt   *time.Time
	DateOpened   string
	Source       Source
	Kind         DecisionKind
	NotifyStatus NotifyStatus
	NotifyError  string
	CreatedAt    time.Time
}

// DisplayName returns the lead name, falling back to the lead id
func (e *EmailOpenEvent) DisplayName() string {
	if name := strings.TrimSpace(e.LeadName); name != "" {
		return name
	}
	return e.LeadID
}

// Decision is the outcome of reconciling one notice
type Decision struct {
	Kind          DecisionKind
	Event         *EmailOpenEvent
	PreviousCount int
	// FromStore is set when the dedup state had to be re-derived from the event store
	FromStore bool
}

// Notifies reports whether the decision produces a notification
func (d *Decision) Notifies() bool {
	return d.Kind == KindNovel || d.Kind == KindIncremented
}

// CacheEntry is the dedup state held for one email
type CacheEntry struct {
	EmailID    string
	OpensCount int
	LastSeen   time.Time
	ExpiresAt  time.Time
}

// CacheStats describes the residency of the dedup cache
type CacheStats struct {
	Entries     int
	OldestEntry *time.Time
}

// EventQuery filters the event log. Zero values mean "no constraint".
type EventQuery struct {
	LeadID         string
	StartDate      string
	EndDate        string
	Since          time.Time
	Limit          int
	IncludeReplays bool
}

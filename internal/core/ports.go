package core

import (
	"context"
	"time"
)

// EventStore is the durable log of open events
type EventStore interface {
	// Append persists a single event
	Append(ctx context.Context, event *EmailOpenEvent) error

	// LatestOpensCount returns the highest canonical opens count stored for an email.
	// found is false when the email has never been recorded.
	LatestOpensCount(ctx context.Context, emailID string) (count int, found bool, err error)

	// MarkNotified records a successful notification
	MarkNotified(ctx context.Context, eventID string, at time.Time) error

	// MarkNotifyFailed records a failed or skipped notification
	MarkNotifyFailed(ctx context.Context, eventID string, status NotifyStatus, reason string) error

	// List returns events matching the query, newest first
	List(ctx context.Context, q EventQuery) ([]*EmailOpenEvent, error)

	// Ping checks the store is reachable
	Ping(ctx context.Context) error
}

// DedupCache is a rebuildable acceleration index over the event store
type DedupCache interface {
	// Get returns the entry for an email, or ErrCacheMiss when absent or expired
	Get(ctx context.Context, emailID string) (*CacheEntry, error)

	// Put stores or replaces an entry
	Put(ctx context.Context, entry *CacheEntry) error

	// Evict removes entries that expired before now
	Evict(ctx context.Context, now time.Time) (int, error)

	// Stats reports entry count and the oldest LastSeen
	Stats(ctx context.Context) (CacheStats, error)
}

// ActivitySource fetches recent open activity from the CRM
type ActivitySource interface {
	FetchRecentActivity(ctx context.Context, since time.Time) ([]SourceNotice, error)
}

// NotificationSender delivers a rendered notification to a chat or mail channel
type NotificationSender interface {
	Send(ctx context.Context, msg *Notification) error
}

// Ingester accepts notices for reconciliation
type Ingester interface {
	Ingest(ctx context.Context, notice SourceNotice) (*Decision, error)
}

// EventSink receives canonical events for notification without blocking
type EventSink interface {
	Enqueue(event *EmailOpenEvent)
}

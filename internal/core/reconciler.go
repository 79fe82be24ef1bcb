package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReconcilerOptions holds the settings the reconciler reads at startup
type ReconcilerOptions struct {
	Retention     time.Duration
	Location      *time.Location
	RecordReplays bool
}

// Reconciler merges webhook and poll notices into one canonical event stream
type Reconciler struct {
	store         EventStore
	cache         DedupCache
	sink          EventSink
	logger        *zap.Logger
	retention     time.Duration
	location      *time.Location
	recordReplays bool
	locks         *keyLock
	now           func() time.Time
}

// NewReconciler creates a new reconciler
func NewReconciler(
	store EventStore,
	cache DedupCache,
	sink EventSink,
	logger *zap.Logger,
	opts ReconcilerOptions,
) *Reconciler {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Reconciler{
		store:         store,
		cache:         cache,
		sink:          sink,
		logger:        logger,
		retention:     retention,
		location:      loc,
		recordReplays: opts.RecordReplays,
		locks:         newKeyLock(),
		now:           time.Now,
	}
}

// Ingest classifies a notice, persists it and hands canonical events to the sink.
// Calls for the same email id are serialized; other ids proceed concurrently.
func (r *Reconciler) Ingest(ctx context.Context, notice SourceNotice) (*Decision, error) {
	if err := notice.Validate(); err != nil {
		return nil, err
	}

	decision, err := r.decide(ctx, notice)
	if err != nil {
		return nil, err
	}

	// Dispatch happens outside the per-email lock, on a copy the caller never sees
	if decision.Notifies() && r.sink != nil {
		event := *decision.Event
		r.sink.Enqueue(&event)
	}

	return decision, nil
}

func (r *Reconciler) decide(ctx context.Context, notice SourceNotice) (*Decision, error) {
	unlock := r.locks.Lock(notice.EmailID)
	defer unlock()

	lastCount, fromStore, err := r.lastCount(ctx, notice.EmailID, notice.OpensCount)
	if err != nil {
		return nil, err
	}

	now := r.now()
	event := r.newEvent(notice, now)
	decision := &Decision{
		Event:         event,
		PreviousCount: lastCount,
		FromStore:     fromStore,
	}

	if notice.OpensCount <= lastCount {
		decision.Kind = KindReplay
		event.Kind = KindReplay
		event.NotifyStatus = NotifyNone

		r.logger.Debug("Replay notice",
			zap.String("email_id", notice.EmailID),
			zap.String("source", string(notice.Source)),
			zap.Int("opens_count", notice.OpensCount),
			zap.Int("last_count", lastCount))

		if r.recordReplays {
			if err := r.store.Append(ctx, event); err != nil {
				// Replay rows are audit only
				r.logger.Warn("Failed to record replay",
					zap.Error(err),
					zap.String("email_id", notice.EmailID))
			}
		}
		if fromStore {
			r.putCache(ctx, notice.EmailID, lastCount, now)
		}
		return decision, nil
	}

	if lastCount == 0 {
		decision.Kind = KindNovel
	} else {
		decision.Kind = KindIncremented
	}
	event.Kind = decision.Kind
	event.NotifyStatus = NotifyPending

	if err := r.store.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("%w: failed to append event for %s: %v", ErrStorage, notice.EmailID, err)
	}

	r.putCache(ctx, notice.EmailID, notice.OpensCount, now)

	r.logger.Info("Recorded email open",
		zap.String("email_id", notice.EmailID),
		zap.String("lead_id", notice.LeadID),
		zap.String("source", string(notice.Source)),
		zap.String("kind", string(decision.Kind)),
		zap.Int("opens_count", notice.OpensCount),
		zap.Int("previous_count", lastCount))

	return decision, nil
}

// lastCount returns the last notified count for an email. The cache only ever lags the
// store, so a cached count at or above the notice settles a replay; anything that would
// notify is confirmed against the store.
func (r *Reconciler) lastCount(ctx context.Context, emailID string, incoming int) (int, bool, error) {
	entry, err := r.cache.Get(ctx, emailID)
	switch {
	case err == nil && incoming <= entry.OpensCount:
		return entry.OpensCount, false, nil
	case err != nil && !errors.Is(err, ErrCacheMiss):
		r.logger.Warn("Dedup cache lookup failed, falling back to store",
			zap.Error(err),
			zap.String("email_id", emailID))
	}

	count, found, err := r.store.LatestOpensCount(ctx, emailID)
	if err != nil {
		return 0, false, fmt.Errorf("%w: failed to look up %s: %v", ErrStorage, emailID, err)
	}
	if !found {
		return 0, false, nil
	}
	return count, true, nil
}

func (r *Reconciler) putCache(ctx context.Context, emailID string, count int, now time.Time) {
	entry := &CacheEntry{
		EmailID:    emailID,
		OpensCount: count,
		LastSeen:   now,
		ExpiresAt:  now.Add(r.retention),
	}
	if err := r.cache.Put(ctx, entry); err != nil {
		r.logger.Warn("Failed to update dedup cache",
			zap.Error(err),
			zap.String("email_id", emailID))
	}
}

func (r *Reconciler) newEvent(notice SourceNotice, now time.Time) *EmailOpenEvent {
	openedAt := notice.OpenedAt.UTC()
	return &EmailOpenEvent{
		ID:         uuid.NewString(),
		EmailID:    notice.EmailID,
		LeadID:     notice.LeadID,
		LeadName:   notice.LeadName,
		Subject:    notice.Subject,
		Recipient:  notice.Recipient,
		OpensCount: notice.OpensCount,
		OpenedAt:   openedAt,
		DateOpened: openedAt.In(r.location).Format(DateLayout),
		Source:     notice.Source,
		CreatedAt:  now.UTC(),
	}
}

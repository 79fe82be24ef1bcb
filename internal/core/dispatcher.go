package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mikey/email-open-relay/internal/muting"
)

// DispatcherOptions holds delivery settings
type DispatcherOptions struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	QueueSize      int
	Workers        int
	RatePerMinute  int
}

// DispatchStats are running delivery counters
type DispatchStats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
	Dropped int64 `json:"dropped"`
	Queued  int   `json:"queued"`
}

// Dispatcher delivers notifications for canonical events
type Dispatcher struct {
	sender    NotificationSender
	store     EventStore
	formatter *MessageFormatter
	muted     *muting.Checker
	logger    *zap.Logger
	opts      DispatcherOptions
	limiter   *rate.Limiter

	queue   chan *EmailOpenEvent
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	stopped bool

	sent    atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64
	dropped atomic.Int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a new dispatcher. Call Start to begin draining the queue.
func NewDispatcher(
	sender NotificationSender,
	store EventStore,
	formatter *MessageFormatter,
	muted *muting.Checker,
	logger *zap.Logger,
	opts DispatcherOptions,
) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = 30 * opts.BaseDelay
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 30 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	var limiter *rate.Limiter
	if opts.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RatePerMinute)/60.0), opts.RatePerMinute)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sender:    sender,
		store:     store,
		formatter: formatter,
		muted:     muted,
		logger:    logger,
		opts:      opts,
		limiter:   limiter,
		queue:     make(chan *EmailOpenEvent, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Start launches the delivery workers
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return errors.New("dispatcher already stopped")
	}
	if d.running {
		return errors.New("dispatcher already running")
	}
	d.running = true

	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	d.logger.Info("Notification dispatcher started",
		zap.Int("workers", d.opts.Workers),
		zap.Int("queue_size", d.opts.QueueSize),
		zap.Int("max_attempts", d.opts.MaxAttempts))
	return nil
}

// Stop abandons pending retries after their current attempt and waits for workers
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.cancel()
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Notification dispatcher stopped")
	return nil
}

// Enqueue hands an event to the workers without blocking.
// A full queue marks the event failed instead of waiting.
func (d *Dispatcher) Enqueue(event *EmailOpenEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.logger.Warn("Dispatcher stopped, leaving notification pending",
			zap.String("event_id", event.ID),
			zap.String("email_id", event.EmailID))
		return
	}

	select {
	case d.queue <- event:
	default:
		d.dropped.Add(1)
		d.logger.Error("Dispatch queue full, notification dropped",
			zap.String("event_id", event.ID),
			zap.String("email_id", event.EmailID))
		d.markFailed(event, NotifyFailed, "dispatch queue full")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for event := range d.queue {
		if d.ctx.Err() != nil {
			// Shutting down; the event stays pending in the store
			continue
		}
		if err := d.Notify(d.ctx, event); err != nil {
			d.logger.Error("Notification not delivered",
				zap.Error(err),
				zap.String("event_id", event.ID),
				zap.String("email_id", event.EmailID))
		}
	}
}

// Notify delivers the notification for a stored event and records the outcome
func (d *Dispatcher) Notify(ctx context.Context, event *EmailOpenEvent) error {
	if d.muted.IsMuted(event.Recipient) {
		d.skipped.Add(1)
		d.markFailed(event, NotifySkipped, "recipient domain muted")
		return nil
	}

	msg := d.formatter.Format(event)
	if err := d.deliver(ctx, msg, event.EmailID); err != nil {
		d.failed.Add(1)
		d.markFailed(event, NotifyFailed, err.Error())
		return err
	}

	d.sent.Add(1)
	at := d.now().UTC()
	event.NotifiedAt = &at
	event.NotifyStatus = NotifySent

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.store.MarkNotified(markCtx, event.ID, at); err != nil {
		d.logger.Error("Failed to record notification",
			zap.Error(err),
			zap.String("event_id", event.ID))
	}

	d.logger.Info("Notification sent",
		zap.String("event_id", event.ID),
		zap.String("email_id", event.EmailID),
		zap.Int("opens_count", event.OpensCount))
	return nil
}

// SendTest delivers a notification for an event that is not stored
func (d *Dispatcher) SendTest(ctx context.Context, event *EmailOpenEvent) error {
	return d.deliver(ctx, d.formatter.Format(event), event.EmailID)
}

// Stats returns the current delivery counters
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Sent:    d.sent.Load(),
		Failed:  d.failed.Load(),
		Skipped: d.skipped.Load(),
		Dropped: d.dropped.Load(),
		Queued:  len(d.queue),
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg *Notification, emailID string) error {
	var lastErr error

	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return d.abandon(lastErr, err)
			}
		}

		err := d.attempt(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrPermanentDelivery) {
			break
		}
		if attempt == d.opts.MaxAttempts {
			break
		}

		delay := d.backoff(attempt)
		d.logger.Warn("Notification attempt failed, retrying",
			zap.Error(err),
			zap.String("email_id", emailID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.opts.MaxAttempts),
			zap.Duration("delay", delay))

		if err := d.sleep(ctx, delay); err != nil {
			return d.abandon(lastErr, err)
		}
	}

	return fmt.Errorf("%w: %v", ErrDispatchFailed, lastErr)
}

// attempt runs one send that shutdown does not interrupt; only waits between attempts are cancelled
func (d *Dispatcher) attempt(ctx context.Context, msg *Notification) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.AttemptTimeout)
	defer cancel()
	return d.sender.Send(sendCtx, msg)
}

func (d *Dispatcher) abandon(lastErr, ctxErr error) error {
	if lastErr != nil {
		return fmt.Errorf("%w: abandoned after %v: %v", ErrDispatchFailed, ctxErr, lastErr)
	}
	return fmt.Errorf("%w: %v", ErrDispatchFailed, ctxErr)
}

// backoff returns an exponential delay with full jitter for the given attempt
func (d *Dispatcher) backoff(attempt int) time.Duration {
	exp := float64(d.opts.BaseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(d.opts.MaxDelay) {
		exp = float64(d.opts.MaxDelay)
	}

	jittered := time.Duration(rand.Float64() * exp)
	if floor := d.opts.BaseDelay / 10; jittered < floor {
		jittered = floor
	}
	return jittered
}

func (d *Dispatcher) markFailed(event *EmailOpenEvent, status NotifyStatus, reason string) {
	event.NotifyStatus = status
	event.NotifyError = reason

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.MarkNotifyFailed(ctx, event.ID, status, reason); err != nil {
		d.logger.Error("Failed to record notification outcome",
			zap.Error(err),
			zap.String("event_id", event.ID),
			zap.String("status", string(status)))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

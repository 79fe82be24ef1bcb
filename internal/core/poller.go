package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PollerOptions holds polling settings
type PollerOptions struct {
	Enabled         bool
	Interval        time.Duration
	InitialLookback time.Duration
	Overlap         time.Duration
}

// PollResult summarizes one poll cycle
type PollResult struct {
	Since       time.Time
	Fetched     int
	Novel       int
	Incremented int
	Replays     int
	Malformed   int
	Dropped     int
}

// Poller periodically pulls recent open activity from the CRM and reconciles it
type Poller struct {
	source   ActivitySource
	ingester Ingester
	logger   *zap.Logger
	opts     PollerOptions

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	cancel    context.CancelFunc
	pollMu    sync.Mutex
	nextSince time.Time

	now func() time.Time
}

// NewPoller creates a new poller
func NewPoller(source ActivitySource, ingester Ingester, logger *zap.Logger, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.InitialLookback <= 0 {
		opts.InitialLookback = time.Hour
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	return &Poller{
		source:   source,
		ingester: ingester,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// Start begins the polling loop when polling is enabled
func (p *Poller) Start() error {
	if !p.opts.Enabled {
		p.logger.Info("Polling disabled")
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("poller already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.running = true

	go p.loop(ctx)

	p.logger.Info("Poller started", zap.Duration("interval", p.opts.Interval))
	return nil
}

// Stop halts the loop and abandons an in-flight fetch
func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.cancel()
	done := p.doneCh
	p.mu.Unlock()

	<-done
	p.logger.Info("Poller stopped")
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	result, err := p.PollOnce(ctx)
	if err != nil {
		// Retried on the next tick
		p.logger.Error("Poll failed", zap.Error(err))
		return
	}
	p.logger.Info("Poll completed",
		zap.Time("since", result.Since),
		zap.Int("fetched", result.Fetched),
		zap.Int("novel", result.Novel),
		zap.Int("incremented", result.Incremented),
		zap.Int("replays", result.Replays),
		zap.Int("malformed", result.Malformed),
		zap.Int("dropped", result.Dropped))
}

// PollOnce runs a single fetch and reconciles every returned notice
func (p *Poller) PollOnce(ctx context.Context) (*PollResult, error) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	started := p.now()
	since := p.nextSince
	if since.IsZero() {
		since = started.Add(-p.opts.InitialLookback)
	}

	notices, err := p.source.FetchRecentActivity(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	result := &PollResult{Since: since, Fetched: len(notices)}
	for _, notice := range notices {
		notice.Source = SourcePoll

		decision, err := p.ingester.Ingest(ctx, notice)
		if err != nil {
			if errors.Is(err, ErrMalformedNotice) {
				result.Malformed++
				p.logger.Warn("Skipping malformed activity record",
					zap.Error(err),
					zap.String("email_id", notice.EmailID))
				continue
			}
			// The next cycle may observe the record again
			result.Dropped++
			p.logger.Warn("Dropping polled notice",
				zap.Error(err),
				zap.String("email_id", notice.EmailID))
			continue
		}

		switch decision.Kind {
		case KindNovel:
			result.Novel++
		case KindIncremented:
			result.Incremented++
		case KindReplay:
			result.Replays++
		}
	}

	// Keep the window open so dropped records are fetched again next cycle
	if result.Dropped == 0 {
		p.nextSince = started.Add(-p.opts.Overlap)
	} else {
		p.nextSince = since
	}
	return result, nil
}

package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memStore is an EventStore double backed by a slice
type memStore struct {
	mu        sync.Mutex
	events    []*EmailOpenEvent
	appendErr error
	lookupErr error
	listErr   error
	lookups   int
}

func newMemStore() *memStore {
	return &memStore{}
}

func (s *memStore) Append(ctx context.Context, event *EmailOpenEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	copied := *event
	s.events = append(s.events, &copied)
	return nil
}

func (s *memStore) LatestOpensCount(ctx context.Context, emailID string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.lookupErr != nil {
		return 0, false, s.lookupErr
	}
	count, found := 0, false
	for _, e := range s.events {
		if e.EmailID != emailID || e.Kind == KindReplay {
			continue
		}
		found = true
		if e.OpensCount > count {
			count = e.OpensCount
		}
	}
	return count, found, nil
}

func (s *memStore) MarkNotified(ctx context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == eventID {
			t := at
			e.NotifiedAt = &t
			e.NotifyStatus = NotifySent
			e.NotifyError = ""
			return nil
		}
	}
	return ErrEventNotFound
}

func (s *memStore) MarkNotifyFailed(ctx context.Context, eventID string, status NotifyStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == eventID {
			e.NotifyStatus = status
			e.NotifyError = reason
			return nil
		}
	}
	return ErrEventNotFound
}

func (s *memStore) List(ctx context.Context, q EventQuery) ([]*EmailOpenEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}

	var out []*EmailOpenEvent
	for _, e := range s.events {
		if !q.IncludeReplays && e.Kind == KindReplay {
			continue
		}
		if q.LeadID != "" && e.LeadID != q.LeadID {
			continue
		}
		if q.StartDate != "" && e.DateOpened < q.StartDate {
			continue
		}
		if q.EndDate != "" && e.DateOpened > q.EndDate {
			continue
		}
		if !q.Since.IsZero() && e.OpenedAt.Before(q.Since) {
			continue
		}
		copied := *e
		out = append(out, &copied)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.After(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memStore) Ping(ctx context.Context) error { return nil }

func (s *memStore) snapshot() []*EmailOpenEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*EmailOpenEvent, 0, len(s.events))
	for _, e := range s.events {
		copied := *e
		out = append(out, &copied)
	}
	return out
}

func (s *memStore) byID(id string) *EmailOpenEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == id {
			copied := *e
			return &copied
		}
	}
	return nil
}

// memCache is a DedupCache double with injectable failures
type memCache struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry
	getErr  error
	putErr  error
	now     func() time.Time
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*CacheEntry), now: func() time.Time { return baseTime }}
}

func (c *memCache) Get(ctx context.Context, emailID string) (*CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	entry, ok := c.entries[emailID]
	if !ok || !c.now().Before(entry.ExpiresAt) {
		return nil, ErrCacheMiss
	}
	copied := *entry
	return &copied, nil
}

func (c *memCache) Put(ctx context.Context, entry *CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.putErr != nil {
		return c.putErr
	}
	copied := *entry
	c.entries[entry.EmailID] = &copied
	return nil
}

func (c *memCache) Evict(ctx context.Context, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.ExpiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n, nil
}

func (c *memCache) Stats(ctx context.Context) (CacheStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.entries)}, nil
}

func (c *memCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*CacheEntry)
}

// recordingSink captures enqueued events
type recordingSink struct {
	mu     sync.Mutex
	events []*EmailOpenEvent
}

func (s *recordingSink) Enqueue(event *EmailOpenEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) all() []*EmailOpenEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*EmailOpenEvent(nil), s.events...)
}

// scriptedSender fails according to errs, one entry per call, then succeeds
type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
	sent  []*Notification
}

func (s *scriptedSender) Send(ctx context.Context, msg *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var errBoom = errors.New("boom")

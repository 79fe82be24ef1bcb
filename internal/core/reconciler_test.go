package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var baseTime = time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)

func newTestReconciler(store EventStore, cache DedupCache, sink EventSink) *Reconciler {
	r := NewReconciler(store, cache, sink, zap.NewNop(), ReconcilerOptions{
		Retention:     24 * time.Hour,
		Location:      time.UTC,
		RecordReplays: true,
	})
	r.now = func() time.Time { return baseTime }
	return r
}

func notice(emailID string, count int, source Source) SourceNotice {
	return SourceNotice{
		EmailID:    emailID,
		LeadID:     "lead_" + emailID,
		LeadName:   "Lead " + emailID,
		Subject:    "Hello",
		Recipient:  "someone@example.com",
		OpensCount: count,
		OpenedAt:   baseTime.Add(time.Duration(count) * time.Minute),
		Source:     source,
	}
}

func TestReconciler_ScenarioA_FirstNoticeThenReplay(t *testing.T) {
	store, cache, sink := newMemStore(), newMemCache(), &recordingSink{}
	r := newTestReconciler(store, cache, sink)
	ctx := context.Background()

	first, err := r.Ingest(ctx, notice("E1", 1, SourceWebhook))
	require.NoError(t, err)
	assert.Equal(t, KindNovel, first.Kind)
	assert.True(t, first.Notifies())
	assert.Equal(t, NotifyPending, first.Event.NotifyStatus)

	second, err := r.Ingest(ctx, notice("E1", 1, SourceWebhook))
	require.NoError(t, err)
	assert.Equal(t, KindReplay, second.Kind)
	assert.False(t, second.Notifies())

	assert.Len(t, sink.all(), 1)
	events := store.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, KindNovel, events[0].Kind)
	assert.Equal(t, KindReplay, events[1].Kind)
}

func TestReconciler_ScenarioB_IncrementNotifies(t *testing.T) {
	store, cache, sink := newMemStore(), newMemCache(), &recordingSink{}
	r := newTestReconciler(store, cache, sink)
	ctx := context.Background()

	_, err := r.Ingest(ctx, notice("E1", 1, SourceWebhook))
	require.NoError(t, err)

	d, err := r.Ingest(ctx, notice("E1", 2, SourcePoll))
	require.NoError(t, err)
	assert.Equal(t, KindIncremented, d.Kind)
	assert.Equal(t, 1, d.PreviousCount)

	notified := sink.all()
	require.Len(t, notified, 2)
	assert.Equal(t, 2, notified[1].OpensCount)
}

func TestReconciler_ScenarioC_HigherCountWins(t *testing.T) {
	store, cache, sink := newMemStore(), newMemCache(), &recordingSink{}
	r := newTestReconciler(store, cache, sink)
	ctx := context.Background()

	webhook, err := r.Ingest(ctx, notice("E1", 3, SourceWebhook))
	require.NoError(t, err)
	poll, err := r.Ingest(ctx, notice("E1", 2, SourcePoll))
	require.NoError(t, err)

	assert.Equal(t, KindNovel, webhook.Kind)
	assert.Equal(t, KindReplay, poll.Kind)

	notified := sink.all()
	require.Len(t, notified, 1)
	assert.Equal(t, 3, notified[0].OpensCount)
}

func TestReconciler_SameCountBothSourcesFirstWins(t *testing.T) {
	store, cache, sink := newMemStore(), newMemCache(), &recordingSink{}
	r := newTestReconciler(store, cache, sink)
	ctx := context.Background()

	poll := notice("E1", 2, SourcePoll)
	webhook := notice("E1", 2, SourceWebhook)
	webhook.OpenedAt = poll.OpenedAt.Add(30 * time.Second)

	_, err := r.Ingest(ctx, poll)
	require.NoError(t, err)
	d, err := r.Ingest(ctx, webhook)
	require.NoError(t, err)
	assert.Equal(t, KindReplay, d.Kind)

	canonical, err := store.List(ctx, EventQuery{})
	require.NoError(t, err)
	require.Len(t, canonical, 1)
	assert.Equal(t, SourcePoll, canonical[0].Source)
	assert.True(t, canonical[0].OpenedAt.Equal(poll.OpenedAt))
}

func TestReconciler_CacheMissTransparency(t *testing.T) {
	ctx := context.Background()
	sequence := []SourceNotice{
		notice("E1", 1, SourceWebhook),
		notice("E1", 2, SourcePoll),
		notice("E2", 1, SourcePoll),
	}
	probes := []SourceNotice{
		notice("E1", 2, SourceWebhook),
		notice("E1", 3, SourceWebhook),
		notice("E2", 1, SourceWebhook),
		notice("E3", 1, SourceWebhook),
	}

	for _, probe := range probes {
		t.Run(fmt.Sprintf("%s_%d", probe.EmailID, probe.OpensCount), func(t *testing.T) {
			warm := newTestReconciler(newMemStore(), newMemCache(), &recordingSink{})
			coldCache := newMemCache()
			cold := newTestReconciler(newMemStore(), coldCache, &recordingSink{})

			for _, n := range sequence {
				_, err := warm.Ingest(ctx, n)
				require.NoError(t, err)
				_, err = cold.Ingest(ctx, n)
				require.NoError(t, err)
			}
			coldCache.clear()

			want, err := warm.Ingest(ctx, probe)
			require.NoError(t, err)
			got, err := cold.Ingest(ctx, probe)
			require.NoError(t, err)

			assert.Equal(t, want.Kind, got.Kind)
			assert.Equal(t, want.PreviousCount, got.PreviousCount)
		})
	}
}

func TestReconciler_EvictedEntryFallsBackToStore(t *testing.T) {
	store, cache := newMemStore(), newMemCache()
	r := newTestReconciler(store, cache, &recordingSink{})
	ctx := context.Background()

	_, err := r.Ingest(ctx, notice("E1", 2, SourceWebhook))
	require.NoError(t, err)

	evicted, err := cache.Evict(ctx, baseTime.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	d, err := r.Ingest(ctx, notice("E1", 2, SourcePoll))
	require.NoError(t, err)
	assert.Equal(t, KindReplay, d.Kind)
	assert.True(t, d.FromStore)

	// The fallback repopulates the cache
	entry, err := cache.Get(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.OpensCount)
}

func TestReconciler_CacheFailureDegradesToStore(t *testing.T) {
	store, cache, sink := newMemStore(), newMemCache(), &recordingSink{}
	r := newTestReconciler(store, cache, sink)
	ctx := context.Background()

	_, err := r.Ingest(ctx, notice("E1", 1, SourceWebhook))
	require.NoError(t, err)

	cache.getErr = errBoom
	cache.putErr = errBoom

	d, err := r.Ingest(ctx, notice("E1", 1, SourcePoll))
	require.NoError(t, err)
	assert.Equal(t, KindReplay, d.Kind)

	d, err = r.Ingest(ctx, notice("E1", 2, SourcePoll))
	require.NoError(t, err)
	assert.Equal(t, KindIncremented, d.Kind)
	assert.Len(t, sink.all(), 2)
}

func TestReconciler_StaleCacheNeverDoubleNotifies(t *testing.T) {
	store, cache, sink := newMemStore(), newMemCache(), &recordingSink{}
	r := newTestReconciler(store, cache, sink)
	ctx := context.Background()

	_, err := r.Ingest(ctx, notice("E1", 1, SourceWebhook))
	require.NoError(t, err)

	// A failed cache write leaves the cached count behind the store
	cache.putErr = errBoom
	_, err = r.Ingest(ctx, notice("E1", 2, SourceWebhook))
	require.NoError(t, err)
	cache.putErr = nil

	d, err := r.Ingest(ctx, notice("E1", 2, SourcePoll))
	require.NoError(t, err)
	assert.Equal(t, KindReplay, d.Kind)
	assert.Len(t, sink.all(), 2)
}

func TestReconciler_StorageFailure(t *testing.T) {
	store, cache, sink := newMemStore(), newMemCache(), &recordingSink{}
	r := newTestReconciler(store, cache, sink)
	ctx := context.Background()

	store.appendErr = errBoom
	_, err := r.Ingest(ctx, notice("E1", 1, SourceWebhook))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.Empty(t, sink.all())

	_, err = cache.Get(ctx, "E1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	store.appendErr = nil
	store.lookupErr = errBoom
	_, err = r.Ingest(ctx, notice("E1", 1, SourceWebhook))
	assert.ErrorIs(t, err, ErrStorage)
}

func TestReconciler_ReplayAuditFailureIsNotFatal(t *testing.T) {
	store, cache := newMemStore(), newMemCache()
	r := newTestReconciler(store, cache, &recordingSink{})
	ctx := context.Background()

	_, err := r.Ingest(ctx, notice("E1", 1, SourceWebhook))
	require.NoError(t, err)

	store.appendErr = errBoom
	d, err := r.Ingest(ctx, notice("E1", 1, SourcePoll))
	require.NoError(t, err)
	assert.Equal(t, KindReplay, d.Kind)
}

func TestReconciler_ReplaysNotRecordedWhenDisabled(t *testing.T) {
	store := newMemStore()
	r := NewReconciler(store, newMemCache(), &recordingSink{}, zap.NewNop(), ReconcilerOptions{})
	ctx := context.Background()

	_, err := r.Ingest(ctx, notice("E1", 1, SourceWebhook))
	require.NoError(t, err)
	_, err = r.Ingest(ctx, notice("E1", 1, SourcePoll))
	require.NoError(t, err)

	assert.Len(t, store.snapshot(), 1)
}

func TestReconciler_Malformed(t *testing.T) {
	r := newTestReconciler(newMemStore(), newMemCache(), &recordingSink{})

	tests := []struct {
		name   string
		mutate func(n *SourceNotice)
	}{
		{"missing email id", func(n *SourceNotice) { n.EmailID = "" }},
		{"missing lead id", func(n *SourceNotice) { n.LeadID = " " }},
		{"zero count", func(n *SourceNotice) { n.OpensCount = 0 }},
		{"missing opened at", func(n *SourceNotice) { n.OpenedAt = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := notice("E1", 1, SourceWebhook)
			tt.mutate(&n)
			_, err := r.Ingest(context.Background(), n)
			assert.ErrorIs(t, err, ErrMalformedNotice)
		})
	}
}

func TestReconciler_DateOpenedUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC-8", -8*3600)
	r := NewReconciler(newMemStore(), newMemCache(), nil, zap.NewNop(), ReconcilerOptions{Location: loc})

	n := notice("E1", 1, SourceWebhook)
	n.OpenedAt = time.Date(2025, 2, 1, 3, 0, 0, 0, time.UTC)

	d, err := r.Ingest(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-31", d.Event.DateOpened)
}

func TestReconciler_ConcurrentDuplicatesNotifyOnce(t *testing.T) {
	store, cache, sink := newMemStore(), newMemCache(), &recordingSink{}
	r := newTestReconciler(store, cache, sink)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := SourceWebhook
			if i%2 == 0 {
				source = SourcePoll
			}
			_, err := r.Ingest(ctx, notice("E1", 1+i%3, source))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// At most one notification per (email, count)
	seen := make(map[int]int)
	for _, e := range sink.all() {
		seen[e.OpensCount]++
	}
	for count, n := range seen {
		assert.Equal(t, 1, n, "count %d notified %d times", count, n)
	}
	assert.Equal(t, 1, seen[3])
	assert.Equal(t, 0, r.locks.size())
}

func TestReconciler_StoredCountsAreMonotonic(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store, newMemCache(), &recordingSink{})
	ctx := context.Background()

	for _, c := range []int{1, 3, 2, 3, 5, 4, 1, 6} {
		_, err := r.Ingest(ctx, notice("E1", c, SourcePoll))
		require.NoError(t, err)
	}

	last := 0
	for _, e := range store.snapshot() {
		if e.Kind == KindReplay {
			continue
		}
		assert.Greater(t, e.OpensCount, last)
		last = e.OpensCount
	}
	assert.Equal(t, 6, last)
}

func TestReconciler_OrderIndependentForDuplicatedDeliveries(t *testing.T) {
	ctx := context.Background()
	notices := []SourceNotice{
		notice("E1", 3, SourceWebhook),
		notice("E1", 3, SourcePoll),
		notice("E2", 1, SourceWebhook),
		notice("E2", 1, SourcePoll),
	}

	type outcome struct {
		canonical map[string]int
		notified  map[string]int
	}
	run := func(order []int) outcome {
		store, sink := newMemStore(), &recordingSink{}
		r := newTestReconciler(store, newMemCache(), sink)
		for _, i := range order {
			_, err := r.Ingest(ctx, notices[i])
			require.NoError(t, err)
		}
		out := outcome{canonical: map[string]int{}, notified: map[string]int{}}
		canonical, err := store.List(ctx, EventQuery{})
		require.NoError(t, err)
		for _, e := range canonical {
			out.canonical[e.EmailID] = e.OpensCount
		}
		for _, e := range sink.all() {
			out.notified[fmt.Sprintf("%s/%d", e.EmailID, e.OpensCount)]++
		}
		return out
	}

	want := run([]int{0, 1, 2, 3})
	for _, order := range permutations([]int{0, 1, 2, 3}) {
		got := run(order)
		assert.Equal(t, want, got, "order %v", order)
	}
	assert.Equal(t, map[string]int{"E1/3": 1, "E2/1": 1}, want.notified)
}

func permutations(xs []int) [][]int {
	if len(xs) <= 1 {
		return [][]int{append([]int(nil), xs...)}
	}
	var out [][]int
	for i := range xs {
		rest := make([]int, 0, len(xs)-1)
		rest = append(rest, xs[:i]...)
		rest = append(rest, xs[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]int{xs[i]}, p...))
		}
	}
	return out
}

package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
	"github.com/JakeFAU/quotafill-crawler/internal/storage/memory"
)

func newWalker(t *testing.T, cfg scheduler.SourceConfig, store scheduler.Store, listing scheduler.ListingFetcher, pacer scheduler.Pacer) *scheduler.Walker {
	t.Helper()
	gate, err := scheduler.NewGate(cfg)
	require.NoError(t, err)
	return scheduler.NewWalker(cfg, gate, store, listing, nil,
		scheduler.WithPagePacer(pacer),
		scheduler.WithWalkerClock(now),
	)
}

func TestWalkShortPageStops(t *testing.T) {
	t.Parallel()
	store := memory.NewPartitionStore()
	listing := newFakeListing()
	page1 := append(storyItems("articles", 0, 12), storyItems("opinion", 100, 38)...)
	listing.set(wsjKey, 1, page1)
	listing.set(wsjKey, 2, storyItems("articles", 200, 10))
	listing.set(wsjKey, 3, storyItems("articles", 300, 50))
	pacer := &countingPacer{}

	res, err := newWalker(t, wsjSource(), store, listing, pacer).Walk(context.Background(), wsjKey)
	require.NoError(t, err)
	require.Equal(t, scheduler.WalkResult{Pages: 2, Items: 60, Accepted: 22, Rejected: 38}, res)
	require.Equal(t, []int{1, 2}, listing.pageCalls())
	require.Equal(t, 1, pacer.count())

	entries := store.Exploration()
	require.Len(t, entries, 2)
	require.Equal(t, 1, entries[0].PageNumber)
	require.Equal(t, 50, entries[0].ItemCount)
	require.Equal(t, 12, entries[0].Accepted)
	require.True(t, entries[1].ItemsFound)
	require.Equal(t, 10, entries[1].Accepted)

	links := store.Links()
	require.Len(t, links, 22)
	for _, l := range links {
		require.Equal(t, scheduler.StatePending, l.State)
		require.Equal(t, wsjKey, l.Key)
		require.Equal(t, now.t, l.DiscoveredAt)
	}
}

func TestWalkEmptyPageRuleAdvancesOnShortPages(t *testing.T) {
	t.Parallel()
	cfg := wsjSource()
	cfg.StopRule = scheduler.StopOnEmptyPage
	store := memory.NewPartitionStore()
	listing := newFakeListing()
	listing.set(wsjKey, 1, storyItems("articles", 0, 5))
	listing.set(wsjKey, 2, storyItems("articles", 10, 3))

	res, err := newWalker(t, cfg, store, listing, nil).Walk(context.Background(), wsjKey)
	require.NoError(t, err)
	require.Equal(t, 3, res.Pages)
	require.Equal(t, 8, res.Accepted)
	require.Equal(t, []int{1, 2, 3}, listing.pageCalls())

	entries := store.Exploration()
	require.Len(t, entries, 3)
	require.False(t, entries[2].ItemsFound)
}

func TestWalkStopsOnNonOKAndTransportError(t *testing.T) {
	t.Parallel()

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		store := memory.NewPartitionStore()
		listing := newFakeListing()
		listing.set(wsjKey, 1, storyItems("articles", 0, 50))
		listing.setStatus(wsjKey, 2, scheduler.ListingNotFound, 404)

		res, err := newWalker(t, wsjSource(), store, listing, nil).Walk(context.Background(), wsjKey)
		require.NoError(t, err)
		require.Equal(t, 2, res.Pages)
		require.Equal(t, 50, res.Accepted)
		require.Equal(t, []int{1, 2}, listing.pageCalls())
	})

	t.Run("transport error", func(t *testing.T) {
		t.Parallel()
		store := memory.NewPartitionStore()
		listing := newFakeListing()
		listing.errs[1] = errTransport

		res, err := newWalker(t, wsjSource(), store, listing, nil).Walk(context.Background(), wsjKey)
		require.NoError(t, err)
		require.Equal(t, scheduler.WalkResult{Pages: 1}, res)
		require.Empty(t, store.Links())
		require.Len(t, store.Exploration(), 1)
	})
}

func TestWalkIsIdempotent(t *testing.T) {
	t.Parallel()
	store := memory.NewPartitionStore()
	listing := newFakeListing()
	listing.set(wsjKey, 1, storyItems("articles", 0, 7))
	walker := newWalker(t, wsjSource(), store, listing, nil)

	first, err := walker.Walk(context.Background(), wsjKey)
	require.NoError(t, err)
	require.Equal(t, 7, first.Accepted)

	listing.set(wsjKey, 1, storyItems("articles", 0, 9))
	second, err := walker.Walk(context.Background(), wsjKey)
	require.NoError(t, err)
	require.Equal(t, 2, second.Accepted)
	require.Equal(t, 7, second.Duplicates)
	require.Len(t, store.Links(), 9)
}

func TestWalkDedupesWithinPage(t *testing.T) {
	t.Parallel()
	store := memory.NewPartitionStore()
	listing := newFakeListing()
	items := storyItems("articles", 0, 3)
	items = append(items, scheduler.RawItem{URL: items[0].URL + "#top", Headline: items[0].Headline})
	listing.set(wsjKey, 1, items)

	res, err := newWalker(t, wsjSource(), store, listing, nil).Walk(context.Background(), wsjKey)
	require.NoError(t, err)
	require.Equal(t, 3, res.Accepted)
	require.Equal(t, 1, res.Duplicates)
}

func TestWalkRespectsMaxPages(t *testing.T) {
	t.Parallel()
	cfg := wsjSource()
	cfg.MaxPages = 1
	store := memory.NewPartitionStore()
	listing := newFakeListing()
	listing.set(wsjKey, 1, storyItems("articles", 0, 50))
	listing.set(wsjKey, 2, storyItems("articles", 50, 50))

	res, err := newWalker(t, cfg, store, listing, nil).Walk(context.Background(), wsjKey)
	require.NoError(t, err)
	require.Equal(t, 1, res.Pages)
	require.Equal(t, []int{1}, listing.pageCalls())
}

func TestWalkCanceledContext(t *testing.T) {
	t.Parallel()
	store := memory.NewPartitionStore()
	listing := newFakeListing()
	listing.set(wsjKey, 1, storyItems("articles", 0, 50))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newWalker(t, wsjSource(), store, listing, &countingPacer{}).Walk(ctx, wsjKey)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWalkLeavesBetweenPagesWhenStopRequested(t *testing.T) {
	t.Parallel()
	store := memory.NewPartitionStore()
	listing := newFakeListing()
	listing.set(wsjKey, 1, storyItems("articles", 0, 50))
	listing.set(wsjKey, 2, storyItems("articles", 100, 50))
	pacer := &countingPacer{}

	cfg := wsjSource()
	gate, err := scheduler.NewGate(cfg)
	require.NoError(t, err)
	w := scheduler.NewWalker(cfg, gate, store, listing, nil,
		scheduler.WithPagePacer(pacer),
		scheduler.WithWalkerClock(now),
		scheduler.WithWalkStopCheck(func() bool { return true }),
	)

	res, err := w.Walk(context.Background(), wsjKey)
	require.NoError(t, err)
	require.Equal(t, scheduler.WalkResult{Pages: 1, Items: 50, Accepted: 50}, res)
	require.Equal(t, []int{1}, listing.pageCalls())
	require.Zero(t, pacer.count())
	require.Len(t, store.Exploration(), 1)
}

func TestWalkNoPageIsNotLogged(t *testing.T) {
	t.Parallel()
	store := memory.NewPartitionStore()
	listing := newFakeListing()
	listing.set(wsjKey, 1, storyItems("articles", 0, 50))
	listing.setStatus(wsjKey, 2, scheduler.ListingNoPage, 0)

	res, err := newWalker(t, wsjSource(), store, listing, nil).Walk(context.Background(), wsjKey)
	require.NoError(t, err)
	require.Equal(t, 1, res.Pages)
	require.Equal(t, 50, res.Accepted)
	require.Equal(t, []int{1, 2}, listing.pageCalls())

	entries := store.Exploration()
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].PageNumber)
}

package scheduler_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
	"github.com/JakeFAU/quotafill-crawler/internal/storage/memory"
)

func seedLinks(t *testing.T, store scheduler.Store, key scheduler.PartitionKey, urls ...string) []scheduler.LinkRecord {
	t.Helper()
	out := make([]scheduler.LinkRecord, 0, len(urls))
	for _, u := range urls {
		rec, inserted, err := store.InsertLinkIfAbsent(context.Background(), scheduler.NewLink{Key: key, URL: u, Headline: "headline"})
		require.NoError(t, err)
		require.True(t, inserted)
		out = append(out, rec)
	}
	return out
}

func newFiller(t *testing.T, cfg scheduler.SourceConfig, store scheduler.Store, content scheduler.ContentFetcher, pacer scheduler.Pacer, opts ...scheduler.FillerOption) *scheduler.Filler {
	t.Helper()
	gate, err := scheduler.NewGate(cfg)
	require.NoError(t, err)
	opts = append([]scheduler.FillerOption{scheduler.WithFetchPacer(pacer), scheduler.WithFillerClock(now)}, opts...)
	return scheduler.NewFiller(gate, store, content, nil, opts...)
}

func TestFillStoresAndLeavesFailuresPending(t *testing.T) {
	t.Parallel()
	store := memory.NewPartitionStore()
	links := seedLinks(t, store, wsjKey,
		"https://www.wsj.com/articles/a",
		"https://www.wsj.com/articles/b",
		"https://www.wsj.com/articles/c",
		"https://www.wsj.com/articles/d",
	)
	content := newFakeContent()
	content.set(links[0].URL, body(0))
	content.set(links[1].URL, scheduler.Article{Title: "paywalled", Body: "   "})
	content.errs[links[2].URL] = errTransport
	content.set(links[3].URL, body(3))
	pacer := &countingPacer{}

	res, err := newFiller(t, wsjSource(), store, content, pacer).Fill(context.Background(),
		scheduler.PartitionStatus{Key: wsjKey, Pending: 4, Remaining: 30})
	require.NoError(t, err)
	require.Equal(t, scheduler.FillResult{Attempted: 4, Stored: 2, Empty: 1, Failed: 1}, res)
	require.Equal(t, 3, pacer.count())

	states := map[int64]scheduler.ScanState{}
	for _, l := range store.Links() {
		states[l.ID] = l.State
	}
	require.Equal(t, scheduler.StateScanned, states[links[0].ID])
	require.Equal(t, scheduler.StatePending, states[links[1].ID])
	require.Equal(t, scheduler.StatePending, states[links[2].ID])
	require.Equal(t, scheduler.StateScanned, states[links[3].ID])

	c, ok := store.Content(links[0].ID)
	require.True(t, ok)
	require.Equal(t, "Title 0", c.Title)
	require.Equal(t, now.t, c.FetchedAt)
	_, ok = store.Content(links[1].ID)
	require.False(t, ok)
}

func TestFillHonorsRemainingQuota(t *testing.T) {
	t.Parallel()
	store := memory.NewPartitionStore()
	urls := make([]string, 0, 10)
	content := newFakeContent()
	for i := range 10 {
		u := fmt.Sprintf("https://www.wsj.com/articles/q-%d", i)
		urls = append(urls, u)
		content.set(u, body(i))
	}
	seedLinks(t, store, wsjKey, urls...)

	res, err := newFiller(t, wsjSource(), store, content, nil).Fill(context.Background(),
		scheduler.PartitionStatus{Key: wsjKey, Pending: 10, Remaining: 4})
	require.NoError(t, err)
	require.Equal(t, 4, res.Stored)
	require.Equal(t, urls[:4], content.fetched())

	usable, err := store.UsableCount(context.Background(), wsjKey)
	require.NoError(t, err)
	require.Equal(t, 4, usable)
}

func TestFillContentExclusion(t *testing.T) {
	t.Parallel()
	cfg := wsjSource()
	cfg.ContentExclude = []string{"/livecoverage/", "/lifestyle/"}
	store := memory.NewPartitionStore()
	links := seedLinks(t, store, wsjKey,
		"https://www.wsj.com/livecoverage/markets-today",
		"https://www.wsj.com/articles/travel-piece",
		"https://www.wsj.com/articles/rates",
	)
	content := newFakeContent()
	content.set(links[1].URL, scheduler.Article{Body: "Some body", Section: "Lifestyle"})
	content.set(links[2].URL, body(2))

	res, err := newFiller(t, cfg, store, content, nil).Fill(context.Background(),
		scheduler.PartitionStatus{Key: wsjKey, Pending: 3, Remaining: 30})
	require.NoError(t, err)
	require.Equal(t, scheduler.FillResult{Attempted: 2, Stored: 1, Excluded: 2}, res)
	require.NotContains(t, content.fetched(), links[0].URL)

	got := store.Links()
	require.Equal(t, scheduler.StateExcluded, got[0].State)
	require.Equal(t, scheduler.StateExcluded, got[1].State)
	require.Equal(t, scheduler.StateScanned, got[2].State)
}

func TestFillStopsBetweenLinksWhenRequested(t *testing.T) {
	t.Parallel()
	store := memory.NewPartitionStore()
	links := seedLinks(t, store, wsjKey,
		"https://www.wsj.com/articles/s1",
		"https://www.wsj.com/articles/s2",
		"https://www.wsj.com/articles/s3",
	)
	content := newFakeContent()
	for i, l := range links {
		content.set(l.URL, body(i))
	}
	stop := false
	content.onFetch = func(string) { stop = true }

	res, err := newFiller(t, wsjSource(), store, content, nil,
		scheduler.WithStopCheck(func() bool { return stop }),
	).Fill(context.Background(), scheduler.PartitionStatus{Key: wsjKey, Pending: 3, Remaining: 30})
	require.NoError(t, err)
	require.Equal(t, 1, res.Attempted)
	require.Equal(t, 1, res.Stored)
}

func TestFillPropagatesCancellation(t *testing.T) {
	t.Parallel()
	store := memory.NewPartitionStore()
	links := seedLinks(t, store, wsjKey, "https://www.wsj.com/articles/x1", "https://www.wsj.com/articles/x2")
	content := newFakeContent()
	ctx, cancel := context.WithCancel(context.Background())
	content.onFetch = func(string) { cancel() }
	content.set(links[0].URL, body(0))
	content.set(links[1].URL, body(1))

	res, err := newFiller(t, wsjSource(), store, content, &countingPacer{}).Fill(ctx,
		scheduler.PartitionStatus{Key: wsjKey, Pending: 2, Remaining: 30})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, res.Stored)
}

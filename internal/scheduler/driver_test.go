package scheduler_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
	"github.com/JakeFAU/quotafill-crawler/internal/storage/memory"
)

type harness struct {
	store    *memory.PartitionStore
	listing  *fakeListing
	content  *fakeContent
	reporter *recordingReporter
	driver   *scheduler.Driver
}

func newHarness(t *testing.T, cfg scheduler.SourceConfig, dcfg scheduler.DriverConfig) *harness {
	t.Helper()
	h := &harness{
		store:    memory.NewPartitionStore(),
		listing:  newFakeListing(),
		content:  newFakeContent(),
		reporter: &recordingReporter{},
	}
	gate, err := scheduler.NewGate(cfg)
	require.NoError(t, err)
	walker := scheduler.NewWalker(cfg, gate, h.store, h.listing, nil, scheduler.WithWalkerClock(now))
	filler := scheduler.NewFiller(gate, h.store, h.content, nil, scheduler.WithFillerClock(now))
	planner := scheduler.NewPlanner(h.store, cfg)
	h.driver = scheduler.NewDriver(dcfg, cfg.Name, planner, walker, filler, nil,
		scheduler.WithReporter(h.reporter),
		scheduler.WithIDGenerator(staticIDs{id: "run-1"}),
		scheduler.WithDriverClock(now),
	)
	return h
}

func fullDriver() scheduler.DriverConfig {
	return scheduler.DriverConfig{WalkEnabled: true, FetchEnabled: true}
}

// The WSJ 2023-03-15 day: 22 usable links across two listing pages, two of
// which never yield a body. The run settles at 20 after an idle round.
func TestDriverWSJScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wsjSource(), fullDriver())

	page1 := append(storyItems("articles", 0, 12), storyItems("opinion", 100, 38)...)
	page2 := storyItems("articles", 200, 10)
	h.listing.set(wsjKey, 1, page1)
	h.listing.set(wsjKey, 2, page2)
	accepted := append(append([]scheduler.RawItem{}, page1[:12]...), page2...)
	for i, item := range accepted {
		if i == 5 || i == 17 {
			h.content.set(item.URL, scheduler.Article{Title: "Subscribe to continue reading"})
			continue
		}
		h.content.set(item.URL, body(i))
	}

	res, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StopIdle, res.Reason)
	require.Equal(t, "run-1", res.RunID)
	require.Len(t, res.Rounds, 2)

	r1 := res.Rounds[0]
	require.Equal(t, 22, r1.Walk.Accepted)
	require.Equal(t, 2, r1.Walk.Pages)
	require.Equal(t, scheduler.FillResult{Attempted: 22, Stored: 20, Empty: 2}, r1.Fill)

	r2 := res.Rounds[1]
	require.Equal(t, 1, r2.Walked)
	require.Equal(t, 0, r2.Walk.Accepted)
	require.Equal(t, 22, r2.Walk.Duplicates)
	require.Equal(t, scheduler.FillResult{Attempted: 2, Empty: 2}, r2.Fill)

	usable, err := h.store.UsableCount(context.Background(), wsjKey)
	require.NoError(t, err)
	require.Equal(t, 20, usable)
	require.Len(t, res.Open, 1)
	require.Equal(t, scheduler.PartitionStatus{Key: wsjKey, Usable: 20, Pending: 2, Remaining: 10}, res.Open[0])
	require.Equal(t, 20, res.Stored())
	require.Len(t, h.reporter.stopped, 1)
	require.Len(t, h.reporter.rounds, 2)
}

func TestDriverScannedMatchesContent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wsjSource(), fullDriver())
	items := storyItems("articles", 0, 8)
	h.listing.set(wsjKey, 1, items)
	for i, item := range items {
		if i%3 == 0 {
			continue
		}
		h.content.set(item.URL, body(i))
	}

	_, err := h.driver.Run(context.Background())
	require.NoError(t, err)

	for _, l := range h.store.Links() {
		c, ok := h.store.Content(l.ID)
		if l.State == scheduler.StateScanned {
			require.True(t, ok)
			require.NotEmpty(t, c.Body)
		} else {
			require.False(t, ok)
		}
	}
}

func TestDriverDoneWhenQuotaMet(t *testing.T) {
	t.Parallel()
	cfg := wsjSource()
	cfg.Quota = 5
	h := newHarness(t, cfg, fullDriver())
	items := storyItems("articles", 0, 9)
	h.listing.set(wsjKey, 1, items)
	for i, item := range items {
		h.content.set(item.URL, body(i))
	}

	res, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StopDone, res.Reason)
	require.Empty(t, res.Open)
	require.Len(t, res.Rounds, 1)
	require.Len(t, h.content.fetched(), 5)

	usable, err := h.store.UsableCount(context.Background(), wsjKey)
	require.NoError(t, err)
	require.Equal(t, 5, usable)

	// A rerun against the converged store does nothing.
	again, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StopDone, again.Reason)
	require.Empty(t, again.Rounds)
	require.Len(t, h.content.fetched(), 5)
}

func TestDriverSkipsWalkWhenBacklogCoversQuota(t *testing.T) {
	t.Parallel()
	cfg := wsjSource()
	cfg.Quota = 2
	h := newHarness(t, cfg, fullDriver())
	seedLinks(t, h.store, wsjKey, "https://www.wsj.com/articles/p1", "https://www.wsj.com/articles/p2")
	h.content.set("https://www.wsj.com/articles/p1", body(1))
	h.content.set("https://www.wsj.com/articles/p2", body(2))

	res, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StopDone, res.Reason)
	require.Empty(t, h.listing.pageCalls())
	require.Equal(t, 0, res.Rounds[0].Walked)
}

func TestDriverMaxRounds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wsjSource(), scheduler.DriverConfig{WalkEnabled: true, FetchEnabled: true, MaxRounds: 1, MaxIdleRounds: 5})
	items := storyItems("articles", 0, 3)
	h.listing.set(wsjKey, 1, items)
	for i, item := range items {
		h.content.set(item.URL, body(i))
	}

	res, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StopMaxRounds, res.Reason)
	require.Len(t, res.Rounds, 1)
}

func TestDriverRetriesFailedLinksNextRound(t *testing.T) {
	t.Parallel()
	cfg := wsjSource()
	cfg.Quota = 3
	h := newHarness(t, cfg, scheduler.DriverConfig{WalkEnabled: true, FetchEnabled: true, MaxIdleRounds: 2})
	items := storyItems("articles", 0, 3)
	h.listing.set(wsjKey, 1, items)
	h.content.set(items[0].URL, body(0))
	h.content.set(items[1].URL, body(1))
	h.content.errs[items[2].URL] = errTransport

	// The third link fails once, then recovers for the next round.
	h.content.onFetch = func(url string) {
		if url != items[2].URL {
			return
		}
		h.content.mu.Lock()
		delete(h.content.errs, url)
		h.content.articles[url] = body(2)
		h.content.mu.Unlock()
	}

	res, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StopDone, res.Reason)
	require.Len(t, res.Rounds, 2)
	require.Equal(t, 1, res.Rounds[0].Fill.Failed)
	require.Equal(t, 1, res.Rounds[1].Fill.Stored)
}

func TestDriverGracefulStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wsjSource(), fullDriver())
	items := storyItems("articles", 0, 4)
	h.listing.set(wsjKey, 1, items)
	for i, item := range items {
		h.content.set(item.URL, body(i))
	}
	h.content.onFetch = func(string) { h.driver.RequestStop() }

	res, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StopRequested, res.Reason)
	require.Len(t, res.Rounds, 1)
	require.Equal(t, 1, res.Rounds[0].Fill.Stored)
	require.Len(t, h.content.fetched(), 1)
}

func TestDriverHardCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wsjSource(), fullDriver())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.driver.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDriverWalkOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wsjSource(), scheduler.DriverConfig{WalkEnabled: true})
	h.listing.set(wsjKey, 1, storyItems("articles", 0, 6))

	res, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StopIdle, res.Reason)
	require.Len(t, res.Rounds, 2)
	require.Equal(t, 6, res.Rounds[0].Walk.Accepted)
	require.Empty(t, h.content.fetched())
}

func TestGroupRunsSourcesIndependently(t *testing.T) {
	t.Parallel()
	store := memory.NewPartitionStore()
	var drivers []*scheduler.Driver
	contents := map[string]*fakeContent{}
	for _, name := range []string{"wsj", "latimes"} {
		cfg := scheduler.SourceConfig{Name: name, Quota: 2, StartDate: march15, EndDate: march15.AddDate(0, 0, 1)}
		require.NoError(t, cfg.Validate())
		listing := newFakeListing()
		content := newFakeContent()
		for _, key := range cfg.Partitions() {
			items := make([]scheduler.RawItem, 0, 2)
			for i := range 2 {
				u := fmt.Sprintf("https://www.%s.com/%s/%d", name, key.DateString(), i)
				items = append(items, scheduler.RawItem{URL: u, Headline: "headline"})
				content.set(u, body(i))
			}
			listing.set(key, 1, items)
		}
		contents[name] = content
		gate, err := scheduler.NewGate(cfg)
		require.NoError(t, err)
		drivers = append(drivers, scheduler.NewDriver(fullDriver(), name,
			scheduler.NewPlanner(store, cfg),
			scheduler.NewWalker(cfg, gate, store, listing, nil),
			scheduler.NewFiller(gate, store, content, nil),
			nil,
		))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := scheduler.NewGroup(drivers...).Run(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		require.Equal(t, scheduler.StopDone, res.Reason)
	}
	for name, c := range contents {
		require.Len(t, c.fetched(), 4, name)
	}
}

func TestDriverPacesAcrossPartitionsAndPhases(t *testing.T) {
	t.Parallel()
	cfg := wsjSource()
	cfg.Quota = 2
	cfg.EndDate = march15.AddDate(0, 0, 1)
	require.NoError(t, cfg.Validate())
	march16 := scheduler.KeyFor("wsj", cfg.EndDate)

	log := &eventLog{}
	store := memory.NewPartitionStore()
	listing := newFakeListing()
	content := newFakeContent()
	content.onFetch = func(string) { log.add("fetch") }
	for _, key := range []scheduler.PartitionKey{wsjKey, march16} {
		items := storyItems("articles/"+key.DateString(), 0, 2)
		listing.set(key, 1, items)
		for i, item := range items {
			content.set(item.URL, body(i))
		}
	}
	hooked := hookedListing{fakeListing: listing, onPage: func(key scheduler.PartitionKey, page int) {
		log.add(fmt.Sprintf("page:%s/%d", key.DateString(), page))
	}}

	gate, err := scheduler.NewGate(cfg)
	require.NoError(t, err)
	walker := scheduler.NewWalker(cfg, gate, store, hooked, nil,
		scheduler.WithPagePacer(loggingPacer{log: log, name: "page"}),
		scheduler.WithWalkerClock(now),
	)
	filler := scheduler.NewFiller(gate, store, content, nil,
		scheduler.WithFetchPacer(loggingPacer{log: log, name: "fetch"}),
		scheduler.WithFillerClock(now),
	)
	driver := scheduler.NewDriver(fullDriver(), cfg.Name, scheduler.NewPlanner(store, cfg), walker, filler, nil,
		scheduler.WithDriverClock(now),
	)

	res, err := driver.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StopDone, res.Reason)
	require.Equal(t, []string{
		"page:" + wsjKey.DateString() + "/1",
		"wait:fetch", "fetch",
		"wait:fetch", "fetch",
		"wait:page",
		"page:" + march16.DateString() + "/1",
		"wait:fetch", "fetch",
		"wait:fetch", "fetch",
	}, log.all())
}

func TestDriverStopDuringFruitlessRoundIsRequested(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wsjSource(), fullDriver())
	h.listing.set(wsjKey, 1, storyItems("articles", 0, 3))
	h.content.onFetch = func(string) { h.driver.RequestStop() }

	res, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StopRequested, res.Reason)
	require.Len(t, res.Rounds, 1)
	require.Zero(t, res.Rounds[0].Fill.Stored)
	require.Len(t, h.content.fetched(), 1)
}

func TestDriverStopEndsListingWalk(t *testing.T) {
	t.Parallel()
	cfg := wsjSource()
	store := memory.NewPartitionStore()
	listing := newFakeListing()
	listing.set(wsjKey, 1, storyItems("articles", 0, 50))
	listing.set(wsjKey, 2, storyItems("articles", 100, 50))

	var driver *scheduler.Driver
	hooked := hookedListing{fakeListing: listing, onPage: func(scheduler.PartitionKey, int) { driver.RequestStop() }}
	gate, err := scheduler.NewGate(cfg)
	require.NoError(t, err)
	walker := scheduler.NewWalker(cfg, gate, store, hooked, nil, scheduler.WithWalkerClock(now))
	filler := scheduler.NewFiller(gate, store, newFakeContent(), nil, scheduler.WithFillerClock(now))
	driver = scheduler.NewDriver(fullDriver(), cfg.Name, scheduler.NewPlanner(store, cfg), walker, filler, nil,
		scheduler.WithDriverClock(now),
	)

	res, err := driver.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StopRequested, res.Reason)
	require.Equal(t, []int{1}, listing.pageCalls())
	require.Equal(t, 1, res.Rounds[0].Walk.Pages)
}

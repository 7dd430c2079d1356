package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
)

var errTransport = errors.New("connection reset by peer")

type fakeListing struct {
	mu    sync.Mutex
	pages map[scheduler.PartitionKey]map[int]scheduler.ListingPage
	errs  map[int]error
	calls []int
}

func newFakeListing() *fakeListing {
	return &fakeListing{
		pages: make(map[scheduler.PartitionKey]map[int]scheduler.ListingPage),
		errs:  make(map[int]error),
	}
}

func (f *fakeListing) set(key scheduler.PartitionKey, page int, items []scheduler.RawItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages[key] == nil {
		f.pages[key] = make(map[int]scheduler.ListingPage)
	}
	f.pages[key][page] = scheduler.ListingPage{
		Status:     scheduler.ListingOK,
		StatusCode: 200,
		URL:        fmt.Sprintf("https://listing.test/%s?page=%d", key.DateString(), page),
		Items:      items,
	}
}

func (f *fakeListing) setStatus(key scheduler.PartitionKey, page int, status scheduler.ListingStatus, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages[key] == nil {
		f.pages[key] = make(map[int]scheduler.ListingPage)
	}
	f.pages[key][page] = scheduler.ListingPage{Status: status, StatusCode: code}
}

func (f *fakeListing) FetchListing(_ context.Context, key scheduler.PartitionKey, page int) (scheduler.ListingPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, page)
	if err, ok := f.errs[page]; ok {
		return scheduler.ListingPage{}, err
	}
	if p, ok := f.pages[key][page]; ok {
		return p, nil
	}
	return scheduler.ListingPage{Status: scheduler.ListingOK, StatusCode: 200}, nil
}

func (f *fakeListing) pageCalls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

type fakeContent struct {
	mu       sync.Mutex
	articles map[string]scheduler.Article
	errs     map[string]error
	calls    []string
	onFetch  func(url string)
}

func newFakeContent() *fakeContent {
	return &fakeContent{
		articles: make(map[string]scheduler.Article),
		errs:     make(map[string]error),
	}
}

func (f *fakeContent) set(url string, a scheduler.Article) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.articles[url] = a
}

func (f *fakeContent) FetchArticle(_ context.Context, url string) (scheduler.Article, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	hook := f.onFetch
	err, failed := f.errs[url]
	a := f.articles[url]
	f.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	if failed {
		return scheduler.Article{}, err
	}
	return a, nil
}

func (f *fakeContent) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type countingPacer struct {
	mu    sync.Mutex
	waits int
}

func (p *countingPacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	p.waits++
	p.mu.Unlock()
	return ctx.Err()
}

func (p *countingPacer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waits
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type staticIDs struct{ id string }

func (s staticIDs) NewID() (string, error) { return s.id, nil }

type recordingReporter struct {
	mu      sync.Mutex
	walks   []scheduler.WalkResult
	fills   []scheduler.FillResult
	rounds  []scheduler.RoundSummary
	stopped []scheduler.RunResult
}

func (r *recordingReporter) Walked(_ scheduler.PartitionKey, res scheduler.WalkResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.walks = append(r.walks, res)
}

func (r *recordingReporter) Filled(_ scheduler.PartitionKey, res scheduler.FillResult, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills = append(r.fills, res)
}

func (r *recordingReporter) RoundFinished(_ string, s scheduler.RoundSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds = append(r.rounds, s)
}

func (r *recordingReporter) Stopped(res scheduler.RunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, res)
}

var (
	march15 = time.Date(2023, time.March, 15, 0, 0, 0, 0, time.UTC)
	wsjKey  = scheduler.KeyFor("wsj", march15)
	now     = fixedClock{t: time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)}
)

func wsjSource() scheduler.SourceConfig {
	cfg := scheduler.SourceConfig{
		Name:         "wsj",
		BaseURL:      "https://www.wsj.com",
		Quota:        30,
		StartDate:    march15,
		EndDate:      march15,
		StopRule:     scheduler.StopOnShortPage,
		FullPageSize: 50,
		Exclude:      []string{"/opinion/", "/sports/", "/video/"},
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// storyItems builds n listing items under section, numbered from start.
func storyItems(section string, start, n int) []scheduler.RawItem {
	out := make([]scheduler.RawItem, 0, n)
	for i := start; i < start+n; i++ {
		out = append(out, scheduler.RawItem{
			URL:      fmt.Sprintf("https://www.wsj.com/%s/story-%03d", section, i),
			Headline: fmt.Sprintf("Markets react to story number %d", i),
		})
	}
	return out
}

func body(i int) scheduler.Article {
	return scheduler.Article{
		Title:    fmt.Sprintf("Title %d", i),
		Subtitle: "Subtitle",
		Body:     fmt.Sprintf("Body paragraph for article %d with enough text to count.", i),
	}
}

// eventLog records remote requests and pacer waits in the order they happen.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type loggingPacer struct {
	log  *eventLog
	name string
}

func (p loggingPacer) Wait(ctx context.Context) error {
	p.log.add("wait:" + p.name)
	return ctx.Err()
}

// hookedListing calls onPage after every listing fetch.
type hookedListing struct {
	*fakeListing
	onPage func(key scheduler.PartitionKey, page int)
}

func (h hookedListing) FetchListing(ctx context.Context, key scheduler.PartitionKey, page int) (scheduler.ListingPage, error) {
	p, err := h.fakeListing.FetchListing(ctx, key, page)
	h.onPage(key, page)
	return p, err
}

package scheduler

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotPending is returned when a link is no longer PENDING at mark time.
	ErrNotPending = errors.New("link is not pending")
	// ErrEmptyBody is returned when content with an empty body is offered for storage.
	ErrEmptyBody = errors.New("article body is empty")
	// ErrUnknownSource is returned when a source name has no configuration.
	ErrUnknownSource = errors.New("unknown source")
)

// Store is the durable partition store shared by every engine component.
// Implementations must make InsertLinkIfAbsent and MarkScanned atomic.
type Store interface {
	// InsertLinkIfAbsent inserts a PENDING link; inserted is false when the URL
	// is already known for the source.
	InsertLinkIfAbsent(ctx context.Context, link NewLink) (rec LinkRecord, inserted bool, err error)
	// ListPendingLinks returns up to limit PENDING links in insertion order.
	ListPendingLinks(ctx context.Context, key PartitionKey, limit int) ([]LinkRecord, error)
	// MarkScanned stores content and flips the link to SCANNED in one transaction.
	MarkScanned(ctx context.Context, linkID int64, content ArticleContent) error
	// MarkExcluded flips a PENDING link to EXCLUDED.
	MarkExcluded(ctx context.Context, linkID int64) error
	UsableCount(ctx context.Context, key PartitionKey) (int, error)
	// UsableCounts returns usable counts for every partition of the source that has any.
	UsableCounts(ctx context.Context, source string) (map[PartitionKey]int, error)
	PendingCounts(ctx context.Context, source string) (map[PartitionKey]int, error)
	// KnownLinks returns every canonical URL recorded for the source.
	KnownLinks(ctx context.Context, source string) (map[string]struct{}, error)
	LogExploration(ctx context.Context, entry ExplorationEntry) error
	Close() error
}

// ArticleReader is the read-only view consumed by batch tooling.
type ArticleReader interface {
	ListArticles(ctx context.Context, key PartitionKey) ([]StoredArticle, error)
}

// ListingFetcher retrieves one page of a partition's listing.
type ListingFetcher interface {
	FetchListing(ctx context.Context, key PartitionKey, page int) (ListingPage, error)
}

// ContentFetcher retrieves and extracts one article page.
type ContentFetcher interface {
	FetchArticle(ctx context.Context, url string) (Article, error)
}

// Pacer waits between remote requests.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator issues run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Reporter receives engine progress notifications. Implementations must not block.
type Reporter interface {
	Walked(key PartitionKey, res WalkResult)
	Filled(key PartitionKey, res FillResult, usable int)
	RoundFinished(source string, summary RoundSummary)
	Stopped(result RunResult)
}

type nopReporter struct{}

func (nopReporter) Walked(PartitionKey, WalkResult)      {}
func (nopReporter) Filled(PartitionKey, FillResult, int) {}
func (nopReporter) RoundFinished(string, RoundSummary)   {}
func (nopReporter) Stopped(RunResult)                    {}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

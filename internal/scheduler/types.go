package scheduler

import (
	"fmt"
	"time"
)

// PartitionKey identifies one day's catalog for one source.
type PartitionKey struct {
	Source string `json:"source"`
	Year   int    `json:"year"`
	Month  int    `json:"month"`
	Day    int    `json:"day"`
}

// KeyFor builds the partition key for the calendar day of t.
func KeyFor(source string, t time.Time) PartitionKey {
	return PartitionKey{Source: source, Year: t.Year(), Month: int(t.Month()), Day: t.Day()}
}

// Date returns midnight UTC of the partition day.
func (k PartitionKey) Date() time.Time {
	return time.Date(k.Year, time.Month(k.Month), k.Day, 0, 0, 0, 0, time.UTC)
}

// DateString formats the partition day as YYYY-MM-DD.
func (k PartitionKey) DateString() string {
	return fmt.Sprintf("%04d-%02d-%02d", k.Year, k.Month, k.Day)
}

// String renders the key as source/YYYY-MM-DD.
func (k PartitionKey) String() string {
	return k.Source + "/" + k.DateString()
}

// Before orders keys chronologically, breaking ties by source name.
func (k PartitionKey) Before(other PartitionKey) bool {
	if k.Year != other.Year {
		return k.Year < other.Year
	}
	if k.Month != other.Month {
		return k.Month < other.Month
	}
	if k.Day != other.Day {
		return k.Day < other.Day
	}
	return k.Source < other.Source
}

// ScanState is the lifecycle state of a discovered link.
type ScanState string

// Link scan states persisted in the link index.
const (
	StatePending  ScanState = "pending"
	StateScanned  ScanState = "scanned"
	StateExcluded ScanState = "excluded"
)

// NewLink is what the walker asks the store to insert.
type NewLink struct {
	Key          PartitionKey
	URL          string
	Headline     string
	Section      string
	ListedAt     string
	DiscoveredAt time.Time
}

// LinkRecord is one discovered candidate article.
type LinkRecord struct {
	ID           int64        `json:"id"`
	Key          PartitionKey `json:"partition"`
	URL          string       `json:"url"`
	Headline     string       `json:"headline"`
	Section      string       `json:"section,omitempty"`
	ListedAt     string       `json:"listed_at,omitempty"`
	DiscoveredAt time.Time    `json:"discovered_at"`
	State        ScanState    `json:"scan_state"`
}

// ArticleContent is the fetched content owned by exactly one link.
type ArticleContent struct {
	LinkID    int64     `json:"link_id"`
	Title     string    `json:"title"`
	Subtitle  string    `json:"subtitle"`
	Body      string    `json:"body"`
	FetchedAt time.Time `json:"fetched_at"`
}

// StoredArticle joins a scanned link with its content for read-only consumers.
type StoredArticle struct {
	Link    LinkRecord     `json:"link"`
	Content ArticleContent `json:"content"`
}

// ExplorationEntry records one listing page visit. It is written for audits
// and never read back by the engine.
type ExplorationEntry struct {
	PageURL    string
	Key        PartitionKey
	PageNumber int
	ItemsFound bool
	ItemCount  int
	Accepted   int
	CheckedAt  time.Time
}

// RawItem is one listing entry as extracted from a listing page.
type RawItem struct {
	URL       string `json:"url"`
	Headline  string `json:"headline"`
	Timestamp string `json:"timestamp,omitempty"`
	Section   string `json:"section,omitempty"`
}

// ListingStatus distinguishes the outcomes of a listing page fetch.
type ListingStatus string

// Listing fetch outcomes.
const (
	ListingOK             ListingStatus = "ok"
	ListingNotFound       ListingStatus = "not_found"
	ListingTransportError ListingStatus = "transport_error"
	// ListingNoPage means the source cannot have the page at all, such as
	// page 2 of a single-page listing. Nothing was requested.
	ListingNoPage ListingStatus = "no_page"
)

// ListingPage is the result of fetching one listing page.
type ListingPage struct {
	Status     ListingStatus `json:"status"`
	StatusCode int           `json:"status_code"`
	URL        string        `json:"url"`
	Items      []RawItem     `json:"items"`
}

// Article is what a content fetcher extracts from one article page.
type Article struct {
	Title    string
	Subtitle string
	Body     string
	Section  string
	FinalURL string
}

// Verdict is the link gate's classification of a candidate.
type Verdict string

// Link gate verdicts.
const (
	Accept          Verdict = "accept"
	RejectSection   Verdict = "reject_section"
	RejectDuplicate Verdict = "reject_duplicate"
)

// PartitionStatus is the planner's view of one open partition.
type PartitionStatus struct {
	Key       PartitionKey `json:"partition"`
	Usable    int          `json:"usable"`
	Pending   int          `json:"pending"`
	Remaining int          `json:"remaining"`
}

// NeedsLinks reports whether the pending backlog cannot cover the remaining quota.
func (s PartitionStatus) NeedsLinks() bool {
	return s.Pending < s.Remaining
}

// WalkResult summarizes one listing walk.
type WalkResult struct {
	Pages      int
	Items      int
	Accepted   int
	Duplicates int
	Rejected   int
}

// FillResult summarizes one content fetch loop.
type FillResult struct {
	Attempted int
	Stored    int
	Empty     int
	Failed    int
	Excluded  int
}

// StopReason explains why the driver stopped.
type StopReason string

// Driver stop reasons.
const (
	StopDone      StopReason = "done"
	StopIdle      StopReason = "idle"
	StopMaxRounds StopReason = "max_rounds"
	StopRequested StopReason = "requested"
)

// RoundSummary aggregates one plan → walk → fetch cycle.
type RoundSummary struct {
	Round      int
	Open       int
	Walked     int
	Walk       WalkResult
	Fill       FillResult
	Duration   time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunResult is returned by the driver once it stops.
type RunResult struct {
	RunID  string
	Source string
	Reason StopReason
	Rounds []RoundSummary
	Open   []PartitionStatus
}

// Stored sums the articles stored across all rounds.
func (r RunResult) Stored() int {
	total := 0
	for _, round := range r.Rounds {
		total += round.Fill.Stored
	}
	return total
}

package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
)

// PartitionStore keeps links, content, and exploration rows in process memory.
// It is meant for tests and dry runs.
type PartitionStore struct {
	mu          sync.RWMutex
	nextID      int64
	links       []scheduler.LinkRecord
	byURL       map[string]int64 // source + "\x00" + url → id
	index       map[int64]int    // id → position in links
	content     map[int64]scheduler.ArticleContent
	exploration []scheduler.ExplorationEntry
}

// NewPartitionStore constructs an empty PartitionStore.
func NewPartitionStore() *PartitionStore {
	return &PartitionStore{
		byURL:   make(map[string]int64),
		index:   make(map[int64]int),
		content: make(map[int64]scheduler.ArticleContent),
	}
}

func urlKey(source, url string) string {
	return source + "\x00" + url
}

// InsertLinkIfAbsent adds a PENDING link unless the URL is known for the source.
func (s *PartitionStore) InsertLinkIfAbsent(_ context.Context, link scheduler.NewLink) (scheduler.LinkRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := urlKey(link.Key.Source, link.URL)
	if id, ok := s.byURL[k]; ok {
		return s.links[s.index[id]], false, nil
	}
	s.nextID++
	rec := scheduler.LinkRecord{
		ID:           s.nextID,
		Key:          link.Key,
		URL:          link.URL,
		Headline:     link.Headline,
		Section:      link.Section,
		ListedAt:     link.ListedAt,
		DiscoveredAt: link.DiscoveredAt,
		State:        scheduler.StatePending,
	}
	s.byURL[k] = rec.ID
	s.index[rec.ID] = len(s.links)
	s.links = append(s.links, rec)
	return rec, true, nil
}

// ListPendingLinks returns up to limit pending links of key in insertion order.
func (s *PartitionStore) ListPendingLinks(_ context.Context, key scheduler.PartitionKey, limit int) ([]scheduler.LinkRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scheduler.LinkRecord
	for _, rec := range s.links {
		if limit > 0 && len(out) >= limit {
			break
		}
		if rec.Key == key && rec.State == scheduler.StatePending {
			out = append(out, rec)
		}
	}
	return out, nil
}

// MarkScanned stores content and flips the link to SCANNED.
func (s *PartitionStore) MarkScanned(_ context.Context, linkID int64, content scheduler.ArticleContent) error {
	if strings.TrimSpace(content.Body) == "" {
		return scheduler.ErrEmptyBody
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index[linkID]
	if !ok {
		return fmt.Errorf("link %d not found", linkID)
	}
	if s.links[pos].State != scheduler.StatePending {
		return scheduler.ErrNotPending
	}
	content.LinkID = linkID
	s.content[linkID] = content
	s.links[pos].State = scheduler.StateScanned
	return nil
}

// MarkExcluded flips a PENDING link to EXCLUDED.
func (s *PartitionStore) MarkExcluded(_ context.Context, linkID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index[linkID]
	if !ok {
		return fmt.Errorf("link %d not found", linkID)
	}
	if s.links[pos].State != scheduler.StatePending {
		return scheduler.ErrNotPending
	}
	s.links[pos].State = scheduler.StateExcluded
	return nil
}

// UsableCount counts stored non-empty content in one partition.
func (s *PartitionStore) UsableCount(_ context.Context, key scheduler.PartitionKey) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for id, c := range s.content {
		if s.links[s.index[id]].Key == key && strings.TrimSpace(c.Body) != "" {
			n++
		}
	}
	return n, nil
}

// UsableCounts groups usable content of a source by partition.
func (s *PartitionStore) UsableCounts(_ context.Context, source string) (map[scheduler.PartitionKey]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[scheduler.PartitionKey]int)
	for id, c := range s.content {
		rec := s.links[s.index[id]]
		if rec.Key.Source == source && strings.TrimSpace(c.Body) != "" {
			out[rec.Key]++
		}
	}
	return out, nil
}

// PendingCounts groups pending links of a source by partition.
func (s *PartitionStore) PendingCounts(_ context.Context, source string) (map[scheduler.PartitionKey]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[scheduler.PartitionKey]int)
	for _, rec := range s.links {
		if rec.Key.Source == source && rec.State == scheduler.StatePending {
			out[rec.Key]++
		}
	}
	return out, nil
}

// KnownLinks returns a fresh set of every URL recorded for the source.
func (s *PartitionStore) KnownLinks(_ context.Context, source string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for _, rec := range s.links {
		if rec.Key.Source == source {
			out[rec.URL] = struct{}{}
		}
	}
	return out, nil
}

// LogExploration appends an exploration row.
func (s *PartitionStore) LogExploration(_ context.Context, entry scheduler.ExplorationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exploration = append(s.exploration, entry)
	return nil
}

// ListArticles returns scanned links of key joined with their content.
func (s *PartitionStore) ListArticles(_ context.Context, key scheduler.PartitionKey) ([]scheduler.StoredArticle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scheduler.StoredArticle
	for _, rec := range s.links {
		if rec.Key != key || rec.State != scheduler.StateScanned {
			continue
		}
		out = append(out, scheduler.StoredArticle{Link: rec, Content: s.content[rec.ID]})
	}
	return out, nil
}

// Links returns a copy of every link, in insertion order.
func (s *PartitionStore) Links() []scheduler.LinkRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scheduler.LinkRecord, len(s.links))
	copy(out, s.links)
	return out
}

// Exploration returns a copy of the exploration log.
func (s *PartitionStore) Exploration() []scheduler.ExplorationEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scheduler.ExplorationEntry, len(s.exploration))
	copy(out, s.exploration)
	return out
}

// Content returns the stored content of a link, if any.
func (s *PartitionStore) Content(linkID int64) (scheduler.ArticleContent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.content[linkID]
	return c, ok
}

// Ping always succeeds.
func (s *PartitionStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *PartitionStore) Close() error { return nil }

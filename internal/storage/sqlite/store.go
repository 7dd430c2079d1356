// Package sqlite provides the file-backed partition store used for local runs.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
)

//go:embed schema.sql
var Schema string

const timeLayout = time.RFC3339Nano

// Config controls how the database file is opened.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store implements scheduler.Store and scheduler.ArticleReader on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at cfg.Path and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	store, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing handle and applies the schema.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping checks that the database file is usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

const linkColumns = `id, source, year, month, day, url, headline, section, listed_at, discovered_at, scan_state`

// InsertLinkIfAbsent inserts a PENDING link keyed by (source, url).
func (s *Store) InsertLinkIfAbsent(ctx context.Context, link scheduler.NewLink) (scheduler.LinkRecord, bool, error) {
	discovered := link.DiscoveredAt.UTC()
	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO link_index (source, year, month, day, url, headline, section, listed_at, discovered_at, scan_state)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')
ON CONFLICT (source, url) DO NOTHING
RETURNING id`,
		link.Key.Source, link.Key.Year, link.Key.Month, link.Key.Day,
		link.URL, link.Headline, link.Section, link.ListedAt, discovered.Format(timeLayout),
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existing, lookupErr := s.linkByURL(ctx, link.Key.Source, link.URL)
		if lookupErr != nil {
			return scheduler.LinkRecord{}, false, lookupErr
		}
		return existing, false, nil
	case err != nil:
		return scheduler.LinkRecord{}, false, fmt.Errorf("insert link: %w", err)
	}
	return scheduler.LinkRecord{
		ID:           id,
		Key:          link.Key,
		URL:          link.URL,
		Headline:     link.Headline,
		Section:      link.Section,
		ListedAt:     link.ListedAt,
		DiscoveredAt: discovered,
		State:        scheduler.StatePending,
	}, true, nil
}

func (s *Store) linkByURL(ctx context.Context, source, url string) (scheduler.LinkRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM link_index WHERE source = ? AND url = ?`, source, url)
	rec, err := scanLink(row)
	if err != nil {
		return scheduler.LinkRecord{}, fmt.Errorf("load link %s: %w", url, err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (scheduler.LinkRecord, error) {
	var (
		rec        scheduler.LinkRecord
		discovered string
		state      string
	)
	err := row.Scan(&rec.ID, &rec.Key.Source, &rec.Key.Year, &rec.Key.Month, &rec.Key.Day,
		&rec.URL, &rec.Headline, &rec.Section, &rec.ListedAt, &discovered, &state)
	if err != nil {
		return rec, err
	}
	rec.State = scheduler.ScanState(state)
	if rec.DiscoveredAt, err = time.Parse(timeLayout, discovered); err != nil {
		return rec, fmt.Errorf("parse discovered_at: %w", err)
	}
	return rec, nil
}

// ListPendingLinks returns up to limit PENDING links of key ordered by id.
func (s *Store) ListPendingLinks(ctx context.Context, key scheduler.PartitionKey, limit int) ([]scheduler.LinkRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+linkColumns+`
FROM link_index
WHERE source = ? AND year = ? AND month = ? AND day = ? AND scan_state = 'pending'
ORDER BY id
LIMIT ?`, key.Source, key.Year, key.Month, key.Day, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending links: %w", err)
	}
	defer rows.Close()

	var out []scheduler.LinkRecord
	for rows.Next() {
		rec, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending link: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending links: %w", err)
	}
	return out, nil
}

// MarkScanned inserts the content and flips the link in one transaction.
func (s *Store) MarkScanned(ctx context.Context, linkID int64, content scheduler.ArticleContent) (err error) {
	if strings.TrimSpace(content.Body) == "" {
		return scheduler.ErrEmptyBody
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE link_index SET scan_state = 'scanned' WHERE id = ? AND scan_state = 'pending'`, linkID)
	if err != nil {
		return fmt.Errorf("mark scanned: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("mark scanned rows: %w", err)
	} else if n == 0 {
		return scheduler.ErrNotPending
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO article_content (link_id, title, subtitle, body, fetched_at)
VALUES (?, ?, ?, ?, ?)`,
		linkID, content.Title, content.Subtitle, content.Body, content.FetchedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert article content: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit mark scanned: %w", err)
	}
	return nil
}

// MarkExcluded flips a PENDING link to EXCLUDED.
func (s *Store) MarkExcluded(ctx context.Context, linkID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE link_index SET scan_state = 'excluded' WHERE id = ? AND scan_state = 'pending'`, linkID)
	if err != nil {
		return fmt.Errorf("mark excluded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark excluded rows: %w", err)
	}
	if n == 0 {
		return scheduler.ErrNotPending
	}
	return nil
}

// UsableCount counts non-empty content attached to links of key.
func (s *Store) UsableCount(ctx context.Context, key scheduler.PartitionKey) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM article_content c
JOIN link_index l ON l.id = c.link_id
WHERE l.source = ? AND l.year = ? AND l.month = ? AND l.day = ? AND length(c.body) > 0`,
		key.Source, key.Year, key.Month, key.Day).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count usable: %w", err)
	}
	return n, nil
}

// UsableCounts groups usable content of source by partition.
func (s *Store) UsableCounts(ctx context.Context, source string) (map[scheduler.PartitionKey]int, error) {
	return s.groupCounts(ctx, source, `
SELECT l.year, l.month, l.day, COUNT(*)
FROM article_content c
JOIN link_index l ON l.id = c.link_id
WHERE l.source = ? AND length(c.body) > 0
GROUP BY l.year, l.month, l.day`)
}

// PendingCounts groups PENDING links of source by partition.
func (s *Store) PendingCounts(ctx context.Context, source string) (map[scheduler.PartitionKey]int, error) {
	return s.groupCounts(ctx, source, `
SELECT year, month, day, COUNT(*)
FROM link_index
WHERE source = ? AND scan_state = 'pending'
GROUP BY year, month, day`)
}

func (s *Store) groupCounts(ctx context.Context, source, query string) (map[scheduler.PartitionKey]int, error) {
	rows, err := s.db.QueryContext(ctx, query, source)
	if err != nil {
		return nil, fmt.Errorf("query partition counts: %w", err)
	}
	defer rows.Close()
	out := make(map[scheduler.PartitionKey]int)
	for rows.Next() {
		key := scheduler.PartitionKey{Source: source}
		var n int
		if err := rows.Scan(&key.Year, &key.Month, &key.Day, &n); err != nil {
			return nil, fmt.Errorf("scan partition count: %w", err)
		}
		out[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partition counts: %w", err)
	}
	return out, nil
}

// KnownLinks returns every URL recorded for source.
func (s *Store) KnownLinks(ctx context.Context, source string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url FROM link_index WHERE source = ?`, source)
	if err != nil {
		return nil, fmt.Errorf("query known links: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan known link: %w", err)
		}
		out[u] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate known links: %w", err)
	}
	return out, nil
}

// LogExploration appends an exploration row.
func (s *Store) LogExploration(ctx context.Context, e scheduler.ExplorationEntry) error {
	found := 0
	if e.ItemsFound {
		found = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO exploration_log (source, year, month, day, page_url, page_number, items_found, item_count, accepted, checked_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Key.Source, e.Key.Year, e.Key.Month, e.Key.Day, e.PageURL, e.PageNumber,
		found, e.ItemCount, e.Accepted, e.CheckedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert exploration: %w", err)
	}
	return nil
}

// ListArticles returns scanned links of key with their content, ordered by link id.
func (s *Store) ListArticles(ctx context.Context, key scheduler.PartitionKey) ([]scheduler.StoredArticle, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT l.id, l.source, l.year, l.month, l.day, l.url, l.headline, l.section, l.listed_at, l.discovered_at, l.scan_state,
       c.title, c.subtitle, c.body, c.fetched_at
FROM link_index l
JOIN article_content c ON c.link_id = l.id
WHERE l.source = ? AND l.year = ? AND l.month = ? AND l.day = ? AND l.scan_state = 'scanned'
ORDER BY l.id`, key.Source, key.Year, key.Month, key.Day)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer rows.Close()

	var out []scheduler.StoredArticle
	for rows.Next() {
		var (
			a                   scheduler.StoredArticle
			discovered, fetched string
			state               string
		)
		err := rows.Scan(&a.Link.ID, &a.Link.Key.Source, &a.Link.Key.Year, &a.Link.Key.Month, &a.Link.Key.Day,
			&a.Link.URL, &a.Link.Headline, &a.Link.Section, &a.Link.ListedAt, &discovered, &state,
			&a.Content.Title, &a.Content.Subtitle, &a.Content.Body, &fetched)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		a.Link.State = scheduler.ScanState(state)
		a.Content.LinkID = a.Link.ID
		if a.Link.DiscoveredAt, err = time.Parse(timeLayout, discovered); err != nil {
			return nil, fmt.Errorf("parse discovered_at: %w", err)
		}
		if a.Content.FetchedAt, err = time.Parse(timeLayout, fetched); err != nil {
			return nil, fmt.Errorf("parse fetched_at: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	return out, nil
}

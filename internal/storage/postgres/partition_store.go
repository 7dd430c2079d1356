// Package postgres provides the Postgres-backed partition store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
)

//go:embed schema.sql
var Schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Migrate         bool
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// PartitionStore implements scheduler.Store and scheduler.ArticleReader on Postgres.
type PartitionStore struct {
	pool pool
}

// NewPartitionStore connects to Postgres using cfg and optionally applies the schema.
func NewPartitionStore(ctx context.Context, cfg Config) (*PartitionStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &PartitionStore{pool: p}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewPartitionStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPartitionStoreWithPool(p pool) (*PartitionStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &PartitionStore{pool: p}, nil
}

// Migrate applies the embedded schema.
func (s *PartitionStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *PartitionStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PartitionStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

const linkColumns = `id, source, year, month, day, url, headline, section, listed_at, discovered_at, scan_state`

// InsertLinkIfAbsent inserts a PENDING link keyed by (source, url).
func (s *PartitionStore) InsertLinkIfAbsent(ctx context.Context, link scheduler.NewLink) (scheduler.LinkRecord, bool, error) {
	discovered := link.DiscoveredAt.UTC()
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO link_index (source, year, month, day, url, headline, section, listed_at, discovered_at, scan_state)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending')
ON CONFLICT (source, url) DO NOTHING
RETURNING id`,
		link.Key.Source, link.Key.Year, link.Key.Month, link.Key.Day,
		link.URL, link.Headline, link.Section, link.ListedAt, discovered,
	).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
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

func (s *PartitionStore) linkByURL(ctx context.Context, source, url string) (scheduler.LinkRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+linkColumns+` FROM link_index WHERE source = $1 AND url = $2`, source, url)
	rec, err := scanLink(row)
	if err != nil {
		return scheduler.LinkRecord{}, fmt.Errorf("load link %s: %w", url, err)
	}
	return rec, nil
}

func scanLink(row pgx.Row) (scheduler.LinkRecord, error) {
	var (
		rec   scheduler.LinkRecord
		state string
	)
	err := row.Scan(&rec.ID, &rec.Key.Source, &rec.Key.Year, &rec.Key.Month, &rec.Key.Day,
		&rec.URL, &rec.Headline, &rec.Section, &rec.ListedAt, &rec.DiscoveredAt, &state)
	if err != nil {
		return rec, err
	}
	rec.State = scheduler.ScanState(state)
	return rec, nil
}

// ListPendingLinks returns up to limit PENDING links of key ordered by id.
func (s *PartitionStore) ListPendingLinks(ctx context.Context, key scheduler.PartitionKey, limit int) ([]scheduler.LinkRecord, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+linkColumns+`
FROM link_index
WHERE source = $1 AND year = $2 AND month = $3 AND day = $4 AND scan_state = 'pending'
ORDER BY id
LIMIT $5`, key.Source, key.Year, key.Month, key.Day, limitArg)
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
func (s *PartitionStore) MarkScanned(ctx context.Context, linkID int64, content scheduler.ArticleContent) (err error) {
	if strings.TrimSpace(content.Body) == "" {
		return scheduler.ErrEmptyBody
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx,
		`UPDATE link_index SET scan_state = 'scanned' WHERE id = $1 AND scan_state = 'pending'`, linkID)
	if err != nil {
		return fmt.Errorf("mark scanned: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scheduler.ErrNotPending
	}
	_, err = tx.Exec(ctx, `
INSERT INTO article_content (link_id, title, subtitle, body, fetched_at)
VALUES ($1, $2, $3, $4, $5)`,
		linkID, content.Title, content.Subtitle, content.Body, content.FetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert article content: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit mark scanned: %w", err)
	}
	return nil
}

// MarkExcluded flips a PENDING link to EXCLUDED.
func (s *PartitionStore) MarkExcluded(ctx context.Context, linkID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE link_index SET scan_state = 'excluded' WHERE id = $1 AND scan_state = 'pending'`, linkID)
	if err != nil {
		return fmt.Errorf("mark excluded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scheduler.ErrNotPending
	}
	return nil
}

// UsableCount counts non-empty content attached to links of key.
func (s *PartitionStore) UsableCount(ctx context.Context, key scheduler.PartitionKey) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*)
FROM article_content c
JOIN link_index l ON l.id = c.link_id
WHERE l.source = $1 AND l.year = $2 AND l.month = $3 AND l.day = $4 AND length(c.body) > 0`,
		key.Source, key.Year, key.Month, key.Day).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count usable: %w", err)
	}
	return n, nil
}

// UsableCounts groups usable content of source by partition.
func (s *PartitionStore) UsableCounts(ctx context.Context, source string) (map[scheduler.PartitionKey]int, error) {
	return s.groupCounts(ctx, source, `
SELECT l.year, l.month, l.day, COUNT(*)
FROM article_content c
JOIN link_index l ON l.id = c.link_id
WHERE l.source = $1 AND length(c.body) > 0
GROUP BY l.year, l.month, l.day`)
}

// PendingCounts groups PENDING links of source by partition.
func (s *PartitionStore) PendingCounts(ctx context.Context, source string) (map[scheduler.PartitionKey]int, error) {
	return s.groupCounts(ctx, source, `
SELECT year, month, day, COUNT(*)
FROM link_index
WHERE source = $1 AND scan_state = 'pending'
GROUP BY year, month, day`)
}

func (s *PartitionStore) groupCounts(ctx context.Context, source, query string) (map[scheduler.PartitionKey]int, error) {
	rows, err := s.pool.Query(ctx, query, source)
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
func (s *PartitionStore) KnownLinks(ctx context.Context, source string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT url FROM link_index WHERE source = $1`, source)
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
func (s *PartitionStore) LogExploration(ctx context.Context, e scheduler.ExplorationEntry) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO exploration_log (source, year, month, day, page_url, page_number, items_found, item_count, accepted, checked_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.Key.Source, e.Key.Year, e.Key.Month, e.Key.Day, e.PageURL, e.PageNumber,
		e.ItemsFound, e.ItemCount, e.Accepted, e.CheckedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert exploration: %w", err)
	}
	return nil
}

// ListArticles returns scanned links of key with their content, ordered by link id.
func (s *PartitionStore) ListArticles(ctx context.Context, key scheduler.PartitionKey) ([]scheduler.StoredArticle, error) {
	rows, err := s.pool.Query(ctx, `
SELECT l.id, l.source, l.year, l.month, l.day, l.url, l.headline, l.section, l.listed_at, l.discovered_at, l.scan_state,
       c.title, c.subtitle, c.body, c.fetched_at
FROM link_index l
JOIN article_content c ON c.link_id = l.id
WHERE l.source = $1 AND l.year = $2 AND l.month = $3 AND l.day = $4 AND l.scan_state = 'scanned'
ORDER BY l.id`, key.Source, key.Year, key.Month, key.Day)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer rows.Close()

	var out []scheduler.StoredArticle
	for rows.Next() {
		var (
			a     scheduler.StoredArticle
			state string
		)
		err := rows.Scan(&a.Link.ID, &a.Link.Key.Source, &a.Link.Key.Year, &a.Link.Key.Month, &a.Link.Key.Day,
			&a.Link.URL, &a.Link.Headline, &a.Link.Section, &a.Link.ListedAt, &a.Link.DiscoveredAt, &state,
			&a.Content.Title, &a.Content.Subtitle, &a.Content.Body, &a.Content.FetchedAt)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		a.Link.State = scheduler.ScanState(state)
		a.Content.LinkID = a.Link.ID
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	return out, nil
}

// Package export writes scanned articles to blob storage as JSON lines, one
// object per partition, tagging each article with configured keyword flags.
// It reads the partition store and never writes to it.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/quotafill-crawler/internal/hash/sha256"
	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
)

const contentType = "application/x-ndjson"

// BlobStore persists one export object.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Hasher digests article bodies so downstream consumers can deduplicate.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Record is one exported article line.
type Record struct {
	LinkID    int64           `json:"link_id"`
	Source    string          `json:"source"`
	Date      string          `json:"date"`
	URL       string          `json:"url"`
	Headline  string          `json:"headline,omitempty"`
	Section   string          `json:"section,omitempty"`
	ListedAt  string          `json:"listed_at,omitempty"`
	Title     string          `json:"title"`
	Subtitle  string          `json:"subtitle,omitempty"`
	Body      string          `json:"body"`
	BodyHash  string          `json:"body_sha256,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
	Flags     map[string]bool `json:"flags,omitempty"`
}

// Result summarizes an export run.
type Result struct {
	Partitions int
	Articles   int
	Flagged    map[string]int
	Objects    []string
}

// Exporter copies stored articles into blob storage.
type Exporter struct {
	reader scheduler.ArticleReader
	blobs  BlobStore
	flags  map[string][]*regexp.Regexp
	names  []string
	hasher Hasher
	logger *zap.Logger
}

// Option customizes an Exporter.
type Option func(*Exporter)

// WithHasher replaces the SHA-256 body digest.
func WithHasher(h Hasher) Option {
	return func(e *Exporter) {
		e.hasher = h
	}
}

// New constructs an Exporter. flags maps a flag name to the expressions that
// set it.
func New(reader scheduler.ArticleReader, blobs BlobStore, flags map[string][]*regexp.Regexp, logger *zap.Logger, opts ...Option) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	e := &Exporter{
		reader: reader,
		blobs:  blobs,
		flags:  flags,
		names:  names,
		hasher: sha256.New(),
		logger: logger.Named("export"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ObjectPath is where the partition's export is written.
func ObjectPath(key scheduler.PartitionKey) string {
	return fmt.Sprintf("%s/%04d/%02d/%s.jsonl", key.Source, key.Year, key.Month, key.DateString())
}

// Export writes every partition in keys that has stored articles.
func (e *Exporter) Export(ctx context.Context, keys []scheduler.PartitionKey) (Result, error) {
	res := Result{Flagged: make(map[string]int, len(e.names))}
	for _, name := range e.names {
		res.Flagged[name] = 0
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("export: %w", err)
		}
		written, err := e.ExportPartition(ctx, key, res.Flagged)
		if err != nil {
			return res, err
		}
		if written == 0 {
			continue
		}
		res.Partitions++
		res.Articles += written
		res.Objects = append(res.Objects, ObjectPath(key))
	}
	for _, name := range e.names {
		e.logger.Info("flag summary",
			zap.String("flag", name),
			zap.Int("flagged", res.Flagged[name]),
			zap.Int("articles", res.Articles),
		)
	}
	return res, nil
}

// ExportPartition writes one partition and returns the number of articles
// written. Empty partitions produce no object. flagged, when non-nil,
// accumulates per-flag hit counts.
func (e *Exporter) ExportPartition(ctx context.Context, key scheduler.PartitionKey, flagged map[string]int) (int, error) {
	articles, err := e.reader.ListArticles(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("list articles %s: %w", key, err)
	}
	if len(articles) == 0 {
		return 0, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, a := range articles {
		rec, err := e.record(a)
		if err != nil {
			return 0, err
		}
		for name, hit := range rec.Flags {
			if hit && flagged != nil {
				flagged[name]++
			}
		}
		if err := enc.Encode(rec); err != nil {
			return 0, fmt.Errorf("encode article %d: %w", a.Link.ID, err)
		}
	}
	path := ObjectPath(key)
	loc, err := e.blobs.PutObject(ctx, path, contentType, &buf)
	if err != nil {
		return 0, fmt.Errorf("write export %s: %w", path, err)
	}
	e.logger.Debug("partition exported",
		zap.String("partition", key.String()),
		zap.Int("articles", len(articles)),
		zap.String("location", loc),
	)
	return len(articles), nil
}

func (e *Exporter) record(a scheduler.StoredArticle) (Record, error) {
	rec := Record{
		LinkID:    a.Link.ID,
		Source:    a.Link.Key.Source,
		Date:      a.Link.Key.DateString(),
		URL:       a.Link.URL,
		Headline:  a.Link.Headline,
		Section:   a.Link.Section,
		ListedAt:  a.Link.ListedAt,
		Title:     a.Content.Title,
		Subtitle:  a.Content.Subtitle,
		Body:      a.Content.Body,
		FetchedAt: a.Content.FetchedAt,
	}
	if e.hasher != nil {
		sum, err := e.hasher.Hash([]byte(a.Content.Body))
		if err != nil {
			return Record{}, fmt.Errorf("hash article %d: %w", a.Link.ID, err)
		}
		rec.BodyHash = sum
	}
	if len(e.names) == 0 {
		return rec, nil
	}
	corpus := strings.Join([]string{a.Content.Title, a.Content.Subtitle, a.Content.Body}, "\n")
	rec.Flags = make(map[string]bool, len(e.names))
	for _, name := range e.names {
		rec.Flags[name] = matchAny(e.flags[name], corpus)
	}
	return rec, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Package listing turns archive and sitemap pages into raw listing items
// using configurable CSS selectors.
package listing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/quotafill-crawler/internal/fetcher"
	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
)

// Selectors locate listing items inside a page. Item is required; the rest
// are evaluated relative to each item.
type Selectors struct {
	Item      string `mapstructure:"item"`
	Link      string `mapstructure:"link"`
	Headline  string `mapstructure:"headline"`
	Timestamp string `mapstructure:"timestamp"`
	Section   string `mapstructure:"section"`
}

// Config describes how one source exposes its daily listings.
type Config struct {
	Source            string
	URLTemplate       string
	FirstPageTemplate string
	Selectors         Selectors
	Headers           http.Header
}

// Snapshotter persists a copy of the parsed items of each page.
type Snapshotter interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Fetcher implements scheduler.ListingFetcher.
type Fetcher struct {
	cfg       Config
	pages     fetcher.PageSource
	snapshots Snapshotter
	logger    *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithSnapshots writes a JSON copy of every parsed page.
func WithSnapshots(s Snapshotter) Option {
	return func(f *Fetcher) {
		f.snapshots = s
	}
}

// New builds a listing fetcher over a page source.
func New(cfg Config, pages fetcher.PageSource, logger *zap.Logger, opts ...Option) (*Fetcher, error) {
	if pages == nil {
		return nil, fmt.Errorf("page source is required")
	}
	if err := ValidateTemplate(cfg.URLTemplate); err != nil {
		return nil, err
	}
	if cfg.FirstPageTemplate != "" {
		if err := ValidateTemplate(cfg.FirstPageTemplate); err != nil {
			return nil, fmt.Errorf("first page: %w", err)
		}
	}
	if strings.TrimSpace(cfg.Selectors.Item) == "" {
		return nil, fmt.Errorf("item selector is required")
	}
	if cfg.Selectors.Link == "" {
		cfg.Selectors.Link = "a[href]"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		cfg:    cfg,
		pages:  pages,
		logger: logger.Named("listing").With(zap.String("source", cfg.Source)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// PageURL returns the listing URL for a partition page.
func (f *Fetcher) PageURL(key scheduler.PartitionKey, page int) string {
	if page == 1 && f.cfg.FirstPageTemplate != "" {
		return Expand(f.cfg.FirstPageTemplate, key, page)
	}
	return Expand(f.cfg.URLTemplate, key, page)
}

// FetchListing retrieves and parses one listing page. Transport failures are
// reported both as an error and as a transport_error status; HTTP errors are
// statuses only.
func (f *Fetcher) FetchListing(ctx context.Context, key scheduler.PartitionKey, page int) (scheduler.ListingPage, error) {
	pageURL := f.PageURL(key, page)
	result := scheduler.ListingPage{URL: pageURL}
	if page > 1 && !Paged(f.cfg.URLTemplate) {
		result.Status = scheduler.ListingNoPage
		return result, nil
	}

	resp, err := f.pages.Fetch(ctx, fetcher.Request{URL: pageURL, Headers: f.cfg.Headers})
	if err != nil {
		result.Status = scheduler.ListingTransportError
		return result, fmt.Errorf("fetch listing %s: %w", pageURL, err)
	}
	result.StatusCode = resp.StatusCode
	switch {
	case resp.OK():
		result.Status = scheduler.ListingOK
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		result.Status = scheduler.ListingNotFound
		return result, nil
	default:
		result.Status = scheduler.ListingTransportError
		return result, nil
	}

	base := pageURL
	if resp.URL != "" {
		base = resp.URL
	}
	items, err := Parse(bytes.NewReader(resp.Body), base, f.cfg.Selectors)
	if err != nil {
		result.Status = scheduler.ListingTransportError
		return result, fmt.Errorf("parse listing %s: %w", pageURL, err)
	}
	result.Items = items
	f.snapshot(ctx, key, page, result)
	return result, nil
}

func (f *Fetcher) snapshot(ctx context.Context, key scheduler.PartitionKey, page int, result scheduler.ListingPage) {
	if f.snapshots == nil {
		return
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		f.logger.Warn("encode listing snapshot failed", zap.Error(err))
		return
	}
	name := path.Join(key.Source, key.DateString(), fmt.Sprintf("page-%03d.json", page))
	if _, err := f.snapshots.PutObject(ctx, name, "application/json", bytes.NewReader(data)); err != nil {
		f.logger.Warn("write listing snapshot failed", zap.String("path", name), zap.Error(err))
	}
}

// Parse extracts raw items from an HTML document. Items without a usable
// href are skipped; hrefs are resolved against base.
func Parse(r io.Reader, base string, sel Selectors) ([]scheduler.RawItem, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	linkSel := sel.Link
	if linkSel == "" {
		linkSel = "a[href]"
	}

	items := make([]scheduler.RawItem, 0)
	doc.Find(sel.Item).Each(func(_ int, item *goquery.Selection) {
		anchor := item
		if !item.Is("a") {
			anchor = item.Find(linkSel).First()
		}
		href, ok := anchor.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		headline := cleanText(anchor.Text())
		if sel.Headline != "" {
			if h := cleanText(item.Find(sel.Headline).First().Text()); h != "" {
				headline = h
			}
		}
		items = append(items, scheduler.RawItem{
			URL:       baseURL.ResolveReference(ref).String(),
			Headline:  headline,
			Timestamp: textOrAttr(item, sel.Timestamp, "datetime"),
			Section:   textOrAttr(item, sel.Section, ""),
		})
	})
	return items, nil
}

func textOrAttr(item *goquery.Selection, selector, attr string) string {
	if selector == "" {
		return ""
	}
	node := item.Find(selector).First()
	if text := cleanText(node.Text()); text != "" {
		return text
	}
	if attr != "" {
		if v, ok := node.Attr(attr); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

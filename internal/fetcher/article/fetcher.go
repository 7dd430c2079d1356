// Package article extracts headline, subtitle, body and section from
// article pages.
package article

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/JakeFAU/quotafill-crawler/internal/fetcher"
	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
)

// nonContentSelectors lists elements stripped before reading body text.
const nonContentSelectors = "script, style, noscript, nav, header, footer, aside, figure"

// Selectors are tried in order; the first non-empty match wins, except for
// Body where the longest candidate wins.
type Selectors struct {
	Title    []string `mapstructure:"title"`
	Subtitle []string `mapstructure:"subtitle"`
	Body     []string `mapstructure:"body"`
	Section  []string `mapstructure:"section"`
}

// DefaultSelectors covers common news markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Title:    []string{"h1"},
		Subtitle: []string{"h2"},
		Body:     []string{"article p", "main p", "p"},
		Section: []string{
			"meta[property='article:section']",
			"meta[name='section']",
			"meta[name='article.section']",
		},
	}
}

// Config configures a Fetcher.
type Config struct {
	Selectors Selectors
	// Readability falls back to a readability pass when no body selector matches.
	Readability bool
	Headers     http.Header
}

// Fetcher implements scheduler.ContentFetcher over a page source.
type Fetcher struct {
	cfg    Config
	pages  fetcher.PageSource
	logger *zap.Logger
}

// New builds an article fetcher. Empty selector lists take the defaults.
func New(cfg Config, pages fetcher.PageSource, logger *zap.Logger) (*Fetcher, error) {
	if pages == nil {
		return nil, fmt.Errorf("page source is required")
	}
	defaults := DefaultSelectors()
	if len(cfg.Selectors.Title) == 0 {
		cfg.Selectors.Title = defaults.Title
	}
	if len(cfg.Selectors.Subtitle) == 0 {
		cfg.Selectors.Subtitle = defaults.Subtitle
	}
	if len(cfg.Selectors.Body) == 0 {
		cfg.Selectors.Body = defaults.Body
	}
	if len(cfg.Selectors.Section) == 0 {
		cfg.Selectors.Section = defaults.Section
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, pages: pages, logger: logger.Named("article")}, nil
}

// FetchArticle retrieves and extracts one article. Non-2xx responses are
// errors; an empty body is not.
func (f *Fetcher) FetchArticle(ctx context.Context, rawURL string) (scheduler.Article, error) {
	page, err := f.pages.Fetch(ctx, fetcher.Request{URL: rawURL, Headers: f.cfg.Headers})
	if err != nil {
		return scheduler.Article{}, fmt.Errorf("fetch article %s: %w", rawURL, err)
	}
	if !page.OK() {
		return scheduler.Article{}, fmt.Errorf("fetch article %s: unexpected status %d", rawURL, page.StatusCode)
	}
	finalURL := page.URL
	if finalURL == "" {
		finalURL = rawURL
	}
	art, err := f.Extract(page.Body, finalURL)
	if err != nil {
		return scheduler.Article{}, err
	}
	if art.Body == "" {
		f.logger.Debug("article body empty", zap.String("url", finalURL), zap.Int("bytes", len(page.Body)))
	}
	return art, nil
}

// Extract parses an article document.
func (f *Fetcher) Extract(body []byte, pageURL string) (scheduler.Article, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return scheduler.Article{}, fmt.Errorf("parse html: %w", err)
	}
	art := scheduler.Article{
		Title:    firstText(doc, f.cfg.Selectors.Title),
		Subtitle: firstText(doc, f.cfg.Selectors.Subtitle),
		Section:  firstText(doc, f.cfg.Selectors.Section),
		FinalURL: pageURL,
	}
	doc.Find(nonContentSelectors).Remove()
	art.Body = longestBody(doc, f.cfg.Selectors.Body)
	if art.Body == "" && f.cfg.Readability {
		title, text := readabilityFallback(body, pageURL)
		art.Body = text
		if art.Title == "" {
			art.Title = title
		}
	}
	return art, nil
}

// firstText returns the first non-empty text (or meta content) matched.
func firstText(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		if goquery.NodeName(node) == "meta" {
			if v, ok := node.Attr("content"); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
			continue
		}
		if text := collapse(node.Text()); text != "" {
			return text
		}
	}
	return ""
}

// longestBody joins each selector's matches into paragraphs and keeps the
// longest result.
func longestBody(doc *goquery.Document, selectors []string) string {
	best := ""
	for _, sel := range selectors {
		var paras []string
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if text := collapse(s.Text()); text != "" {
				paras = append(paras, text)
			}
		})
		if candidate := strings.Join(paras, "\n\n"); len(candidate) > len(best) {
			best = candidate
		}
	}
	return best
}

func readabilityFallback(body []byte, pageURL string) (string, string) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", ""
	}
	art, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err != nil {
		return "", ""
	}
	return strings.TrimSpace(art.Title), strings.TrimSpace(art.TextContent)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

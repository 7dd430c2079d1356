package promote

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/quotafill-crawler/internal/fetcher"
)

// BrowserFunc opens the browser page source on demand.
type BrowserFunc func() (fetcher.PageSource, error)

// Source implements fetcher.PageSource over a plain transport, falling back
// to a browser for pages the detector flags.
type Source struct {
	plain    fetcher.PageSource
	browser  BrowserFunc
	detector *Detector
	observe  func(url string)
	logger   *zap.Logger
}

// Option customizes a Source.
type Option func(*Source)

// WithDetector replaces the default detector.
func WithDetector(d *Detector) Option {
	return func(s *Source) {
		s.detector = d
	}
}

// WithObserver is called with the URL of every promoted page.
func WithObserver(fn func(url string)) Option {
	return func(s *Source) {
		s.observe = fn
	}
}

// New wraps plain with browser promotion.
func New(plain fetcher.PageSource, browser BrowserFunc, logger *zap.Logger, opts ...Option) (*Source, error) {
	if plain == nil || browser == nil {
		return nil, fmt.Errorf("plain and browser page sources are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Source{
		plain:    plain,
		browser:  browser,
		detector: NewDetector(0),
		logger:   logger.Named("promote"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Fetch retrieves req over the plain transport and re-renders it in the
// browser when needed. Transport errors from the plain fetch are returned
// without promotion.
func (s *Source) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Page, error) {
	page, err := s.plain.Fetch(ctx, req)
	if err != nil || !s.detector.NeedsBrowser(page) {
		return page, err
	}
	browser, err := s.browser()
	if err != nil {
		return fetcher.Page{}, fmt.Errorf("open browser for %s: %w", req.URL, err)
	}
	s.logger.Debug("promoting fetch to browser", zap.String("url", req.URL), zap.Int("body_bytes", len(page.Body)))
	if s.observe != nil {
		s.observe(req.URL)
	}
	rendered, err := browser.Fetch(ctx, req)
	if err != nil {
		return fetcher.Page{}, fmt.Errorf("render %s: %w", req.URL, err)
	}
	return rendered, nil
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/quotafill-crawler/internal/metrics"
)

// Filler pulls pending links of a partition and turns them into stored content.
type Filler struct {
	gate       *Gate
	store      Store
	content    ContentFetcher
	pacer      Pacer
	clock      Clock
	cadence    *cadence
	shouldStop func() bool
	logger     *zap.Logger
}

// FillerOption customizes a Filler.
type FillerOption func(*Filler)

// WithFetchPacer sets the delay applied before every fetch after the first.
func WithFetchPacer(p Pacer) FillerOption {
	return func(f *Filler) {
		if p != nil {
			f.pacer = p
		}
	}
}

// WithFillerClock overrides the fetched-at timestamp source.
func WithFillerClock(c Clock) FillerOption {
	return func(f *Filler) {
		if c != nil {
			f.clock = c
		}
	}
}

// WithStopCheck lets the loop exit between links once a graceful stop is requested.
func WithStopCheck(fn func() bool) FillerOption {
	return func(f *Filler) {
		if fn != nil {
			f.shouldStop = fn
		}
	}
}

// NewFiller wires a content fetch loop.
func NewFiller(gate *Gate, store Store, content ContentFetcher, logger *zap.Logger, opts ...FillerOption) *Filler {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Filler{
		gate:       gate,
		store:      store,
		content:    content,
		pacer:      noPacer{},
		clock:      systemClock{},
		shouldStop: func() bool { return false },
		logger:     logger.Named("filler"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fill processes up to status.Remaining pending links in insertion order.
// Failed and empty fetches leave links pending for a later round.
func (f *Filler) Fill(ctx context.Context, status PartitionStatus) (FillResult, error) {
	var res FillResult
	if status.Remaining <= 0 {
		return res, nil
	}
	links, err := f.store.ListPendingLinks(ctx, status.Key, status.Remaining)
	if err != nil {
		return res, fmt.Errorf("list pending links: %w", err)
	}
	logger := f.logger.With(zap.Stringer("partition", status.Key))

	fetched := false
	for _, link := range links {
		if f.shouldStop() {
			logger.Info("stop requested, leaving fill loop", zap.Int("attempted", res.Attempted))
			break
		}
		linkLogger := logger.With(zap.Int64("link_id", link.ID), zap.String("url", link.URL))

		if f.gate.ExcludeContent(link.URL, "") {
			if err := f.exclude(ctx, link.ID); err != nil {
				return res, err
			}
			res.Excluded++
			metrics.ObserveContentFetch(status.Key.Source, "excluded")
			linkLogger.Debug("link excluded by url")
			continue
		}

		if err := pace(ctx, f.pacer, f.cadence, fetched); err != nil {
			return res, err
		}
		fetched = true
		res.Attempted++

		article, err := f.content.FetchArticle(ctx, link.URL)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, fmt.Errorf("fetch article: %w", ctxErr)
			}
			res.Failed++
			metrics.ObserveContentFetch(status.Key.Source, "failed")
			linkLogger.Warn("article fetch failed", zap.Error(err))
			continue
		}
		if strings.TrimSpace(article.Body) == "" {
			res.Empty++
			metrics.ObserveContentFetch(status.Key.Source, "empty")
			linkLogger.Info("article body empty, leaving pending")
			continue
		}

		finalURL := article.FinalURL
		if finalURL == "" {
			finalURL = link.URL
		}
		if f.gate.ExcludeContent(finalURL, article.Section) {
			if err := f.exclude(ctx, link.ID); err != nil {
				return res, err
			}
			res.Excluded++
			metrics.ObserveContentFetch(status.Key.Source, "excluded")
			linkLogger.Debug("link excluded by section", zap.String("section", article.Section))
			continue
		}

		err = f.store.MarkScanned(ctx, link.ID, ArticleContent{
			LinkID:    link.ID,
			Title:     strings.TrimSpace(article.Title),
			Subtitle:  strings.TrimSpace(article.Subtitle),
			Body:      article.Body,
			FetchedAt: f.clock.Now(),
		})
		switch {
		case errors.Is(err, ErrNotPending):
			linkLogger.Info("link already resolved elsewhere")
			continue
		case err != nil:
			return res, fmt.Errorf("store article for link %d: %w", link.ID, err)
		}
		res.Stored++
		metrics.ObserveContentFetch(status.Key.Source, "stored")
		linkLogger.Debug("article stored", zap.Int("body_len", len(article.Body)))
	}
	return res, nil
}

func (f *Filler) exclude(ctx context.Context, linkID int64) error {
	err := f.store.MarkExcluded(ctx, linkID)
	if err != nil && !errors.Is(err, ErrNotPending) {
		return fmt.Errorf("exclude link %d: %w", linkID, err)
	}
	return nil
}

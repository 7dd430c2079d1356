package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/quotafill-crawler/internal/metrics"
)

// Walker paginates one partition's listing and records accepted links.
type Walker struct {
	cfg     SourceConfig
	gate    *Gate
	store   Store
	listing ListingFetcher
	pacer   Pacer
	clock   Clock
	cadence *cadence
	stop    func() bool
	logger  *zap.Logger
}

// WalkerOption customizes a Walker.
type WalkerOption func(*Walker)

// WithPagePacer sets the delay applied before every page after the first.
func WithPagePacer(p Pacer) WalkerOption {
	return func(w *Walker) {
		if p != nil {
			w.pacer = p
		}
	}
}

// WithWalkerClock overrides the discovery timestamp source.
func WithWalkerClock(c Clock) WalkerOption {
	return func(w *Walker) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithWalkStopCheck lets a walk end between pages once a graceful stop is
// requested. The page being processed is always finished.
func WithWalkStopCheck(fn func() bool) WalkerOption {
	return func(w *Walker) {
		if fn != nil {
			w.stop = fn
		}
	}
}

// NewWalker wires a walker for one source.
func NewWalker(cfg SourceConfig, gate *Gate, store Store, listing ListingFetcher, logger *zap.Logger, opts ...WalkerOption) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Walker{
		cfg:     cfg,
		gate:    gate,
		store:   store,
		listing: listing,
		pacer:   noPacer{},
		clock:   systemClock{},
		stop:    func() bool { return false },
		logger:  logger.Named("walker").With(zap.String("source", cfg.Name)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Walk visits listing pages for key starting at page 1 until a stop condition
// fires. Transport failures end the walk without an error; store failures are
// returned.
func (w *Walker) Walk(ctx context.Context, key PartitionKey) (WalkResult, error) {
	var res WalkResult
	known, err := w.store.KnownLinks(ctx, key.Source)
	if err != nil {
		return res, fmt.Errorf("load known links: %w", err)
	}
	logger := w.logger.With(zap.Stringer("partition", key))

	for page := 1; w.cfg.MaxPages == 0 || page <= w.cfg.MaxPages; page++ {
		if page > 1 && w.stop() {
			logger.Info("stop requested, leaving listing walk", zap.Int("next_page", page))
			return res, nil
		}
		if err := pace(ctx, w.pacer, w.cadence, page > 1); err != nil {
			return res, err
		}
		listing, err := w.listing.FetchListing(ctx, key, page)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, fmt.Errorf("fetch listing: %w", ctxErr)
			}
			listing.Status = ListingTransportError
			logger.Warn("listing fetch failed", zap.Int("page", page), zap.Error(err))
		}
		if listing.Status == ListingNoPage {
			logger.Debug("listing has no further pages", zap.Int("page", page))
			return res, nil
		}
		metrics.ObserveListingPage(key.Source, string(listing.Status))
		res.Pages++

		if listing.Status != ListingOK {
			logger.Info("listing walk stopped",
				zap.Int("page", page),
				zap.String("status", string(listing.Status)),
				zap.Int("status_code", listing.StatusCode),
			)
			if err := w.logPage(ctx, key, page, listing, 0); err != nil {
				return res, err
			}
			return res, nil
		}

		if len(listing.Items) == 0 {
			if err := w.logPage(ctx, key, page, listing, 0); err != nil {
				return res, err
			}
			logger.Info("listing exhausted", zap.Int("page", page))
			return res, nil
		}

		accepted, err := w.absorb(ctx, key, listing.Items, known, &res)
		if err != nil {
			return res, err
		}
		if err := w.logPage(ctx, key, page, listing, accepted); err != nil {
			return res, err
		}
		logger.Debug("listing page processed",
			zap.Int("page", page),
			zap.Int("items", len(listing.Items)),
			zap.Int("accepted", accepted),
		)

		if w.cfg.StopRule == StopOnShortPage && len(listing.Items) < w.cfg.FullPageSize {
			logger.Info("listing short page, stopping", zap.Int("page", page), zap.Int("items", len(listing.Items)))
			return res, nil
		}
	}
	logger.Info("listing page cap reached", zap.Int("max_pages", w.cfg.MaxPages))
	return res, nil
}

func (w *Walker) absorb(ctx context.Context, key PartitionKey, items []RawItem, known map[string]struct{}, res *WalkResult) (int, error) {
	accepted := 0
	for _, item := range items {
		res.Items++
		canonical, verdict := w.gate.Classify(item, known)
		metrics.ObserveVerdict(key.Source, string(verdict))
		switch verdict {
		case RejectSection:
			res.Rejected++
			continue
		case RejectDuplicate:
			res.Duplicates++
			continue
		}
		_, inserted, err := w.store.InsertLinkIfAbsent(ctx, NewLink{
			Key:          key,
			URL:          canonical,
			Headline:     collapseSpace(item.Headline),
			Section:      item.Section,
			ListedAt:     item.Timestamp,
			DiscoveredAt: w.clock.Now(),
		})
		if err != nil {
			return accepted, fmt.Errorf("insert link %s: %w", canonical, err)
		}
		known[canonical] = struct{}{}
		if !inserted {
			res.Duplicates++
			continue
		}
		res.Accepted++
		accepted++
	}
	return accepted, nil
}

func (w *Walker) logPage(ctx context.Context, key PartitionKey, page int, listing ListingPage, accepted int) error {
	err := w.store.LogExploration(ctx, ExplorationEntry{
		PageURL:    listing.URL,
		Key:        key,
		PageNumber: page,
		ItemsFound: len(listing.Items) > 0,
		ItemCount:  len(listing.Items),
		Accepted:   accepted,
		CheckedAt:  w.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("log exploration: %w", err)
	}
	return nil
}

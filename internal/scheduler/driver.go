package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/quotafill-crawler/internal/metrics"
)

const defaultMaxIdleRounds = 1

// DriverConfig holds the round limits and phase switches of a driver.
type DriverConfig struct {
	MaxRounds     int
	MaxIdleRounds int
	WalkEnabled   bool
	FetchEnabled  bool
}

// Driver runs plan → walk → fetch rounds for one source until it converges.
type Driver struct {
	cfg      DriverConfig
	source   string
	planner  *Planner
	walker   *Walker
	filler   *Filler
	ids      IDGenerator
	reporter Reporter
	clock    Clock
	logger   *zap.Logger
	stop     atomic.Bool
	cadence  *cadence
}

// DriverOption customizes a Driver.
type DriverOption func(*Driver)

// WithReporter attaches a progress reporter.
func WithReporter(r Reporter) DriverOption {
	return func(d *Driver) {
		if r != nil {
			d.reporter = r
		}
	}
}

// WithIDGenerator sets the run ID source.
func WithIDGenerator(g IDGenerator) DriverOption {
	return func(d *Driver) {
		if g != nil {
			d.ids = g
		}
	}
}

// WithDriverClock overrides the round timestamp source.
func WithDriverClock(c Clock) DriverOption {
	return func(d *Driver) {
		if c != nil {
			d.clock = c
		}
	}
}

// NewDriver wires a driver for one source. The walker and filler stop checks
// are bound to the driver so a graceful stop also ends the current walk or
// fill early, and both share one request cadence so consecutive remote
// requests are always paced, across partitions and phases.
func NewDriver(cfg DriverConfig, source string, planner *Planner, walker *Walker, filler *Filler, logger *zap.Logger, opts ...DriverOption) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxIdleRounds <= 0 {
		cfg.MaxIdleRounds = defaultMaxIdleRounds
	}
	d := &Driver{
		cfg:      cfg,
		source:   source,
		planner:  planner,
		walker:   walker,
		filler:   filler,
		reporter: nopReporter{},
		clock:    systemClock{},
		logger:   logger.Named("driver").With(zap.String("source", source)),
		cadence:  &cadence{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if walker != nil {
		walker.stop = d.Stopping
		walker.cadence = d.cadence
	}
	if filler != nil {
		filler.shouldStop = d.Stopping
		filler.cadence = d.cadence
	}
	return d
}

// Source returns the source this driver serves.
func (d *Driver) Source() string { return d.source }

// RequestStop asks the driver to exit at the next round boundary.
func (d *Driver) RequestStop() { d.stop.Store(true) }

// Stopping reports whether a graceful stop has been requested.
func (d *Driver) Stopping() bool { return d.stop.Load() }

// Run executes rounds until no partition is open, a round makes no progress
// for MaxIdleRounds in a row, MaxRounds is reached, or a stop is requested.
// Context cancellation aborts immediately and returns the context error.
func (d *Driver) Run(ctx context.Context) (RunResult, error) {
	result := RunResult{Source: d.source}
	if d.ids != nil {
		id, err := d.ids.NewID()
		if err != nil {
			return result, fmt.Errorf("generate run id: %w", err)
		}
		result.RunID = id
	}
	logger := d.logger.With(zap.String("run_id", result.RunID))
	logger.Info("driver starting",
		zap.Int("max_rounds", d.cfg.MaxRounds),
		zap.Int("max_idle_rounds", d.cfg.MaxIdleRounds),
		zap.Bool("walk", d.cfg.WalkEnabled),
		zap.Bool("fetch", d.cfg.FetchEnabled),
	)

	d.cadence.reset()
	idle := 0
	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("run %s: %w", d.source, err)
		}
		if d.Stopping() {
			return d.finish(ctx, result, StopRequested)
		}
		if d.cfg.MaxRounds > 0 && round > d.cfg.MaxRounds {
			return d.finish(ctx, result, StopMaxRounds)
		}

		open, err := d.planner.OpenPartitions(ctx, d.source)
		if err != nil {
			return result, fmt.Errorf("plan round %d: %w", round, err)
		}
		metrics.SetOpenPartitions(d.source, len(open))
		if len(open) == 0 {
			result.Open = nil
			return d.done(result, StopDone), nil
		}

		summary, err := d.runRound(ctx, round, open)
		result.Rounds = append(result.Rounds, summary)
		if err != nil {
			return result, err
		}
		metrics.ObserveRound(d.source)
		d.reporter.RoundFinished(d.source, summary)
		logger.Info("round finished",
			zap.Int("round", round),
			zap.Int("open", summary.Open),
			zap.Int("walked", summary.Walked),
			zap.Int("accepted", summary.Walk.Accepted),
			zap.Int("attempted", summary.Fill.Attempted),
			zap.Int("stored", summary.Fill.Stored),
			zap.Int("empty", summary.Fill.Empty),
			zap.Int("failed", summary.Fill.Failed),
			zap.Int("excluded", summary.Fill.Excluded),
			zap.Duration("duration", summary.Duration),
		)

		if d.Stopping() {
			return d.finish(ctx, result, StopRequested)
		}
		if d.madeProgress(summary) {
			idle = 0
			continue
		}
		idle++
		if idle >= d.cfg.MaxIdleRounds {
			return d.finish(ctx, result, StopIdle)
		}
	}
}

func (d *Driver) madeProgress(s RoundSummary) bool {
	if d.cfg.FetchEnabled {
		return s.Fill.Stored > 0
	}
	return s.Walk.Accepted > 0
}

func (d *Driver) runRound(ctx context.Context, round int, open []PartitionStatus) (summary RoundSummary, err error) {
	summary = RoundSummary{Round: round, Open: len(open), StartedAt: d.clock.Now()}
	defer func() {
		summary.FinishedAt = d.clock.Now()
		summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)
	}()

	for _, status := range open {
		if d.Stopping() {
			break
		}
		logger := d.logger.With(zap.Int("round", round), zap.Stringer("partition", status.Key))
		logger.Info("partition before",
			zap.Int("usable", status.Usable),
			zap.Int("pending", status.Pending),
			zap.Int("remaining", status.Remaining),
		)

		if d.cfg.WalkEnabled && d.walker != nil && status.NeedsLinks() {
			walk, err := d.walker.Walk(ctx, status.Key)
			summary.Walked++
			addWalk(&summary.Walk, walk)
			if err != nil {
				return summary, fmt.Errorf("walk %s: %w", status.Key, err)
			}
			d.reporter.Walked(status.Key, walk)
		}

		usable := status.Usable
		if d.cfg.FetchEnabled && d.filler != nil {
			fill, err := d.filler.Fill(ctx, status)
			addFill(&summary.Fill, fill)
			if err != nil {
				return summary, fmt.Errorf("fill %s: %w", status.Key, err)
			}
			usable += fill.Stored
			metrics.SetUsable(status.Key.Source, status.Key.DateString(), usable)
			d.reporter.Filled(status.Key, fill, usable)
		}
		logger.Info("partition after",
			zap.Int("usable", usable),
			zap.Int("remaining", max(status.Remaining-(usable-status.Usable), 0)),
		)
	}
	return summary, nil
}

func (d *Driver) finish(ctx context.Context, result RunResult, reason StopReason) (RunResult, error) {
	open, err := d.planner.OpenPartitions(ctx, d.source)
	if err != nil {
		return result, fmt.Errorf("final plan: %w", err)
	}
	result.Open = open
	return d.done(result, reason), nil
}

func (d *Driver) done(result RunResult, reason StopReason) RunResult {
	result.Reason = reason
	d.logger.Info("driver stopped",
		zap.String("run_id", result.RunID),
		zap.String("reason", string(reason)),
		zap.Int("rounds", len(result.Rounds)),
		zap.Int("stored", result.Stored()),
		zap.Int("open", len(result.Open)),
	)
	d.reporter.Stopped(result)
	return result
}

func addWalk(dst *WalkResult, src WalkResult) {
	dst.Pages += src.Pages
	dst.Items += src.Items
	dst.Accepted += src.Accepted
	dst.Duplicates += src.Duplicates
	dst.Rejected += src.Rejected
}

func addFill(dst *FillResult, src FillResult) {
	dst.Attempted += src.Attempted
	dst.Stored += src.Stored
	dst.Empty += src.Empty
	dst.Failed += src.Failed
	dst.Excluded += src.Excluded
}

// Group runs several drivers concurrently, one goroutine per source.
type Group struct {
	drivers []*Driver
}

// NewGroup bundles drivers that share a store but not sources.
func NewGroup(drivers ...*Driver) *Group {
	return &Group{drivers: drivers}
}

// RequestStop forwards a graceful stop to every driver.
func (g *Group) RequestStop() {
	for _, d := range g.drivers {
		d.RequestStop()
	}
}

// Run starts every driver and waits for all of them. The first fatal error
// cancels the others.
func (g *Group) Run(ctx context.Context) ([]RunResult, error) {
	results := make([]RunResult, len(g.drivers))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, d := range g.drivers {
		eg.Go(func() error {
			res, err := d.Run(egCtx)
			results[i] = res
			if err != nil {
				return fmt.Errorf("driver %s: %w", d.Source(), err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return results, fmt.Errorf("run drivers: %w", err)
	}
	return results, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/quotafill-crawler/internal/config"
	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
)

type runOptions struct {
	sources   []string
	dates     []string
	walk      bool
	fetch     bool
	maxRounds int
	serve     bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Walk listings and fetch articles until every partition is full",
		Long: `Runs plan, walk, and fetch rounds for each selected source until all
partitions reach quota, no round makes progress, or the round limit hits.
The first interrupt finishes the current link or page and stops at the round
boundary; a second interrupt cancels immediately.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduler(cmd, opts)
		},
	}
	addSelectionFlags(cmd, &opts.sources, &opts.dates)
	cmd.Flags().BoolVar(&opts.walk, "walk", true, "walk listing pages for new links")
	cmd.Flags().BoolVar(&opts.fetch, "fetch", true, "fetch article content for pending links")
	cmd.Flags().IntVar(&opts.maxRounds, "max-rounds", -1, "round limit per source (0 = unlimited, -1 = config)")
	cmd.Flags().BoolVar(&opts.serve, "serve", false, "serve the status API while running")
	return cmd
}

func newWalkCmd() *cobra.Command {
	opts := &runOptions{walk: true}
	cmd := &cobra.Command{
		Use:   "walk",
		Short: "Only walk listing pages and record links",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.fetch = false
			return runScheduler(cmd, opts)
		},
	}
	addSelectionFlags(cmd, &opts.sources, &opts.dates)
	cmd.Flags().IntVar(&opts.maxRounds, "max-rounds", -1, "round limit per source (0 = unlimited, -1 = config)")
	return cmd
}

func addSelectionFlags(cmd *cobra.Command, sources, dates *[]string) {
	cmd.Flags().StringSliceVar(sources, "source", nil, "source to process (repeatable; default all enabled)")
	cmd.Flags().StringSliceVar(dates, "date", nil, "restrict to these days, YYYY-MM-DD (repeatable)")
}

func selectSources(cmd *cobra.Command, sources, rawDates []string) ([]scheduler.SourceConfig, error) {
	appInstance, _, err := resolveApp(cmd.Context())
	if err != nil {
		return nil, err
	}
	dates, err := config.ParseDates(rawDates)
	if err != nil {
		return nil, err
	}
	return appInstance.SelectSources(sources, dates)
}

func runScheduler(cmd *cobra.Command, opts *runOptions) error {
	appInstance, cfg, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	sources, err := selectSources(cmd, opts.sources, opts.dates)
	if err != nil {
		return err
	}

	dcfg := scheduler.DriverConfig{
		MaxRounds:     cfg.Scheduler.MaxRounds,
		MaxIdleRounds: cfg.Scheduler.MaxIdleRounds,
		WalkEnabled:   opts.walk && cfg.Scheduler.WalkEnabled,
		FetchEnabled:  opts.fetch && cfg.Scheduler.FetchEnabled,
	}
	if opts.maxRounds >= 0 {
		dcfg.MaxRounds = opts.maxRounds
	}
	if !dcfg.WalkEnabled && !dcfg.FetchEnabled {
		return errors.New("both walk and fetch are disabled; nothing to do")
	}

	drivers, planner, err := appInstance.Drivers(sources, dcfg)
	if err != nil {
		return err
	}
	group := scheduler.NewGroup(drivers...)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	stopWatching := watchSignals(logger, group.RequestStop, cancel)
	defer stopWatching()

	if opts.serve {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           appInstance.Server(planner, group.RequestStop).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("http server started", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", zap.Error(err))
			}
		}()
	}

	results, err := group.Run(ctx)
	for _, res := range results {
		if res.RunID == "" {
			continue
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s after %d rounds, %d articles stored, %d partitions open\n",
			res.Source, res.Reason, len(res.Rounds), res.Stored(), len(res.Open))
	}
	if err != nil {
		return fmt.Errorf("run scheduler: %w", err)
	}
	return nil
}

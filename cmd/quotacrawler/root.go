package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/quotafill-crawler/internal/app"
	"github.com/JakeFAU/quotafill-crawler/internal/config"
	"github.com/JakeFAU/quotafill-crawler/internal/logging"
)

const shutdownTimeout = 15 * time.Second

type appKeyType string

const appKey appKeyType = "app"

type cfgKeyType string

const cfgKey cfgKeyType = "config"

// newApp is the application factory; tests replace it to inject options.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "quotacrawler",
		Short: "Fill per-day article quotas from news archives.",
		Long: `quotacrawler walks the daily listing pages of configured news sources,
records candidate article links, and fetches article bodies until each day
holds its quota of usable articles. Runs are resumable: every invocation
plans from what the store already holds.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			ctx = context.WithValue(ctx, cfgKey, cfg)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, ok := cmd.Context().Value(appKey).(*app.App)
			if !ok || appInstance == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			err := appInstance.Close(ctx)
			_ = appInstance.Logger().Sync()
			if err != nil {
				return fmt.Errorf("close application: %w", err)
			}
			return nil
		},
	}
	cmd.SetContext(context.Background())
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	cmd.AddCommand(newRunCmd(), newWalkCmd(), newPlanCmd(), newServeCmd(), newExportCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, config.Config, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, config.Config{}, errors.New("application services not initialized")
	}
	cfg, _ := ctx.Value(cfgKey).(config.Config)
	return appInstance, cfg, nil
}

// watchSignals calls graceful on the first SIGINT/SIGTERM and hard on the
// second. The returned func stops watching.
func watchSignals(logger *zap.Logger, graceful, hard func()) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		count := 0
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				count++
				if count == 1 {
					logger.Info("stop requested; finishing current work", zap.String("signal", sig.String()))
					graceful()
					continue
				}
				logger.Warn("second signal; cancelling", zap.String("signal", sig.String()))
				hard()
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, cfg, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logger := appInstance.Logger()
			sources, err := appInstance.SelectSources(nil, nil)
			if err != nil {
				return err
			}
			if port <= 0 {
				port = cfg.Server.Port
			}
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           appInstance.Server(appInstance.Planner(sources), nil).Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			stopWatching := watchSignals(logger, cancel, cancel)
			defer stopWatching()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server started", zap.Int("port", port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("serve http: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			logger.Info("shutdown initiated")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown http server: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default server.port)")
	return cmd
}

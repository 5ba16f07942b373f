package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/couchcryptid/weather-sync/internal/adapter/httpadapter"
	"github.com/couchcryptid/weather-sync/internal/scheduler"
	"github.com/spf13/cobra"
)

// newServeCmd creates the serve subcommand for long-running mode.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Verify periodically and serve health, readiness and metrics",
		Long: `Run verification every VERIFY_INTERVAL and expose the ops endpoints on
HTTP_ADDR:

  /healthz   liveness
  /readyz    both stores reachable and the last verification completed
  /metrics   Prometheus metrics
  /report    the latest verification report (409 when it has findings)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sched := scheduler.New(a.verifier(), a.verifyInput, a.reportPublisher(), a.cfg.VerifyInterval, a.logger)
			srv := httpadapter.NewServer(a.cfg.HTTPAddr, readiness{a.source, a.target, sched}, sched, a.logger)

			// Start HTTP server.
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("http server error", "error", err)
					stop()
				}
			}()

			if err := sched.Start(); err != nil {
				return err
			}

			<-ctx.Done()
			a.logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
			defer cancel()

			sched.Stop()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("http server shutdown error", "error", err)
			}

			a.logger.Info("shutdown complete")
			return nil
		},
	}
}

// readiness is ready only when every checker is.
type readiness []sharedobs.ReadinessChecker

func (r readiness) CheckReadiness(ctx context.Context) error {
	for _, c := range r {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}

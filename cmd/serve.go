package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/history"
	"github.com/cyderes/job-import-service/internal/ingestion"
	"github.com/cyderes/job-import-service/internal/scheduler"
	"github.com/cyderes/job-import-service/internal/server"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduler, workers and the history API in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if err := a.openStore(ctx); err != nil {
			return err
		}
		if err := a.openQueue(ctx); err != nil {
			return err
		}
		if err := a.openLocks(ctx); err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return scheduler.New(a.cfg.Feeds, a.queue, a.cfg.Scheduler, a.logger.Named("scheduler")).Run(ctx)
		})
		g.Go(func() error {
			return runWorkers(ctx, a)
		})
		g.Go(func() error {
			return runServer(ctx, a)
		})
		return g.Wait()
	},
}

func runWorkers(ctx context.Context, a *app) error {
	return ingestion.RunWorkers(ctx, a.cfg.Ingestion.Concurrency, a.queue, a.coordinator(),
		a.cfg.Queue.PollInterval, a.logger.Named("worker"))
}

// runServer serves the history API until ctx is cancelled, then shuts down gracefully.
func runServer(ctx context.Context, a *app) error {
	srv := server.NewServer(a.cfg.Server, history.NewService(a.store, a.cfg.Server), a.store, a.logger.Named("http"))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	return nil
}

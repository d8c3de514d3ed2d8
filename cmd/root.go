// Package cmd holds the job-import command line.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cyderes/job-import-service/internal/config"
	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/fetcher"
	"github.com/cyderes/job-import-service/internal/ingestion"
	"github.com/cyderes/job-import-service/internal/lock"
	"github.com/cyderes/job-import-service/internal/logging"
	"github.com/cyderes/job-import-service/internal/queue"
	"github.com/cyderes/job-import-service/internal/reconciler"
	"github.com/cyderes/job-import-service/internal/storage"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "job-import-service",
	Short:         "Imports job postings from RSS/Atom feeds on a schedule",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "env file applied before reading the environment")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(historyCmd)
}

// Execute runs the command line until it finishes or SIGINT/SIGTERM arrives.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return 1
	}
	return 0
}

// app holds the components a command has opened. Components are opened on
// demand so that, for example, the scheduler never connects to the job store.
type app struct {
	cfg     *config.Config
	logger  *zap.SugaredLogger
	store   storage.Storage
	queue   queue.Queue
	locks   lock.Manager
	closers []func() error
}

func newApp() (*app, error) {
	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build logger")
	}
	return &app{cfg: cfg, logger: logger}, nil
}

func (a *app) openStore(ctx context.Context) error {
	store, err := storage.NewStorage(ctx, a.cfg.Storage)
	if err != nil {
		return errors.Wrapf(err, "failed to initialize %s storage", a.cfg.Storage.Type)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

func (a *app) openQueue(ctx context.Context) error {
	q, err := queue.New(ctx, a.cfg.Queue, a.cfg.Storage)
	if err != nil {
		return errors.Wrapf(err, "failed to initialize %s queue", a.cfg.Queue.Type)
	}
	a.queue = q
	a.closers = append(a.closers, q.Close)
	return nil
}

func (a *app) openLocks(ctx context.Context) error {
	m, closeFn, err := lock.NewManager(ctx, a.cfg.Lock, a.cfg.Storage)
	if err != nil {
		return errors.Wrapf(err, "failed to initialize %s lock", a.cfg.Lock.Type)
	}
	a.locks = m
	a.closers = append(a.closers, closeFn)
	return nil
}

// coordinator wires fetch, reconcile and log writing. Requires the store and locks.
func (a *app) coordinator() *ingestion.Coordinator {
	return ingestion.NewCoordinator(
		fetcher.NewHTTPFetcher(a.cfg.Ingestion),
		reconciler.New(a.store, a.logger.Named("reconciler")),
		a.store,
		a.locks,
		a.cfg.Ingestion,
		a.cfg.Queue,
		a.logger.Named("coordinator"),
	)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warnw("error during shutdown", "error", err)
		}
	}
	a.logger.Sync()
}

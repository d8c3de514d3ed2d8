package cmd

import (
	"github.com/spf13/cobra"
)

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume run requests from the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if workerCount > 0 {
			a.cfg.Ingestion.Concurrency = workerCount
		}
		switch {
		case a.cfg.Queue.Type == "memory":
			a.logger.Warnw("memory queue is process-local; a standalone worker only sees its own messages")
		case a.cfg.Lock.Type == "memory":
			a.logger.Warnw("memory lock is process-local; run a single worker process per queue",
				"queue", a.cfg.Queue.Type)
		}

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
		return runWorkers(ctx, a)
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "count", 0, "number of workers (defaults to WORKER_CONCURRENCY)")
}

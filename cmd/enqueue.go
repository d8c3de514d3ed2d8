package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
	"github.com/cyderes/job-import-service/internal/queue"
	"github.com/cyderes/job-import-service/internal/scheduler"
)

var enqueueAll bool

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [feedUrl]",
	Short: "Enqueue one run for a feed, or for every configured feed with --all",
	Args: func(cmd *cobra.Command, args []string) error {
		if enqueueAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if !enqueueAll {
			if err := models.ValidateFeedURL(args[0]); err != nil {
				return err
			}
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if err := a.openQueue(ctx); err != nil {
			return err
		}

		if enqueueAll {
			s := scheduler.New(a.cfg.Feeds, a.queue, a.cfg.Scheduler, a.logger.Named("scheduler"))
			n := s.TriggerAll(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %d of %d feeds\n", n, len(a.cfg.Feeds))
			if n < len(a.cfg.Feeds) {
				return errors.Newf("%d feeds could not be enqueued", len(a.cfg.Feeds)-n)
			}
			return nil
		}

		req := queue.NewRunRequest(args[0], time.Now())
		if err := a.queue.Enqueue(ctx, req); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Enqueued run %s for %s\n", req.ID, args[0])
		return nil
	},
}

func init() {
	enqueueCmd.Flags().BoolVar(&enqueueAll, "all", false, "enqueue every feed from FEEDS")
}

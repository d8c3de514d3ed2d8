package cmd

import (
	"github.com/spf13/cobra"

	"github.com/cyderes/job-import-service/internal/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Enqueue a run for every configured feed on its interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if err := a.openQueue(ctx); err != nil {
			return err
		}
		return scheduler.New(a.cfg.Feeds, a.queue, a.cfg.Scheduler, a.logger.Named("scheduler")).Run(ctx)
	},
}

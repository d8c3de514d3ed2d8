package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyderes/job-import-service/internal/history"
)

var (
	historyPage  int
	historyLimit int
	historyFeed  string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent import runs, newest first",
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

		svc := history.NewService(a.store, a.cfg.Server)
		limit := ""
		if historyLimit > 0 {
			limit = strconv.Itoa(historyLimit)
		}
		params, err := svc.ParseParams(strconv.Itoa(historyPage), limit, historyFeed)
		if err != nil {
			return err
		}
		page, err := svc.Query(ctx, params)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIMESTAMP\tFEED\tFETCHED\tNEW\tUPDATED\tUNCHANGED\tFAILED")
		for _, l := range page.Logs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
				l.Timestamp.Format(time.RFC3339), l.FeedURL,
				l.TotalFetched, l.NewJobs, l.UpdatedJobs, l.UnchangedJobs, len(l.FailedJobs))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		jobs, err := a.store.CountJobs(ctx, historyFeed)
		if err != nil {
			return err
		}

		p := page.Pagination
		fmt.Fprintf(cmd.OutOrStdout(), "\npage %d of %d (%d runs, %d jobs stored)\n", p.Page, p.TotalPages, p.Total, jobs)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyPage, "page", 1, "page number")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "entries per page (defaults to HISTORY_DEFAULT_LIMIT)")
	historyCmd.Flags().StringVar(&historyFeed, "feed", "", "only show runs for this feed URL")
}

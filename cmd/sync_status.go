package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/platewise/opsync/internal/opsync"
)

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backfill progress and sync history",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		providerName, _ := cmd.Flags().GetString("provider")
		limit, _ := cmd.Flags().GetInt("limit")

		pool, err := opsyncPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		backfills := opsync.NewBackfillStore(pool)
		progress, err := backfills.ListProgress(ctx, providerName)
		if err != nil {
			return eris.Wrap(err, "sync status: list progress")
		}

		if len(progress) == 0 {
			fmt.Println("No backfills found")
		} else {
			formatProgress(os.Stdout, progress)
			for _, p := range progress {
				if p.Status == opsync.StatusCompleted || p.Status == opsync.StatusFailed {
					continue
				}
				counts, err := backfills.QueueCounts(ctx, p.ID)
				if err != nil {
					return eris.Wrap(err, "sync status: queue counts")
				}
				fmt.Printf("\nQueue for %s:", p.ID)
				for status, n := range counts {
					fmt.Printf(" %s=%d", status, n)
				}
				fmt.Println()
			}
		}

		entries, err := opsync.NewSyncLog(pool).ListRecent(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "sync status: list sync log")
		}
		if len(entries) > 0 {
			fmt.Println()
			formatSyncEntries(os.Stdout, entries)
		}
		return nil
	},
}

func init() {
	syncStatusCmd.Flags().String("provider", "", "restrict to one provider")
	syncStatusCmd.Flags().Int("limit", 20, "number of sync log entries to show")
	syncCmd.AddCommand(syncStatusCmd)
}

// formatProgress writes a tabular view of backfill plans to w.
func formatProgress(out io.Writer, progress []opsync.BackfillProgress) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPROVIDER\tSTATUS\tCHUNKS\tRECORDS\tSTARTED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t--------\t------\t------\t-------\t-------\t-----")

	for _, p := range progress {
		errMsg := ""
		if p.Error != "" {
			errMsg = truncate(p.Error, 60)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			p.ID,
			p.Provider,
			p.Status,
			p.CompletedChunks,
			p.TotalChunks,
			p.RecordsFetched,
			p.StartedAt.Format("2006-01-02 15:04"),
			errMsg,
		)
	}
	_ = w.Flush()
}

// formatSyncEntries writes a tabular view of sync log entries to w.
func formatSyncEntries(out io.Writer, entries []opsync.SyncEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tENDPOINT\tSTATUS\tSTARTED\tDURATION\tROWS\tERROR")
	_, _ = fmt.Fprintln(w, "--\t--------\t------\t-------\t--------\t----\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			d := e.CompletedAt.Sub(e.StartedAt).Round(time.Second)
			dur = d.String()
		}

		errMsg := ""
		if e.Error != "" {
			errMsg = truncate(e.Error, 60)
		}

		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ID,
			e.Endpoint,
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			e.RowsSynced,
			errMsg,
		)
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

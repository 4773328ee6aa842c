package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/platewise/opsync/internal/opsync"
	"github.com/platewise/opsync/pkg/provider"
)

var syncBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Plan a historical backfill",
	Long: `Plan a historical backfill for one provider.

Splits the date range into provider-sized chunks, queues them in
ops.backfill_queue and switches the provider to backfill mode.
Run 'sync worker' (or the serve scheduler) to process the queued chunks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		providerName, _ := cmd.Flags().GetString("provider")
		start, _ := cmd.Flags().GetString("start")
		end, _ := cmd.Flags().GetString("end")

		pool, err := opsyncPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := opsync.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "sync backfill: migrate")
		}

		orch := buildOrchestrator(pool)
		progress, err := orch.PlanBackfill(ctx, providerName, provider.DateRange{Start: start, End: end})
		if err != nil {
			return eris.Wrap(err, "sync backfill")
		}

		zap.L().Info("backfill planned",
			zap.String("provider", providerName),
			zap.String("progress_id", progress.ID.String()),
			zap.Int("chunks", progress.TotalChunks),
		)
		fmt.Printf("Planned %d chunks for %s (%s .. %s)\n",
			progress.TotalChunks, providerName, start, end)
		return nil
	},
}

func init() {
	syncBackfillCmd.Flags().String("provider", "", "provider name: shiftbase or lightspeed")
	syncBackfillCmd.Flags().String("start", "", "range start (YYYY-MM-DD)")
	syncBackfillCmd.Flags().String("end", "", "range end (YYYY-MM-DD)")
	_ = syncBackfillCmd.MarkFlagRequired("provider")
	_ = syncBackfillCmd.MarkFlagRequired("start")
	_ = syncBackfillCmd.MarkFlagRequired("end")
	syncCmd.AddCommand(syncBackfillCmd)
}

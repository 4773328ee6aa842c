package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/platewise/opsync/internal/opsync"
)

var syncWorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued backfill chunks",
	Long: `Process queued backfill chunks.

Claims one pending chunk at a time, syncs its endpoints and records
progress. With --drain, keeps claiming until the queue has no ready
chunks. Safe to run from multiple processes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		drain, _ := cmd.Flags().GetBool("drain")

		pool, err := opsyncPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := opsync.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "sync worker: migrate")
		}

		orch := buildOrchestrator(pool)
		processed := 0
		for {
			res, err := orch.RunWorker(ctx)
			if err != nil {
				return eris.Wrap(err, "sync worker")
			}
			if !res.Claimed {
				if res.Skipped != "" {
					zap.L().Info("worker skipped", zap.String("reason", res.Skipped))
				}
				break
			}
			processed++

			zap.L().Info("chunk processed",
				zap.String("job_id", res.JobID.String()),
				zap.Bool("success", res.Success),
				zap.Int64("records", res.RecordsInserted),
				zap.Int("completed_chunks", res.CompletedChunks),
				zap.Int("total_chunks", res.TotalChunks),
			)
			if res.Transitioned {
				fmt.Println("Backfill complete, provider switched to incremental mode")
			}
			if !drain {
				break
			}
		}

		if processed == 0 {
			fmt.Println("No chunks ready")
		} else {
			fmt.Printf("Processed %d chunk(s)\n", processed)
		}
		return nil
	},
}

func init() {
	syncWorkerCmd.Flags().Bool("drain", false, "keep claiming until no chunks are ready")
	syncCmd.AddCommand(syncWorkerCmd)
}

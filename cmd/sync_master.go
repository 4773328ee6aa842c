package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/platewise/opsync/internal/opsync"
)

var syncMasterCmd = &cobra.Command{
	Use:   "master",
	Short: "Sync master data (teams, users)",
	Long:  "Syncs the provider's non-date-scoped endpoints in full. Master data has no aggregation step.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		providerName, _ := cmd.Flags().GetString("provider")

		pool, err := opsyncPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := opsync.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "sync master: migrate")
		}

		orch := buildOrchestrator(pool)
		results := orch.SyncMaster(ctx, providerName)
		if len(results) == 0 {
			fmt.Printf("Provider %s has no master data endpoints\n", providerName)
			return nil
		}

		failed := 0
		for _, er := range results {
			if er.Success {
				zap.L().Info("endpoint synced",
					zap.String("endpoint", er.Endpoint),
					zap.Int64("records", er.Records),
				)
			} else {
				failed++
				zap.L().Warn("endpoint failed",
					zap.String("endpoint", er.Endpoint),
					zap.String("error", er.Error),
				)
			}
		}
		if failed > 0 {
			return eris.Errorf("sync master: %d of %d endpoints failed", failed, len(results))
		}
		fmt.Println("Master data synced")
		return nil
	},
}

func init() {
	syncMasterCmd.Flags().String("provider", "", "provider name: shiftbase or lightspeed")
	_ = syncMasterCmd.MarkFlagRequired("provider")
	syncCmd.AddCommand(syncMasterCmd)
}

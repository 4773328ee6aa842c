package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/platewise/opsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "opsync",
	Short: "Restaurant operations data sync",
	Long:  "Pulls shifts, timesheets and POS revenue from external provider APIs into Postgres and aggregates them into daily labor and revenue metrics.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

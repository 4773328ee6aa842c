package main

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/platewise/opsync/internal/opsync"
)

var syncConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write per-provider sync configuration",
}

var syncConfigGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show a provider's sync configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		providerName, _ := cmd.Flags().GetString("provider")

		pool, err := opsyncPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		c, err := opsync.NewConfigStore(pool).Get(ctx, providerName)
		if err != nil {
			return eris.Wrap(err, "sync config get")
		}

		fmt.Printf("provider:          %s\n", c.Provider)
		fmt.Printf("mode:              %s\n", c.Mode)
		fmt.Printf("enabled_endpoints: %s\n", strings.Join(c.EnabledEndpoints, ", "))
		fmt.Printf("interval_minutes:  %d\n", c.IntervalMinutes)
		if c.QuietHoursStart != nil && c.QuietHoursEnd != nil {
			fmt.Printf("quiet_hours:       %02d:00-%02d:00\n", *c.QuietHoursStart, *c.QuietHoursEnd)
		} else {
			fmt.Println("quiet_hours:       disabled")
		}
		return nil
	},
}

var syncConfigSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update a provider's sync configuration",
	Long: `Update a provider's sync configuration.

Unset flags keep their stored values. Quiet hours are whole hours in
24h clock time and may wrap past midnight (e.g. --quiet-start 23
--quiet-end 6).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		providerName, _ := cmd.Flags().GetString("provider")

		pool, err := opsyncPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		store := opsync.NewConfigStore(pool)
		c, err := store.Get(ctx, providerName)
		if err != nil {
			return eris.Wrap(err, "sync config set: load current")
		}

		if cmd.Flags().Changed("mode") {
			mode, _ := cmd.Flags().GetString("mode")
			c.Mode = opsync.SyncMode(mode)
		}
		if cmd.Flags().Changed("endpoints") {
			endpoints, _ := cmd.Flags().GetString("endpoints")
			c.EnabledEndpoints = splitList(endpoints)
		}
		if cmd.Flags().Changed("interval") {
			c.IntervalMinutes, _ = cmd.Flags().GetInt("interval")
		}
		if cmd.Flags().Changed("quiet-start") {
			h, _ := cmd.Flags().GetInt("quiet-start")
			c.QuietHoursStart = &h
		}
		if cmd.Flags().Changed("quiet-end") {
			h, _ := cmd.Flags().GetInt("quiet-end")
			c.QuietHoursEnd = &h
		}
		if cmd.Flags().Changed("no-quiet-hours") {
			c.QuietHoursStart = nil
			c.QuietHoursEnd = nil
		}

		if err := store.Set(ctx, c); err != nil {
			return eris.Wrap(err, "sync config set")
		}
		fmt.Printf("Updated config for %s\n", providerName)
		return nil
	},
}

func init() {
	syncConfigGetCmd.Flags().String("provider", "", "provider name: shiftbase or lightspeed")
	_ = syncConfigGetCmd.MarkFlagRequired("provider")

	syncConfigSetCmd.Flags().String("provider", "", "provider name: shiftbase or lightspeed")
	syncConfigSetCmd.Flags().String("mode", "", "sync mode: manual, backfill or incremental")
	syncConfigSetCmd.Flags().String("endpoints", "", "comma-separated endpoint names")
	syncConfigSetCmd.Flags().Int("interval", 0, "incremental sync interval in minutes")
	syncConfigSetCmd.Flags().Int("quiet-start", 0, "quiet hours start (0-23)")
	syncConfigSetCmd.Flags().Int("quiet-end", 0, "quiet hours end (0-23)")
	syncConfigSetCmd.Flags().Bool("no-quiet-hours", false, "clear quiet hours")
	_ = syncConfigSetCmd.MarkFlagRequired("provider")

	syncConfigCmd.AddCommand(syncConfigGetCmd)
	syncConfigCmd.AddCommand(syncConfigSetCmd)
	syncCmd.AddCommand(syncConfigCmd)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

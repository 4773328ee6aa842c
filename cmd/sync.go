package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/platewise/opsync/internal/opsync"
	"github.com/platewise/opsync/internal/resilience"
	"github.com/platewise/opsync/pkg/lightspeed"
	"github.com/platewise/opsync/pkg/provider"
	"github.com/platewise/opsync/pkg/shiftbase"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Provider sync operations",
	Long:  "Plans backfills, runs incremental syncs and processes backfill queue chunks.",
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

// opsyncPool creates a pgxpool.Pool from the configured store DSN.
func opsyncPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := cfg.Store.DatabaseURL
	if dsn == "" {
		return nil, eris.New("opsync: no database_url configured (set store.database_url)")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, eris.Wrap(err, "opsync: create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "opsync: ping database")
	}

	fmt.Println("Connected to database")
	return pool, nil
}

// buildClients constructs one API client per configured provider.
func buildClients() map[string]provider.Client {
	hc := &http.Client{Timeout: time.Duration(cfg.Sync.FetchTimeoutSecs) * time.Second}
	retry := resilience.RetryConfig{MaxAttempts: cfg.Sync.FetchMaxRetries}

	clients := make(map[string]provider.Client)
	if cfg.Shiftbase.APIKey != "" {
		clients[opsync.ProviderShiftbase] = shiftbase.NewClient(cfg.Shiftbase.APIKey,
			shiftbase.WithBaseURL(cfg.Shiftbase.BaseURL),
			shiftbase.WithHTTPClient(hc),
			shiftbase.WithRateLimit(cfg.Sync.RequestsPerSecond, cfg.Sync.RequestBurst),
			shiftbase.WithRetry(retry),
		)
	}
	if cfg.Lightspeed.Username != "" {
		clients[opsync.ProviderLightspeed] = lightspeed.NewClient(cfg.Lightspeed.Username, cfg.Lightspeed.Password,
			lightspeed.WithBaseURL(cfg.Lightspeed.BaseURL),
			lightspeed.WithHTTPClient(hc),
			lightspeed.WithRateLimit(cfg.Sync.RequestsPerSecond, cfg.Sync.RequestBurst),
			lightspeed.WithRetry(retry),
		)
	}
	return clients
}

// buildOrchestrator wires the sync engine from the loaded configuration.
func buildOrchestrator(pool *pgxpool.Pool) *opsync.Orchestrator {
	return opsync.NewOrchestrator(pool, buildClients(),
		opsync.WithIngestor(opsync.NewIngestor(pool,
			opsync.WithBatchSize(cfg.Sync.BatchSize),
			opsync.WithBatchRate(cfg.Sync.BatchesPerSecond),
		)),
		opsync.WithAggregator(opsync.NewAggregator(pool,
			opsync.WithDefaultWage(decimal.NewFromFloat(cfg.Sync.DefaultHourlyWage)),
		)),
		opsync.WithStaleClaim(time.Duration(cfg.Sync.StaleClaimMinutes)*time.Minute),
	)
}

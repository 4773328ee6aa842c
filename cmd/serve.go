package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/platewise/opsync/internal/httpapi"
	"github.com/platewise/opsync/internal/opsync"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Long: `Run the HTTP server with the built-in scheduler.

Incremental syncs run on each provider's configured interval and the
backfill worker runs on a fixed cron expression. Config changes made
through the API reschedule the provider's entry immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, err := opsyncPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := opsync.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "serve: migrate")
		}

		orch := buildOrchestrator(pool)
		sched := newScheduler(orch)

		for _, providerName := range []string{opsync.ProviderShiftbase, opsync.ProviderLightspeed} {
			pc, err := orch.Config().Get(ctx, providerName)
			if err != nil {
				return eris.Wrapf(err, "serve: load config for %s", providerName)
			}
			sched.Reschedule(pc)
		}

		if _, err := sched.cron.AddFunc(cfg.Sync.BackfillWorkerExpr, sched.runWorker); err != nil {
			return eris.Wrapf(err, "serve: invalid backfill worker cron %q", cfg.Sync.BackfillWorkerExpr)
		}

		handler := httpapi.NewHandler(orch, orch.Config(),
			httpapi.WithConfigListener(sched.Reschedule),
		)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: handler.Router(),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			<-sched.cron.Stop().Done()
			_ = srv.Shutdown(context.Background())
		}()

		sched.cron.Start()
		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// scheduler owns the cron instance and one incremental entry per provider.
type scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	orch    *opsync.Orchestrator
	entries map[string]cron.EntryID
}

func newScheduler(orch *opsync.Orchestrator) *scheduler {
	return &scheduler{
		cron:    cron.New(),
		orch:    orch,
		entries: make(map[string]cron.EntryID),
	}
}

// Reschedule replaces the provider's incremental entry with one matching
// its current interval. The orchestrator itself skips quiet hours and
// manual mode, so entries run in every mode.
func (s *scheduler) Reschedule(c *opsync.SyncConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[c.Provider]; ok {
		s.cron.Remove(id)
		delete(s.entries, c.Provider)
	}

	interval := time.Duration(c.IntervalMinutes) * time.Minute
	if interval <= 0 {
		zap.L().Warn("provider has no sync interval, not scheduling",
			zap.String("provider", c.Provider))
		return
	}

	providerName := c.Provider
	id := s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.runIncremental(providerName)
	}))
	s.entries[providerName] = id

	zap.L().Info("scheduled incremental sync",
		zap.String("provider", providerName),
		zap.Duration("interval", interval),
	)
}

func (s *scheduler) runIncremental(providerName string) {
	log := zap.L().With(zap.String("provider", providerName))

	res, err := s.orch.RunIncremental(context.Background(), providerName, false)
	if err != nil {
		log.Error("scheduled incremental sync failed", zap.Error(err))
		return
	}
	if res.Skipped != "" {
		log.Debug("scheduled incremental sync skipped", zap.String("reason", res.Skipped))
		return
	}
	log.Info("scheduled incremental sync complete",
		zap.String("date", res.DateSynced),
		zap.Int64("records", res.TotalRecords),
	)
}

// runWorker drains the backfill queue until no chunk is ready.
func (s *scheduler) runWorker() {
	for {
		res, err := s.orch.RunWorker(context.Background())
		if err != nil {
			zap.L().Error("backfill worker failed", zap.Error(err))
			return
		}
		if !res.Claimed {
			if res.Skipped != "" {
				zap.L().Info("backfill worker skipped", zap.String("reason", res.Skipped))
			}
			return
		}
		zap.L().Info("backfill chunk processed",
			zap.String("job_id", res.JobID.String()),
			zap.Bool("success", res.Success),
			zap.Int64("records", res.RecordsInserted),
		)
		if res.Transitioned {
			zap.L().Info("backfill complete, switched to incremental mode")
		}
	}
}

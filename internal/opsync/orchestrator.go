package opsync

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/platewise/opsync/internal/db"
	"github.com/platewise/opsync/pkg/provider"
)

// DefaultStaleClaim is how long a queue item may sit in processing before a
// worker poll reclaims it as failed.
const DefaultStaleClaim = 30 * time.Minute

// EndpointResult is one endpoint's outcome within a chunk or tick.
type EndpointResult struct {
	Endpoint string `json:"endpoint"`
	Success  bool   `json:"success"`
	Records  int64  `json:"records"`
	Error    string `json:"error,omitempty"`
}

// WorkerResult is the outcome of one backfill worker poll.
type WorkerResult struct {
	Claimed         bool             `json:"claimed"`
	JobID           uuid.UUID        `json:"job_id,omitempty"`
	Success         bool             `json:"success"`
	RecordsInserted int64            `json:"records_inserted"`
	CompletedChunks int              `json:"completed_chunks"`
	TotalChunks     int              `json:"total_chunks"`
	BackfillStatus  string           `json:"backfill_status,omitempty"`
	EndpointResults []EndpointResult `json:"endpoint_results,omitempty"`
	Transitioned    bool             `json:"transitioned_to_incremental,omitempty"`
	Skipped         string           `json:"skipped,omitempty"`
}

// IncrementalResult is the outcome of one incremental tick.
type IncrementalResult struct {
	Success         bool             `json:"success"`
	Skipped         string           `json:"skipped,omitempty"`
	QuietHours      bool             `json:"quiet_hours,omitempty"`
	DateSynced      string           `json:"date_synced,omitempty"`
	TotalRecords    int64            `json:"total_records"`
	EndpointResults []EndpointResult `json:"endpoint_results,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// Orchestrator sequences fetch, ingest, and aggregation per the provider's
// sync mode, and tracks backfill progress. All state lives in Postgres;
// an Orchestrator is safe to rebuild per invocation.
type Orchestrator struct {
	clients    map[string]provider.Client
	ingestor   *Ingestor
	aggregator *Aggregator
	configs    *ConfigStore
	backfills  *BackfillStore
	synclog    *SyncLog
	staleAfter time.Duration
	now        func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithStaleClaim overrides the stale-processing reclaim threshold.
func WithStaleClaim(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.staleAfter = d }
}

// WithClock overrides the orchestrator's clock.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// WithIngestor overrides the default ingestor.
func WithIngestor(in *Ingestor) OrchestratorOption {
	return func(o *Orchestrator) { o.ingestor = in }
}

// WithAggregator overrides the default aggregator.
func WithAggregator(a *Aggregator) OrchestratorOption {
	return func(o *Orchestrator) { o.aggregator = a }
}

// NewOrchestrator creates an Orchestrator over the given pool and provider
// clients, keyed by provider name.
func NewOrchestrator(pool db.Pool, clients map[string]provider.Client, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		clients:    clients,
		ingestor:   NewIngestor(pool),
		aggregator: NewAggregator(pool),
		configs:    NewConfigStore(pool),
		backfills:  NewBackfillStore(pool),
		synclog:    NewSyncLog(pool),
		staleAfter: DefaultStaleClaim,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config exposes the orchestrator's config store.
func (o *Orchestrator) Config() *ConfigStore { return o.configs }

// Backfills exposes the orchestrator's backfill store.
func (o *Orchestrator) Backfills() *BackfillStore { return o.backfills }

// providerChunkDays is the chunk width for a provider's backfill: the
// smallest window among its date-scoped endpoints.
func providerChunkDays(providerName string) int {
	days := 0
	for _, e := range DateScopedEndpoints(providerName) {
		if days == 0 || e.ChunkDays < days {
			days = e.ChunkDays
		}
	}
	return days
}

// PlanBackfill splits the range into chunks, enqueues them with the
// provider's enabled date-scoped endpoints, and flips the provider into
// backfill mode.
func (o *Orchestrator) PlanBackfill(ctx context.Context, providerName string, rng provider.DateRange) (*BackfillProgress, error) {
	cfg, err := o.configs.Get(ctx, providerName)
	if err != nil {
		return nil, err
	}

	var endpointNames []string
	for _, name := range cfg.EnabledEndpoints {
		ep, err := GetEndpoint(name)
		if err != nil {
			return nil, err
		}
		if ep.DateScoped {
			endpointNames = append(endpointNames, name)
		}
	}
	if len(endpointNames) == 0 {
		return nil, provider.Validatef("no date-scoped endpoints enabled for provider %q", providerName)
	}

	chunks, err := chunkRange(rng, providerChunkDays(providerName))
	if err != nil {
		return nil, err
	}

	progress, err := o.backfills.CreatePlan(ctx, providerName, chunks, endpointNames)
	if err != nil {
		return nil, err
	}

	if err := o.configs.SetMode(ctx, providerName, ModeBackfill); err != nil {
		return nil, err
	}

	zap.L().With(zap.String("component", "opsync.orchestrator")).Info("backfill planned",
		zap.String("provider", providerName),
		zap.String("start", rng.Start),
		zap.String("end", rng.End),
		zap.Int("chunks", len(chunks)))

	return progress, nil
}

// RunWorker reclaims stale chunks, claims the oldest due pending chunk, and
// processes it end to end. Returns Claimed=false when the queue has nothing
// ready. Chunks belonging to a provider that is inside its quiet-hours
// window or parked in manual mode are not claimed; when no provider is
// eligible the poll returns without touching the queue.
func (o *Orchestrator) RunWorker(ctx context.Context) (*WorkerResult, error) {
	log := zap.L().With(zap.String("component", "opsync.orchestrator"))

	eligible, skips, err := o.eligibleProviders(ctx)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return &WorkerResult{Success: true, Skipped: strings.Join(skips, "; ")}, nil
	}

	if n, err := o.backfills.ReclaimStale(ctx, o.staleAfter); err != nil {
		return nil, err
	} else if n > 0 {
		log.Warn("reclaimed stale processing chunks", zap.Int64("count", n))
	}

	item, err := o.backfills.ClaimNext(ctx, eligible)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return &WorkerResult{Claimed: false, Success: true, Skipped: strings.Join(skips, "; ")}, nil
	}

	rng := provider.DateRange{Start: item.ChunkStart, End: item.ChunkEnd}
	log.Info("processing backfill chunk",
		zap.String("job_id", item.ID.String()),
		zap.String("start", rng.Start),
		zap.String("end", rng.End),
		zap.Int("attempt", item.Attempt))

	// Aggregation failures fail the endpoint here: a backfilled chunk is
	// only done when its aggregates exist.
	results := o.syncEndpoints(ctx, item.Endpoints, &rng, true)

	res := &WorkerResult{
		Claimed:         true,
		JobID:           item.ID,
		EndpointResults: results,
	}
	var failures []string
	for _, r := range results {
		if r.Success {
			res.RecordsInserted += r.Records
		} else {
			failures = append(failures, r.Endpoint+": "+r.Error)
		}
	}

	if len(failures) > 0 {
		if err := o.backfills.ResolveFailed(ctx, item.ID, strings.Join(failures, "; ")); err != nil {
			return nil, err
		}
		res.Success = false
		res.BackfillStatus = StatusFailed
		return res, nil
	}

	if err := o.backfills.ResolveCompleted(ctx, item.ID); err != nil {
		return nil, err
	}
	done, err := o.backfills.AdvanceProgress(ctx, item.ProgressID, res.RecordsInserted, rng)
	if err != nil {
		return nil, err
	}
	res.Success = true

	progress, err := o.backfills.GetProgress(ctx, item.ProgressID)
	if err != nil {
		return nil, err
	}
	res.CompletedChunks = progress.CompletedChunks
	res.TotalChunks = progress.TotalChunks
	res.BackfillStatus = progress.Status

	if done {
		// Flip to incremental once every progress record for the provider
		// has drained. AdvanceProgress flips status in a single UPDATE, so
		// only one invocation sees done=true for a given progress row.
		active, err := o.backfills.ActiveCount(ctx, progress.Provider)
		if err != nil {
			return nil, err
		}
		if active == 0 {
			if err := o.configs.SetMode(ctx, progress.Provider, ModeIncremental); err != nil {
				return nil, err
			}
			res.Transitioned = true
			log.Info("backfill complete, switched to incremental mode",
				zap.String("provider", progress.Provider))
		}
	}

	return res, nil
}

// eligibleProviders partitions providers into those whose backfill chunks
// may be claimed now and skip reasons for the rest. Quiet hours always win;
// manual mode parks the provider until an operator flips it back.
func (o *Orchestrator) eligibleProviders(ctx context.Context) ([]string, []string, error) {
	now := o.now()
	var eligible, skips []string
	for _, name := range Providers() {
		cfg, err := o.configs.Get(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case InQuietHours(now, cfg.QuietHoursStart, cfg.QuietHoursEnd):
			skips = append(skips, name+": quiet hours")
		case cfg.Mode == ModeManual:
			skips = append(skips, name+": manual mode")
		default:
			eligible = append(eligible, name)
		}
	}
	return eligible, skips, nil
}

// RunIncremental syncs yesterday's data for the provider's enabled
// endpoints. Scheduled invocations are skipped during quiet hours and in
// manual mode; force bypasses the manual-mode skip but never quiet hours.
func (o *Orchestrator) RunIncremental(ctx context.Context, providerName string, force bool) (*IncrementalResult, error) {
	now := o.now()
	res := &IncrementalResult{Timestamp: now.UTC()}

	cfg, err := o.configs.Get(ctx, providerName)
	if err != nil {
		return nil, err
	}

	if InQuietHours(now, cfg.QuietHoursStart, cfg.QuietHoursEnd) {
		res.Success = true
		res.QuietHours = true
		res.Skipped = "quiet hours"
		return res, nil
	}
	if cfg.Mode == ModeManual && !force {
		res.Success = true
		res.Skipped = "manual mode"
		return res, nil
	}

	target := Yesterday(now)
	rng := provider.DateRange{Start: target, End: target}
	res.DateSynced = target

	var names []string
	for _, name := range cfg.EnabledEndpoints {
		if ep, err := GetEndpoint(name); err == nil && ep.DateScoped {
			names = append(names, name)
		}
	}

	// Aggregation failures only warn here: raw ingestion succeeding is the
	// primary success criterion for an incremental tick.
	res.EndpointResults = o.syncEndpoints(ctx, names, &rng, false)
	for _, r := range res.EndpointResults {
		if r.Success {
			res.TotalRecords += r.Records
		}
	}
	res.Success = true
	return res, nil
}

// SyncMaster fetches and ingests the provider's master-data endpoints
// (teams, users). Master data has no date range and no aggregation.
func (o *Orchestrator) SyncMaster(ctx context.Context, providerName string) []EndpointResult {
	var names []string
	for _, e := range ProviderEndpoints(providerName) {
		if !e.DateScoped {
			names = append(names, e.Name)
		}
	}
	return o.syncEndpoints(ctx, names, nil, false)
}

// Aggregate reruns aggregation for one endpoint and range.
func (o *Orchestrator) Aggregate(ctx context.Context, endpointName string, rng provider.DateRange) (*AggregateResult, error) {
	ep, err := GetEndpoint(endpointName)
	if err != nil {
		return nil, err
	}
	return o.aggregator.Run(ctx, ep, rng)
}

// syncEndpoints runs fetch, ingest, and aggregation for each endpoint in
// sequence. One endpoint failing never stops its siblings.
func (o *Orchestrator) syncEndpoints(ctx context.Context, endpointNames []string, rng *provider.DateRange, aggFailureFatal bool) []EndpointResult {
	results := make([]EndpointResult, 0, len(endpointNames))
	for _, name := range endpointNames {
		results = append(results, o.syncEndpoint(ctx, name, rng, aggFailureFatal))
	}
	return results
}

func (o *Orchestrator) syncEndpoint(ctx context.Context, endpointName string, rng *provider.DateRange, aggFailureFatal bool) EndpointResult {
	log := zap.L().With(
		zap.String("component", "opsync.orchestrator"),
		zap.String("endpoint", endpointName),
	)
	res := EndpointResult{Endpoint: endpointName}

	ep, err := GetEndpoint(endpointName)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	client, ok := o.clients[ep.Provider]
	if !ok {
		res.Error = eris.Errorf("opsync: no client for provider %q", ep.Provider).Error()
		return res
	}

	syncID, err := o.synclog.Start(ctx, endpointName)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	fetchRange := rng
	if !ep.DateScoped {
		fetchRange = nil
	}
	fetched, err := client.Fetch(ctx, endpointName, fetchRange)
	if err != nil {
		res.Error = err.Error()
		o.failSync(ctx, syncID, res.Error, log)
		return res
	}

	ingested, err := o.ingestor.Ingest(ctx, ep, fetched.Records)
	if err != nil {
		res.Error = err.Error()
		o.failSync(ctx, syncID, res.Error, log)
		return res
	}
	if ingested.Failed() {
		res.Error = strings.Join(ingested.ErrorMessages, "; ")
		o.failSync(ctx, syncID, res.Error, log)
		return res
	}
	res.Records = ingested.Added + ingested.Updated

	if ep.DateScoped && ep.HasAggregation() && rng != nil {
		if _, err := o.aggregator.Run(ctx, ep, *rng); err != nil {
			if aggFailureFatal {
				res.Error = err.Error()
				o.failSync(ctx, syncID, res.Error, log)
				return res
			}
			log.Warn("aggregation failed after successful ingestion", zap.Error(err))
		}
	}

	outcome := &SyncOutcome{
		RowsSynced: res.Records,
		Metadata: map[string]any{
			"processed": ingested.Processed,
			"added":     ingested.Added,
			"updated":   ingested.Updated,
			"errors":    ingested.Errors,
			"pages":     fetched.Meta.Pages,
			"retries":   fetched.Meta.Retries,
		},
	}
	if err := o.synclog.Complete(ctx, syncID, outcome); err != nil {
		log.Warn("failed to record sync completion", zap.Error(err))
	}

	res.Success = true
	return res
}

func (o *Orchestrator) failSync(ctx context.Context, syncID int64, msg string, log *zap.Logger) {
	if err := o.synclog.Fail(ctx, syncID, msg); err != nil {
		log.Warn("failed to record sync failure", zap.Error(err))
	}
}

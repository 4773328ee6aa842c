package opsync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/platewise/opsync/internal/db"
	"github.com/platewise/opsync/pkg/provider"
)

// DefaultBatchSize is the number of records written per upsert round trip.
const DefaultBatchSize = 50

// IngestResult reports the outcome of one ingestion run.
type IngestResult struct {
	Processed     int      `json:"records_processed"`
	Added         int64    `json:"records_added"`
	Updated       int64    `json:"records_updated"`
	Errors        int      `json:"errors"`
	ErrorMessages []string `json:"error_messages,omitempty"`
	FailedBatches int      `json:"failed_batches,omitempty"`
}

// Failed reports whether any batch write failed. Per-record validation skips
// do not fail the run; a datastore write failure does.
func (r *IngestResult) Failed() bool { return r.FailedBatches > 0 }

// Ingestor persists fetched records into per-endpoint raw tables with
// idempotent last-writer-wins upserts.
type Ingestor struct {
	pool      db.Pool
	batchSize int
	limiter   *rate.Limiter
}

// IngestOption configures an Ingestor.
type IngestOption func(*Ingestor)

// WithBatchSize overrides the per-round-trip batch size.
func WithBatchSize(n int) IngestOption {
	return func(in *Ingestor) {
		if n > 0 {
			in.batchSize = n
		}
	}
}

// WithBatchRate overrides the inter-batch pacing limiter.
func WithBatchRate(batchesPerSecond float64) IngestOption {
	return func(in *Ingestor) {
		in.limiter = rate.NewLimiter(rate.Limit(batchesPerSecond), 1)
	}
}

// NewIngestor creates an Ingestor with the default batch size and a pacing
// limiter of one batch per second.
func NewIngestor(pool db.Pool, opts ...IngestOption) *Ingestor {
	in := &Ingestor{
		pool:      pool,
		batchSize: DefaultBatchSize,
		limiter:   rate.NewLimiter(1, 1),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Ingest upserts records into the endpoint's raw table, keyed by provider id.
// Records without an id are skipped and counted as errors. Batch write
// failures are recorded on the result and do not roll back earlier batches.
func (in *Ingestor) Ingest(ctx context.Context, ep Endpoint, records []provider.Record) (*IngestResult, error) {
	log := zap.L().With(
		zap.String("component", "opsync.ingest"),
		zap.String("endpoint", ep.Name),
	)

	result := &IngestResult{Processed: len(records)}

	// Last occurrence wins for duplicate ids so one upsert statement never
	// touches the same row twice.
	byID := make(map[string]int, len(records))
	rows := make([][]any, 0, len(records))
	for i, rec := range records {
		if rec.ID == "" {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages,
				fmt.Sprintf("record %d: missing provider id", i))
			continue
		}

		var effectiveDate any
		if rec.Date != "" {
			effectiveDate = rec.Date
		}
		row := []any{rec.ID, effectiveDate, []byte(rec.Payload), time.Now().UTC()}

		if idx, seen := byID[rec.ID]; seen {
			rows[idx] = row
			continue
		}
		byID[rec.ID] = len(rows)
		rows = append(rows, row)
	}

	cfg := db.UpsertConfig{
		Table:        ep.RawTable,
		Columns:      []string{"provider_id", "effective_date", "payload", "updated_at"},
		ConflictKeys: []string{"provider_id"},
	}

	for start := 0; start < len(rows); start += in.batchSize {
		if start > 0 {
			if err := in.limiter.Wait(ctx); err != nil {
				return result, err
			}
		}

		end := start + in.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		counts, err := db.BulkUpsertCounts(ctx, in.pool, cfg, batch)
		if err != nil {
			log.Warn("batch upsert failed",
				zap.Int("batch_start", start),
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
			result.FailedBatches++
			result.Errors += len(batch)
			result.ErrorMessages = append(result.ErrorMessages,
				fmt.Sprintf("batch at offset %d: %v", start, err))
			continue
		}
		result.Added += counts.Inserted
		result.Updated += counts.Updated
	}

	log.Info("ingestion finished",
		zap.Int("processed", result.Processed),
		zap.Int64("added", result.Added),
		zap.Int64("updated", result.Updated),
		zap.Int("errors", result.Errors))

	return result, nil
}

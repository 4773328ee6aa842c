package opsync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/platewise/opsync/internal/db"
	"github.com/platewise/opsync/pkg/provider"
)

// Backfill statuses. Progress rows use pending/in_progress/completed/failed,
// queue items use pending/processing/completed/failed.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// StaleReclaimError marks queue items abandoned by a killed invocation.
const StaleReclaimError = "stale processing reclaimed"

// BackfillProgress tracks one provider backfill across its whole date range.
type BackfillProgress struct {
	ID                uuid.UUID  `json:"id"`
	Provider          string     `json:"provider"`
	TotalChunks       int        `json:"total_chunks"`
	CompletedChunks   int        `json:"completed_chunks"`
	RecordsFetched    int64      `json:"records_fetched"`
	CurrentChunkStart *string    `json:"current_chunk_start,omitempty"`
	CurrentChunkEnd   *string    `json:"current_chunk_end,omitempty"`
	Status            string     `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// BackfillQueueItem is one claimable chunk of backfill work.
type BackfillQueueItem struct {
	ID         uuid.UUID  `json:"id"`
	ProgressID uuid.UUID  `json:"progress_id"`
	ChunkStart string     `json:"chunk_start"`
	ChunkEnd   string     `json:"chunk_end"`
	Endpoints  []string   `json:"endpoints"`
	Status     string     `json:"status"`
	Attempt    int        `json:"attempt"`
	NextRunAt  time.Time  `json:"next_run_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// chunkRange splits an inclusive date range into consecutive windows of at
// most chunkDays days each.
func chunkRange(rng provider.DateRange, chunkDays int) ([]provider.DateRange, error) {
	if chunkDays <= 0 {
		return nil, eris.Errorf("opsync: invalid chunk size %d", chunkDays)
	}
	if err := provider.ValidateRange(rng, 0); err != nil {
		return nil, err
	}

	start, _ := time.Parse(provider.DateFormat, rng.Start)
	end, _ := time.Parse(provider.DateFormat, rng.End)

	var chunks []provider.DateRange
	for cur := start; !cur.After(end); cur = cur.AddDate(0, 0, chunkDays) {
		chunkEnd := cur.AddDate(0, 0, chunkDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, provider.DateRange{
			Start: cur.Format(provider.DateFormat),
			End:   chunkEnd.Format(provider.DateFormat),
		})
	}
	return chunks, nil
}

// BackfillStore persists backfill progress and the chunk work queue.
type BackfillStore struct {
	pool db.Pool
}

// NewBackfillStore creates a BackfillStore.
func NewBackfillStore(pool db.Pool) *BackfillStore {
	return &BackfillStore{pool: pool}
}

// CreatePlan inserts one progress row plus one queue item per chunk. The
// endpoints list is stamped onto every chunk.
func (s *BackfillStore) CreatePlan(ctx context.Context, providerName string, chunks []provider.DateRange, endpoints []string) (*BackfillProgress, error) {
	if len(chunks) == 0 {
		return nil, eris.New("backfill: empty chunk plan")
	}

	progress := &BackfillProgress{
		ID:          uuid.New(),
		Provider:    providerName,
		TotalChunks: len(chunks),
		Status:      StatusPending,
		StartedAt:   time.Now().UTC(),
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO ops.backfill_progress (id, provider, total_chunks, status, started_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		progress.ID, progress.Provider, progress.TotalChunks, progress.Status, progress.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "backfill: create progress for %s", providerName)
	}

	for _, chunk := range chunks {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO ops.backfill_queue (id, progress_id, chunk_start, chunk_end, endpoints, status, next_run_at)
			 VALUES ($1, $2, $3, $4, $5, 'pending', now())`,
			uuid.New(), progress.ID, chunk.Start, chunk.End, endpoints,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "backfill: enqueue chunk %s..%s", chunk.Start, chunk.End)
		}
	}

	return progress, nil
}

// ClaimNext atomically claims the oldest due pending queue item belonging
// to one of the given providers, marking it processing and incrementing its
// attempt counter in the same statement so concurrent workers can never
// claim the same chunk. Returns nil when no item is ready.
func (s *BackfillStore) ClaimNext(ctx context.Context, providers []string) (*BackfillQueueItem, error) {
	item := &BackfillQueueItem{}
	var claimedAt time.Time
	var lastError *string
	var chunkStart, chunkEnd time.Time
	err := s.pool.QueryRow(ctx,
		`UPDATE ops.backfill_queue
		 SET status = 'processing', attempt = attempt + 1, claimed_at = now()
		 WHERE id = (
		   SELECT id FROM ops.backfill_queue
		   WHERE status = 'pending' AND next_run_at <= now()
		     AND progress_id IN (
		       SELECT id FROM ops.backfill_progress WHERE provider = ANY($1)
		     )
		   ORDER BY next_run_at
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, progress_id, chunk_start, chunk_end, endpoints, status, attempt, next_run_at, claimed_at, last_error`,
		providers,
	).Scan(&item.ID, &item.ProgressID, &chunkStart, &chunkEnd, &item.Endpoints,
		&item.Status, &item.Attempt, &item.NextRunAt, &claimedAt, &lastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "backfill: claim next chunk")
	}
	item.ChunkStart = chunkStart.Format(provider.DateFormat)
	item.ChunkEnd = chunkEnd.Format(provider.DateFormat)
	item.ClaimedAt = &claimedAt
	if lastError != nil {
		item.LastError = *lastError
	}
	return item, nil
}

// ResolveCompleted marks a claimed item completed.
func (s *BackfillStore) ResolveCompleted(ctx context.Context, itemID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ops.backfill_queue SET status = 'completed', last_error = NULL WHERE id = $1`,
		itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "backfill: complete chunk %s", itemID)
	}
	return nil
}

// ResolveFailed marks a claimed item failed with the given error message.
// The item stays visible for manual re-queue; there is no automatic retry
// beyond the attempt counter.
func (s *BackfillStore) ResolveFailed(ctx context.Context, itemID uuid.UUID, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ops.backfill_queue SET status = 'failed', last_error = $1 WHERE id = $2`,
		errMsg, itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "backfill: fail chunk %s", itemID)
	}
	return nil
}

// Requeue flips a failed item back to pending so a worker picks it up again.
func (s *BackfillStore) Requeue(ctx context.Context, itemID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ops.backfill_queue
		 SET status = 'pending', next_run_at = now(), claimed_at = NULL
		 WHERE id = $1 AND status = 'failed'`,
		itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "backfill: requeue chunk %s", itemID)
	}
	return nil
}

// ReclaimStale fails processing items claimed longer ago than maxAge. A
// chunk left processing by a killed invocation becomes visible as failed
// instead of blocking forever.
func (s *BackfillStore) ReclaimStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ops.backfill_queue
		 SET status = 'failed', last_error = $1
		 WHERE status = 'processing' AND claimed_at < now() - make_interval(secs => $2)`,
		StaleReclaimError, maxAge.Seconds(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "backfill: reclaim stale chunks")
	}
	return tag.RowsAffected(), nil
}

// AdvanceProgress records one completed chunk on the owning progress row:
// completed_chunks increments, records_fetched accumulates, and the current
// chunk pointers move. When the increment reaches total_chunks the row flips
// to completed with completed_at set, and AdvanceProgress reports true. The
// flip happens inside the same UPDATE, so exactly one invocation observes it.
func (s *BackfillStore) AdvanceProgress(ctx context.Context, progressID uuid.UUID, records int64, chunk provider.DateRange) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`UPDATE ops.backfill_progress
		 SET completed_chunks = completed_chunks + 1,
		     records_fetched = records_fetched + $2,
		     current_chunk_start = $3,
		     current_chunk_end = $4,
		     status = CASE WHEN completed_chunks + 1 >= total_chunks THEN 'completed' ELSE 'in_progress' END,
		     completed_at = CASE WHEN completed_chunks + 1 >= total_chunks THEN now() ELSE completed_at END
		 WHERE id = $1
		 RETURNING status`,
		progressID, records, chunk.Start, chunk.End,
	).Scan(&status)
	if err != nil {
		return false, eris.Wrapf(err, "backfill: advance progress %s", progressID)
	}
	return status == StatusCompleted, nil
}

// MarkProgressFailed records a terminal failure on the progress row.
func (s *BackfillStore) MarkProgressFailed(ctx context.Context, progressID uuid.UUID, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ops.backfill_progress SET status = 'failed', error = $1 WHERE id = $2`,
		errMsg, progressID,
	)
	if err != nil {
		return eris.Wrapf(err, "backfill: fail progress %s", progressID)
	}
	return nil
}

// GetProgress loads one progress row.
func (s *BackfillStore) GetProgress(ctx context.Context, progressID uuid.UUID) (*BackfillProgress, error) {
	p := &BackfillProgress{}
	var curStart, curEnd *time.Time
	var completedAt *time.Time
	var errStr *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, provider, total_chunks, completed_chunks, records_fetched,
		        current_chunk_start, current_chunk_end, status, started_at, completed_at, error
		 FROM ops.backfill_progress WHERE id = $1`,
		progressID,
	).Scan(&p.ID, &p.Provider, &p.TotalChunks, &p.CompletedChunks, &p.RecordsFetched,
		&curStart, &curEnd, &p.Status, &p.StartedAt, &completedAt, &errStr)
	if err != nil {
		return nil, eris.Wrapf(err, "backfill: get progress %s", progressID)
	}
	if curStart != nil {
		s := curStart.Format(provider.DateFormat)
		p.CurrentChunkStart = &s
	}
	if curEnd != nil {
		e := curEnd.Format(provider.DateFormat)
		p.CurrentChunkEnd = &e
	}
	p.CompletedAt = completedAt
	if errStr != nil {
		p.Error = *errStr
	}
	return p, nil
}

// ActiveCount returns the number of the provider's progress rows that are
// neither completed nor failed. Zero means the provider's backfill is done.
func (s *BackfillStore) ActiveCount(ctx context.Context, providerName string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM ops.backfill_progress
		 WHERE provider = $1 AND status NOT IN ('completed', 'failed')`,
		providerName,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "backfill: count active progress for %s", providerName)
	}
	return n, nil
}

// ListProgress returns the provider's progress rows, most recent first.
func (s *BackfillStore) ListProgress(ctx context.Context, providerName string) ([]BackfillProgress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, provider, total_chunks, completed_chunks, records_fetched,
		        current_chunk_start, current_chunk_end, status, started_at, completed_at, error
		 FROM ops.backfill_progress WHERE provider = $1 ORDER BY started_at DESC`,
		providerName,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "backfill: list progress for %s", providerName)
	}
	defer rows.Close()

	var out []BackfillProgress
	for rows.Next() {
		p := BackfillProgress{}
		var curStart, curEnd, completedAt *time.Time
		var errStr *string
		if err := rows.Scan(&p.ID, &p.Provider, &p.TotalChunks, &p.CompletedChunks, &p.RecordsFetched,
			&curStart, &curEnd, &p.Status, &p.StartedAt, &completedAt, &errStr); err != nil {
			return nil, eris.Wrap(err, "backfill: scan progress row")
		}
		if curStart != nil {
			s := curStart.Format(provider.DateFormat)
			p.CurrentChunkStart = &s
		}
		if curEnd != nil {
			e := curEnd.Format(provider.DateFormat)
			p.CurrentChunkEnd = &e
		}
		p.CompletedAt = completedAt
		if errStr != nil {
			p.Error = *errStr
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// QueueCounts returns how many queue items sit in each status for a progress.
func (s *BackfillStore) QueueCounts(ctx context.Context, progressID uuid.UUID) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM ops.backfill_queue WHERE progress_id = $1 GROUP BY status`,
		progressID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "backfill: queue counts for %s", progressID)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "backfill: scan queue count")
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

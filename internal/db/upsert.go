package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table (e.g., "ops.shifts_aggregated")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
}

// resolveUpdateCols fills in the default update column set: every column
// that is not part of the conflict key.
func (cfg UpsertConfig) resolveUpdateCols() []string {
	if cfg.UpdateCols != nil {
		return cfg.UpdateCols
	}
	conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		conflictSet[k] = true
	}
	var updateCols []string
	for _, c := range cfg.Columns {
		if !conflictSet[c] {
			updateCols = append(updateCols, c)
		}
	}
	return updateCols
}

func (cfg UpsertConfig) validate() error {
	if len(cfg.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

// stageRows creates the temp table and COPYs rows into it, returning the
// temp table name.
func stageRows(ctx context.Context, tx pgx.Tx, cfg UpsertConfig, rows [][]any) (string, error) {
	tempTable := fmt.Sprintf("_tmp_upsert_%s", strings.ReplaceAll(cfg.Table, ".", "_"))

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return "", eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	copySource := pgx.CopyFromRows(rows)
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, copySource); err != nil {
		return "", eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	return tempTable, nil
}

// upsertSQL builds the INSERT ... ON CONFLICT ... DO UPDATE statement that
// moves staged rows into the target table, fully replacing the update
// columns of conflicting rows.
func upsertSQL(cfg UpsertConfig, tempTable string) string {
	colList := quoteAndJoin(cfg.Columns)
	conflictList := quoteAndJoin(cfg.ConflictKeys)

	var setClauses []string
	for _, col := range cfg.resolveUpdateCols() {
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", pgx.Identifier{col}.Sanitize(), pgx.Identifier{col}.Sanitize()))
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		conflictList,
		strings.Join(setClauses, ", "),
	)
}

// BulkUpsert performs a bulk upsert via a temp table and INSERT ... ON CONFLICT.
// 1. Creates a temp table with the same columns
// 2. COPY rows into the temp table
// 3. INSERT INTO target SELECT ... FROM temp ON CONFLICT (keys) DO UPDATE SET ...
// 4. Drops the temp table
//
// Every update column of a conflicting row is replaced, so re-running the
// same upsert with the same rows is idempotent.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable, err := stageRows(ctx, tx, cfg, rows)
	if err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, upsertSQL(cfg, tempTable))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}

	return tag.RowsAffected(), nil
}

// UpsertCounts reports how many rows of an upsert were freshly inserted
// versus overwrites of existing rows.
type UpsertCounts struct {
	Inserted int64
	Updated  int64
}

// BulkUpsertCounts is BulkUpsert with an inserted/updated split. It relies
// on the xmax system column: a row created by the INSERT arm has xmax = 0,
// a row taken over by DO UPDATE does not.
func BulkUpsertCounts(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (UpsertCounts, error) {
	var counts UpsertCounts
	if len(rows) == 0 {
		return counts, nil
	}
	if err := cfg.validate(); err != nil {
		return counts, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return counts, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable, err := stageRows(ctx, tx, cfg, rows)
	if err != nil {
		return counts, err
	}

	countingSQL := fmt.Sprintf(
		"WITH upserted AS (%s RETURNING (xmax = 0) AS inserted) SELECT count(*) FILTER (WHERE inserted), count(*) FILTER (WHERE NOT inserted) FROM upserted",
		upsertSQL(cfg, tempTable),
	)
	if err := tx.QueryRow(ctx, countingSQL).Scan(&counts.Inserted, &counts.Updated); err != nil {
		return UpsertCounts{}, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertCounts{}, eris.Wrap(err, "db: upsert: commit tx")
	}

	return counts, nil
}

// sanitizeTable handles schema-qualified table names like "ops.raw_shifts".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

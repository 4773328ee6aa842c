package opsync

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	// Replace global logger with a no-op to avoid nil pointer panics in tests.
	zap.ReplaceGlobals(zap.NewNop())
}

func migrationFileNames(t *testing.T) []string {
	t.Helper()
	entries, err := fs.ReadDir(migrationFS, "migrations")
	require.NoError(t, err)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func expectAdvisoryLock(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("SELECT pg_advisory_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func expectAdvisoryUnlock(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("SELECT pg_advisory_unlock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func TestMigrate_FreshDB(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names := migrationFileNames(t)
	require.NotEmpty(t, names)

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM ops.schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))

	for _, name := range names {
		mock.ExpectExec(".*").WillReturnResult(pgxmock.NewResult("EXEC", 0))
		mock.ExpectExec("INSERT INTO ops.schema_migrations").
			WithArgs(name).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	expectAdvisoryUnlock(mock)

	err = Migrate(context.Background(), mock)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_AllAlreadyApplied(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names := migrationFileNames(t)

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	appliedRows := pgxmock.NewRows([]string{"filename"})
	for _, name := range names {
		appliedRows.AddRow(name)
	}
	mock.ExpectQuery("SELECT filename FROM ops.schema_migrations").WillReturnRows(appliedRows)

	expectAdvisoryUnlock(mock)

	err = Migrate(context.Background(), mock)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_SomeAlreadyApplied(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names := migrationFileNames(t)
	require.True(t, len(names) >= 2, "need at least 2 migration files for this test")

	alreadyApplied := names[:1]
	pending := names[1:]

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	appliedRows := pgxmock.NewRows([]string{"filename"})
	for _, name := range alreadyApplied {
		appliedRows.AddRow(name)
	}
	mock.ExpectQuery("SELECT filename FROM ops.schema_migrations").WillReturnRows(appliedRows)

	for _, name := range pending {
		mock.ExpectExec(".*").WillReturnResult(pgxmock.NewResult("EXEC", 0))
		mock.ExpectExec("INSERT INTO ops.schema_migrations").
			WithArgs(name).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	expectAdvisoryUnlock(mock)

	err = Migrate(context.Background(), mock)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_AdvisoryLockError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("SELECT pg_advisory_lock").
		WillReturnError(fmt.Errorf("could not obtain lock"))

	err = Migrate(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire migration advisory lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_ExecMigrationError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM ops.schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))

	mock.ExpectExec(".*").WillReturnError(fmt.Errorf("syntax error"))

	expectAdvisoryUnlock(mock)

	err = Migrate(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply migration")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_RecordMigrationError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names := migrationFileNames(t)

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM ops.schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))

	mock.ExpectExec(".*").WillReturnResult(pgxmock.NewResult("EXEC", 0))
	mock.ExpectExec("INSERT INTO ops.schema_migrations").
		WithArgs(names[0]).
		WillReturnError(fmt.Errorf("disk full"))

	expectAdvisoryUnlock(mock)

	err = Migrate(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record migration")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppliedMigrations_WithEntries(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"filename"}).
		AddRow("0001_raw_tables.sql").
		AddRow("0002_aggregated_tables.sql")
	mock.ExpectQuery("SELECT filename FROM ops.schema_migrations").WillReturnRows(rows)

	applied, err := appliedMigrations(context.Background(), mock)
	assert.NoError(t, err)
	assert.True(t, applied["0001_raw_tables.sql"])
	assert.True(t, applied["0002_aggregated_tables.sql"])
	assert.False(t, applied["0003_sync_state.sql"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

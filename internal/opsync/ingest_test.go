package opsync

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platewise/opsync/pkg/provider"
)

func expectRawUpsert(mock pgxmock.PgxPoolIface, table string, rowCount int, inserted, updated int64) {
	tempTable := "_tmp_upsert_ops_raw_" + table
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{tempTable},
		[]string{"provider_id", "effective_date", "payload", "updated_at"}).
		WillReturnResult(int64(rowCount))
	mock.ExpectQuery("WITH upserted AS").
		WillReturnRows(pgxmock.NewRows([]string{"inserted", "updated"}).AddRow(inserted, updated))
	mock.ExpectCommit()
}

func rawRecord(id, date string) provider.Record {
	return provider.Record{
		ID:      id,
		Date:    date,
		Payload: json.RawMessage(fmt.Sprintf(`{"id":%q,"date":%q}`, id, date)),
	}
}

func TestIngest_UpsertsByProviderID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ep, err := GetEndpoint("receipts")
	require.NoError(t, err)

	expectRawUpsert(mock, "receipts", 2, 1, 1)

	in := NewIngestor(mock)
	res, err := in.Ingest(context.Background(), ep, []provider.Record{
		rawRecord("1001", "2024-03-01"),
		rawRecord("1002", "2024-03-01"),
	})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, int64(1), res.Added)
	assert.Equal(t, int64(1), res.Updated)
	assert.Zero(t, res.Errors)
	assert.False(t, res.Failed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngest_SkipsRecordsWithoutID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ep, err := GetEndpoint("receipts")
	require.NoError(t, err)

	// Only the two valid records reach the upsert.
	expectRawUpsert(mock, "receipts", 2, 2, 0)

	in := NewIngestor(mock)
	res, err := in.Ingest(context.Background(), ep, []provider.Record{
		rawRecord("1001", "2024-03-01"),
		rawRecord("", "2024-03-01"),
		rawRecord("1003", "2024-03-01"),
	})

	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, int64(2), res.Added)
	assert.Equal(t, 1, res.Errors)
	require.Len(t, res.ErrorMessages, 1)
	assert.Contains(t, res.ErrorMessages[0], "missing provider id")
	assert.False(t, res.Failed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngest_DuplicateIDsCollapse(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ep, err := GetEndpoint("shifts")
	require.NoError(t, err)

	// Two records with the same id collapse into one staged row.
	expectRawUpsert(mock, "shifts", 1, 1, 0)

	in := NewIngestor(mock)
	res, err := in.Ingest(context.Background(), ep, []provider.Record{
		rawRecord("77", "2024-03-01"),
		rawRecord("77", "2024-03-01"),
	})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, int64(1), res.Added)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngest_BatchFailureDoesNotAbortRun(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ep, err := GetEndpoint("receipts")
	require.NoError(t, err)

	// First batch fails at Begin; second batch succeeds.
	mock.ExpectBegin().WillReturnError(fmt.Errorf("connection refused"))
	expectRawUpsert(mock, "receipts", 1, 1, 0)

	in := NewIngestor(mock, WithBatchSize(1), WithBatchRate(1000))
	res, err := in.Ingest(context.Background(), ep, []provider.Record{
		rawRecord("1001", "2024-03-01"),
		rawRecord("1002", "2024-03-01"),
	})

	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedBatches)
	assert.True(t, res.Failed())
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, int64(1), res.Added)
	require.Len(t, res.ErrorMessages, 1)
	assert.Contains(t, res.ErrorMessages[0], "batch at offset 0")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngest_EmptyInput(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ep, err := GetEndpoint("teams")
	require.NoError(t, err)

	in := NewIngestor(mock)
	res, err := in.Ingest(context.Background(), ep, nil)

	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Zero(t, res.Added)
	assert.NoError(t, mock.ExpectationsWereMet())
}

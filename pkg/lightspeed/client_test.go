package lightspeed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/platewise/opsync/internal/resilience"
	"github.com/platewise/opsync/pkg/provider"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestFetch_Receipts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "demo", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "/reporting/receipts", r.URL.Path)
		assert.Equal(t, "2024-03-01", r.URL.Query().Get("startDate"))
		assert.Equal(t, "2024-03-01", r.URL.Query().Get("endDate"))

		fmt.Fprint(w, `[
			{"receiptId":1001,"date":"2024-03-01","amt_in_cents":1050,"payment_type":"cash"},
			{"receiptId":1002,"date":"2024-03-01","amt_in_cents":2550,"payment_type":"card"}
		]`)
	}))
	defer srv.Close()

	client := NewClient("demo", "secret", WithBaseURL(srv.URL))
	res, err := client.Fetch(context.Background(), "receipts", &provider.DateRange{Start: "2024-03-01", End: "2024-03-01"})

	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "1001", res.Records[0].ID)
	assert.Equal(t, "2024-03-01", res.Records[0].Date)
	assert.Equal(t, "1002", res.Records[1].ID)
	assert.Equal(t, 1, res.Meta.Pages)
}

func TestFetch_PaginationByOffset(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		if offset == "0" {
			items := ""
			for i := 0; i < pageSize; i++ {
				if i > 0 {
					items += ","
				}
				items += fmt.Sprintf(`{"receiptId":%d,"date":"2024-03-01"}`, i+1)
			}
			fmt.Fprintf(w, "[%s]", items)
			return
		}
		assert.Equal(t, fmt.Sprint(pageSize), offset)
		fmt.Fprint(w, `[{"receiptId":9999,"date":"2024-03-01"}]`)
	}))
	defer srv.Close()

	client := NewClient("demo", "secret", WithBaseURL(srv.URL))
	res, err := client.Fetch(context.Background(), "receipts", &provider.DateRange{Start: "2024-03-01", End: "2024-03-01"})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Meta.Pages)
	assert.Len(t, res.Records, pageSize+1)
}

func TestFetch_ValidationRejectsBeforeNetwork(t *testing.T) {
	t.Parallel()

	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
	}))
	defer srv.Close()

	client := NewClient("demo", "secret", WithBaseURL(srv.URL))

	var ve *provider.ValidationError

	_, err := client.Fetch(context.Background(), "receipts", &provider.DateRange{Start: "2024-04-02", End: "2024-04-01"})
	require.Error(t, err)
	assert.ErrorAs(t, err, &ve)

	// receipts window is capped at 31 days
	_, err = client.Fetch(context.Background(), "receipts", &provider.DateRange{Start: "2024-01-01", End: "2024-03-01"})
	require.Error(t, err)
	assert.ErrorAs(t, err, &ve)

	_, err = client.Fetch(context.Background(), "receipts", nil)
	require.Error(t, err)
	assert.ErrorAs(t, err, &ve)

	_, err = client.Fetch(context.Background(), "customers", &provider.DateRange{Start: "2024-03-01", End: "2024-03-01"})
	require.Error(t, err)
	assert.ErrorAs(t, err, &ve)

	assert.False(t, called.Load(), "no HTTP request may be made for invalid input")
}

func TestFetch_RevenueDaysAllowsLongRange(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reporting/revenue-days", r.URL.Path)
		fmt.Fprint(w, `[{"revenueDayId":7,"date":"2024-01-15","turnover_in_cents":184250}]`)
	}))
	defer srv.Close()

	client := NewClient("demo", "secret", WithBaseURL(srv.URL))
	res, err := client.Fetch(context.Background(), "revenue_days", &provider.DateRange{Start: "2024-01-01", End: "2024-06-30"})

	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "7", res.Records[0].ID)
}

func TestFetch_RetriesTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	client := NewClient("demo", "secret", WithBaseURL(srv.URL), WithRetry(fastRetry()))
	res, err := client.Fetch(context.Background(), "receipts", &provider.DateRange{Start: "2024-03-01", End: "2024-03-01"})

	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, res.Meta.Retries)
	assert.Empty(t, res.Records)
}

func TestFetch_PermanentRejection(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":"plan expired"}`)
	}))
	defer srv.Close()

	client := NewClient("demo", "secret", WithBaseURL(srv.URL), WithRetry(fastRetry()))
	_, err := client.Fetch(context.Background(), "receipts", &provider.DateRange{Start: "2024-03-01", End: "2024-03-01"})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 402, resilience.StatusCode(err))
	assert.Contains(t, err.Error(), "plan expired")
}

func TestFetch_KeepsRecordsWithoutID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"receiptId":1001,"date":"2024-03-01"},
			{"date":"2024-03-01","amt_in_cents":900}
		]`)
	}))
	defer srv.Close()

	client := NewClient("demo", "secret", WithBaseURL(srv.URL))
	res, err := client.Fetch(context.Background(), "receipts", &provider.DateRange{Start: "2024-03-01", End: "2024-03-01"})

	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "1001", res.Records[0].ID)
	assert.Empty(t, res.Records[1].ID)
	assert.NotEmpty(t, res.Records[1].Payload)
}

func TestFetch_MalformedJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{not json`)
	}))
	defer srv.Close()

	client := NewClient("demo", "secret", WithBaseURL(srv.URL), WithRetry(resilience.RetryConfig{MaxAttempts: 1}))
	_, err := client.Fetch(context.Background(), "receipts", &provider.DateRange{Start: "2024-03-01", End: "2024-03-01"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

package shiftbase

import (
	"context"
	"encoding/json"
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

// fastRetry keeps retry sleeps negligible in tests.
func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func shiftsPage(items ...string) string {
	return fmt.Sprintf(`{"data":[%s]}`, joinItems(items))
}

func joinItems(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ","
		}
		out += it
	}
	return out
}

func TestFetch_Shifts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "API test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/rosters", r.URL.Path)
		assert.Equal(t, "2024-03-01", r.URL.Query().Get("min_date"))
		assert.Equal(t, "2024-03-07", r.URL.Query().Get("max_date"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, shiftsPage(
			`{"Roster":{"id":"101","date":"2024-03-01","starttime":"09:00"}}`,
			`{"Roster":{"id":"102","date":"2024-03-02","starttime":"17:00"}}`,
		))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	res, err := client.Fetch(context.Background(), "shifts", &provider.DateRange{Start: "2024-03-01", End: "2024-03-07"})

	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "101", res.Records[0].ID)
	assert.Equal(t, "2024-03-01", res.Records[0].Date)
	assert.Equal(t, "102", res.Records[1].ID)
	assert.Equal(t, 1, res.Meta.Pages)
	assert.Equal(t, 0, res.Meta.Retries)

	// Payload keeps the original wrapped shape.
	var entity map[string]any
	require.NoError(t, json.Unmarshal(res.Records[0].Payload, &entity))
	assert.Contains(t, entity, "Roster")
}

func TestFetch_MasterDataNoDateParams(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/teams", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("min_date"))
		fmt.Fprint(w, shiftsPage(`{"id":"7","name":"Kitchen"}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	res, err := client.Fetch(context.Background(), "teams", nil)

	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "7", res.Records[0].ID)
	assert.Empty(t, res.Records[0].Date)
}

func TestFetch_Pagination(t *testing.T) {
	t.Parallel()

	var pagesServed atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pagesServed.Add(1)
		if page == "1" {
			// Full page keeps the loop going.
			items := make([]string, pageSize)
			for i := range items {
				items[i] = fmt.Sprintf(`{"id":"%d","date":"2024-03-01"}`, i+1)
			}
			fmt.Fprint(w, shiftsPage(items...))
			return
		}
		fmt.Fprint(w, shiftsPage(`{"id":"9999","date":"2024-03-02"}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	res, err := client.Fetch(context.Background(), "shifts", &provider.DateRange{Start: "2024-03-01", End: "2024-03-07"})

	require.NoError(t, err)
	assert.Equal(t, int32(2), pagesServed.Load())
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

	client := NewClient("test-key", WithBaseURL(srv.URL))

	var ve *provider.ValidationError

	// start > end
	_, err := client.Fetch(context.Background(), "shifts", &provider.DateRange{Start: "2024-03-08", End: "2024-03-01"})
	require.Error(t, err)
	assert.ErrorAs(t, err, &ve)

	// bad format
	_, err = client.Fetch(context.Background(), "shifts", &provider.DateRange{Start: "08-03-2024", End: "2024-03-09"})
	require.Error(t, err)
	assert.ErrorAs(t, err, &ve)

	// window exceeded
	_, err = client.Fetch(context.Background(), "shifts", &provider.DateRange{Start: "2023-01-01", End: "2024-01-01"})
	require.Error(t, err)
	assert.ErrorAs(t, err, &ve)

	// missing range for a date-scoped endpoint
	_, err = client.Fetch(context.Background(), "shifts", nil)
	require.Error(t, err)
	assert.ErrorAs(t, err, &ve)

	// unknown endpoint
	_, err = client.Fetch(context.Background(), "invoices", nil)
	require.Error(t, err)
	assert.ErrorAs(t, err, &ve)

	assert.False(t, called.Load(), "no HTTP request may be made for invalid input")
}

func TestFetch_RetriesOn500(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, shiftsPage(`{"id":"1","date":"2024-03-01"}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithRetry(fastRetry()))
	res, err := client.Fetch(context.Background(), "shifts", &provider.DateRange{Start: "2024-03-01", End: "2024-03-01"})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, res.Meta.Retries)
}

func TestFetch_NoRetryOn4xx(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"bad key"}`)
	}))
	defer srv.Close()

	client := NewClient("bad-key", WithBaseURL(srv.URL), WithRetry(fastRetry()))
	_, err := client.Fetch(context.Background(), "shifts", &provider.DateRange{Start: "2024-03-01", End: "2024-03-01"})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 401, resilience.StatusCode(err))
	assert.False(t, resilience.IsTransient(err))
}

func TestFetch_RetriesExhaustedOn429(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithRetry(fastRetry()))
	_, err := client.Fetch(context.Background(), "shifts", &provider.DateRange{Start: "2024-03-01", End: "2024-03-01"})

	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 429, resilience.StatusCode(err))
	assert.True(t, resilience.IsTransient(err))
}

func TestFetch_MissingIDKeptWithEmptyID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, shiftsPage(
			`{"Roster":{"id":"1","date":"2024-03-01"}}`,
			`{"Roster":{"date":"2024-03-01"}}`,
		))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	res, err := client.Fetch(context.Background(), "shifts", &provider.DateRange{Start: "2024-03-01", End: "2024-03-01"})

	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "1", res.Records[0].ID)
	assert.Empty(t, res.Records[1].ID)
}

func TestFetch_Timeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewClient("test-key",
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}),
		WithRetry(resilience.RetryConfig{MaxAttempts: 1}),
	)
	_, err := client.Fetch(context.Background(), "shifts", &provider.DateRange{Start: "2024-03-01", End: "2024-03-01"})

	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestUnwrap(t *testing.T) {
	inner := map[string]any{"id": "1"}
	assert.Equal(t, inner, unwrap(map[string]any{"Roster": inner}))

	flat := map[string]any{"id": "1", "date": "2024-03-01"}
	assert.Equal(t, flat, unwrap(flat))
}

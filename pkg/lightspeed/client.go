// Package lightspeed provides a client for the Lightspeed POS reporting API
// (receipts and revenue days).
package lightspeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/platewise/opsync/internal/resilience"
	"github.com/platewise/opsync/pkg/provider"
)

const providerName = "lightspeed"

// pageSize is the limit parameter sent on every request.
const pageSize = 100

type endpointSpec struct {
	path         string
	maxRangeDays int
	idKeys       []string
	dateKeys     []string
}

// Endpoints supported by this client. Both are date-partitioned; Lightspeed
// has no master-data endpoints we consume.
var endpoints = map[string]endpointSpec{
	"receipts": {
		path:         "/reporting/receipts",
		maxRangeDays: 31,
		idKeys:       []string{"receiptId", "id"},
		dateKeys:     []string{"date", "creationDate"},
	},
	"revenue_days": {
		path:         "/reporting/revenue-days",
		maxRangeDays: 366,
		idKeys:       []string{"revenueDayId", "id"},
		dateKeys:     []string{"date"},
	},
}

// Option configures the Lightspeed client.
type Option func(*Client)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRateLimit overrides the default request rate limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry overrides the default retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

// Client talks to the Lightspeed reporting API using basic credentials.
type Client struct {
	username string
	password string
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	retry    resilience.RetryConfig
}

// NewClient creates a Lightspeed client with the given credentials.
func NewClient(username, password string, opts ...Option) *Client {
	c := &Client{
		username: username,
		password: password,
		baseURL:  "https://api.lightspeedapp.com",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(5, 5),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the provider name used in sync state and logs.
func (c *Client) Provider() string { return providerName }

// Fetch retrieves all pages of one endpoint for the given date range.
// Validation failures are returned before any network call.
func (c *Client) Fetch(ctx context.Context, endpoint string, rng *provider.DateRange) (*provider.Result, error) {
	spec, ok := endpoints[endpoint]
	if !ok {
		return nil, provider.Validatef("lightspeed: unknown endpoint %q", endpoint)
	}
	if rng == nil {
		return nil, provider.Validatef("lightspeed: endpoint %q requires a date range", endpoint)
	}
	if err := provider.ValidateRange(*rng, spec.maxRangeDays); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &provider.Result{}

	for offset := 0; ; offset += pageSize {
		reqURL := fmt.Sprintf("%s%s?startDate=%s&endDate=%s&limit=%d&offset=%d",
			c.baseURL, spec.path, rng.Start, rng.End, pageSize, offset)

		items, retries, err := c.fetchPage(ctx, endpoint, reqURL)
		if err != nil {
			return nil, err
		}
		result.Meta.Pages++
		result.Meta.Retries += retries

		for _, raw := range items {
			result.Records = append(result.Records, normalizeRecord(raw, spec))
		}

		if len(items) < pageSize {
			break
		}
	}

	result.Meta.Elapsed = time.Since(start)
	return result, nil
}

// fetchPage performs one rate-limited, retried GET. Lightspeed returns a
// bare JSON array rather than an envelope.
func (c *Client) fetchPage(ctx context.Context, endpoint, reqURL string) ([]json.RawMessage, int, error) {
	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger(providerName, endpoint)

	items, attempts, err := resilience.Attempts(ctx, cfg, func(ctx context.Context) ([]json.RawMessage, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "lightspeed: rate limiter wait")
		}
		return c.doGet(ctx, reqURL)
	})
	if err != nil {
		return nil, attempts - 1, err
	}
	return items, attempts - 1, nil
}

func (c *Client) doGet(ctx context.Context, reqURL string) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "lightspeed: create request")
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "lightspeed: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "lightspeed: read response body")
	}

	if resp.StatusCode != http.StatusOK {
		cause := eris.Errorf("lightspeed: status %d: %s", resp.StatusCode, truncate(body, 200))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(cause, resp.StatusCode)
		}
		return nil, resilience.NewPermanentError(cause, resp.StatusCode)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, eris.Wrap(err, "lightspeed: unmarshal response")
	}
	return items, nil
}

// normalizeRecord extracts the provider id and business date from one raw
// entity. A missing id yields an empty ID; the ingestion store counts those
// as errors rather than the client dropping them silently.
func normalizeRecord(raw json.RawMessage, spec endpointSpec) provider.Record {
	rec := provider.Record{Payload: raw}

	var entity map[string]any
	if err := json.Unmarshal(raw, &entity); err != nil {
		return rec
	}

	if id, err := provider.ExtractID(entity, spec.idKeys...); err == nil {
		rec.ID = id
	}
	rec.Date = provider.ExtractDate(entity, spec.dateKeys...)
	return rec
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

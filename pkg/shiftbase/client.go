// Package shiftbase provides a client for the Shiftbase workforce-planning
// API (shifts, timesheets, teams, users).
package shiftbase

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

const providerName = "shiftbase"

// pageSize is the per_page value requested from the API.
const pageSize = 250

// endpointSpec describes one Shiftbase endpoint.
type endpointSpec struct {
	path       string
	dateScoped bool
	// maxRangeDays caps (end - start) for date-scoped endpoints.
	maxRangeDays int
	idKeys       []string
	dateKeys     []string
}

// Endpoints supported by this client. Shifts and timesheets are
// date-partitioned; teams and users are master data.
var endpoints = map[string]endpointSpec{
	"shifts": {
		path:         "/rosters",
		dateScoped:   true,
		maxRangeDays: 92,
		idKeys:       []string{"id", "roster_id"},
		dateKeys:     []string{"date", "starttime"},
	},
	"timesheets": {
		path:         "/timesheets",
		dateScoped:   true,
		maxRangeDays: 92,
		idKeys:       []string{"id", "timesheet_id"},
		dateKeys:     []string{"date", "clocked_in"},
	},
	"teams": {
		path:     "/teams",
		idKeys:   []string{"id"},
		dateKeys: nil,
	},
	"users": {
		path:     "/users",
		idKeys:   []string{"id"},
		dateKeys: nil,
	},
}

// Option configures the Shiftbase client.
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

// Client talks to the Shiftbase API. Authentication is an API key sent on
// every request.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewClient creates a Shiftbase client with the given API key.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: "https://api.shiftbase.com/api",
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

// Fetch retrieves all pages of one endpoint. rng is required for
// date-scoped endpoints and ignored for master data. Validation failures
// are returned before any network call.
func (c *Client) Fetch(ctx context.Context, endpoint string, rng *provider.DateRange) (*provider.Result, error) {
	spec, ok := endpoints[endpoint]
	if !ok {
		return nil, provider.Validatef("shiftbase: unknown endpoint %q", endpoint)
	}
	if spec.dateScoped {
		if rng == nil {
			return nil, provider.Validatef("shiftbase: endpoint %q requires a date range", endpoint)
		}
		if err := provider.ValidateRange(*rng, spec.maxRangeDays); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	result := &provider.Result{}

	for page := 1; ; page++ {
		reqURL := fmt.Sprintf("%s%s?page=%d&per_page=%d", c.baseURL, spec.path, page, pageSize)
		if spec.dateScoped {
			reqURL += fmt.Sprintf("&min_date=%s&max_date=%s", rng.Start, rng.End)
		}

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

// envelope is the Shiftbase response wrapper.
type envelope struct {
	Data []json.RawMessage `json:"data"`
}

// fetchPage performs one rate-limited, retried GET and decodes the data
// array. The retry count excludes the first attempt.
func (c *Client) fetchPage(ctx context.Context, endpoint, reqURL string) ([]json.RawMessage, int, error) {
	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger(providerName, endpoint)

	items, attempts, err := resilience.Attempts(ctx, cfg, func(ctx context.Context) ([]json.RawMessage, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "shiftbase: rate limiter wait")
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
		return nil, eris.Wrap(err, "shiftbase: create request")
	}
	req.Header.Set("Authorization", "API "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "shiftbase: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "shiftbase: read response body")
	}

	if resp.StatusCode != http.StatusOK {
		cause := eris.Errorf("shiftbase: status %d: %s", resp.StatusCode, truncate(body, 200))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(cause, resp.StatusCode)
		}
		return nil, resilience.NewPermanentError(cause, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, eris.Wrap(err, "shiftbase: unmarshal response")
	}
	return env.Data, nil
}

// normalizeRecord extracts the provider id and business date from one raw
// entity. Shiftbase wraps entities in a single-key model object
// ({"Roster": {...}}), so extraction descends one level when needed. A
// missing id yields an empty ID; the ingestion store counts those as errors
// rather than the client dropping them silently.
func normalizeRecord(raw json.RawMessage, spec endpointSpec) provider.Record {
	rec := provider.Record{Payload: raw}

	var entity map[string]any
	if err := json.Unmarshal(raw, &entity); err != nil {
		return rec
	}
	entity = unwrap(entity)

	if id, err := provider.ExtractID(entity, spec.idKeys...); err == nil {
		rec.ID = id
	}
	if len(spec.dateKeys) > 0 {
		rec.Date = provider.ExtractDate(entity, spec.dateKeys...)
	}
	return rec
}

// unwrap descends into a single-key model wrapper like {"Roster": {...}}.
func unwrap(entity map[string]any) map[string]any {
	if len(entity) != 1 {
		return entity
	}
	for _, v := range entity {
		if inner, ok := v.(map[string]any); ok {
			return inner
		}
	}
	return entity
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

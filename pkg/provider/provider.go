// Package provider defines the contract shared by the external time and
// sales API clients: normalized records, fetch metadata, date-range
// validation, and the typed error surfaced to the orchestrator.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// DateFormat is the wire format for all date parameters.
const DateFormat = "2006-01-02"

// Record is one provider-returned entity, normalized to the fields the
// ingestion store needs. Payload keeps the provider-specific shape opaque.
type Record struct {
	ID      string          `json:"id"`
	Date    string          `json:"date,omitempty"` // business date, empty for master data
	Payload json.RawMessage `json:"payload"`
}

// Meta carries pagination and timing metadata for a completed fetch.
type Meta struct {
	Pages   int           `json:"pages"`
	Retries int           `json:"retries"`
	Elapsed time.Duration `json:"elapsed"`
}

// Result is the outcome of a successful fetch.
type Result struct {
	Records []Record `json:"records"`
	Meta    Meta     `json:"meta"`
}

// DateRange is an inclusive business-date window.
type DateRange struct {
	Start string
	End   string
}

// Client fetches one endpoint's data from a provider. rng is nil for master
// data endpoints (teams, users) that are not date-partitioned.
type Client interface {
	Provider() string
	Fetch(ctx context.Context, endpoint string, rng *DateRange) (*Result, error)
}

// ValidationError marks a request rejected before any network call.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validatef builds a ValidationError.
func Validatef(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ValidateRange checks date format, ordering, and the per-endpoint maximum
// window. maxRangeDays <= 0 means unbounded.
func ValidateRange(rng DateRange, maxRangeDays int) error {
	start, err := time.Parse(DateFormat, rng.Start)
	if err != nil {
		return Validatef("invalid start date %q, want YYYY-MM-DD", rng.Start)
	}
	end, err := time.Parse(DateFormat, rng.End)
	if err != nil {
		return Validatef("invalid end date %q, want YYYY-MM-DD", rng.End)
	}
	if start.After(end) {
		return Validatef("start date %s is after end date %s", rng.Start, rng.End)
	}
	if maxRangeDays > 0 {
		if span := int(end.Sub(start).Hours()/24) + 1; span > maxRangeDays {
			return Validatef("date range spans %d days, endpoint maximum is %d", span, maxRangeDays)
		}
	}
	return nil
}

// ExtractID pulls the provider-assigned id from a decoded entity, trying the
// candidate keys in order. Providers are inconsistent about numeric vs string
// ids, and nested legacy shapes alias the same value under different keys.
func ExtractID(entity map[string]any, keys ...string) (string, error) {
	for _, key := range keys {
		v, ok := entity[key]
		if !ok {
			continue
		}
		switch id := v.(type) {
		case string:
			if id != "" {
				return id, nil
			}
		case float64:
			return fmt.Sprintf("%.0f", id), nil
		case json.Number:
			return id.String(), nil
		}
	}
	return "", eris.Errorf("provider: entity has no id under any of %v", keys)
}

// ExtractDate pulls a YYYY-MM-DD business date from a decoded entity, trying
// the candidate keys in order. Timestamps are truncated to their date part.
func ExtractDate(entity map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := entity[key].(string)
		if !ok || v == "" {
			continue
		}
		if len(v) >= len(DateFormat) {
			if _, err := time.Parse(DateFormat, v[:len(DateFormat)]); err == nil {
				return v[:len(DateFormat)]
			}
		}
	}
	return ""
}

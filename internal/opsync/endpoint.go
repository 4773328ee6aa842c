// Package opsync synchronizes restaurant labor and sales data from external
// providers into Postgres and maintains denormalized daily aggregates.
package opsync

import (
	"github.com/rotisserie/eris"
)

// Provider names used in sync state, logs, and configuration.
const (
	ProviderShiftbase  = "shiftbase"
	ProviderLightspeed = "lightspeed"
)

// Schema is the Postgres schema holding all pipeline tables.
const Schema = "ops"

// Aggregation shapes. Labor tables key rows by (work_date, location_id,
// team_id), revenue tables by (work_date, location_id).
const (
	AggKindLabor   = "labor"
	AggKindRevenue = "revenue"
)

// Endpoint describes one provider entity type: where its raw rows land, which
// aggregated table (if any) derives from it, and how backfills are chunked.
// Each endpoint owns its aggregated table so two endpoints never overwrite
// each other's rows.
type Endpoint struct {
	Name       string
	Provider   string
	RawTable   string // fully qualified raw payload table
	AggTable   string // empty when the endpoint has no aggregation
	AggKind    string // labor or revenue, empty when no aggregation
	DateScoped bool   // master-data endpoints have no date range
	ChunkDays  int    // backfill chunk width, 0 for master data
}

// HasAggregation reports whether the endpoint feeds an aggregated table.
func (e Endpoint) HasAggregation() bool { return e.AggTable != "" }

var endpointOrder = []string{
	"shifts",
	"timesheets",
	"teams",
	"users",
	"receipts",
	"revenue_days",
}

var endpoints = map[string]Endpoint{
	"shifts": {
		Name:       "shifts",
		Provider:   ProviderShiftbase,
		RawTable:   "ops.raw_shifts",
		AggTable:   "ops.shifts_aggregated",
		AggKind:    AggKindLabor,
		DateScoped: true,
		ChunkDays:  7,
	},
	"timesheets": {
		Name:       "timesheets",
		Provider:   ProviderShiftbase,
		RawTable:   "ops.raw_timesheets",
		AggTable:   "ops.timesheets_aggregated",
		AggKind:    AggKindLabor,
		DateScoped: true,
		ChunkDays:  7,
	},
	"teams": {
		Name:     "teams",
		Provider: ProviderShiftbase,
		RawTable: "ops.raw_teams",
	},
	"users": {
		Name:     "users",
		Provider: ProviderShiftbase,
		RawTable: "ops.raw_users",
	},
	"receipts": {
		Name:       "receipts",
		Provider:   ProviderLightspeed,
		RawTable:   "ops.raw_receipts",
		AggTable:   "ops.receipts_aggregated",
		AggKind:    AggKindRevenue,
		DateScoped: true,
		ChunkDays:  30,
	},
	"revenue_days": {
		Name:       "revenue_days",
		Provider:   ProviderLightspeed,
		RawTable:   "ops.raw_revenue_days",
		AggTable:   "ops.revenue_days_aggregated",
		AggKind:    AggKindRevenue,
		DateScoped: true,
		ChunkDays:  30,
	},
}

// GetEndpoint returns an endpoint by name.
func GetEndpoint(name string) (Endpoint, error) {
	e, ok := endpoints[name]
	if !ok {
		return Endpoint{}, eris.Errorf("opsync: unknown endpoint %q", name)
	}
	return e, nil
}

// Endpoints returns all endpoints in registration order.
func Endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(endpointOrder))
	for _, name := range endpointOrder {
		out = append(out, endpoints[name])
	}
	return out
}

// EndpointNames returns all endpoint names in registration order.
func EndpointNames() []string {
	out := make([]string, len(endpointOrder))
	copy(out, endpointOrder)
	return out
}

// Providers returns the distinct provider names in registration order.
func Providers() []string {
	var out []string
	seen := make(map[string]bool)
	for _, name := range endpointOrder {
		p := endpoints[name].Provider
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// ProviderEndpoints returns the endpoints belonging to one provider, in
// registration order.
func ProviderEndpoints(provider string) []Endpoint {
	var out []Endpoint
	for _, name := range endpointOrder {
		if endpoints[name].Provider == provider {
			out = append(out, endpoints[name])
		}
	}
	return out
}

// DateScopedEndpoints returns the provider's endpoints that take a date range.
// These are the ones backfills and incremental ticks operate on.
func DateScopedEndpoints(provider string) []Endpoint {
	var out []Endpoint
	for _, e := range ProviderEndpoints(provider) {
		if e.DateScoped {
			out = append(out, e)
		}
	}
	return out
}

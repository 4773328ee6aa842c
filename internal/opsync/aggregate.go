package opsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/platewise/opsync/internal/db"
	"github.com/platewise/opsync/pkg/provider"
)

// AggregateResult reports the outcome of one aggregation run.
type AggregateResult struct {
	RowsAggregated int      `json:"records_aggregated"`
	Skipped        int      `json:"skipped"`
	GroupErrors    []string `json:"group_errors,omitempty"`
}

// Aggregator recomputes daily aggregate rows from raw payloads. Reruns over
// unchanged raw data produce bit-identical rows: extraction chains are
// deterministic and rounding happens exactly once, at storage time.
type Aggregator struct {
	pool db.Pool
	wage decimal.Decimal
}

// AggregateOption configures an Aggregator.
type AggregateOption func(*Aggregator)

// WithDefaultWage overrides the fallback hourly wage used when a shift
// payload carries no wage under any known key.
func WithDefaultWage(wage decimal.Decimal) AggregateOption {
	return func(a *Aggregator) { a.wage = wage }
}

// NewAggregator creates an Aggregator.
func NewAggregator(pool db.Pool, opts ...AggregateOption) *Aggregator {
	a := &Aggregator{pool: pool, wage: DefaultHourlyWage}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run aggregates one endpoint's raw rows for an inclusive date range and
// full-replaces the derived rows keyed by their grouping key. A raw-load
// failure aborts the run; a failing group is skipped and reported.
func (a *Aggregator) Run(ctx context.Context, ep Endpoint, rng provider.DateRange) (*AggregateResult, error) {
	if !ep.HasAggregation() {
		return nil, provider.Validatef("endpoint %q has no aggregation", ep.Name)
	}
	if err := provider.ValidateRange(rng, 0); err != nil {
		return nil, err
	}

	raws, err := a.loadRaw(ctx, ep, rng)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("component", "opsync.aggregate"),
		zap.String("endpoint", ep.Name),
	)

	var result *AggregateResult
	switch ep.AggKind {
	case AggKindLabor:
		result, err = a.aggregateLabor(ctx, ep.AggTable, raws)
	case AggKindRevenue:
		result, err = a.aggregateRevenue(ctx, ep.AggTable, raws)
	default:
		return nil, eris.Errorf("opsync: no aggregator for endpoint %s", ep.Name)
	}
	if err != nil {
		return nil, err
	}

	log.Info("aggregation finished",
		zap.String("start", rng.Start),
		zap.String("end", rng.End),
		zap.Int("rows", result.RowsAggregated),
		zap.Int("skipped", result.Skipped),
		zap.Int("group_errors", len(result.GroupErrors)))

	return result, nil
}

type rawRow struct {
	providerID string
	date       string
	entity     map[string]any
}

func (a *Aggregator) loadRaw(ctx context.Context, ep Endpoint, rng provider.DateRange) ([]rawRow, error) {
	sql := fmt.Sprintf(
		`SELECT provider_id, effective_date, payload FROM %s
		 WHERE effective_date >= $1 AND effective_date <= $2
		 ORDER BY provider_id`,
		ep.RawTable,
	)
	rows, err := a.pool.Query(ctx, sql, rng.Start, rng.End)
	if err != nil {
		return nil, eris.Wrapf(err, "opsync: load raw rows for %s", ep.Name)
	}
	defer rows.Close()

	var out []rawRow
	for rows.Next() {
		var r rawRow
		var date time.Time
		var payload []byte
		if err := rows.Scan(&r.providerID, &date, &payload); err != nil {
			return nil, eris.Wrapf(err, "opsync: scan raw row for %s", ep.Name)
		}
		r.date = date.Format(provider.DateFormat)

		var entity map[string]any
		if err := json.Unmarshal(payload, &entity); err != nil {
			// Malformed payloads surface as group errors downstream; keep
			// the row so they are visible, with an empty entity.
			entity = map[string]any{}
		}
		r.entity = unwrapModel(entity)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "opsync: read raw rows for %s", ep.Name)
	}
	return out, nil
}

// unwrapModel unwraps single-key model envelopes like {"Roster": {...}}.
func unwrapModel(entity map[string]any) map[string]any {
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

type groupKey struct {
	date     string
	location string
	team     string
}

type laborAcc struct {
	hours      decimal.Decimal
	breakMins  decimal.Decimal
	wageCost   decimal.Decimal
	shiftCount int
	employees  map[string]bool
}

func (a *Aggregator) aggregateLabor(ctx context.Context, table string, raws []rawRow) (*AggregateResult, error) {
	rows, result := laborRows(raws, a.wage)

	cfg := db.UpsertConfig{
		Table: table,
		Columns: []string{
			"work_date", "location_id", "team_id",
			"hours_worked", "break_minutes", "wage_cost",
			"shift_count", "employee_count",
			"avg_hours_per_employee", "avg_wage_per_hour",
			"updated_at",
		},
		ConflictKeys: []string{"work_date", "location_id", "team_id"},
	}
	n, err := db.BulkUpsert(ctx, a.pool, cfg, rows)
	if err != nil {
		return nil, err
	}
	result.RowsAggregated = int(n)
	return result, nil
}

func laborRows(raws []rawRow, defaultWage decimal.Decimal) ([][]any, *AggregateResult) {
	result := &AggregateResult{}
	groups := make(map[groupKey]*laborAcc)

	for _, r := range raws {
		location := ExtractString(r.entity, "location_id", "environment_id", "department_id")
		if location == "" {
			result.Skipped++
			continue
		}
		key := groupKey{date: r.date, location: location,
			team: ExtractString(r.entity, "team_id", "Team.id")}

		acc, ok := groups[key]
		if !ok {
			acc = &laborAcc{employees: make(map[string]bool)}
			groups[key] = acc
		}

		hours := ExtractDecimal(r.entity, "total", "hours", "duration")
		wage := ExtractDecimal(r.entity, "wage", "hourly_rate", "rate")
		if wage.IsZero() {
			wage = defaultWage
		}

		acc.hours = acc.hours.Add(hours)
		acc.breakMins = acc.breakMins.Add(ExtractDecimal(r.entity, "break", "break_minutes"))
		acc.wageCost = acc.wageCost.Add(hours.Mul(wage))
		acc.shiftCount++
		if emp := ExtractString(r.entity, "user_id", "employee_id"); emp != "" {
			acc.employees[emp] = true
		}
	}

	rows := make([][]any, 0, len(groups))
	for _, key := range sortedKeys(groups) {
		acc := groups[key]
		row, err := laborRow(key, acc)
		if err != nil {
			result.GroupErrors = append(result.GroupErrors,
				fmt.Sprintf("%s/%s/%s: %v", key.date, key.location, key.team, err))
			continue
		}
		rows = append(rows, row)
	}
	return rows, result
}

func laborRow(key groupKey, acc *laborAcc) ([]any, error) {
	if _, err := time.Parse(provider.DateFormat, key.date); err != nil {
		return nil, eris.Errorf("invalid work date %q", key.date)
	}
	employeeCount := len(acc.employees)
	avgHours := safeDiv(acc.hours, decimal.NewFromInt(int64(employeeCount)))
	avgWage := safeDiv(acc.wageCost, acc.hours)

	return []any{
		key.date, key.location, key.team,
		acc.hours.StringFixed(2),
		acc.breakMins.StringFixed(2),
		acc.wageCost.StringFixed(2),
		acc.shiftCount,
		employeeCount,
		avgHours.StringFixed(2),
		avgWage.StringFixed(2),
		time.Now().UTC(),
	}, nil
}

type revenueAcc struct {
	total   decimal.Decimal
	cash    decimal.Decimal
	card    decimal.Decimal
	other   decimal.Decimal
	vatHigh decimal.Decimal
	vatLow  decimal.Decimal
	txCount int
}

func (a *Aggregator) aggregateRevenue(ctx context.Context, table string, raws []rawRow) (*AggregateResult, error) {
	rows, result := revenueRows(raws)

	cfg := db.UpsertConfig{
		Table: table,
		Columns: []string{
			"work_date", "location_id",
			"total_revenue", "cash_revenue", "card_revenue", "other_revenue",
			"vat_high", "vat_low", "vat_pct",
			"transaction_count", "avg_revenue_per_transaction",
			"updated_at",
		},
		ConflictKeys: []string{"work_date", "location_id"},
	}
	n, err := db.BulkUpsert(ctx, a.pool, cfg, rows)
	if err != nil {
		return nil, err
	}
	result.RowsAggregated = int(n)
	return result, nil
}

func revenueRows(raws []rawRow) ([][]any, *AggregateResult) {
	result := &AggregateResult{}
	groups := make(map[groupKey]*revenueAcc)

	for _, r := range raws {
		location := ExtractString(r.entity, "location_id", "environment_id", "outlet_id")
		if location == "" {
			result.Skipped++
			continue
		}
		key := groupKey{date: r.date, location: location}

		acc, ok := groups[key]
		if !ok {
			acc = &revenueAcc{}
			groups[key] = acc
		}

		amount := centsToEuros(ExtractDecimal(r.entity,
			"amt_in_cents", "total_in_cents", "turnover_in_cents", "amount_in_cents"))

		acc.total = acc.total.Add(amount)
		switch ExtractString(r.entity, "payment_type", "payment_method") {
		case "cash":
			acc.cash = acc.cash.Add(amount)
		case "card", "pin", "creditcard":
			acc.card = acc.card.Add(amount)
		default:
			acc.other = acc.other.Add(amount)
		}
		acc.vatHigh = acc.vatHigh.Add(centsToEuros(ExtractDecimal(r.entity, "vat_high_in_cents", "vat.high")))
		acc.vatLow = acc.vatLow.Add(centsToEuros(ExtractDecimal(r.entity, "vat_low_in_cents", "vat.low")))
		acc.txCount++
	}

	rows := make([][]any, 0, len(groups))
	for _, key := range sortedKeys(groups) {
		acc := groups[key]
		row, err := revenueRow(key, acc)
		if err != nil {
			result.GroupErrors = append(result.GroupErrors,
				fmt.Sprintf("%s/%s: %v", key.date, key.location, err))
			continue
		}
		rows = append(rows, row)
	}
	return rows, result
}

func revenueRow(key groupKey, acc *revenueAcc) ([]any, error) {
	if _, err := time.Parse(provider.DateFormat, key.date); err != nil {
		return nil, eris.Errorf("invalid work date %q", key.date)
	}
	avgPerTx := safeDiv(acc.total, decimal.NewFromInt(int64(acc.txCount)))
	vatPct := safeDiv(acc.vatHigh.Add(acc.vatLow), acc.total).Mul(centsPerEuro)

	return []any{
		key.date, key.location,
		acc.total.StringFixed(2),
		acc.cash.StringFixed(2),
		acc.card.StringFixed(2),
		acc.other.StringFixed(2),
		acc.vatHigh.StringFixed(2),
		acc.vatLow.StringFixed(2),
		vatPct.StringFixed(2),
		acc.txCount,
		avgPerTx.StringFixed(2),
		time.Now().UTC(),
	}, nil
}

func sortedKeys[V any](m map[groupKey]V) []groupKey {
	keys := make([]groupKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].date != keys[j].date {
			return keys[i].date < keys[j].date
		}
		if keys[i].location != keys[j].location {
			return keys[i].location < keys[j].location
		}
		return keys[i].team < keys[j].team
	})
	return keys
}

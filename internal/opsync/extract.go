package opsync

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultHourlyWage is the assumed wage when a shift payload carries no wage
// information under any known key. Overridable through configuration.
var DefaultHourlyWage = decimal.NewFromFloat(14.50)

// centsPerEuro converts provider cent amounts to euros.
var centsPerEuro = decimal.NewFromInt(100)

// ExtractDecimal walks an ordered list of candidate paths and returns the
// first defined, non-zero numeric value. Paths may be dot-separated to reach
// nested objects ("Roster.wage"). Returns decimal.Zero when no candidate
// resolves, so callers can distinguish "absent" only if zero is not a valid
// domain value for the field.
func ExtractDecimal(data map[string]any, paths ...string) decimal.Decimal {
	for _, path := range paths {
		v, ok := lookupPath(data, path)
		if !ok {
			continue
		}
		d, ok := toDecimal(v)
		if !ok || d.IsZero() {
			continue
		}
		return d
	}
	return decimal.Zero
}

// ExtractString returns the first defined, non-empty string value among the
// candidate paths. Numeric values are rendered in their canonical decimal
// form so provider ids arriving as JSON numbers match their string form.
func ExtractString(data map[string]any, paths ...string) string {
	for _, path := range paths {
		v, ok := lookupPath(data, path)
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				return val
			}
		case float64, int, int64:
			if d, ok := toDecimal(val); ok {
				return d.String()
			}
		}
	}
	return ""
}

func lookupPath(data map[string]any, path string) (any, bool) {
	cur := any(data)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val), true
	case float32:
		return decimal.NewFromFloat(float64(val)), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	case string:
		d, err := decimal.NewFromString(val)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	return decimal.Zero, false
}

// centsToEuros converts a cent amount to euros without rounding; rounding is
// applied once, at storage time, so repeated runs stay bit-identical.
func centsToEuros(cents decimal.Decimal) decimal.Decimal {
	return cents.Div(centsPerEuro)
}

// safeDiv divides num by den, defined as zero when the denominator is zero.
func safeDiv(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.Div(den)
}

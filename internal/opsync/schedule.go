package opsync

import (
	"time"

	"github.com/platewise/opsync/pkg/provider"
)

// InQuietHours reports whether now's hour falls inside the [start, end)
// quiet window. The window may wrap midnight (e.g. 23 to 6). A nil bound
// disables the window.
func InQuietHours(now time.Time, start, end *int) bool {
	if start == nil || end == nil || *start == *end {
		return false
	}
	h := now.Hour()
	if *start < *end {
		return h >= *start && h < *end
	}
	// wraps midnight
	return h >= *start || h < *end
}

// Yesterday returns the incremental sync target date: the calendar day
// before now, in the provider date format.
func Yesterday(now time.Time) string {
	return now.AddDate(0, 0, -1).Format(provider.DateFormat)
}

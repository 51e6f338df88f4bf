// Package quota implements the persisted daily request counters and the
// two-tier admission decision over them.
package quota

import (
	"context"
	"time"
)

// Scope identifies whose counter a quota row belongs to. It is either a
// client IP address or the aggregate ScopeGlobal.
type Scope string

// ScopeGlobal is the counter shared by every client for the service-wide
// daily ceiling.
const ScopeGlobal Scope = "global"

// DayKey is a calendar date in the reference timezone, formatted YYYY-MM-DD.
// All counters for one deployment must derive their keys from the same
// location or the daily reset is corrupted.
type DayKey string

func DayOf(at time.Time, loc *time.Location) DayKey {
	if loc == nil {
		loc = time.UTC
	}
	return DayKey(at.In(loc).Format("2006-01-02"))
}

// Store persists one non-negative counter per (scope, day). Implementations
// must make Increment atomic: two concurrent increments on the same row yield
// count+2, never count+1. Rows are created lazily and never mutated except by
// increment; pruning old days is a caller's concern.
type Store interface {
	Increment(ctx context.Context, scope Scope, day DayKey) (int64, error)
	Get(ctx context.Context, scope Scope, day DayKey) (int64, error)
}

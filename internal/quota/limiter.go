package quota

import (
	"context"
	"fmt"
	"time"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	Admitted Decision = iota
	GlobalLimitReached
	IPLimitReached
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case GlobalLimitReached:
		return "global_limit_reached"
	case IPLimitReached:
		return "ip_limit_reached"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

type LimiterConfig struct {
	GlobalDailyLimit int64
	PerIPDailyLimit  int64
	Location         *time.Location
}

// Limiter decides admission against the store. It never increments; counting
// is the pipeline's responsibility once it has committed to the attempt.
type Limiter struct {
	store       Store
	globalLimit int64
	ipLimit     int64
	loc         *time.Location
}

func NewLimiter(store Store, cfg LimiterConfig) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.GlobalDailyLimit <= 0 {
		return nil, fmt.Errorf("global daily limit must be positive")
	}
	if cfg.PerIPDailyLimit <= 0 {
		return nil, fmt.Errorf("per-ip daily limit must be positive")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Limiter{
		store:       store,
		globalLimit: cfg.GlobalDailyLimit,
		ipLimit:     cfg.PerIPDailyLimit,
		loc:         loc,
	}, nil
}

func (l *Limiter) Day(at time.Time) DayKey {
	return DayOf(at, l.loc)
}

func (l *Limiter) RemainingGlobal(ctx context.Context, day DayKey) (int64, error) {
	count, err := l.store.Get(ctx, ScopeGlobal, day)
	if err != nil {
		return 0, fmt.Errorf("get global counter: %w", err)
	}
	return clampRemaining(l.globalLimit - count), nil
}

func (l *Limiter) RemainingIP(ctx context.Context, ip string, day DayKey) (int64, error) {
	count, err := l.store.Get(ctx, Scope(ip), day)
	if err != nil {
		return 0, fmt.Errorf("get ip counter: %w", err)
	}
	return clampRemaining(l.ipLimit - count), nil
}

// CheckAdmit evaluates the global ceiling before the per-IP one, so a client
// that has exhausted both sees the global-exhaustion outcome. The remaining
// figures come back even on rejection so callers can report them.
func (l *Limiter) CheckAdmit(ctx context.Context, ip string, day DayKey) (decision Decision, ipRemaining, globalRemaining int64, err error) {
	globalRemaining, err = l.RemainingGlobal(ctx, day)
	if err != nil {
		return GlobalLimitReached, 0, 0, err
	}
	ipRemaining, err = l.RemainingIP(ctx, ip, day)
	if err != nil {
		return IPLimitReached, 0, 0, err
	}
	if globalRemaining <= 0 {
		return GlobalLimitReached, ipRemaining, globalRemaining, nil
	}
	if ipRemaining <= 0 {
		return IPLimitReached, ipRemaining, globalRemaining, nil
	}
	return Admitted, ipRemaining, globalRemaining, nil
}

// Count records one admitted attempt against both the client scope and the
// global scope, returning the remaining figures after the increment.
func (l *Limiter) Count(ctx context.Context, ip string, day DayKey) (ipRemaining, globalRemaining int64, err error) {
	ipCount, err := l.store.Increment(ctx, Scope(ip), day)
	if err != nil {
		return 0, 0, fmt.Errorf("increment ip counter: %w", err)
	}
	globalCount, err := l.store.Increment(ctx, ScopeGlobal, day)
	if err != nil {
		return 0, 0, fmt.Errorf("increment global counter: %w", err)
	}
	return clampRemaining(l.ipLimit - ipCount), clampRemaining(l.globalLimit - globalCount), nil
}

func clampRemaining(value int64) int64 {
	if value < 0 {
		return 0
	}
	return value
}

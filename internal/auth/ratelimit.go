package auth

import (
	"context"
	"time"
)

// Default request caps per user.
const (
	DefaultHourlyCap = 40
	DefaultDailyCap  = 200
)

// Counter window scopes and key layouts.
const (
	scopeHour     = "rate_hour"
	hourKeyLayout = "2006-01-02-15"
	scopeDay      = "rate_day"
	dayKeyLayout  = "2006-01-02"
)

// CounterStore is the persistence behind the sliding rate-limit windows.
type CounterStore interface {
	GetCounter(ctx context.Context, userID int64, scope, key string) (int, error)
	IncrCounter(ctx context.Context, userID int64, scope, key string) error
	DeleteStaleCounters(ctx context.Context, scope string, validKeys []string) error
}

// RateLimiter enforces per-user hourly and daily request caps. Counters are
// bucketed by wall-clock hour/day keys and persisted, so limits survive
// restarts; stale buckets are dropped by the periodic Cleanup.
type RateLimiter struct {
	store  CounterStore
	hourly int
	daily  int
	now    func() time.Time
}

func NewRateLimiter(store CounterStore, hourly, daily int) *RateLimiter {
	if hourly <= 0 {
		hourly = DefaultHourlyCap
	}
	if daily <= 0 {
		daily = DefaultDailyCap
	}
	return &RateLimiter{store: store, hourly: hourly, daily: daily, now: time.Now}
}

// CheckAndRecord returns whether the user is under both caps, recording the
// request when admitted. Denied requests are not counted.
func (r *RateLimiter) CheckAndRecord(ctx context.Context, userID int64) (bool, error) {
	now := r.now()
	hourKey := now.Format(hourKeyLayout)
	dayKey := now.Format(dayKeyLayout)

	hourCount, err := r.store.GetCounter(ctx, userID, scopeHour, hourKey)
	if err != nil {
		return false, err
	}
	if hourCount >= r.hourly {
		return false, nil
	}
	dayCount, err := r.store.GetCounter(ctx, userID, scopeDay, dayKey)
	if err != nil {
		return false, err
	}
	if dayCount >= r.daily {
		return false, nil
	}

	if err := r.store.IncrCounter(ctx, userID, scopeHour, hourKey); err != nil {
		return false, err
	}
	if err := r.store.IncrCounter(ctx, userID, scopeDay, dayKey); err != nil {
		return false, err
	}
	return true, nil
}

// Cleanup drops counter buckets for past hours and days.
func (r *RateLimiter) Cleanup(ctx context.Context) error {
	now := r.now()
	if err := r.store.DeleteStaleCounters(ctx, scopeHour, []string{now.Format(hourKeyLayout)}); err != nil {
		return err
	}
	return r.store.DeleteStaleCounters(ctx, scopeDay, []string{now.Format(dayKeyLayout)})
}

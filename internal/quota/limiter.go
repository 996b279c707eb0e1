// Package quota enforces sliding-window request limits per subject (user, ip)
// across minute/hour/day granularities before a job may be created.
package quota

import (
	"context"
	"fmt"
	"time"
)

// CounterStore increments a window counter and reports the count after the
// increment plus the time remaining until the window resets. The TTL is armed
// on the first increment of a window.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (count int64, remaining time.Duration, err error)
}

type window struct {
	name string
	per  time.Duration
}

var windows = []window{
	{"minute", time.Minute},
	{"hour", time.Hour},
	{"day", 24 * time.Hour},
}

// Limits holds the per-window maxima. Zero disables a check.
type Limits struct {
	UserPerMinute int
	UserPerHour   int
	UserPerDay    int
	IPPerMinute   int
	IPPerHour     int
	IPPerDay      int
}

func (l Limits) forSubject(subject string) [3]int {
	if subject == "user" {
		return [3]int{l.UserPerMinute, l.UserPerHour, l.UserPerDay}
	}
	return [3]int{l.IPPerMinute, l.IPPerHour, l.IPPerDay}
}

// Decision is the outcome of an Enforce call.
type Decision struct {
	OK                bool
	RetryAfterSeconds int
	Message           string
}

// Limiter checks every (subject, window) pair in a fixed order and fails fast
// on the first breach. Windows are independent counters, not a token bucket:
// bursts up to a window's max are permitted.
type Limiter struct {
	store  CounterStore
	limits Limits
}

func NewLimiter(store CounterStore, limits Limits) *Limiter {
	return &Limiter{store: store, limits: limits}
}

// Enforce runs all quota checks for one action. Subjects with an empty key
// and windows with a zero limit are skipped. Every remaining check must pass
// for the request to proceed.
func (l *Limiter) Enforce(ctx context.Context, scope, userID, ip string) (Decision, error) {
	subjects := []struct {
		kind string
		key  string
	}{
		{"user", userID},
		{"ip", ip},
	}

	for _, subject := range subjects {
		if subject.key == "" {
			continue
		}
		maxima := l.limits.forSubject(subject.kind)
		for i, win := range windows {
			limit := maxima[i]
			if limit <= 0 {
				continue
			}
			key := fmt.Sprintf("quota:%s:%s:%s:%s", scope, win.name, subject.kind, subject.key)
			count, remaining, err := l.store.Incr(ctx, key, win.per)
			if err != nil {
				return Decision{}, fmt.Errorf("quota: incr %s: %w", key, err)
			}
			if count > int64(limit) {
				retryAfter := int(remaining.Seconds())
				if remaining > 0 && remaining < time.Second {
					retryAfter = 1
				}
				if retryAfter < 1 {
					retryAfter = 1
				}
				return Decision{
					OK:                false,
					RetryAfterSeconds: retryAfter,
					Message: fmt.Sprintf("too many %s requests for this %s in the last %s",
						scope, subject.kind, win.name),
				}, nil
			}
		}
	}

	return Decision{OK: true}, nil
}

// Package ratelimit enforces the per-(user, route) requests-per-second
// ceiling with fixed-window counters shared through the document store,
// so every worker sees the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/store"
)

// Limiter counts dispatches per (user, route, second). Counters may
// briefly overcount near window boundaries; that slack is an accepted
// tradeoff for the lock-free design.
type Limiter struct {
	store   store.Store
	ceiling int64
	now     func() time.Time
}

// New creates a limiter with the given calls-per-second ceiling. A
// ceiling of zero or below disables limiting.
func New(st store.Store, ceiling int64) *Limiter {
	return &Limiter{store: st, ceiling: ceiling, now: time.Now}
}

// Allow increments the current window for (username, route) and tests it
// against the ceiling. On exceedance it returns a RateLimitedError with
// the retry-after hint pointing at the next window.
func (l *Limiter) Allow(ctx context.Context, username, route string) error {
	if l.ceiling <= 0 {
		return nil
	}
	now := l.now().UTC()
	key := fmt.Sprintf("%s/%s/%d", username, route, now.Unix())

	count, err := l.store.Increment(ctx, store.CollectionUsageCounters, key, 2*time.Second)
	if err != nil {
		return fmt.Errorf("increment usage counter: %w", err)
	}
	if count > l.ceiling {
		retryAfter := float64(time.Second-time.Duration(now.Nanosecond())) / float64(time.Second)
		return &errors.RateLimitedError{RetryAfter: retryAfter}
	}
	return nil
}

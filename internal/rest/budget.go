package rest

import (
	"context"
	"sync"
	"time"
)

// WeightBudget tracks request weight against a rolling per-minute window.
// When the projected next request would exceed the budget, Acquire sleeps
// until the window rolls.
type WeightBudget struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	used        int
	windowStart time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewWeightBudget creates a budget with the given per-minute weight limit.
func NewWeightBudget(limitPerMinute int) *WeightBudget {
	return &WeightBudget{
		limit:  limitPerMinute,
		window: time.Minute,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire consumes weight, blocking until the current window can absorb it
// or the context is cancelled. A weight larger than the whole budget is
// consumed in a single dedicated window rather than rejected.
func (b *WeightBudget) Acquire(ctx context.Context, weight int) error {
	for {
		b.mu.Lock()
		now := b.now()
		if b.windowStart.IsZero() || !now.Before(b.windowStart.Add(b.window)) {
			b.windowStart = now
			b.used = 0
		}
		if b.used == 0 || b.used+weight <= b.limit {
			b.used += weight
			b.mu.Unlock()
			return nil
		}
		wait := b.windowStart.Add(b.window).Sub(now)
		b.mu.Unlock()

		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Used returns the weight consumed in the current window.
func (b *WeightBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

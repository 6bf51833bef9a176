package netguard

import (
	"context"
	"time"
)

// Backoff computes truncated exponential delays for retry loops.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the delay before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Sleep waits for the attempt's delay or until the context is cancelled.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package timeutil

import (
	"fmt"
	"time"
)

// NaiveTimeError reports a timestamp that is zero or not expressed in UTC.
// Callers are required to hand the pipeline UTC-aware instants; anything else
// is a caller bug, not a recoverable condition.
type NaiveTimeError struct {
	What string
	Time time.Time
}

func (e *NaiveTimeError) Error() string {
	if e.Time.IsZero() {
		return fmt.Sprintf("%s: zero timestamp", e.What)
	}
	return fmt.Sprintf("%s: timestamp %s is not UTC (location %s)", e.What, e.Time.Format(time.RFC3339Nano), e.Time.Location())
}

// EnsureUTC validates that t is a non-zero UTC instant.
func EnsureUTC(what string, t time.Time) error {
	if t.IsZero() || t.Location() != time.UTC {
		return &NaiveTimeError{What: what, Time: t}
	}
	return nil
}

// AlignDown snaps t down to the enclosing interval boundary. Arithmetic is
// exact in nanoseconds from the Unix epoch.
func AlignDown(t time.Time, iv Interval) time.Time {
	d := iv.Duration()
	ns := t.UTC().UnixNano()
	rem := ns % int64(d)
	if rem < 0 {
		rem += int64(d)
	}
	return time.Unix(0, ns-rem).UTC()
}

// AlignUp snaps t up to the next interval boundary. A t already on a
// boundary is returned unchanged.
func AlignUp(t time.Time, iv Interval) time.Time {
	down := AlignDown(t, iv)
	if down.Equal(t.UTC()) {
		return down
	}
	return down.Add(iv.Duration())
}

// Aligned reports whether t sits exactly on an interval boundary.
func Aligned(t time.Time, iv Interval) bool {
	return AlignDown(t, iv).Equal(t.UTC())
}

package timeutil

import (
	"fmt"
	"time"
)

// Day is a single UTC calendar date, the natural unit of the bulk archive
// and the per-day cache.
type Day struct {
	Year  int
	Month time.Month
	Date  int
}

// DayOf returns the UTC calendar date containing t.
func DayOf(t time.Time) Day {
	u := t.UTC()
	return Day{Year: u.Year(), Month: u.Month(), Date: u.Day()}
}

// ParseDay parses a YYYY-MM-DD date string.
func ParseDay(s string) (Day, error) {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return Day{}, fmt.Errorf("parse day %q: %w", s, err)
	}
	return DayOf(t), nil
}

// Start returns the day's 00:00:00 UTC instant.
func (d Day) Start() time.Time {
	return time.Date(d.Year, d.Month, d.Date, 0, 0, 0, 0, time.UTC)
}

// Bounds returns the half-open [start, end) instants of the UTC day.
func (d Day) Bounds() (time.Time, time.Time) {
	start := d.Start()
	return start, start.AddDate(0, 0, 1)
}

// Next returns the following calendar day.
func (d Day) Next() Day {
	return DayOf(d.Start().AddDate(0, 0, 1))
}

// Before reports whether d precedes o.
func (d Day) Before(o Day) bool {
	return d.Start().Before(o.Start())
}

// String formats the day as YYYY-MM-DD.
func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Date)
}

// EnumerateDays returns every UTC calendar day touched by the half-open
// range [start, end), in ascending order. An empty range yields nil.
func EnumerateDays(start, end time.Time) []Day {
	if !start.Before(end) {
		return nil
	}
	var days []Day
	d := DayOf(start)
	last := DayOf(end.Add(-time.Nanosecond))
	for {
		days = append(days, d)
		if !d.Before(last) {
			break
		}
		d = d.Next()
	}
	return days
}

// PastPublicationDelay reports whether the day is old enough to be expected
// in the bulk archive: its end plus the publication delay has elapsed.
func PastPublicationDelay(d Day, now time.Time, delay time.Duration) bool {
	_, end := d.Bounds()
	return !now.UTC().Before(end.Add(delay))
}

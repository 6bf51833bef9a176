package timeutil

import (
	"errors"
	"testing"
	"time"
)

func TestParseInterval(t *testing.T) {
	valid := []string{"1s", "1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "8h", "12h", "1d"}
	for _, s := range valid {
		iv, err := ParseInterval(s)
		if err != nil {
			t.Errorf("ParseInterval(%q) returned error: %v", s, err)
		}
		if iv.Duration() <= 0 {
			t.Errorf("ParseInterval(%q) has non-positive duration", s)
		}
	}

	for _, s := range []string{"", "2m", "1w", "1M", "60", "1H"} {
		if _, err := ParseInterval(s); err == nil {
			t.Errorf("ParseInterval(%q) should fail", s)
		} else {
			var ue *UnknownIntervalError
			if !errors.As(err, &ue) {
				t.Errorf("ParseInterval(%q) error is not UnknownIntervalError: %v", s, err)
			}
		}
	}
}

func TestAlignDown(t *testing.T) {
	cases := []struct {
		in       time.Time
		interval Interval
		want     time.Time
	}{
		{time.Date(2024, 3, 10, 12, 34, 56, 789, time.UTC), Interval1h, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)},
		{time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC), Interval1h, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)},
		{time.Date(2024, 3, 10, 12, 34, 56, 789, time.UTC), Interval1m, time.Date(2024, 3, 10, 12, 34, 0, 0, time.UTC)},
		{time.Date(2024, 3, 10, 12, 34, 56, 789, time.UTC), Interval1d, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 3, 10, 23, 59, 59, 999999999, time.UTC), Interval1s, time.Date(2024, 3, 10, 23, 59, 59, 0, time.UTC)},
	}
	for _, c := range cases {
		got := AlignDown(c.in, c.interval)
		if !got.Equal(c.want) {
			t.Errorf("AlignDown(%s, %s) = %s, want %s", c.in, c.interval, got, c.want)
		}
	}
}

func TestAlignUp(t *testing.T) {
	in := time.Date(2024, 3, 10, 12, 30, 0, 1, time.UTC)
	want := time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC)
	if got := AlignUp(in, Interval1h); !got.Equal(want) {
		t.Errorf("AlignUp = %s, want %s", got, want)
	}

	// Already on a boundary: unchanged.
	boundary := time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC)
	if got := AlignUp(boundary, Interval1h); !got.Equal(boundary) {
		t.Errorf("AlignUp on boundary = %s, want unchanged", got)
	}
}

func TestEnumerateDays(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 17, 0, 0, 0, 0, time.UTC)
	days := EnumerateDays(start, end)
	if len(days) != 2 {
		t.Fatalf("expected 2 days, got %d: %v", len(days), days)
	}
	if days[0].String() != "2024-01-15" || days[1].String() != "2024-01-16" {
		t.Errorf("unexpected days: %v", days)
	}

	// End exactly on midnight excludes that day.
	days = EnumerateDays(
		time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC),
	)
	if len(days) != 1 {
		t.Fatalf("expected 1 day, got %d", len(days))
	}

	// End one nanosecond into the next day includes it.
	days = EnumerateDays(
		time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 16, 0, 0, 0, 1, time.UTC),
	)
	if len(days) != 2 {
		t.Fatalf("expected 2 days, got %d", len(days))
	}

	if days := EnumerateDays(start, start); days != nil {
		t.Errorf("empty range should yield nil, got %v", days)
	}
}

func TestDayBounds(t *testing.T) {
	d, err := ParseDay("2024-03-10")
	if err != nil {
		t.Fatal(err)
	}
	start, end := d.Bounds()
	if !start.Equal(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start %s", start)
	}
	if !end.Equal(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected end %s", end)
	}
}

func TestPastPublicationDelay(t *testing.T) {
	d, _ := ParseDay("2024-03-10")
	delay := 48 * time.Hour

	// Exactly at day end + delay: published.
	now := time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)
	if !PastPublicationDelay(d, now, delay) {
		t.Error("day should be past publication delay at the exact cutoff")
	}
	if PastPublicationDelay(d, now.Add(-time.Nanosecond), delay) {
		t.Error("day should not be past publication delay just before the cutoff")
	}
}

func TestEnsureUTC(t *testing.T) {
	if err := EnsureUTC("start", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Errorf("UTC time rejected: %v", err)
	}

	var ne *NaiveTimeError
	if err := EnsureUTC("start", time.Time{}); !errors.As(err, &ne) {
		t.Error("zero time should be rejected with NaiveTimeError")
	}

	loc := time.FixedZone("EST", -5*3600)
	if err := EnsureUTC("end", time.Date(2024, 1, 1, 0, 0, 0, 0, loc)); !errors.As(err, &ne) {
		t.Error("non-UTC time should be rejected with NaiveTimeError")
	}
}

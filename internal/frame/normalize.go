package frame

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/terrylica/crypto-kline-vision-data/internal/timeutil"
)

// GapAction selects what the normalizer does about missing intervals.
// The default is report-only: sparse data stays sparse and callers decide.
type GapAction string

const (
	GapActionReport      GapAction = "report"
	GapActionImputeNaN   GapAction = "impute_nan"
	GapActionForwardFill GapAction = "impute_forward_fill"
	GapActionReject      GapAction = "reject"
)

// ParseGapAction validates a gap action string. The empty string maps to the
// default report action.
func ParseGapAction(s string) (GapAction, error) {
	switch GapAction(s) {
	case GapActionReport, GapActionImputeNaN, GapActionForwardFill, GapActionReject:
		return GapAction(s), nil
	case "":
		return GapActionReport, nil
	}
	return "", fmt.Errorf("unknown gap action %q", s)
}

// GapReport lists the interval opens for which no source produced a row.
type GapReport struct {
	Missing  []time.Time
	Expected int
	Present  int
}

// HasGaps reports whether any expected interval is missing.
func (g GapReport) HasGaps() bool {
	return len(g.Missing) > 0
}

// GapError is returned when gaps are found under the reject action.
type GapError struct {
	Symbol   string
	Interval timeutil.Interval
	Missing  []time.Time
}

func (e *GapError) Error() string {
	return fmt.Sprintf("%s %s: %d missing intervals, first at %s",
		e.Symbol, e.Interval, len(e.Missing), e.Missing[0].Format(time.RFC3339))
}

// NormalizeOptions configures a normalization pass. When ExpectedStart and
// ExpectedEnd are set, gap detection runs against the half-open range;
// otherwise it runs between the first and last observed rows.
type NormalizeOptions struct {
	ExpectedStart time.Time
	ExpectedEnd   time.Time
	Action        GapAction
}

// Normalize validates, orders, deduplicates and gap-checks a frame.
//
// Rows violating interval alignment or the candle's own price/volume
// invariants are dropped (and counted in the log). Sorting is stable and
// deduplication keeps the first occurrence, which makes day-boundary merges
// idempotent: a midnight row present in two adjacent per-day frames
// collapses to the copy that comes first in the input.
func Normalize(f Frame, opts NormalizeOptions) (Frame, GapReport, error) {
	if !f.Interval.Valid() {
		return Frame{}, GapReport{}, fmt.Errorf("normalize: invalid interval %q", string(f.Interval))
	}
	d := f.Interval.Duration()

	out := Frame{Symbol: f.Symbol, Interval: f.Interval}
	out.Candles = make([]Candle, 0, len(f.Candles))

	dropped := 0
	for _, c := range f.Candles {
		if !timeutil.Aligned(c.OpenTime, f.Interval) {
			dropped++
			continue
		}
		if err := c.Validate(); err != nil {
			dropped++
			continue
		}
		c.OpenTime = c.OpenTime.UTC()
		c.CloseTime = CloseTimeFor(c.OpenTime, f.Interval)
		out.Candles = append(out.Candles, c)
	}
	if dropped > 0 {
		log.Warn().
			Str("symbol", f.Symbol).
			Str("interval", f.Interval.String()).
			Int("dropped", dropped).
			Msg("dropped misaligned or invalid rows during normalization")
	}

	sort.SliceStable(out.Candles, func(i, j int) bool {
		return out.Candles[i].OpenTime.Before(out.Candles[j].OpenTime)
	})

	// Dedup by open time, keeping the first occurrence.
	deduped := out.Candles[:0]
	var prev time.Time
	for i, c := range out.Candles {
		if i > 0 && c.OpenTime.Equal(prev) {
			continue
		}
		deduped = append(deduped, c)
		prev = c.OpenTime
	}
	out.Candles = deduped

	report := detectGaps(out, opts, d)

	switch opts.Action {
	case GapActionImputeNaN:
		out = impute(out, report.Missing, func(t time.Time, _ *Candle) Candle {
			return ImputedCandle(t, f.Interval)
		})
	case GapActionForwardFill:
		out = impute(out, report.Missing, func(t time.Time, last *Candle) Candle {
			c := ImputedCandle(t, f.Interval)
			if last != nil {
				c.Open, c.High, c.Low, c.Close = last.Close, last.Close, last.Close, last.Close
			}
			return c
		})
	case GapActionReject:
		if report.HasGaps() {
			return Frame{}, report, &GapError{Symbol: f.Symbol, Interval: f.Interval, Missing: report.Missing}
		}
	}

	return out, report, nil
}

func detectGaps(f Frame, opts NormalizeOptions, d time.Duration) GapReport {
	var from, to time.Time
	switch {
	case !opts.ExpectedStart.IsZero() && !opts.ExpectedEnd.IsZero():
		from = timeutil.AlignUp(opts.ExpectedStart, f.Interval)
		to = opts.ExpectedEnd
	case len(f.Candles) > 0:
		from = f.Candles[0].OpenTime
		to = f.Candles[len(f.Candles)-1].OpenTime.Add(d)
	default:
		return GapReport{}
	}

	present := make(map[int64]struct{}, len(f.Candles))
	for _, c := range f.Candles {
		present[c.OpenTime.UnixNano()] = struct{}{}
	}

	report := GapReport{Present: len(f.Candles)}
	for t := from; t.Before(to); t = t.Add(d) {
		report.Expected++
		if _, ok := present[t.UnixNano()]; !ok {
			report.Missing = append(report.Missing, t)
		}
	}
	return report
}

// impute inserts fill rows at the missing opens, keeping ascending order.
// The fill callback receives the last real candle preceding the gap, if any.
func impute(f Frame, missing []time.Time, fill func(time.Time, *Candle) Candle) Frame {
	if len(missing) == 0 {
		return f
	}
	merged := make([]Candle, 0, len(f.Candles)+len(missing))
	mi := 0
	var last *Candle
	for _, c := range f.Candles {
		for mi < len(missing) && missing[mi].Before(c.OpenTime) {
			merged = append(merged, fill(missing[mi], last))
			mi++
		}
		merged = append(merged, c)
		cc := c
		last = &cc
	}
	for mi < len(missing) {
		merged = append(merged, fill(missing[mi], last))
		mi++
	}
	f.Candles = merged
	return f
}

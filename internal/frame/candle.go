// Package frame holds the typed columnar candle model and the normalizer
// that every source's rows pass through: alignment checks, ordering,
// deduplication and gap handling.
package frame

import (
	"fmt"
	"math"
	"time"

	"github.com/terrylica/crypto-kline-vision-data/internal/timeutil"
)

// Candle is one OHLCV observation. Times are UTC with nanosecond precision;
// CloseTime is strictly OpenTime + interval - 1ns.
type Candle struct {
	OpenTime            time.Time
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	CloseTime           time.Time
	QuoteAssetVolume    float64
	TradeCount          int64
	TakerBuyBaseVolume  float64
	TakerBuyQuoteVolume float64
}

// CloseTimeFor returns the close instant determined by an open instant and
// interval.
func CloseTimeFor(openTime time.Time, iv timeutil.Interval) time.Time {
	return openTime.Add(iv.Duration() - time.Nanosecond)
}

// Imputed reports whether the candle is a gap-filler with no source data.
func (c Candle) Imputed() bool {
	return math.IsNaN(c.Open)
}

// Validate checks the candle's internal price and volume invariants.
// Imputed candles are exempt.
func (c Candle) Validate() error {
	if c.Imputed() {
		return nil
	}
	lo := math.Min(c.Open, c.Close)
	hi := math.Max(c.Open, c.Close)
	if c.Low > lo || hi > c.High {
		return fmt.Errorf("price sanity violated at %s: low=%g open=%g close=%g high=%g",
			c.OpenTime.Format(time.RFC3339), c.Low, c.Open, c.Close, c.High)
	}
	if c.Volume < 0 {
		return fmt.Errorf("negative volume %g at %s", c.Volume, c.OpenTime.Format(time.RFC3339))
	}
	return nil
}

// ImputedCandle builds a NaN gap-filler for the given open instant.
func ImputedCandle(openTime time.Time, iv timeutil.Interval) Candle {
	nan := math.NaN()
	return Candle{
		OpenTime:            openTime,
		Open:                nan,
		High:                nan,
		Low:                 nan,
		Close:               nan,
		Volume:              0,
		CloseTime:           CloseTimeFor(openTime, iv),
		QuoteAssetVolume:    0,
		TradeCount:          0,
		TakerBuyBaseVolume:  0,
		TakerBuyQuoteVolume: 0,
	}
}

// Frame is an ordered collection of candles for one (symbol, interval).
type Frame struct {
	Symbol   string
	Interval timeutil.Interval
	Candles  []Candle
}

// Len returns the row count.
func (f Frame) Len() int {
	return len(f.Candles)
}

// Concat appends the candles of later frames onto the first, preserving the
// first frame's identity. The result is not normalized.
func Concat(frames ...Frame) Frame {
	if len(frames) == 0 {
		return Frame{}
	}
	out := Frame{Symbol: frames[0].Symbol, Interval: frames[0].Interval}
	total := 0
	for _, f := range frames {
		total += len(f.Candles)
	}
	out.Candles = make([]Candle, 0, total)
	for _, f := range frames {
		out.Candles = append(out.Candles, f.Candles...)
	}
	return out
}

// Trim returns the rows whose OpenTime falls in the half-open [start, end).
func Trim(f Frame, start, end time.Time) Frame {
	out := Frame{Symbol: f.Symbol, Interval: f.Interval}
	for _, c := range f.Candles {
		if !c.OpenTime.Before(start) && c.OpenTime.Before(end) {
			out.Candles = append(out.Candles, c)
		}
	}
	return out
}

// Equal reports row-wise equality of two frames. NaN fields compare equal to
// NaN so imputed rows round-trip.
func Equal(a, b Frame) bool {
	if a.Symbol != b.Symbol || a.Interval != b.Interval || len(a.Candles) != len(b.Candles) {
		return false
	}
	for i := range a.Candles {
		if !candleEqual(a.Candles[i], b.Candles[i]) {
			return false
		}
	}
	return true
}

func candleEqual(a, b Candle) bool {
	return a.OpenTime.Equal(b.OpenTime) &&
		a.CloseTime.Equal(b.CloseTime) &&
		floatEqual(a.Open, b.Open) &&
		floatEqual(a.High, b.High) &&
		floatEqual(a.Low, b.Low) &&
		floatEqual(a.Close, b.Close) &&
		floatEqual(a.Volume, b.Volume) &&
		floatEqual(a.QuoteAssetVolume, b.QuoteAssetVolume) &&
		a.TradeCount == b.TradeCount &&
		floatEqual(a.TakerBuyBaseVolume, b.TakerBuyBaseVolume) &&
		floatEqual(a.TakerBuyQuoteVolume, b.TakerBuyQuoteVolume)
}

func floatEqual(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return a == b
}

package frame

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrylica/crypto-kline-vision-data/internal/timeutil"
)

func minuteCandle(t time.Time, price float64) Candle {
	return Candle{
		OpenTime:  t,
		Open:      price,
		High:      price + 1,
		Low:       price - 1,
		Close:     price,
		Volume:    10,
		CloseTime: CloseTimeFor(t, timeutil.Interval1m),
	}
}

func testFrame(candles ...Candle) Frame {
	return Frame{Symbol: "BTCUSDT", Interval: timeutil.Interval1m, Candles: candles}
}

func TestNormalizeSortsAndDeduplicates(t *testing.T) {
	t0 := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	t2 := t0.Add(2 * time.Minute)

	f := testFrame(
		minuteCandle(t2, 300),
		minuteCandle(t0, 100),
		minuteCandle(t1, 200),
		minuteCandle(t1, 999), // duplicate open time, dropped (keep first)
	)

	got, report, err := Normalize(f, NormalizeOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, got.Len())
	assert.True(t, got.Candles[0].OpenTime.Equal(t0))
	assert.True(t, got.Candles[1].OpenTime.Equal(t1))
	assert.True(t, got.Candles[2].OpenTime.Equal(t2))
	assert.Equal(t, 200.0, got.Candles[1].Open, "dedup must keep the first occurrence")
	assert.False(t, report.HasGaps())
}

func TestNormalizeDedupLaw(t *testing.T) {
	t0 := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	f := testFrame(minuteCandle(t0, 1), minuteCandle(t0.Add(time.Minute), 2))

	doubled := Concat(f, f)
	once, _, err := Normalize(f, NormalizeOptions{})
	require.NoError(t, err)
	twice, _, err := Normalize(doubled, NormalizeOptions{})
	require.NoError(t, err)
	assert.True(t, Equal(once, twice), "normalize(F ++ F) must equal normalize(F)")
}

func TestNormalizeMergeLaw(t *testing.T) {
	d1 := time.Date(2025, 4, 10, 23, 58, 0, 0, time.UTC)
	d2 := time.Date(2025, 4, 11, 0, 0, 0, 0, time.UTC)

	f1 := testFrame(minuteCandle(d1, 1), minuteCandle(d1.Add(time.Minute), 2))
	f2 := testFrame(minuteCandle(d2, 3), minuteCandle(d2.Add(time.Minute), 4))

	merged, _, err := Normalize(Concat(f1, f2), NormalizeOptions{})
	require.NoError(t, err)

	n1, _, err := Normalize(f1, NormalizeOptions{})
	require.NoError(t, err)
	n2, _, err := Normalize(f2, NormalizeOptions{})
	require.NoError(t, err)
	assert.True(t, Equal(merged, Concat(n1, n2)))
}

func TestNormalizeDropsMisalignedAndInvalid(t *testing.T) {
	t0 := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	bad := minuteCandle(t0.Add(30*time.Second), 100) // off the minute grid
	invalid := minuteCandle(t0.Add(time.Minute), 100)
	invalid.High = 50 // high below open

	f := testFrame(minuteCandle(t0, 100), bad, invalid)
	got, _, err := Normalize(f, NormalizeOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, got.Len())
	assert.True(t, got.Candles[0].OpenTime.Equal(t0))
}

func TestNormalizeRecomputesCloseTime(t *testing.T) {
	t0 := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	c := minuteCandle(t0, 100)
	c.CloseTime = t0.Add(time.Minute - time.Millisecond) // source ms precision

	got, _, err := Normalize(testFrame(c), NormalizeOptions{})
	require.NoError(t, err)
	assert.True(t, got.Candles[0].CloseTime.Equal(t0.Add(time.Minute-time.Nanosecond)))
}

func TestNormalizeGapDetection(t *testing.T) {
	t0 := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	f := testFrame(minuteCandle(t0, 1), minuteCandle(t0.Add(3*time.Minute), 2))

	_, report, err := Normalize(f, NormalizeOptions{
		ExpectedStart: t0,
		ExpectedEnd:   t0.Add(5 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, 5, report.Expected)
	assert.Equal(t, 2, report.Present)
	require.Len(t, report.Missing, 3)
	assert.True(t, report.Missing[0].Equal(t0.Add(time.Minute)))
	assert.True(t, report.Missing[2].Equal(t0.Add(4*time.Minute)))
}

func TestNormalizeImputeNaN(t *testing.T) {
	t0 := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	f := testFrame(minuteCandle(t0, 1), minuteCandle(t0.Add(2*time.Minute), 2))

	got, _, err := Normalize(f, NormalizeOptions{
		ExpectedStart: t0,
		ExpectedEnd:   t0.Add(3 * time.Minute),
		Action:        GapActionImputeNaN,
	})
	require.NoError(t, err)
	require.Equal(t, 3, got.Len())
	filled := got.Candles[1]
	assert.True(t, filled.OpenTime.Equal(t0.Add(time.Minute)))
	assert.True(t, filled.Imputed())
	assert.True(t, math.IsNaN(filled.Close))
	assert.Equal(t, 0.0, filled.Volume)
}

func TestNormalizeImputeForwardFill(t *testing.T) {
	t0 := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	f := testFrame(minuteCandle(t0, 100), minuteCandle(t0.Add(2*time.Minute), 200))

	got, _, err := Normalize(f, NormalizeOptions{
		ExpectedStart: t0,
		ExpectedEnd:   t0.Add(3 * time.Minute),
		Action:        GapActionForwardFill,
	})
	require.NoError(t, err)
	require.Equal(t, 3, got.Len())
	filled := got.Candles[1]
	assert.Equal(t, 100.0, filled.Close, "forward fill carries the previous close")
	assert.Equal(t, 100.0, filled.Open)
	assert.Equal(t, 0.0, filled.Volume)
}

func TestNormalizeReject(t *testing.T) {
	t0 := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	f := testFrame(minuteCandle(t0, 1))

	_, _, err := Normalize(f, NormalizeOptions{
		ExpectedStart: t0,
		ExpectedEnd:   t0.Add(2 * time.Minute),
		Action:        GapActionReject,
	})
	require.Error(t, err)
	var ge *GapError
	require.ErrorAs(t, err, &ge)
	assert.Len(t, ge.Missing, 1)
}

func TestTrimHalfOpen(t *testing.T) {
	t0 := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	f := testFrame(
		minuteCandle(t0, 1),
		minuteCandle(t0.Add(time.Minute), 2),
		minuteCandle(t0.Add(2*time.Minute), 3),
	)
	got := Trim(f, t0.Add(time.Minute), t0.Add(2*time.Minute))
	require.Equal(t, 1, got.Len())
	assert.True(t, got.Candles[0].OpenTime.Equal(t0.Add(time.Minute)))
}

func TestParseGapAction(t *testing.T) {
	got, err := ParseGapAction("")
	require.NoError(t, err)
	assert.Equal(t, GapActionReport, got)

	_, err = ParseGapAction("truncate")
	require.Error(t, err)
}

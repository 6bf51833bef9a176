package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrylica/crypto-kline-vision-data/internal/frame"
	"github.com/terrylica/crypto-kline-vision-data/internal/market"
	"github.com/terrylica/crypto-kline-vision-data/internal/timeutil"
)

func testKey(t *testing.T) Key {
	t.Helper()
	day, err := timeutil.ParseDay("2024-01-15")
	require.NoError(t, err)
	return Key{
		Market:   market.New(market.Spot),
		Symbol:   "BTCUSDT",
		Interval: timeutil.Interval1h,
		Day:      day,
	}
}

func dayFrame(t *testing.T, k Key, hours int) frame.Frame {
	t.Helper()
	f := frame.Frame{Symbol: k.Symbol, Interval: k.Interval}
	start := k.Day.Start()
	for i := 0; i < hours; i++ {
		open := start.Add(time.Duration(i) * time.Hour)
		f.Candles = append(f.Candles, frame.Candle{
			OpenTime:            open,
			Open:                42000 + float64(i),
			High:                42100 + float64(i),
			Low:                 41900 + float64(i),
			Close:               42050 + float64(i),
			Volume:              float64(100 + i),
			CloseTime:           frame.CloseTimeFor(open, k.Interval),
			QuoteAssetVolume:    1e6,
			TradeCount:          int64(1000 + i),
			TakerBuyBaseVolume:  50,
			TakerBuyQuoteVolume: 5e5,
		})
	}
	return f
}

func TestLocatePathSchema(t *testing.T) {
	k := testKey(t)
	got := Locate("/data/klines", k)
	want := filepath.Join("/data/klines", "binance", "spot", "klines", "daily", "BTCUSDT", "1h", "2024-01-15.arrow")
	assert.Equal(t, want, got)
}

func TestStoreRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir(), zerolog.Nop())
	k := testKey(t)
	f := dayFrame(t, k, 24)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, k, f, "archive"))

	// The canonical path exists.
	if _, err := os.Stat(s.Locate(k)); err != nil {
		t.Fatalf("cache file missing at canonical path: %v", err)
	}

	got, miss := s.Load(ctx, k)
	require.Nil(t, miss)
	assert.True(t, frame.Equal(f, got), "loaded frame must equal stored frame row-wise")

	meta, err := s.Inspect(k)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, meta.SchemaVersion)
	assert.Equal(t, "archive", meta.Source)
	assert.Equal(t, 24, meta.RowCount)
	assert.Equal(t, ContentChecksum(f), meta.ContentSHA256)
	assert.True(t, meta.MinOpenTime.Equal(k.Day.Start()))
	assert.True(t, meta.MaxOpenTime.Equal(k.Day.Start().Add(23*time.Hour)))
}

func TestStoreMissNotFound(t *testing.T) {
	s := NewStore(t.TempDir(), zerolog.Nop())
	_, miss := s.Load(context.Background(), testKey(t))
	require.NotNil(t, miss)
	assert.Equal(t, MissNotFound, miss.Reason)
}

func TestStoreChecksumMismatchQuarantines(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, zerolog.Nop())
	k := testKey(t)
	f := dayFrame(t, k, 3)

	// Write a file whose embedded checksum does not match its rows.
	path := s.Locate(k)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	out, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, encodeFrameWithChecksum(out, k, f, "archive", "deadbeef"))
	require.NoError(t, out.Close())

	_, miss := s.Load(context.Background(), k)
	require.NotNil(t, miss)
	assert.Equal(t, MissChecksumMismatch, miss.Reason)

	// The corrupt file is quarantined, so a reload is a clean not-found.
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("expected quarantined file: %v", err)
	}
	_, miss = s.Load(context.Background(), k)
	require.NotNil(t, miss)
	assert.Equal(t, MissNotFound, miss.Reason)

	// The failure landed in the registry.
	records, err := s.Registry().List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "BTCUSDT", records[0].Symbol)
	assert.Equal(t, "2024-01-15", records[0].Date)
	assert.Equal(t, "deadbeef", records[0].Expected)
	assert.False(t, records[0].Resolved)
}

func TestStoreCorruptFileQuarantines(t *testing.T) {
	s := NewStore(t.TempDir(), zerolog.Nop())
	k := testKey(t)
	path := s.Locate(k)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not an arrow file"), 0o644))

	_, miss := s.Load(context.Background(), k)
	require.NotNil(t, miss)
	assert.Equal(t, MissCorrupt, miss.Reason)
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("expected quarantined file: %v", err)
	}
}

func TestStoreInvalidate(t *testing.T) {
	s := NewStore(t.TempDir(), zerolog.Nop())
	k := testKey(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, k, dayFrame(t, k, 2), "rest"))
	require.NoError(t, s.Invalidate(k))
	_, miss := s.Load(ctx, k)
	require.NotNil(t, miss)
	assert.Equal(t, MissNotFound, miss.Reason)

	// Invalidating an absent entry is fine.
	require.NoError(t, s.Invalidate(k))
}

func TestStoreWriteLeavesNoTempOnSuccess(t *testing.T) {
	s := NewStore(t.TempDir(), zerolog.Nop())
	k := testKey(t)
	require.NoError(t, s.Write(context.Background(), k, dayFrame(t, k, 1), "archive"))

	entries, err := os.ReadDir(filepath.Dir(s.Locate(k)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2024-01-15.arrow", entries[0].Name())
}

func TestRegistryAppendAndResolve(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "registry.json"))

	require.NoError(t, r.Append(FailureRecord{
		Symbol:   "ETHUSDT",
		Interval: "1m",
		Date:     "2024-06-01",
		Expected: "aa",
		Actual:   "bb",
		Action:   "rejected",
	}))

	unresolved, err := r.Unresolved()
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	require.NotEmpty(t, unresolved[0].ID)
	require.False(t, unresolved[0].Timestamp.IsZero())

	require.NoError(t, r.MarkResolved(unresolved[0].ID, time.Now()))
	unresolved, err = r.Unresolved()
	require.NoError(t, err)
	assert.Empty(t, unresolved)

	all, err := r.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Resolved)
	require.NotNil(t, all[0].ResolvedAt)
}

func TestRegistryMarkResolvedUnknownID(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "registry.json"))
	require.Error(t, r.MarkResolved("missing", time.Now()))
}

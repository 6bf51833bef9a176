// Package cache implements the per-day immutable columnar store. Each file
// holds exactly one UTC day of candles for one (symbol, interval) in Arrow
// IPC format with an embedded metadata header, and is written once via a
// temp-file + atomic-rename protocol.
//
// Writes assume a single process owns the cache root; concurrent readers are
// safe. Multi-process write coordination is out of scope and not guarded.
package cache

import (
	"fmt"
	"path/filepath"

	"github.com/terrylica/crypto-kline-vision-data/internal/market"
	"github.com/terrylica/crypto-kline-vision-data/internal/timeutil"
)

// SchemaVersion is embedded in every cache file and checked on load.
const SchemaVersion = "1"

// FileExt is the cache file extension.
const FileExt = ".arrow"

// Key identifies one cache entry: a single UTC day of one (symbol, interval)
// in one market.
type Key struct {
	Market   market.Market
	Symbol   string
	Interval timeutil.Interval
	Day      timeutil.Day
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Market.Type, k.Symbol, k.Interval, k.Day)
}

// Locate computes the entry's path below root:
// root/{provider}/{market_type}/{data_nature}/{packaging}/{symbol}/{interval}/{YYYY-MM-DD}.arrow
// The path schema is stable; changing it orphans existing caches.
func Locate(root string, k Key) string {
	parts := append([]string{root}, k.Market.PathSegments()...)
	parts = append(parts, k.Symbol, k.Interval.String(), k.Day.String()+FileExt)
	return filepath.Join(parts...)
}

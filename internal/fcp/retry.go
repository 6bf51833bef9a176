package fcp

import (
	"context"

	"github.com/terrylica/crypto-kline-vision-data/internal/archive"
	"github.com/terrylica/crypto-kline-vision-data/internal/cache"
	"github.com/terrylica/crypto-kline-vision-data/internal/market"
	"github.com/terrylica/crypto-kline-vision-data/internal/timeutil"
)

// RetryFailedChecksums re-fetches every unresolved day in the checksum
// failure registry from the archive. A fetch that now verifies is written to
// the cache and its record marked resolved; records that still fail stay
// unresolved. Returns the number of records resolved.
func (o *Orchestrator) RetryFailedChecksums(ctx context.Context) (int, error) {
	registry := o.cache.Registry()
	records, err := registry.Unresolved()
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}

		mt, err := market.ParseType(rec.MarketType)
		if err != nil {
			o.logger.Warn().Str("record", rec.ID).Str("market_type", rec.MarketType).Msg("skipping malformed registry record")
			continue
		}
		iv, err := timeutil.ParseInterval(rec.Interval)
		if err != nil {
			o.logger.Warn().Str("record", rec.ID).Str("interval", rec.Interval).Msg("skipping malformed registry record")
			continue
		}
		day, err := timeutil.ParseDay(rec.Date)
		if err != nil {
			o.logger.Warn().Str("record", rec.ID).Str("date", rec.Date).Msg("skipping malformed registry record")
			continue
		}

		mkt := market.New(mt)
		f, err := o.archive.FetchDay(ctx, rec.Symbol, iv, mkt, day, archive.FetchOptions{})
		if err != nil {
			o.logger.Warn().Err(err).Str("record", rec.ID).Str("day", rec.Date).Msg("checksum retry still failing")
			continue
		}

		key := cache.Key{Market: mkt, Symbol: rec.Symbol, Interval: iv, Day: day}
		if err := o.cache.Write(ctx, key, f, string(SourceArchive)); err != nil {
			o.logger.Warn().Err(err).Str("key", key.String()).Msg("cache write failed during checksum retry")
			continue
		}
		if err := registry.MarkResolved(rec.ID, o.now()); err != nil {
			o.logger.Warn().Err(err).Str("record", rec.ID).Msg("failed to mark record resolved")
			continue
		}
		resolved++
	}
	return resolved, nil
}

package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/terrylica/crypto-kline-vision-data/internal/cache"
	"github.com/terrylica/crypto-kline-vision-data/internal/market"
	"github.com/terrylica/crypto-kline-vision-data/internal/timeutil"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the per-day columnar cache",
	}

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Print the metadata header of a cached day",
		RunE:  runCacheInspect,
	}
	invalidate := &cobra.Command{
		Use:   "invalidate",
		Short: "Remove a cached day",
		RunE:  runCacheInvalidate,
	}

	for _, c := range []*cobra.Command{inspect, invalidate} {
		c.Flags().String("symbol", "", "Trading symbol (required)")
		c.Flags().String("interval", "1m", "Candle interval")
		c.Flags().String("market", "spot", "Market type")
		c.Flags().String("date", "", "UTC day, YYYY-MM-DD (required)")
		c.MarkFlagRequired("symbol")
		c.MarkFlagRequired("date")
	}

	cmd.AddCommand(inspect, invalidate)
	return cmd
}

func cacheKeyFromFlags(cmd *cobra.Command) (cache.Key, error) {
	symbol, _ := cmd.Flags().GetString("symbol")
	intervalStr, _ := cmd.Flags().GetString("interval")
	marketStr, _ := cmd.Flags().GetString("market")
	dateStr, _ := cmd.Flags().GetString("date")

	iv, err := timeutil.ParseInterval(intervalStr)
	if err != nil {
		return cache.Key{}, err
	}
	mt, err := market.ParseType(marketStr)
	if err != nil {
		return cache.Key{}, err
	}
	day, err := timeutil.ParseDay(dateStr)
	if err != nil {
		return cache.Key{}, err
	}
	if err := market.ValidateSymbol(symbol, mt); err != nil {
		return cache.Key{}, err
	}
	return cache.Key{Market: market.New(mt), Symbol: symbol, Interval: iv, Day: day}, nil
}

func runCacheInspect(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline(cmd)
	if err != nil {
		return err
	}
	k, err := cacheKeyFromFlags(cmd)
	if err != nil {
		return err
	}

	path := p.store.Locate(k)
	meta, err := p.store.Inspect(k)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no cache entry at %s", path)
		}
		return err
	}

	fmt.Printf("path:            %s\n", path)
	fmt.Printf("schema_version:  %s\n", meta.SchemaVersion)
	fmt.Printf("source:          %s\n", meta.Source)
	fmt.Printf("symbol:          %s\n", meta.Symbol)
	fmt.Printf("interval:        %s\n", meta.Interval)
	fmt.Printf("market_type:     %s\n", meta.MarketType)
	fmt.Printf("date:            %s\n", meta.Date)
	fmt.Printf("row_count:       %d\n", meta.RowCount)
	fmt.Printf("content_sha256:  %s\n", meta.ContentSHA256)
	fmt.Printf("min_open_time:   %s\n", meta.MinOpenTime)
	fmt.Printf("max_open_time:   %s\n", meta.MaxOpenTime)
	return nil
}

func runCacheInvalidate(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline(cmd)
	if err != nil {
		return err
	}
	k, err := cacheKeyFromFlags(cmd)
	if err != nil {
		return err
	}
	if err := p.store.Invalidate(k); err != nil {
		return err
	}
	log.Info().Str("key", k.String()).Msg("cache entry invalidated")
	return nil
}

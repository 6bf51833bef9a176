package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/terrylica/crypto-kline-vision-data/internal/archive"
	"github.com/terrylica/crypto-kline-vision-data/internal/cache"
	"github.com/terrylica/crypto-kline-vision-data/internal/config"
	"github.com/terrylica/crypto-kline-vision-data/internal/fcp"
	"github.com/terrylica/crypto-kline-vision-data/internal/frame"
	"github.com/terrylica/crypto-kline-vision-data/internal/market"
	"github.com/terrylica/crypto-kline-vision-data/internal/metrics"
	"github.com/terrylica/crypto-kline-vision-data/internal/rest"
	"github.com/terrylica/crypto-kline-vision-data/internal/timeutil"
)

// pipeline bundles the wired components for one invocation.
type pipeline struct {
	cfg   config.Config
	store *cache.Store
	orch  *fcp.Orchestrator
	reg   *prometheus.Registry
}

func buildPipeline(cmd *cobra.Command) (*pipeline, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("cache-dir"); dir != "" {
		cfg.Cache.Root = dir
	}

	store := cache.NewStore(cfg.Cache.Root, log.Logger)

	archiveClient := archive.NewClient(archive.Config{
		BaseURL: cfg.Archive.BaseURL,
		Timeout: time.Duration(cfg.Archive.TimeoutMS) * time.Millisecond,
		Retries: cfg.Archive.Retries,
		RPS:     cfg.Archive.RPS,
		Burst:   cfg.Archive.Burst,
	}, store.Registry(), log.Logger)

	restClient := rest.NewClient(rest.Config{
		Endpoints: map[market.Type]string{
			market.Spot:      cfg.REST.SpotURL,
			market.FuturesUM: cfg.REST.FuturesUMURL,
			market.FuturesCM: cfg.REST.FuturesCMURL,
		},
		PageLimit:       cfg.REST.PageLimit,
		WeightPerMinute: cfg.REST.WeightPerMinute,
		RequestWeight:   cfg.REST.RequestWeight,
		Timeout:         time.Duration(cfg.REST.TimeoutMS) * time.Millisecond,
		MaxRetries:      cfg.REST.MaxRetries,
		RPS:             cfg.REST.RPS,
		Burst:           cfg.REST.Burst,
	}, log.Logger)

	reg := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(reg)

	orch := fcp.New(fcp.Deps{
		Cache:   store,
		Archive: archiveClient,
		Rest:    restClient,
		Metrics: collectors,
		Logger:  log.Logger,
	})

	return &pipeline{cfg: cfg, store: store, orch: orch, reg: reg}, nil
}

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Retrieve klines for a symbol, interval and time range",
		RunE:  runFetch,
	}

	cmd.Flags().String("symbol", "", "Trading symbol, e.g. BTCUSDT (required)")
	cmd.Flags().String("interval", "1m", "Candle interval (1s..1d)")
	cmd.Flags().String("market", "spot", "Market type (spot|futures_um|futures_cm)")
	cmd.Flags().String("start", "", "Range start, RFC3339 (required)")
	cmd.Flags().String("end", "", "Range end, RFC3339, exclusive (required)")
	cmd.Flags().String("source", "auto", "Source selection (auto|cache|archive|rest)")
	cmd.Flags().Bool("no-cache", false, "Disable cache reads and writes")
	cmd.Flags().Bool("auto-reindex", false, "Pad missing intervals with NaN rows")
	cmd.Flags().String("gap-action", "report", "Gap policy (report|impute_nan|impute_forward_fill|reject)")
	cmd.Flags().Int("parallelism", 0, "Per-day fetch fan-out (0 = config default)")
	cmd.Flags().Bool("proceed-on-checksum-failure", false, "Accept archive rows despite checksum mismatch")
	cmd.Flags().Duration("deadline", 0, "Whole-request soft deadline (0 disables)")
	cmd.Flags().String("out", "-", "Output path, - for stdout")
	cmd.Flags().String("format", "csv", "Output format (csv|json)")
	cmd.Flags().String("ops-addr", "", "Serve /health and /metrics on this address while fetching")

	cmd.MarkFlagRequired("symbol")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func runFetch(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline(cmd)
	if err != nil {
		return err
	}

	req, opts, err := fetchRequest(cmd, p.cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr, _ := cmd.Flags().GetString("ops-addr"); addr != "" {
		ops := metrics.NewServer(addr, p.reg, log.Logger)
		go func() {
			if err := ops.Start(); err != nil {
				log.Error().Err(err).Msg("ops server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			ops.Shutdown(shutdownCtx)
		}()
	}

	requestID := uuid.NewString()
	log.Info().
		Str("request_id", requestID).
		Str("symbol", req.Symbol).
		Str("interval", req.Interval.String()).
		Str("market", req.Market.Type.String()).
		Time("start", req.Start).
		Time("end", req.End).
		Msg("fetching")

	res, err := p.orch.Get(ctx, req, opts)
	if err != nil {
		return err
	}

	for _, ds := range res.Provenance {
		log.Debug().Str("day", ds.Day.String()).Str("source", string(ds.Source)).Msg("provenance")
	}
	if res.Gaps.HasGaps() {
		log.Warn().
			Int("missing", len(res.Gaps.Missing)).
			Int("expected", res.Gaps.Expected).
			Msg("range has gaps")
	}

	outPath, _ := cmd.Flags().GetString("out")
	format, _ := cmd.Flags().GetString("format")
	return writeResult(res, outPath, format)
}

func fetchRequest(cmd *cobra.Command, cfg config.Config) (fcp.Request, fcp.Options, error) {
	symbol, _ := cmd.Flags().GetString("symbol")
	intervalStr, _ := cmd.Flags().GetString("interval")
	marketStr, _ := cmd.Flags().GetString("market")
	startStr, _ := cmd.Flags().GetString("start")
	endStr, _ := cmd.Flags().GetString("end")

	iv, err := timeutil.ParseInterval(intervalStr)
	if err != nil {
		return fcp.Request{}, fcp.Options{}, err
	}
	mt, err := market.ParseType(marketStr)
	if err != nil {
		return fcp.Request{}, fcp.Options{}, err
	}
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return fcp.Request{}, fcp.Options{}, fmt.Errorf("parse start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return fcp.Request{}, fcp.Options{}, fmt.Errorf("parse end: %w", err)
	}

	req := fcp.Request{
		Symbol:   symbol,
		Interval: iv,
		Market:   market.New(mt),
		Start:    start.UTC(),
		End:      end.UTC(),
	}

	opts := fcp.DefaultOptions()
	opts.PublicationDelay = cfg.PublicationDelay()
	opts.Parallelism = cfg.Fetch.Parallelism

	sourceStr, _ := cmd.Flags().GetString("source")
	opts.EnforceSource, err = fcp.ParseEnforceSource(sourceStr)
	if err != nil {
		return fcp.Request{}, fcp.Options{}, err
	}
	gapStr, _ := cmd.Flags().GetString("gap-action")
	opts.GapAction, err = frame.ParseGapAction(gapStr)
	if err != nil {
		return fcp.Request{}, fcp.Options{}, err
	}
	if noCache, _ := cmd.Flags().GetBool("no-cache"); noCache || !cfg.Cache.Enabled {
		opts.UseCache = false
	}
	opts.AutoReindex, _ = cmd.Flags().GetBool("auto-reindex")
	opts.ProceedOnChecksumFailure, _ = cmd.Flags().GetBool("proceed-on-checksum-failure")
	opts.Deadline, _ = cmd.Flags().GetDuration("deadline")
	if par, _ := cmd.Flags().GetInt("parallelism"); par > 0 {
		opts.Parallelism = par
	}
	return req, opts, nil
}

func writeResult(res *fcp.Result, outPath, format string) error {
	var w io.Writer = os.Stdout
	if outPath != "-" && outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch format {
	case "csv":
		return writeCSV(w, res.Frame)
	case "json":
		return writeJSON(w, res)
	}
	return fmt.Errorf("unknown output format %q", format)
}

func writeCSV(w io.Writer, f frame.Frame) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{
		"open_time", "open", "high", "low", "close", "volume", "close_time",
		"quote_asset_volume", "trade_count", "taker_buy_base_volume", "taker_buy_quote_volume",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, c := range f.Candles {
		row := []string{
			c.OpenTime.Format(time.RFC3339Nano),
			formatFloat(c.Open),
			formatFloat(c.High),
			formatFloat(c.Low),
			formatFloat(c.Close),
			formatFloat(c.Volume),
			c.CloseTime.Format(time.RFC3339Nano),
			formatFloat(c.QuoteAssetVolume),
			strconv.FormatInt(c.TradeCount, 10),
			formatFloat(c.TakerBuyBaseVolume),
			formatFloat(c.TakerBuyQuoteVolume),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// jsonFloat renders NaN (imputed rows) as null instead of failing to encode.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	if math.IsNaN(float64(f)) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(f))
}

type jsonCandle struct {
	OpenTime            time.Time `json:"open_time"`
	Open                jsonFloat `json:"open"`
	High                jsonFloat `json:"high"`
	Low                 jsonFloat `json:"low"`
	Close               jsonFloat `json:"close"`
	Volume              jsonFloat `json:"volume"`
	CloseTime           time.Time `json:"close_time"`
	QuoteAssetVolume    jsonFloat `json:"quote_asset_volume"`
	TradeCount          int64     `json:"trade_count"`
	TakerBuyBaseVolume  jsonFloat `json:"taker_buy_base_volume"`
	TakerBuyQuoteVolume jsonFloat `json:"taker_buy_quote_volume"`
}

func toJSONCandle(c frame.Candle) jsonCandle {
	return jsonCandle{
		OpenTime:            c.OpenTime,
		Open:                jsonFloat(c.Open),
		High:                jsonFloat(c.High),
		Low:                 jsonFloat(c.Low),
		Close:               jsonFloat(c.Close),
		Volume:              jsonFloat(c.Volume),
		CloseTime:           c.CloseTime,
		QuoteAssetVolume:    jsonFloat(c.QuoteAssetVolume),
		TradeCount:          c.TradeCount,
		TakerBuyBaseVolume:  jsonFloat(c.TakerBuyBaseVolume),
		TakerBuyQuoteVolume: jsonFloat(c.TakerBuyQuoteVolume),
	}
}

func writeJSON(w io.Writer, res *fcp.Result) error {
	type provenanceEntry struct {
		Day    string `json:"day"`
		Source string `json:"source"`
	}
	out := struct {
		Candles    []jsonCandle      `json:"candles"`
		Provenance []provenanceEntry `json:"provenance"`
		Missing    []time.Time       `json:"missing_intervals,omitempty"`
	}{}

	for _, c := range res.Frame.Candles {
		out.Candles = append(out.Candles, toJSONCandle(c))
	}
	for _, ds := range res.Provenance {
		out.Provenance = append(out.Provenance, provenanceEntry{Day: ds.Day.String(), Source: string(ds.Source)})
	}
	out.Missing = res.Gaps.Missing

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

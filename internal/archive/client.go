// Package archive fetches per-day kline ZIPs from the provider's bulk data
// host, verifies their published SHA-256 checksums, and parses the contained
// CSV into candle frames. A day genuinely absent from the archive is a
// distinct, expected outcome, not an error to retry.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/terrylica/crypto-kline-vision-data/internal/cache"
	"github.com/terrylica/crypto-kline-vision-data/internal/frame"
	"github.com/terrylica/crypto-kline-vision-data/internal/market"
	"github.com/terrylica/crypto-kline-vision-data/internal/netguard"
	"github.com/terrylica/crypto-kline-vision-data/internal/timeutil"
)

// DefaultBaseURL is the provider's public bulk data host.
const DefaultBaseURL = "https://data.binance.vision/data"

// Config holds the archive client's knobs.
type Config struct {
	BaseURL string
	Timeout time.Duration // per-day download budget
	Retries int           // transport retries after the first attempt
	RPS     float64
	Burst   int
}

// DefaultConfig returns the production defaults: 3 s per-day timeout, two
// transport retries, 4 RPS sustained.
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 3 * time.Second,
		Retries: 2,
		RPS:     4,
		Burst:   8,
	}
}

// Client downloads and parses per-day archive files.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *netguard.Limiter
	backoff    netguard.Backoff
	registry   *cache.Registry
	logger     zerolog.Logger
}

// NewClient creates an archive client. registry may be nil to skip
// checksum-failure recording.
func NewClient(cfg Config, registry *cache.Registry, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 4
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 8
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		limiter:    netguard.NewLimiter(cfg.RPS, cfg.Burst),
		backoff:    netguard.Backoff{Base: 250 * time.Millisecond, Max: 2 * time.Second},
		registry:   registry,
		logger:     logger.With().Str("component", "archive").Logger(),
	}
}

// FetchOptions adjusts a single fetch.
type FetchOptions struct {
	// ProceedOnChecksumFailure accepts the payload despite a checksum
	// mismatch or a missing checksum file. The failure is still recorded.
	ProceedOnChecksumFailure bool
}

// NotInArchiveError reports a day the archive does not carry (HTTP 404).
type NotInArchiveError struct {
	Symbol   string
	Interval timeutil.Interval
	Day      timeutil.Day
}

func (e *NotInArchiveError) Error() string {
	return fmt.Sprintf("%s %s %s not in archive", e.Symbol, e.Interval, e.Day)
}

// ChecksumError reports a payload whose SHA-256 does not match the published
// sibling checksum.
type ChecksumError struct {
	Symbol   string
	Day      timeutil.Day
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("%s %s: checksum file missing", e.Symbol, e.Day)
	}
	return fmt.Sprintf("%s %s: checksum mismatch, expected %s got %s", e.Symbol, e.Day, e.Expected, e.Actual)
}

// TransportError reports a download that failed after exhausting retries.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("archive download %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// dayURLs returns the data and checksum URLs for one archive day. 1s
// archives reside under the 1m directory; the file name keeps 1s.
func (c *Client) dayURLs(symbol string, iv timeutil.Interval, mkt market.Market, day timeutil.Day) (string, string) {
	archSym := market.ArchiveSymbol(symbol, mkt.Type)
	dirInterval := iv
	if iv == timeutil.Interval1s {
		dirInterval = timeutil.Interval1m
	}
	data := fmt.Sprintf("%s/%s/%s/klines/%s/%s/%s-%s-%s.zip",
		c.cfg.BaseURL, mkt.Type.ArchivePath(), mkt.Packaging, archSym, dirInterval, archSym, iv, day)
	return data, data + ".CHECKSUM"
}

// FetchDay downloads, verifies and parses one UTC day of candles. The data
// file and its checksum sibling are fetched concurrently; no pre-HEAD is
// issued.
func (c *Client) FetchDay(ctx context.Context, symbol string, iv timeutil.Interval, mkt market.Market, day timeutil.Day, opts FetchOptions) (frame.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	dataURL, sumURL := c.dayURLs(symbol, iv, mkt, day)

	type result struct {
		body   []byte
		status int
		err    error
	}
	sumCh := make(chan result, 1)
	go func() {
		body, status, err := c.download(ctx, sumURL)
		sumCh <- result{body, status, err}
	}()

	payload, status, err := c.download(ctx, dataURL)
	sum := <-sumCh
	if err != nil {
		return frame.Frame{}, &TransportError{URL: dataURL, Err: err}
	}
	if status == http.StatusNotFound {
		return frame.Frame{}, &NotInArchiveError{Symbol: symbol, Interval: iv, Day: day}
	}
	if status != http.StatusOK {
		return frame.Frame{}, &TransportError{URL: dataURL, Err: fmt.Errorf("HTTP %d", status)}
	}

	if err := c.verifyChecksum(symbol, iv, mkt, day, payload, sum.body, sum.status, sum.err, opts); err != nil {
		return frame.Frame{}, err
	}

	candles, err := parseZip(payload, iv)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("parse archive %s %s %s: %w", symbol, iv, day, err)
	}

	dayStart, dayEnd := day.Bounds()
	f := frame.Frame{Symbol: symbol, Interval: iv, Candles: candles}
	normalized, _, err := frame.Normalize(f, frame.NormalizeOptions{
		ExpectedStart: dayStart,
		ExpectedEnd:   dayEnd,
	})
	if err != nil {
		return frame.Frame{}, err
	}
	c.logger.Debug().
		Str("symbol", symbol).
		Str("interval", iv.String()).
		Str("day", day.String()).
		Int("rows", normalized.Len()).
		Msg("archive day fetched")
	return normalized, nil
}

func (c *Client) verifyChecksum(symbol string, iv timeutil.Interval, mkt market.Market, day timeutil.Day, payload, sumBody []byte, sumStatus int, sumErr error, opts FetchOptions) error {
	digest := sha256.Sum256(payload)
	actual := hex.EncodeToString(digest[:])

	expected := ""
	switch {
	case sumErr != nil, sumStatus != http.StatusOK:
		// Checksum sibling unavailable.
	default:
		fields := strings.Fields(string(sumBody))
		if len(fields) > 0 {
			expected = strings.ToLower(fields[0])
		}
	}

	if expected == actual && expected != "" {
		return nil
	}

	action := "rejected"
	if opts.ProceedOnChecksumFailure {
		action = "accepted"
	}
	c.recordFailure(symbol, iv, mkt, day, expected, actual, action)

	if opts.ProceedOnChecksumFailure {
		c.logger.Warn().
			Str("symbol", symbol).
			Str("day", day.String()).
			Str("expected", expected).
			Str("actual", actual).
			Msg("proceeding despite checksum failure")
		return nil
	}
	return &ChecksumError{Symbol: symbol, Day: day, Expected: expected, Actual: actual}
}

func (c *Client) recordFailure(symbol string, iv timeutil.Interval, mkt market.Market, day timeutil.Day, expected, actual, action string) {
	if c.registry == nil {
		return
	}
	err := c.registry.Append(cache.FailureRecord{
		Symbol:     symbol,
		Interval:   iv.String(),
		MarketType: mkt.Type.String(),
		Date:       day.String(),
		Expected:   expected,
		Actual:     actual,
		Action:     action,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		c.logger.Error().Err(err).Str("symbol", symbol).Str("day", day.String()).Msg("failed to record checksum failure")
	}
}

// download issues a GET with transport-level retries. Semantic statuses
// (404) are returned to the caller without retry.
func (c *Client) download(ctx context.Context, rawURL string) ([]byte, int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := c.backoff.Sleep(ctx, attempt-1); err != nil {
				return nil, 0, err
			}
		}
		if err := c.limiter.Wait(ctx, u.Host); err != nil {
			return nil, 0, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, 0, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			continue
		}
		return body, resp.StatusCode, nil
	}
	return nil, 0, lastErr
}

// Package rest fetches bounded kline windows from the provider's rate-
// limited live endpoint, paginating forward without duplicating boundary
// rows and accounting request weight against a per-minute budget.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/terrylica/crypto-kline-vision-data/internal/frame"
	"github.com/terrylica/crypto-kline-vision-data/internal/market"
	"github.com/terrylica/crypto-kline-vision-data/internal/netguard"
	"github.com/terrylica/crypto-kline-vision-data/internal/timeutil"
)

// Config holds the REST client's knobs.
type Config struct {
	// Endpoints maps each market type to its klines endpoint URL.
	Endpoints map[market.Type]string

	PageLimit       int           // rows per request, vendor max 1000
	WeightPerMinute int           // per-minute weight budget
	RequestWeight   int           // weight of one klines request
	Timeout         time.Duration // per-page timeout
	MaxRetries      int           // rate-limit retries per page
	RPS             float64
	Burst           int
}

// DefaultConfig returns the production endpoints and budgets.
func DefaultConfig() Config {
	return Config{
		Endpoints: map[market.Type]string{
			market.Spot:      "https://api.binance.com/api/v3/klines",
			market.FuturesUM: "https://fapi.binance.com/fapi/v1/klines",
			market.FuturesCM: "https://dapi.binance.com/dapi/v1/klines",
		},
		PageLimit:       1000,
		WeightPerMinute: 6000,
		RequestWeight:   2,
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		RPS:             10,
		Burst:           20,
	}
}

// RateLimitError reports a 429 (or the vendor's ban signal 418) that
// survived the retry budget.
type RateLimitError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d), retry after %s", e.Status, e.RetryAfter)
}

// FutureWindowError reports a 403 caused by requesting a window beyond the
// present.
type FutureWindowError struct {
	Start time.Time
	Now   time.Time
}

func (e *FutureWindowError) Error() string {
	return fmt.Sprintf("requested window starting %s is in the future (now %s)",
		e.Start.Format(time.RFC3339), e.Now.Format(time.RFC3339))
}

// HTTPError reports any other non-2xx response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Client is the live REST source.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *netguard.Limiter
	breaker    *gobreaker.CircuitBreaker
	budget     *WeightBudget
	backoff    netguard.Backoff
	logger     zerolog.Logger
	now        func() time.Time
}

// NewClient creates a REST client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Endpoints == nil {
		cfg.Endpoints = def.Endpoints
	}
	if cfg.PageLimit <= 0 || cfg.PageLimit > 1000 {
		cfg.PageLimit = def.PageLimit
	}
	if cfg.WeightPerMinute <= 0 {
		cfg.WeightPerMinute = def.WeightPerMinute
	}
	if cfg.RequestWeight <= 0 {
		cfg.RequestWeight = def.RequestWeight
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RPS <= 0 {
		cfg.RPS = def.RPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rest-klines",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		limiter:    netguard.NewLimiter(cfg.RPS, cfg.Burst),
		breaker:    breaker,
		budget:     NewWeightBudget(cfg.WeightPerMinute),
		backoff:    netguard.Backoff{Base: 500 * time.Millisecond, Max: 8 * time.Second},
		logger:     logger.With().Str("component", "rest").Logger(),
		now:        time.Now,
	}
}

// FetchRange retrieves all candles with open time in [start, end). The
// endpoint returns up to PageLimit rows per request, inclusive of startTime
// and ascending; the cursor advances past the last row's open time so
// boundary rows are never requested twice.
func (c *Client) FetchRange(ctx context.Context, symbol string, iv timeutil.Interval, mkt market.Market, start, end time.Time) (frame.Frame, error) {
	endpoint, ok := c.cfg.Endpoints[mkt.Type]
	if !ok {
		return frame.Frame{}, fmt.Errorf("no REST endpoint configured for market type %s", mkt.Type)
	}

	d := iv.Duration()
	out := frame.Frame{Symbol: symbol, Interval: iv}
	cursor := timeutil.AlignDown(start, iv)
	if cursor.Before(start) {
		// A row opening before start would be trimmed anyway; skip it.
		cursor = cursor.Add(d)
	}

	for cursor.Before(end) {
		page, err := c.fetchPage(ctx, endpoint, symbol, iv, cursor, end)
		if err != nil {
			return frame.Frame{}, err
		}
		if len(page) == 0 {
			break
		}

		last := page[len(page)-1].OpenTime
		for _, candle := range page {
			if candle.OpenTime.Before(end) {
				out.Candles = append(out.Candles, candle)
			}
		}
		if !last.Before(end) {
			break
		}
		// Advance past the last row; reusing its open time would duplicate
		// the boundary row on the next page.
		next := last.Add(d)
		if !next.After(cursor) {
			break
		}
		cursor = next
		if len(page) < c.cfg.PageLimit {
			break
		}
	}

	normalized, _, err := frame.Normalize(out, frame.NormalizeOptions{})
	if err != nil {
		return frame.Frame{}, err
	}
	return normalized, nil
}

func (c *Client) fetchPage(ctx context.Context, endpoint, symbol string, iv timeutil.Interval, cursor, end time.Time) ([]frame.Candle, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("symbol", symbol)
	q.Set("interval", iv.String())
	q.Set("startTime", strconv.FormatInt(cursor.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(end.UnixMilli()-1, 10))
	q.Set("limit", strconv.Itoa(c.cfg.PageLimit))
	u.RawQuery = q.Encode()

	for attempt := 0; ; attempt++ {
		if err := c.budget.Acquire(ctx, c.cfg.RequestWeight); err != nil {
			return nil, err
		}
		if err := c.limiter.Wait(ctx, u.Host); err != nil {
			return nil, err
		}

		body, status, err := c.doRequest(ctx, u.String())
		if err != nil {
			return nil, err
		}

		switch {
		case status == http.StatusOK:
			return parseKlines(body, symbol, iv)
		case status == http.StatusTooManyRequests || status == 418:
			retryAfter := parseRetryAfter(body)
			if attempt >= c.cfg.MaxRetries {
				return nil, &RateLimitError{Status: status, RetryAfter: retryAfter}
			}
			delay := c.backoff.Delay(attempt)
			if retryAfter > delay {
				delay = retryAfter
			}
			c.logger.Warn().
				Int("status", status).
				Dur("delay", delay).
				Int("attempt", attempt+1).
				Msg("rate limited, backing off")
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		case status == http.StatusForbidden:
			now := c.now().UTC()
			if cursor.After(now) {
				return nil, &FutureWindowError{Start: cursor, Now: now}
			}
			return nil, &HTTPError{Status: status, Body: truncateBody(body)}
		default:
			return nil, &HTTPError{Status: status, Body: truncateBody(body)}
		}
	}
}

// doRequest executes one HTTP round trip behind the circuit breaker. Only
// transport failures and 5xx responses count toward tripping it; semantic
// 4xx statuses pass through as values.
func (c *Client) doRequest(ctx context.Context, rawURL string) ([]byte, int, error) {
	type pageResult struct {
		body   []byte
		status int
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	v, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, &HTTPError{Status: resp.StatusCode, Body: truncateBody(body)}
		}
		return pageResult{body: body, status: resp.StatusCode}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := v.(pageResult)
	return r.body, r.status, nil
}

// parseKlines decodes the endpoint's array-of-arrays response. Column order
// matches the archive CSV; numbers arrive as JSON numbers for timestamps
// and counts but strings for prices and volumes.
func parseKlines(body []byte, symbol string, iv timeutil.Interval) ([]frame.Candle, error) {
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal klines: %w", err)
	}

	candles := make([]frame.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 11 {
			continue
		}
		openMS, err := toInt64(row[0])
		if err != nil {
			continue
		}
		openTime := time.UnixMilli(openMS).UTC()

		var vals [8]float64
		bad := false
		for i, idx := range []int{1, 2, 3, 4, 5, 7, 9, 10} {
			v, err := toFloat(row[idx])
			if err != nil {
				bad = true
				break
			}
			vals[i] = v
		}
		if bad {
			continue
		}
		trades, err := toInt64(row[8])
		if err != nil {
			continue
		}

		candles = append(candles, frame.Candle{
			OpenTime:            openTime,
			Open:                vals[0],
			High:                vals[1],
			Low:                 vals[2],
			Close:               vals[3],
			Volume:              vals[4],
			CloseTime:           frame.CloseTimeFor(openTime, iv),
			QuoteAssetVolume:    vals[5],
			TradeCount:          trades,
			TakerBuyBaseVolume:  vals[6],
			TakerBuyQuoteVolume: vals[7],
		})
	}
	return candles, nil
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(x, 64)
	}
	return 0, fmt.Errorf("unexpected value %T", v)
}

func toInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("unexpected value %T", v)
}

// parseRetryAfter extracts the vendor's retry hint from a rate-limit body,
// if present.
func parseRetryAfter(body []byte) time.Duration {
	var msg struct {
		RetryAfter int `json:"retryAfter"`
	}
	if err := json.Unmarshal(body, &msg); err == nil && msg.RetryAfter > 0 {
		return time.Duration(msg.RetryAfter) * time.Second
	}
	return 0
}

func truncateBody(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

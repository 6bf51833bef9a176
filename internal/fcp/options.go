package fcp

import (
	"fmt"
	"time"

	"github.com/terrylica/crypto-kline-vision-data/internal/frame"
	"github.com/terrylica/crypto-kline-vision-data/internal/market"
	"github.com/terrylica/crypto-kline-vision-data/internal/timeutil"
)

// EnforceSource pins the request to a single source, disabling failover.
type EnforceSource string

const (
	EnforceAuto    EnforceSource = "auto"
	EnforceCache   EnforceSource = "cache"
	EnforceArchive EnforceSource = "archive"
	EnforceRest    EnforceSource = "rest"
)

// ParseEnforceSource validates a source selector string. Empty maps to auto.
func ParseEnforceSource(s string) (EnforceSource, error) {
	switch EnforceSource(s) {
	case EnforceAuto, EnforceCache, EnforceArchive, EnforceRest:
		return EnforceSource(s), nil
	case "":
		return EnforceAuto, nil
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// Options tunes one retrieval request.
type Options struct {
	// EnforceSource bypasses failover and uses the named source only.
	// A miss under enforcement is a failure, never a silent fallback.
	EnforceSource EnforceSource

	// UseCache enables both cache reads and cache writes.
	UseCache bool

	// AutoReindex pads missing intervals with NaN rows. Off by default:
	// sparse data stays sparse unless the caller opts in.
	AutoReindex bool

	// PublicationDelay is the wall-clock lag after which a completed UTC
	// day is expected in the bulk archive.
	PublicationDelay time.Duration

	// Parallelism bounds the per-day fan-out.
	Parallelism int

	// GapAction selects the final normalization's gap policy.
	GapAction frame.GapAction

	// ProceedOnChecksumFailure accepts archive rows despite a checksum
	// mismatch.
	ProceedOnChecksumFailure bool

	// Deadline is the whole-request soft budget. Zero disables it. On
	// expiry the request fails with the set of days already resolved.
	Deadline time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		EnforceSource:    EnforceAuto,
		UseCache:         true,
		PublicationDelay: 48 * time.Hour,
		Parallelism:      4,
		GapAction:        frame.GapActionReport,
	}
}

// Request names the data to retrieve: one (symbol, interval, market) over a
// half-open UTC time range.
type Request struct {
	Symbol   string
	Interval timeutil.Interval
	Market   market.Market
	Start    time.Time
	End      time.Time
}

// DaySource records which source served one day.
type DaySource struct {
	Day    timeutil.Day
	Source Source
}

// Result is the retrieval outcome: the normalized frame, the per-day
// provenance map, and the gap report over the requested range.
type Result struct {
	Frame      frame.Frame
	Provenance []DaySource
	Gaps       frame.GapReport
}

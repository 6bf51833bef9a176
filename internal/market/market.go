// Package market describes the (provider, market type, data nature,
// packaging) tuple that drives both the cache layout and the bulk archive
// URL scheme, along with symbol and interval validation per market type.
package market

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/terrylica/crypto-kline-vision-data/internal/timeutil"
)

// Type identifies a market segment of the provider.
type Type string

const (
	Spot       Type = "spot"
	FuturesUM  Type = "futures_um" // USD(T)-margined perpetuals
	FuturesCM  Type = "futures_cm" // coin-margined perpetuals
)

// ParseType validates a market type string.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(s)) {
	case Spot:
		return Spot, nil
	case FuturesUM:
		return FuturesUM, nil
	case FuturesCM:
		return FuturesCM, nil
	}
	return "", &ValidationError{Field: "market_type", Value: s, Reason: "must be spot, futures_um or futures_cm"}
}

func (t Type) String() string {
	return string(t)
}

// ArchivePath returns the market's path segment in the bulk archive URL
// scheme: spot, futures/um or futures/cm.
func (t Type) ArchivePath() string {
	switch t {
	case FuturesUM:
		return "futures/um"
	case FuturesCM:
		return "futures/cm"
	default:
		return "spot"
	}
}

// Market is the full descriptor of a data universe. The default provider is
// binance with daily-packaged klines.
type Market struct {
	Provider   string
	Type       Type
	DataNature string
	Packaging  string
}

// New returns the canonical daily-klines descriptor for a market type.
func New(t Type) Market {
	return Market{
		Provider:   "binance",
		Type:       t,
		DataNature: "klines",
		Packaging:  "daily",
	}
}

// PathSegments returns the descriptor's cache path components in canonical
// order: provider, market_type, data_nature, packaging.
func (m Market) PathSegments() []string {
	return []string{m.Provider, string(m.Type), m.DataNature, m.Packaging}
}

// ValidationError reports an invalid request input. Validation failures fail
// fast; no source fallback applies to them.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]+(_[A-Z0-9]+)*$`)

// ValidateSymbol checks the symbol's format against the market type. Symbols
// are opaque upper-case strings; coin-margined perpetuals carry a _PERP
// suffix, which is rejected on other market types.
func ValidateSymbol(symbol string, t Type) error {
	if symbol == "" {
		return &ValidationError{Field: "symbol", Value: symbol, Reason: "empty"}
	}
	if symbol != strings.ToUpper(symbol) {
		return &ValidationError{Field: "symbol", Value: symbol, Reason: "must be upper-case"}
	}
	if !symbolPattern.MatchString(symbol) {
		return &ValidationError{Field: "symbol", Value: symbol, Reason: "contains invalid characters"}
	}
	hasPerp := strings.HasSuffix(symbol, "_PERP")
	if hasPerp && t != FuturesCM {
		return &ValidationError{Field: "symbol", Value: symbol, Reason: "_PERP suffix is only valid for coin-margined futures"}
	}
	return nil
}

// ArchiveSymbol returns the symbol form used by the bulk archive: the
// canonical _PERP-suffixed form for coin-margined perpetuals, the plain
// symbol otherwise.
func ArchiveSymbol(symbol string, t Type) string {
	if t == FuturesCM && !strings.HasSuffix(symbol, "_PERP") {
		return symbol + "_PERP"
	}
	return symbol
}

// ValidateInterval checks interval legality per market type: 1s candles
// exist only for spot.
func ValidateInterval(iv timeutil.Interval, t Type) error {
	if !iv.Valid() {
		return &ValidationError{Field: "interval", Value: iv.String(), Reason: "unknown interval"}
	}
	if iv == timeutil.Interval1s && t != Spot {
		return &ValidationError{Field: "interval", Value: iv.String(), Reason: "1s is only available for spot markets"}
	}
	return nil
}

package fcp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/terrylica/crypto-kline-vision-data/internal/archive"
	"github.com/terrylica/crypto-kline-vision-data/internal/cache"
	"github.com/terrylica/crypto-kline-vision-data/internal/market"
	"github.com/terrylica/crypto-kline-vision-data/internal/rest"
	"github.com/terrylica/crypto-kline-vision-data/internal/timeutil"
)

// Source identifies where a day's rows came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceArchive Source = "archive"
	SourceRest    Source = "rest"
	SourceImputed Source = "imputed"
)

// ErrorKind classifies a failure for the caller. Kinds, not names: callers
// branch on the kind, never on message text.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindTransport  ErrorKind = "transport"
	KindNotFound   ErrorKind = "not_found"
	KindIntegrity  ErrorKind = "integrity"
	KindRateLimit  ErrorKind = "rate_limit"
	KindPolicy     ErrorKind = "policy"
	KindIncomplete ErrorKind = "incomplete"
)

// DayError is the typed outcome of one day that no source could serve.
type DayError struct {
	Day    timeutil.Day
	Source Source
	Kind   ErrorKind
	Err    error
}

func (e *DayError) Error() string {
	return fmt.Sprintf("%s: %s via %s: %v", e.Day, e.Kind, e.Source, e.Err)
}

func (e *DayError) Unwrap() error {
	return e.Err
}

// RequestError aggregates per-day outcomes when a request cannot complete.
// Resolved lists the days that did succeed before the failure.
type RequestError struct {
	Days     []DayError
	Resolved []timeutil.Day
}

func (e *RequestError) Error() string {
	parts := make([]string, 0, len(e.Days))
	for i := range e.Days {
		parts = append(parts, e.Days[i].Error())
	}
	return fmt.Sprintf("request failed for %d day(s): %s", len(e.Days), strings.Join(parts, "; "))
}

// classifySourceError maps adapter errors onto the error taxonomy.
func classifySourceError(err error) ErrorKind {
	var (
		notInArchive *archive.NotInArchiveError
		checksum     *archive.ChecksumError
		transport    *archive.TransportError
		rateLimit    *rest.RateLimitError
		future       *rest.FutureWindowError
		miss         *cache.Miss
		validation   *market.ValidationError
		naive        *timeutil.NaiveTimeError
	)
	switch {
	case errors.As(err, &notInArchive):
		return KindNotFound
	case errors.As(err, &checksum):
		return KindIntegrity
	case errors.As(err, &rateLimit):
		return KindRateLimit
	case errors.As(err, &future):
		return KindValidation
	case errors.As(err, &validation), errors.As(err, &naive):
		return KindValidation
	case errors.As(err, &miss):
		switch miss.Reason {
		case cache.MissChecksumMismatch, cache.MissSchemaMismatch, cache.MissCorrupt:
			return KindIntegrity
		default:
			return KindNotFound
		}
	case errors.As(err, &transport):
		return KindTransport
	default:
		return KindTransport
	}
}

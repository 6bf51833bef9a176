// Package metrics exposes the pipeline's Prometheus collectors and the
// optional ops HTTP surface (/health, /metrics).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups the pipeline's Prometheus instruments.
type Collectors struct {
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	CacheWrites      *prometheus.CounterVec
	SourceFetches    *prometheus.CounterVec
	SourceErrors     *prometheus.CounterVec
	ChecksumFailures prometheus.Counter
	FetchDuration    *prometheus.HistogramVec
	// RESTRetries is registered, but the REST client holds no collectors and
	// nothing in the pipeline increments it, so it stays at zero.
	RESTRetries prometheus.Counter
}

// NewCollectors builds and registers the instruments on the given registry.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klines_cache_hits_total",
				Help: "Cache loads that produced rows",
			},
			[]string{"market_type"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klines_cache_misses_total",
				Help: "Cache loads demoted to a miss, by reason",
			},
			[]string{"market_type", "reason"},
		),
		CacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klines_cache_writes_total",
				Help: "Cache entries persisted, by source",
			},
			[]string{"market_type", "source"},
		),
		SourceFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klines_source_fetches_total",
				Help: "Successful per-day fetches, by source",
			},
			[]string{"source"},
		),
		SourceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klines_source_errors_total",
				Help: "Per-day source failures, by source and kind",
			},
			[]string{"source", "kind"},
		),
		ChecksumFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "klines_checksum_failures_total",
				Help: "Archive or cache checksum mismatches recorded",
			},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "klines_day_fetch_duration_seconds",
				Help:    "Duration of per-day resolutions, by winning source",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		RESTRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "klines_rest_retries_total",
				Help: "REST pages retried after a rate-limit signal",
			},
		),
	}

	reg.MustRegister(
		c.CacheHits, c.CacheMisses, c.CacheWrites,
		c.SourceFetches, c.SourceErrors, c.ChecksumFailures,
		c.FetchDuration, c.RESTRetries,
	)
	return c
}

// NewNop returns collectors registered on a throwaway registry, for callers
// that do not export metrics.
func NewNop() *Collectors {
	return NewCollectors(prometheus.NewRegistry())
}

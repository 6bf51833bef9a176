// Package fcp implements the failover control protocol: the request is
// decomposed into UTC day buckets, each bucket is resolved through the
// cache -> archive -> REST priority sequence, and the per-day frames are
// merged, deduplicated across the midnight seams, and trimmed to the exact
// requested range.
package fcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/terrylica/crypto-kline-vision-data/internal/archive"
	"github.com/terrylica/crypto-kline-vision-data/internal/cache"
	"github.com/terrylica/crypto-kline-vision-data/internal/frame"
	"github.com/terrylica/crypto-kline-vision-data/internal/market"
	"github.com/terrylica/crypto-kline-vision-data/internal/metrics"
	"github.com/terrylica/crypto-kline-vision-data/internal/timeutil"
)

// Cache is the per-day store consulted first and written back after
// successful remote fetches.
type Cache interface {
	Load(ctx context.Context, k cache.Key) (frame.Frame, *cache.Miss)
	Write(ctx context.Context, k cache.Key, f frame.Frame, source string) error
	Registry() *cache.Registry
}

// ArchiveSource is the bulk archive adapter.
type ArchiveSource interface {
	FetchDay(ctx context.Context, symbol string, iv timeutil.Interval, mkt market.Market, day timeutil.Day, opts archive.FetchOptions) (frame.Frame, error)
}

// RESTSource is the live endpoint adapter.
type RESTSource interface {
	FetchRange(ctx context.Context, symbol string, iv timeutil.Interval, mkt market.Market, start, end time.Time) (frame.Frame, error)
}

// Orchestrator coordinates the three sources for request-scoped retrievals.
type Orchestrator struct {
	cache   Cache
	archive ArchiveSource
	rest    RESTSource
	metrics *metrics.Collectors
	logger  zerolog.Logger
	now     func() time.Time
}

// Deps wires an orchestrator.
type Deps struct {
	Cache   Cache
	Archive ArchiveSource
	Rest    RESTSource
	Metrics *metrics.Collectors // optional
	Logger  zerolog.Logger
	Now     func() time.Time // optional, defaults to time.Now
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	return &Orchestrator{
		cache:   deps.Cache,
		archive: deps.Archive,
		rest:    deps.Rest,
		metrics: deps.Metrics,
		logger:  deps.Logger.With().Str("component", "fcp").Logger(),
		now:     deps.Now,
	}
}

type dayResult struct {
	day    timeutil.Day
	frame  frame.Frame
	source Source
	err    *DayError
}

// Get retrieves the requested range. The returned frame is strictly
// ascending and unique by open time, interval-aligned, and trimmed to
// [Start, End).
func (o *Orchestrator) Get(ctx context.Context, req Request, opts Options) (*Result, error) {
	if err := o.validate(req, opts); err != nil {
		return nil, err
	}

	// Empty range: empty frame, no source calls.
	if req.Start.Equal(req.End) {
		return &Result{Frame: frame.Frame{Symbol: req.Symbol, Interval: req.Interval}}, nil
	}

	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.PublicationDelay <= 0 {
		opts.PublicationDelay = 48 * time.Hour
	}

	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	days := timeutil.EnumerateDays(req.Start, req.End)
	now := o.now().UTC()

	results := make([]dayResult, len(days))
	sem := make(chan struct{}, opts.Parallelism)
	var wg sync.WaitGroup
	for i, day := range days {
		wg.Add(1)
		go func(i int, day timeutil.Day) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			historical := timeutil.PastPublicationDelay(day, now, opts.PublicationDelay)
			started := time.Now()
			f, src, derr := o.resolveDay(ctx, req, opts, day, historical)
			results[i] = dayResult{day: day, frame: f, source: src, err: derr}
			if derr == nil {
				o.metrics.SourceFetches.WithLabelValues(string(src)).Inc()
				o.metrics.FetchDuration.WithLabelValues(string(src)).Observe(time.Since(started).Seconds())
			} else {
				o.metrics.SourceErrors.WithLabelValues(string(derr.Source), string(derr.Kind)).Inc()
			}
		}(i, day)
	}
	wg.Wait()

	var dayErrors []DayError
	var resolved []timeutil.Day
	frames := make([]frame.Frame, 0, len(days))
	for _, r := range results {
		if r.err != nil {
			if errors.Is(r.err.Err, context.DeadlineExceeded) {
				r.err.Kind = KindIncomplete
			}
			dayErrors = append(dayErrors, *r.err)
			continue
		}
		resolved = append(resolved, r.day)
		frames = append(frames, r.frame)
	}
	if len(dayErrors) > 0 {
		return nil, &RequestError{Days: dayErrors, Resolved: resolved}
	}

	// Day-boundary merge: adjacent archive days may both carry the midnight
	// row; normalize's sort + dedup-first resolves the seam, and gap
	// detection runs on the merged frame so a boundary row held by either
	// neighbor is never a false gap.
	merged := frame.Concat(frames...)
	merged.Symbol = req.Symbol
	merged.Interval = req.Interval
	merged = frame.Trim(merged, req.Start, req.End)

	action := opts.GapAction
	if action == "" {
		action = frame.GapActionReport
	}
	if opts.AutoReindex {
		action = frame.GapActionImputeNaN
	}
	final, gaps, err := frame.Normalize(merged, frame.NormalizeOptions{
		ExpectedStart: req.Start,
		ExpectedEnd:   req.End,
		Action:        action,
	})
	if err != nil {
		return nil, err
	}

	provenance := make([]DaySource, 0, len(results))
	for _, r := range results {
		src := r.source
		if r.frame.Len() == 0 && (action == frame.GapActionImputeNaN || action == frame.GapActionForwardFill) {
			src = SourceImputed
		}
		provenance = append(provenance, DaySource{Day: r.day, Source: src})
	}

	o.logger.Info().
		Str("symbol", req.Symbol).
		Str("interval", req.Interval.String()).
		Int("days", len(days)).
		Int("rows", final.Len()).
		Int("gaps", len(gaps.Missing)).
		Msg("request resolved")

	return &Result{Frame: final, Provenance: provenance, Gaps: gaps}, nil
}

func (o *Orchestrator) validate(req Request, opts Options) error {
	if err := market.ValidateSymbol(req.Symbol, req.Market.Type); err != nil {
		return err
	}
	if err := market.ValidateInterval(req.Interval, req.Market.Type); err != nil {
		return err
	}
	if err := timeutil.EnsureUTC("start", req.Start); err != nil {
		return err
	}
	if err := timeutil.EnsureUTC("end", req.End); err != nil {
		return err
	}
	if req.End.Before(req.Start) {
		return &market.ValidationError{Field: "range", Value: fmt.Sprintf("[%s, %s)", req.Start.Format(time.RFC3339), req.End.Format(time.RFC3339)), Reason: "start must not be after end"}
	}
	if req.End.After(o.now().UTC()) {
		return &market.ValidationError{Field: "end", Value: req.End.Format(time.RFC3339), Reason: "end must not be in the future"}
	}
	if _, err := ParseEnforceSource(string(opts.EnforceSource)); err != nil {
		return &market.ValidationError{Field: "enforce_source", Value: string(opts.EnforceSource), Reason: "unknown source"}
	}
	return nil
}

// resolveDay runs the per-day source sequence. Within one day the order is
// fixed (cache, then archive for historical days, then REST); no ordering
// holds across different days.
func (o *Orchestrator) resolveDay(ctx context.Context, req Request, opts Options, day timeutil.Day, historical bool) (frame.Frame, Source, *DayError) {
	key := cache.Key{Market: req.Market, Symbol: req.Symbol, Interval: req.Interval, Day: day}
	dayStart, dayEnd := day.Bounds()
	fetchStart, fetchEnd := clampRange(dayStart, dayEnd, req.Start, req.End)
	fullDay := fetchStart.Equal(dayStart) && fetchEnd.Equal(dayEnd)

	switch opts.EnforceSource {
	case EnforceCache:
		if !opts.UseCache {
			return frame.Frame{}, SourceCache, &DayError{Day: day, Source: SourceCache, Kind: KindPolicy,
				Err: fmt.Errorf("enforce_source=cache with use_cache=false")}
		}
		f, miss := o.loadCache(ctx, req, key)
		if miss != nil {
			return frame.Frame{}, SourceCache, &DayError{Day: day, Source: SourceCache, Kind: KindPolicy, Err: miss}
		}
		return f, SourceCache, nil

	case EnforceArchive:
		f, err := o.fetchArchive(ctx, req, opts, key, day)
		if err != nil {
			return frame.Frame{}, SourceArchive, &DayError{Day: day, Source: SourceArchive, Kind: classifySourceError(err), Err: err}
		}
		return f, SourceArchive, nil

	case EnforceRest:
		f, err := o.fetchRest(ctx, req, opts, key, day, fetchStart, fetchEnd, historical && fullDay)
		if err != nil {
			return frame.Frame{}, SourceRest, &DayError{Day: day, Source: SourceRest, Kind: classifySourceError(err), Err: err}
		}
		return f, SourceRest, nil
	}

	// auto: cache -> archive (historical only) -> REST.
	if opts.UseCache {
		if f, miss := o.loadCache(ctx, req, key); miss == nil {
			return f, SourceCache, nil
		}
	}

	if historical {
		f, err := o.fetchArchive(ctx, req, opts, key, day)
		if err == nil {
			return f, SourceArchive, nil
		}
		if ctx.Err() != nil {
			return frame.Frame{}, SourceArchive, &DayError{Day: day, Source: SourceArchive, Kind: KindIncomplete, Err: ctx.Err()}
		}
		kind := classifySourceError(err)
		switch kind {
		case KindNotFound:
			// Some days legitimately never appear in the archive.
			o.logger.Debug().Str("day", day.String()).Msg("day absent from archive, falling through to REST")
		default:
			o.logger.Warn().Err(err).Str("day", day.String()).Str("kind", string(kind)).Msg("archive failed, falling through to REST")
		}
	}

	f, err := o.fetchRest(ctx, req, opts, key, day, fetchStart, fetchEnd, historical && fullDay)
	if err != nil {
		return frame.Frame{}, SourceRest, &DayError{Day: day, Source: SourceRest, Kind: classifySourceError(err), Err: err}
	}
	return f, SourceRest, nil
}

func (o *Orchestrator) loadCache(ctx context.Context, req Request, key cache.Key) (frame.Frame, *cache.Miss) {
	f, miss := o.cache.Load(ctx, key)
	mt := req.Market.Type.String()
	if miss != nil {
		o.metrics.CacheMisses.WithLabelValues(mt, string(miss.Reason)).Inc()
		if miss.Reason == cache.MissChecksumMismatch {
			o.metrics.ChecksumFailures.Inc()
		}
		return frame.Frame{}, miss
	}
	o.metrics.CacheHits.WithLabelValues(mt).Inc()
	return f, nil
}

func (o *Orchestrator) fetchArchive(ctx context.Context, req Request, opts Options, key cache.Key, day timeutil.Day) (frame.Frame, error) {
	f, err := o.archive.FetchDay(ctx, req.Symbol, req.Interval, req.Market, day,
		archive.FetchOptions{ProceedOnChecksumFailure: opts.ProceedOnChecksumFailure})
	if err != nil {
		var ce *archive.ChecksumError
		if errors.As(err, &ce) {
			o.metrics.ChecksumFailures.Inc()
		}
		return frame.Frame{}, err
	}
	o.storeDay(ctx, opts, key, f, string(SourceArchive))
	return f, nil
}

// fetchRest pulls the day's clamped range from the live endpoint. Recent
// days (inside the publication delay) are never persisted, to avoid caching
// incomplete data; a historical day whose archive file is absent is cached
// from REST when the fetch covers the full day.
func (o *Orchestrator) fetchRest(ctx context.Context, req Request, opts Options, key cache.Key, day timeutil.Day, start, end time.Time, cacheable bool) (frame.Frame, error) {
	f, err := o.rest.FetchRange(ctx, req.Symbol, req.Interval, req.Market, start, end)
	if err != nil {
		return frame.Frame{}, err
	}
	if cacheable {
		o.storeDay(ctx, opts, key, f, string(SourceRest))
	}
	return f, nil
}

// storeDay persists a fetched day. A write failure degrades to a warning:
// the rows are already in hand and the next request will refetch.
func (o *Orchestrator) storeDay(ctx context.Context, opts Options, key cache.Key, f frame.Frame, source string) {
	if !opts.UseCache {
		return
	}
	if err := o.cache.Write(ctx, key, f, source); err != nil {
		o.logger.Warn().Err(err).Str("key", key.String()).Msg("cache write failed")
		return
	}
	o.metrics.CacheWrites.WithLabelValues(key.Market.Type.String(), source).Inc()
}

func clampRange(dayStart, dayEnd, reqStart, reqEnd time.Time) (time.Time, time.Time) {
	start := dayStart
	if reqStart.After(start) {
		start = reqStart
	}
	end := dayEnd
	if reqEnd.Before(end) {
		end = reqEnd
	}
	return start, end
}

package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/terrylica/crypto-kline-vision-data/internal/frame"
)

// Store owns the cache root. A single process performs writes; any write
// race resolves by the atomic rename being last-write-wins.
type Store struct {
	root     string
	registry *Registry
	logger   zerolog.Logger
	now      func() time.Time
}

// NewStore creates a store rooted at dir. The checksum-failure registry
// lives under dir/logs/checksum_failures/registry.json.
func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{
		root:     dir,
		registry: NewRegistry(filepath.Join(dir, "logs", "checksum_failures", "registry.json")),
		logger:   logger.With().Str("component", "cache").Logger(),
		now:      time.Now,
	}
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

// Registry returns the checksum-failure registry.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Locate returns the entry's canonical path. Pure path computation; the file
// may not exist.
func (s *Store) Locate(k Key) string {
	return Locate(s.root, k)
}

// Load reads a cache entry. Any failure — absent file, IO error, schema or
// checksum mismatch, malformed header — demotes to a typed Miss; corrupt
// files are quarantined in place so the next load is a plain not-found.
func (s *Store) Load(ctx context.Context, k Key) (frame.Frame, *Miss) {
	if err := ctx.Err(); err != nil {
		return frame.Frame{}, &Miss{Key: k, Reason: MissIO, Err: err}
	}

	path := s.Locate(k)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return frame.Frame{}, &Miss{Key: k, Reason: MissNotFound}
		}
		return frame.Frame{}, &Miss{Key: k, Reason: MissIO, Err: err}
	}
	defer f.Close()

	fr, meta, err := decodeFrame(f, k)
	if err != nil {
		s.quarantine(path)
		return frame.Frame{}, &Miss{Key: k, Reason: MissCorrupt, Err: err}
	}

	if meta.SchemaVersion != SchemaVersion {
		return frame.Frame{}, &Miss{Key: k, Reason: MissSchemaMismatch,
			Err: fmt.Errorf("schema version %q, want %q", meta.SchemaVersion, SchemaVersion)}
	}
	if meta.Symbol != k.Symbol || meta.Interval != k.Interval.String() || meta.Date != k.Day.String() {
		s.quarantine(path)
		return frame.Frame{}, &Miss{Key: k, Reason: MissCorrupt,
			Err: fmt.Errorf("metadata identity %s/%s/%s does not match key", meta.Symbol, meta.Interval, meta.Date)}
	}

	if actual := ContentChecksum(fr); actual != meta.ContentSHA256 {
		s.quarantine(path)
		if err := s.registry.Append(FailureRecord{
			Symbol:     k.Symbol,
			Interval:   k.Interval.String(),
			MarketType: k.Market.Type.String(),
			Date:       k.Day.String(),
			Expected:   meta.ContentSHA256,
			Actual:     actual,
			Action:     "quarantined",
			Timestamp:  s.now().UTC(),
		}); err != nil {
			s.logger.Error().Err(err).Str("key", k.String()).Msg("failed to record checksum failure")
		}
		return frame.Frame{}, &Miss{Key: k, Reason: MissChecksumMismatch,
			Err: fmt.Errorf("content checksum %s, stored %s", actual, meta.ContentSHA256)}
	}

	return fr, nil
}

// Write persists one day of rows atomically: sibling temp file, fsync,
// rename. The entry is immutable once the rename lands.
func (s *Store) Write(ctx context.Context, k Key, f frame.Frame, source string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.Locate(k)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := encodeFrame(tmp, k, f, source); err != nil {
		cleanup()
		return fmt.Errorf("encode %s: %w", k, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync %s: %w", k, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}

	s.logger.Debug().
		Str("key", k.String()).
		Str("source", source).
		Int("rows", f.Len()).
		Msg("cache entry written")
	return nil
}

// Invalidate removes an entry. Removing an absent entry is not an error.
func (s *Store) Invalidate(k Key) error {
	err := os.Remove(s.Locate(k))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("invalidate %s: %w", k, err)
	}
	return nil
}

// Inspect returns the decoded metadata header of an entry without integrity
// verification.
func (s *Store) Inspect(k Key) (Metadata, error) {
	f, err := os.Open(s.Locate(k))
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()

	_, meta, err := decodeFrame(f, k)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		SchemaVersion: meta.SchemaVersion,
		Source:        meta.Source,
		Symbol:        meta.Symbol,
		Interval:      meta.Interval,
		MarketType:    meta.MarketType,
		Date:          meta.Date,
		RowCount:      meta.RowCount,
		ContentSHA256: meta.ContentSHA256,
		MinOpenTime:   time.Unix(0, meta.MinOpenTimeNS).UTC(),
		MaxOpenTime:   time.Unix(0, meta.MaxOpenTimeNS).UTC(),
	}, nil
}

// Metadata is the public view of a cache file's embedded header.
type Metadata struct {
	SchemaVersion string
	Source        string
	Symbol        string
	Interval      string
	MarketType    string
	Date          string
	RowCount      int
	ContentSHA256 string
	MinOpenTime   time.Time
	MaxOpenTime   time.Time
}

// quarantine renames a corrupt file aside so subsequent loads are clean
// misses. Best effort.
func (s *Store) quarantine(path string) {
	dst := path + ".corrupt"
	if err := os.Rename(path, dst); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("failed to quarantine corrupt cache file")
		return
	}
	s.logger.Warn().Str("path", dst).Msg("quarantined corrupt cache file")
}

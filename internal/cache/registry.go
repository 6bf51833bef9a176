package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FailureRecord describes one checksum failure. Records accrete; a retry
// operation marks them resolved rather than deleting them.
type FailureRecord struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	Interval   string     `json:"interval"`
	MarketType string     `json:"market_type"`
	Date       string     `json:"date"`
	Expected   string     `json:"expected"`
	Actual     string     `json:"actual"`
	Action     string     `json:"action"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Registry is the append-only checksum-failure log: one JSON array file.
// A single appender per process; concurrent processes are operator guidance,
// not guarded.
type Registry struct {
	path string
	mu   sync.Mutex
}

// NewRegistry creates a registry backed by the given file path.
func NewRegistry(path string) *Registry {
	return &Registry{path: path}
}

// Path returns the registry's file path.
func (r *Registry) Path() string {
	return r.path
}

// Append adds a record, assigning an ID and timestamp when absent.
func (r *Registry) Append(rec FailureRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load()
	if err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	records = append(records, rec)
	return r.save(records)
}

// List returns all records.
func (r *Registry) List() ([]FailureRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Unresolved returns the records not yet marked resolved.
func (r *Registry) Unresolved() ([]FailureRecord, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	var out []FailureRecord
	for _, rec := range all {
		if !rec.Resolved {
			out = append(out, rec)
		}
	}
	return out, nil
}

// MarkResolved flags a record as resolved at the given instant.
func (r *Registry) MarkResolved(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load()
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].ID == id {
			at := at.UTC()
			records[i].Resolved = true
			records[i].ResolvedAt = &at
			return r.save(records)
		}
	}
	return fmt.Errorf("checksum failure record %s not found", id)
}

func (r *Registry) load() ([]FailureRecord, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var records []FailureRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	return records, nil
}

func (r *Registry) save(records []FailureRecord) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename registry: %w", err)
	}
	return nil
}

// Package store provides persistence for indicators and pipeline run
// records. The primary implementation is Redis-backed; an in-memory
// implementation serves tests and redis-less operation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pentoshi007/vortex/internal/ioc"
)

// Common errors.
var (
	// ErrDuplicateKey is returned when an insert would violate the
	// (type, value) unique constraint.
	ErrDuplicateKey = errors.New("indicator already exists")

	// ErrNotFound is returned by point operations on a missing record.
	ErrNotFound = errors.New("indicator not found")
)

// BulkOp is one write in an unordered bulk batch. Exactly one field is set.
type BulkOp struct {
	Insert *ioc.Indicator
	Update *ioc.Indicator
}

// BulkResult reports per-op outcomes of a bulk write. A failed op never
// aborts its siblings.
type BulkResult struct {
	Inserted int
	Updated  int
	Failed   int
	Errors   []error
}

// IndicatorStore is the persistence contract for deduplicated indicators.
// Lookups that find nothing return (nil, nil); only infrastructure
// failures surface as errors.
type IndicatorStore interface {
	// FindByKey returns the indicator for a (type, value) pair.
	FindByKey(ctx context.Context, t ioc.Type, value string) (*ioc.Indicator, error)

	// FindByKeysBatch resolves many values of one type in a single round
	// trip, returning a map keyed by value containing only the hits.
	FindByKeysBatch(ctx context.Context, t ioc.Type, values []string) (map[string]*ioc.Indicator, error)

	// Insert stores a new indicator, enforcing the unique key.
	Insert(ctx context.Context, ind *ioc.Indicator) error

	// BulkWrite applies a batch of inserts and updates without ordering
	// guarantees. Per-op failures are collected, not propagated.
	BulkWrite(ctx context.Context, ops []BulkOp) (BulkResult, error)

	// UpdateByID replaces an existing indicator document.
	UpdateByID(ctx context.Context, ind *ioc.Indicator) error

	// FindEnrichmentCandidates returns up to limit indicators that were
	// never enriched, were last enriched before cutoff, or were created
	// after cutoff. Ordering is deterministic within one call.
	FindEnrichmentCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*ioc.Indicator, error)

	// CountEnrichmentCandidates counts the full candidate set.
	CountEnrichmentCandidates(ctx context.Context, cutoff time.Time) (int, error)

	// DeleteNotSeenSince removes indicators whose last_seen predates
	// cutoff, returning how many were deleted.
	DeleteNotSeenSince(ctx context.Context, cutoff time.Time) (int, error)

	// CountAll returns the total number of stored indicators.
	CountAll(ctx context.Context) (int64, error)
}

// RunStatus is the lifecycle state of a pipeline run record.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is the append-only audit record of one pipeline execution.
// It is created with status running and finalized exactly once.
type RunRecord struct {
	ID              string    `json:"id"`
	Operation       string    `json:"operation"` // ingestion | enrichment
	Source          string    `json:"source,omitempty"`
	Status          RunStatus `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
	FetchedCount    int       `json:"fetched_count,omitempty"`
	NewCount        int       `json:"new_count,omitempty"`
	UpdatedCount    int       `json:"updated_count,omitempty"`
	ProcessedCount  int       `json:"processed_count,omitempty"`
	EnrichedCount   int       `json:"enriched_count,omitempty"`
	SkippedCount    int       `json:"skipped_count,omitempty"`
	ErrorCount      int       `json:"error_count"`
	TotalCandidates int       `json:"total_candidates,omitempty"`
	DurationSeconds float64   `json:"duration_seconds"`
	Error           string    `json:"error,omitempty"`
}

// RunStore persists pipeline run records.
type RunStore interface {
	Create(ctx context.Context, rec *RunRecord) error
	Finalize(ctx context.Context, rec *RunRecord) error
	Recent(ctx context.Context, limit int) ([]*RunRecord, error)
}

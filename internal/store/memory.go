package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pentoshi007/vortex/internal/ioc"
)

// MemoryStore is a map-backed IndicatorStore and RunStore. It backs tests
// and redis-less single-process operation; nothing survives a restart.
type MemoryStore struct {
	mu         sync.RWMutex
	indicators map[string]*ioc.Indicator
	runs       []*RunRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		indicators: make(map[string]*ioc.Indicator),
	}
}

// Ping implements the readiness probe; the in-memory store is always up.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func cloneIndicator(ind *ioc.Indicator) *ioc.Indicator {
	cp := *ind
	cp.Sources = append([]ioc.Source(nil), ind.Sources...)
	cp.Tags = append([]string(nil), ind.Tags...)
	if ind.VT != nil {
		vt := *ind.VT
		cp.VT = &vt
	}
	if ind.AbuseIPDB != nil {
		ab := *ind.AbuseIPDB
		cp.AbuseIPDB = &ab
	}
	return &cp
}

// FindByKey implements IndicatorStore.
func (s *MemoryStore) FindByKey(ctx context.Context, t ioc.Type, value string) (*ioc.Indicator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ind, ok := s.indicators[ioc.Key(t, value)]
	if !ok {
		return nil, nil
	}
	return cloneIndicator(ind), nil
}

// FindByKeysBatch implements IndicatorStore.
func (s *MemoryStore) FindByKeysBatch(ctx context.Context, t ioc.Type, values []string) (map[string]*ioc.Indicator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*ioc.Indicator)
	for _, v := range values {
		if ind, ok := s.indicators[ioc.Key(t, v)]; ok {
			out[v] = cloneIndicator(ind)
		}
	}
	return out, nil
}

// Insert implements IndicatorStore.
func (s *MemoryStore) Insert(ctx context.Context, ind *ioc.Indicator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ind.Key()
	if _, exists := s.indicators[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	s.indicators[key] = cloneIndicator(ind)
	return nil
}

// UpdateByID implements IndicatorStore.
func (s *MemoryStore) UpdateByID(ctx context.Context, ind *ioc.Indicator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ind.Key()
	if _, exists := s.indicators[key]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	s.indicators[key] = cloneIndicator(ind)
	return nil
}

// BulkWrite implements IndicatorStore. Each op is applied independently.
func (s *MemoryStore) BulkWrite(ctx context.Context, ops []BulkOp) (BulkResult, error) {
	var result BulkResult
	for i, op := range ops {
		var err error
		switch {
		case op.Insert != nil:
			err = s.Insert(ctx, op.Insert)
			if err == nil {
				result.Inserted++
			}
		case op.Update != nil:
			err = s.UpdateByID(ctx, op.Update)
			if err == nil {
				result.Updated++
			}
		default:
			err = fmt.Errorf("empty bulk op")
		}
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("op %d: %w", i, err))
		}
	}
	return result, nil
}

func isCandidate(ind *ioc.Indicator, cutoff time.Time) bool {
	if ind.VT == nil {
		return true
	}
	if ind.VT.ScanDate.Before(cutoff) {
		return true
	}
	return !ind.CreatedAt.Before(cutoff)
}

// FindEnrichmentCandidates implements IndicatorStore. Results are ordered
// by key for determinism.
func (s *MemoryStore) FindEnrichmentCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*ioc.Indicator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.indicators))
	for key, ind := range s.indicators {
		if isCandidate(ind, cutoff) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]*ioc.Indicator, len(keys))
	for i, key := range keys {
		out[i] = cloneIndicator(s.indicators[key])
	}
	return out, nil
}

// CountEnrichmentCandidates implements IndicatorStore.
func (s *MemoryStore) CountEnrichmentCandidates(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ind := range s.indicators {
		if isCandidate(ind, cutoff) {
			n++
		}
	}
	return n, nil
}

// DeleteNotSeenSince implements IndicatorStore.
func (s *MemoryStore) DeleteNotSeenSince(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for key, ind := range s.indicators {
		if ind.LastSeen.Before(cutoff) {
			delete(s.indicators, key)
			deleted++
		}
	}
	return deleted, nil
}

// CountAll implements IndicatorStore.
func (s *MemoryStore) CountAll(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.indicators)), nil
}

// Create implements RunStore.
func (s *MemoryStore) Create(ctx context.Context, rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.runs = append([]*RunRecord{&cp}, s.runs...)
	return nil
}

// Finalize implements RunStore.
func (s *MemoryStore) Finalize(ctx context.Context, rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.runs {
		if existing.ID == rec.ID {
			cp := *rec
			s.runs[i] = &cp
			return nil
		}
	}
	return fmt.Errorf("run record %s not found", rec.ID)
}

// Recent implements RunStore, newest first.
func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.runs) {
		limit = len(s.runs)
	}
	out := make([]*RunRecord, limit)
	for i := 0; i < limit; i++ {
		cp := *s.runs[i]
		out[i] = &cp
	}
	return out, nil
}

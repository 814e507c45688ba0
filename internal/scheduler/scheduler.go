// Package scheduler drives the periodic pipeline jobs: feed ingestion,
// bulk enrichment, and retention cleanup. Jobs run on independent
// tickers; a job that is still running when its next tick fires is
// skipped rather than overlapped.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pentoshi007/vortex/internal/pipeline"
	"github.com/pentoshi007/vortex/internal/quota"
	"github.com/pentoshi007/vortex/internal/store"
)

// Config tunes the scheduler intervals. A zero interval disables the job.
type Config struct {
	IngestionInterval  time.Duration `yaml:"ingestion_interval"`
	EnrichmentInterval time.Duration `yaml:"enrichment_interval"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`

	// Retention is how long an indicator may go unseen before cleanup
	// removes it.
	Retention time.Duration `yaml:"retention"`

	// MinDailyQuota is the VirusTotal daily headroom required before a
	// scheduled enrichment run starts. Scheduled runs yield remaining
	// quota to interactive lookups near the daily cap.
	MinDailyQuota int `yaml:"min_daily_quota"`
}

// DefaultConfig returns intervals sized for the free-tier provider quotas.
func DefaultConfig() Config {
	return Config{
		IngestionInterval:  2 * time.Hour,
		EnrichmentInterval: 30 * time.Minute,
		CleanupInterval:    24 * time.Hour,
		Retention:          30 * 24 * time.Hour,
		MinDailyQuota:      10,
	}
}

// Scheduler owns the background job goroutines.
type Scheduler struct {
	ingestion  *pipeline.Ingestion
	enrichment *pipeline.Enrichment
	store      store.IndicatorStore
	quota      *quota.Tracker
	config     Config
	logger     *zap.Logger

	ingestRunning  atomic.Bool
	enrichRunning  atomic.Bool
	cleanupRunning atomic.Bool

	wg sync.WaitGroup
}

// New creates a scheduler; call Start to begin ticking.
func New(ing *pipeline.Ingestion, enr *pipeline.Enrichment, st store.IndicatorStore, tracker *quota.Tracker, cfg Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		ingestion:  ing,
		enrichment: enr,
		store:      st,
		quota:      tracker,
		config:     cfg,
		logger:     logger,
	}
}

// Start launches the job loops. They stop when ctx is cancelled; Wait
// blocks until in-flight jobs have drained.
func (s *Scheduler) Start(ctx context.Context) {
	if s.config.IngestionInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, "ingestion", s.config.IngestionInterval, s.runIngestion)
	}
	if s.config.EnrichmentInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, "enrichment", s.config.EnrichmentInterval, s.runEnrichment)
	}
	if s.config.CleanupInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, "cleanup", s.config.CleanupInterval, s.runCleanup)
	}
	s.logger.Info("Scheduler started",
		zap.Duration("ingestion_interval", s.config.IngestionInterval),
		zap.Duration("enrichment_interval", s.config.EnrichmentInterval),
		zap.Duration("cleanup_interval", s.config.CleanupInterval))
}

// Wait blocks until all job loops have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, job func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Job loop stopping", zap.String("job", name))
			return
		case <-ticker.C:
			job(ctx)
		}
	}
}

// TriggerIngestion runs an ingestion immediately, unless one is already
// in flight. It reports whether the run was started.
func (s *Scheduler) TriggerIngestion(ctx context.Context) (*pipeline.IngestionSummary, bool, error) {
	if !s.ingestRunning.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	defer s.ingestRunning.Store(false)
	summary, err := s.ingestion.Run(ctx, "manual")
	return summary, true, err
}

// TriggerEnrichment runs an enrichment immediately, unless one is already
// in flight. It reports whether the run was started.
func (s *Scheduler) TriggerEnrichment(ctx context.Context, maxItems int, maxExecution time.Duration) (*pipeline.EnrichmentSummary, bool, error) {
	if !s.enrichRunning.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	defer s.enrichRunning.Store(false)
	summary, err := s.enrichment.Run(ctx, maxItems, maxExecution)
	return summary, true, err
}

func (s *Scheduler) runIngestion(ctx context.Context) {
	if !s.ingestRunning.CompareAndSwap(false, true) {
		s.logger.Warn("Previous ingestion still running, skipping tick")
		return
	}
	defer s.ingestRunning.Store(false)

	summary, err := s.ingestion.Run(ctx, "scheduled")
	if err != nil {
		s.logger.Error("Scheduled ingestion failed", zap.Error(err))
		return
	}
	s.logger.Info("Scheduled ingestion finished",
		zap.Int("new", summary.NewCount),
		zap.Int("updated", summary.UpdatedCount))
}

func (s *Scheduler) runEnrichment(ctx context.Context) {
	if !s.enrichRunning.CompareAndSwap(false, true) {
		s.logger.Warn("Previous enrichment still running, skipping tick")
		return
	}
	defer s.enrichRunning.Store(false)

	if st, ok := s.quota.StatusFor(quota.ProviderVirusTotal); ok && st.DailyRemaining < s.config.MinDailyQuota {
		s.logger.Warn("Daily provider quota nearly spent, skipping scheduled enrichment",
			zap.Int("daily_remaining", st.DailyRemaining),
			zap.Int("min_required", s.config.MinDailyQuota))
		return
	}

	summary, err := s.enrichment.Run(ctx, 0, 0)
	if err != nil {
		s.logger.Error("Scheduled enrichment failed", zap.Error(err))
		return
	}
	s.logger.Info("Scheduled enrichment finished",
		zap.Int("enriched", summary.EnrichedCount),
		zap.Int("skipped", summary.SkippedCount))
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if !s.cleanupRunning.CompareAndSwap(false, true) {
		s.logger.Warn("Previous cleanup still running, skipping tick")
		return
	}
	defer s.cleanupRunning.Store(false)

	cutoff := time.Now().Add(-s.config.Retention)
	deleted, err := s.store.DeleteNotSeenSince(ctx, cutoff)
	if err != nil {
		s.logger.Error("Cleanup failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.logger.Info("Cleanup removed stale indicators",
			zap.Int("deleted", deleted),
			zap.Time("cutoff", cutoff))
	}
}

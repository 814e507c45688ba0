package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pentoshi007/vortex/internal/enrichment"
	"github.com/pentoshi007/vortex/internal/ioc"
	"github.com/pentoshi007/vortex/internal/observability"
	"github.com/pentoshi007/vortex/internal/quota"
	"github.com/pentoshi007/vortex/internal/scoring"
	"github.com/pentoshi007/vortex/internal/store"
)

// EnrichmentConfig tunes the enrichment pipeline.
type EnrichmentConfig struct {
	// MaxItems caps the candidates processed per run. Small by default to
	// stay inside free-tier provider quotas.
	MaxItems int `yaml:"max_items"`

	// MaxExecution bounds one run's wall clock; checked between items.
	MaxExecution time.Duration `yaml:"max_execution"`

	// StaleAfter is the re-enrichment age: indicators enriched longer ago
	// than this (or created more recently than this) become candidates.
	StaleAfter time.Duration `yaml:"stale_after"`

	// ItemDelay is the pause after an item that actually called a
	// provider, sized to stay under the tightest per-minute quota.
	ItemDelay time.Duration `yaml:"item_delay"`

	// NearLimitWait bounds how long a run will sleep for a minute-window
	// reset before treating the provider as unavailable.
	NearLimitWait time.Duration `yaml:"near_limit_wait"`
}

// DefaultEnrichmentConfig returns free-tier friendly defaults: VirusTotal
// allows 4 req/min, so one item per 15s.
func DefaultEnrichmentConfig() EnrichmentConfig {
	return EnrichmentConfig{
		MaxItems:      10,
		MaxExecution:  5 * time.Minute,
		StaleAfter:    24 * time.Hour,
		ItemDelay:     15 * time.Second,
		NearLimitWait: 65 * time.Second,
	}
}

// EnrichmentSummary is the caller-visible result of one enrichment run.
type EnrichmentSummary struct {
	RunID           string  `json:"run_id"`
	TotalCandidates int     `json:"total_candidates"`
	ProcessedCount  int     `json:"processed_count"`
	EnrichedCount   int     `json:"enriched_count"`
	SkippedCount    int     `json:"skipped_count"`
	ErrorCount      int     `json:"error_count"`
	DurationSeconds float64 `json:"duration_seconds"`
	StoppedEarly    bool    `json:"stopped_early"`
}

// Enrichment augments stored indicators with external reputation data.
// Candidates are processed strictly sequentially: concurrent provider
// calls would make the minute-level quota accounting unreliable and
// multiply provider-side rate limit violations.
type Enrichment struct {
	store   store.IndicatorStore
	runs    store.RunStore
	clients []enrichment.Client
	quota   *quota.Tracker
	config  EnrichmentConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewEnrichment creates the enrichment pipeline.
func NewEnrichment(st store.IndicatorStore, runs store.RunStore, clients []enrichment.Client, tracker *quota.Tracker, cfg EnrichmentConfig, logger *zap.Logger, metrics *observability.Metrics) *Enrichment {
	def := DefaultEnrichmentConfig()
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = def.MaxItems
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.NearLimitWait <= 0 {
		cfg.NearLimitWait = def.NearLimitWait
	}
	return &Enrichment{
		store:   st,
		runs:    runs,
		clients: clients,
		quota:   tracker,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// itemOutcome collects what happened to one candidate across providers.
type itemOutcome struct {
	gotData        bool
	skipped        bool
	calledProvider bool
}

// Run executes one enrichment pass over up to maxItems candidates within
// maxExecution. Zero arguments fall back to the configured defaults.
// Per-item failures are counted and swallowed; only a pipeline-level
// failure (candidate selection, context cancellation) finalizes the run
// as failed and surfaces an error. Quota exhaustion is a skip, not an
// error.
func (p *Enrichment) Run(ctx context.Context, maxItems int, maxExecution time.Duration) (*EnrichmentSummary, error) {
	if maxItems <= 0 {
		maxItems = p.config.MaxItems
	}
	if maxExecution <= 0 {
		maxExecution = p.config.MaxExecution
	}

	start := p.now()
	rec := &store.RunRecord{
		ID:        uuid.NewString(),
		Operation: "enrichment",
		Source:    "bulk",
		Status:    store.RunStatusRunning,
		StartedAt: start,
	}
	if err := p.runs.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating run record: %w", err)
	}

	summary := &EnrichmentSummary{RunID: rec.ID}
	cutoff := start.Add(-p.config.StaleAfter)

	total, err := p.store.CountEnrichmentCandidates(ctx, cutoff)
	if err != nil {
		return nil, p.fail(ctx, rec, summary, fmt.Errorf("counting candidates: %w", err))
	}
	summary.TotalCandidates = total

	candidates, err := p.store.FindEnrichmentCandidates(ctx, cutoff, maxItems)
	if err != nil {
		return nil, p.fail(ctx, rec, summary, fmt.Errorf("selecting candidates: %w", err))
	}

	p.logger.Info("Starting bulk enrichment",
		zap.Int("total_candidates", total),
		zap.Int("selected", len(candidates)),
		zap.Duration("max_execution", maxExecution))
	p.logQuota()

	// Providers that answered 429 are suppressed for the rest of the run.
	// Their local counters are deliberately left untouched.
	exhausted := make(map[quota.Provider]bool)

	for i, ind := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, p.fail(ctx, rec, summary, err)
		}
		if maxExecution > 0 && p.now().Sub(start) >= maxExecution {
			p.logger.Warn("Execution budget reached, stopping enrichment early",
				zap.Duration("elapsed", p.now().Sub(start)),
				zap.Int("remaining", len(candidates)-i))
			summary.StoppedEarly = true
			break
		}

		summary.ProcessedCount++

		outcome, err := p.enrichItem(ctx, ind, exhausted)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, p.fail(ctx, rec, summary, err)
			}
			summary.ErrorCount++
			p.logger.Error("Error enriching indicator",
				zap.String("value", ind.Value), zap.Error(err))
			continue
		}

		if outcome.skipped {
			summary.SkippedCount++
		}
		if outcome.gotData {
			summary.EnrichedCount++
		}

		// Pace provider calls for the tightest per-minute quota. No delay
		// after items that never reached a provider.
		if outcome.calledProvider && i < len(candidates)-1 && p.config.ItemDelay > 0 {
			if err := p.sleep(ctx, p.config.ItemDelay); err != nil {
				return nil, p.fail(ctx, rec, summary, err)
			}
		}
	}

	p.finalize(ctx, rec, summary, store.RunStatusCompleted, "")
	p.logger.Info("Bulk enrichment completed",
		zap.Int("processed", summary.ProcessedCount),
		zap.Int("enriched", summary.EnrichedCount),
		zap.Int("skipped", summary.SkippedCount),
		zap.Int("errors", summary.ErrorCount),
		zap.Float64("duration_seconds", summary.DurationSeconds))
	return summary, nil
}

// enrichItem runs every applicable provider for one indicator and
// persists the merge when at least one produced data. Context
// cancellation is the only error that escapes to the run level.
func (p *Enrichment) enrichItem(ctx context.Context, ind *ioc.Indicator, exhausted map[quota.Provider]bool) (itemOutcome, error) {
	var outcome itemOutcome

	for _, client := range p.clients {
		if !client.Supports(ind.Type) {
			continue
		}
		provider := client.Name()

		if exhausted[provider] {
			outcome.skipped = true
			p.metrics.EnrichmentRequest(string(provider), "skipped")
			continue
		}

		if !p.quota.CanConsume(provider) {
			cleared, err := p.quota.WaitIfNearLimit(ctx, provider, p.config.NearLimitWait)
			if err != nil {
				return outcome, err
			}
			if !cleared {
				p.logger.Debug("Provider quota exhausted, skipping",
					zap.String("provider", string(provider)), zap.String("value", ind.Value))
				outcome.skipped = true
				p.metrics.EnrichmentRequest(string(provider), "skipped")
				continue
			}
		}

		// Consume before the request so in-flight calls are already
		// reflected in the accounting.
		p.quota.Consume(provider)
		outcome.calledProvider = true

		result, err := client.Lookup(ctx, ind.Type, ind.Value)
		if errors.Is(err, enrichment.ErrRateLimited) {
			p.logger.Warn("Provider rate limit hit, suppressing for rest of run",
				zap.String("provider", string(provider)))
			exhausted[provider] = true
			outcome.skipped = true
			p.metrics.EnrichmentRequest(string(provider), "rate_limited")
			continue
		}
		if err != nil {
			return outcome, err
		}
		if result == nil {
			p.metrics.EnrichmentRequest(string(provider), "nodata")
			continue
		}

		if result.VT != nil {
			ind.VT = result.VT
			outcome.gotData = true
		}
		if result.AbuseIPDB != nil {
			ind.AbuseIPDB = result.AbuseIPDB
			outcome.gotData = true
		}
		p.metrics.EnrichmentRequest(string(provider), "hit")
	}

	if !outcome.gotData {
		return outcome, nil
	}

	// Stamped after the provider calls, which may have included a quota
	// window wait.
	now := p.now()
	ind.LastSeen = now
	ind.UpdatedAt = now
	scoring.Apply(ind, now)
	if err := p.store.UpdateByID(ctx, ind); err != nil {
		outcome.gotData = false
		return outcome, fmt.Errorf("persisting enrichment: %w", err)
	}
	p.logger.Debug("Enriched indicator",
		zap.String("value", ind.Value), zap.Int("score", ind.Score),
		zap.String("severity", string(ind.Severity)))
	return outcome, nil
}

func (p *Enrichment) logQuota() {
	for provider, st := range p.quota.StatusAll() {
		p.logger.Info("Provider quota",
			zap.String("provider", string(provider)),
			zap.Int("minute_remaining", st.MinuteRemaining),
			zap.Int("daily_remaining", st.DailyRemaining))
		if st.HasMinuteLimit {
			p.metrics.SetQuotaRemaining(string(provider), "minute", st.MinuteRemaining)
		}
		p.metrics.SetQuotaRemaining(string(provider), "day", st.DailyRemaining)
	}
}

func (p *Enrichment) fail(ctx context.Context, rec *store.RunRecord, summary *EnrichmentSummary, cause error) error {
	p.finalize(ctx, rec, summary, store.RunStatusFailed, cause.Error())
	p.logger.Error("Bulk enrichment failed", zap.Error(cause))
	return cause
}

func (p *Enrichment) finalize(ctx context.Context, rec *store.RunRecord, summary *EnrichmentSummary, status store.RunStatus, errMsg string) {
	finished := p.now()
	summary.DurationSeconds = finished.Sub(rec.StartedAt).Seconds()

	rec.Status = status
	rec.FinishedAt = finished
	rec.ProcessedCount = summary.ProcessedCount
	rec.EnrichedCount = summary.EnrichedCount
	rec.SkippedCount = summary.SkippedCount
	rec.ErrorCount = summary.ErrorCount
	rec.TotalCandidates = summary.TotalCandidates
	rec.DurationSeconds = summary.DurationSeconds
	rec.Error = errMsg

	if err := p.runs.Finalize(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.Error("Failed to finalize run record", zap.String("run_id", rec.ID), zap.Error(err))
	}
	p.metrics.RunFinished("enrichment", string(status), summary.DurationSeconds)
}

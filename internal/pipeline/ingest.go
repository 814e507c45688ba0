// Package pipeline implements the two batch pipelines at the heart of
// vortex: feed ingestion (merge feed rows into the deduplicated indicator
// store) and enrichment (augment stored indicators with external
// reputation data under hard API quotas). Both are bounded by wall-clock
// execution budgets and record an audit RunRecord per execution.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pentoshi007/vortex/internal/feed"
	"github.com/pentoshi007/vortex/internal/ioc"
	"github.com/pentoshi007/vortex/internal/observability"
	"github.com/pentoshi007/vortex/internal/scoring"
	"github.com/pentoshi007/vortex/internal/store"
)

// IngestionConfig tunes the ingestion pipeline. Batch size affects
// round-trip efficiency only, never correctness; the execution budget and
// record cap bound a single run for time-boxed environments.
type IngestionConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	MaxRecords   int           `yaml:"max_records"`
	MaxExecution time.Duration `yaml:"max_execution"`
}

// DefaultIngestionConfig returns sensible defaults.
func DefaultIngestionConfig() IngestionConfig {
	return IngestionConfig{
		BatchSize:    50,
		MaxRecords:   1000,
		MaxExecution: 5 * time.Minute,
	}
}

// IngestionSummary is the caller-visible result of one ingestion run.
type IngestionSummary struct {
	RunID           string  `json:"run_id"`
	FetchedCount    int     `json:"fetched_count"`
	NewCount        int     `json:"new_count"`
	UpdatedCount    int     `json:"updated_count"`
	ErrorCount      int     `json:"error_count"`
	DurationSeconds float64 `json:"duration_seconds"`
	StoppedEarly    bool    `json:"stopped_early"`
}

// Ingestion streams feed rows into the indicator store.
type Ingestion struct {
	source  feed.Source
	store   store.IndicatorStore
	runs    store.RunStore
	config  IngestionConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewIngestion creates the ingestion pipeline.
func NewIngestion(source feed.Source, st store.IndicatorStore, runs store.RunStore, cfg IngestionConfig, logger *zap.Logger, metrics *observability.Metrics) *Ingestion {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Ingestion{
		source:  source,
		store:   st,
		runs:    runs,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Run executes one ingestion pass. The trigger label ("cron", "manual",
// ...) is recorded on the run record. Early stop on the execution budget
// or the record cap still completes the run; only pipeline-level failures
// (feed unreachable, context canceled) finalize it as failed and surface
// an error.
func (p *Ingestion) Run(ctx context.Context, trigger string) (*IngestionSummary, error) {
	start := p.now()
	rec := &store.RunRecord{
		ID:        uuid.NewString(),
		Operation: "ingestion",
		Source:    trigger,
		Status:    store.RunStatusRunning,
		StartedAt: start,
	}
	if err := p.runs.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating run record: %w", err)
	}

	summary := &IngestionSummary{RunID: rec.ID}
	p.logger.Info("Starting feed ingestion",
		zap.String("feed", p.source.Name()),
		zap.String("trigger", trigger),
		zap.Duration("max_execution", p.config.MaxExecution),
		zap.Int("max_records", p.config.MaxRecords))

	it, err := p.source.Open(ctx)
	if err != nil {
		return nil, p.fail(ctx, rec, summary, err)
	}
	defer it.Close()

	batch := make([]feed.Row, 0, p.config.BatchSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, p.fail(ctx, rec, summary, err)
		}
		if p.config.MaxExecution > 0 && p.now().Sub(start) >= p.config.MaxExecution {
			p.logger.Warn("Execution budget reached, stopping ingestion early",
				zap.Duration("elapsed", p.now().Sub(start)))
			summary.StoppedEarly = true
			break
		}

		row, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, p.fail(ctx, rec, summary, fmt.Errorf("reading feed: %w", err))
		}

		summary.FetchedCount++

		if p.validRow(row) {
			batch = append(batch, row)
			if len(batch) >= p.config.BatchSize {
				p.flush(ctx, batch, summary)
				batch = batch[:0]
			}
		}

		if p.config.MaxRecords > 0 && summary.FetchedCount >= p.config.MaxRecords {
			p.logger.Info("Record cap reached, stopping ingestion",
				zap.Int("max_records", p.config.MaxRecords))
			summary.StoppedEarly = true
			break
		}
	}

	if len(batch) > 0 {
		p.flush(ctx, batch, summary)
	}

	p.finalize(ctx, rec, summary, store.RunStatusCompleted, "")
	p.logger.Info("Feed ingestion completed",
		zap.Int("fetched", summary.FetchedCount),
		zap.Int("new", summary.NewCount),
		zap.Int("updated", summary.UpdatedCount),
		zap.Int("errors", summary.ErrorCount),
		zap.Bool("stopped_early", summary.StoppedEarly),
		zap.Float64("duration_seconds", summary.DurationSeconds))
	return summary, nil
}

// validRow keeps active http(s) URLs and drops everything else.
func (p *Ingestion) validRow(row feed.Row) bool {
	return row.Online() && strings.HasPrefix(row.URL, "http")
}

// flush merges one batch into the store. Batch-level store failures are
// counted against every row in the batch and swallowed; the run goes on.
func (p *Ingestion) flush(ctx context.Context, batch []feed.Row, summary *IngestionSummary) {
	// Deduplicate within the batch so a URL repeated in one fetch cannot
	// race its own insert. The first occurrence wins; later duplicates
	// only contribute tags.
	deduped := make([]feed.Row, 0, len(batch))
	byURL := make(map[string]int, len(batch))
	for _, row := range batch {
		if idx, ok := byURL[row.URL]; ok {
			deduped[idx].Tags = append(deduped[idx].Tags, row.Tags...)
			continue
		}
		byURL[row.URL] = len(deduped)
		deduped = append(deduped, row)
	}

	values := make([]string, len(deduped))
	for i, row := range deduped {
		values[i] = row.URL
	}

	existing, err := p.store.FindByKeysBatch(ctx, ioc.TypeURL, values)
	if err != nil {
		p.logger.Error("Batch existence lookup failed", zap.Int("batch", len(deduped)), zap.Error(err))
		summary.ErrorCount += len(deduped)
		p.metrics.IngestedRows("error", len(deduped))
		return
	}

	now := p.now()
	feedName := p.source.Name()
	ops := make([]store.BulkOp, 0, len(deduped))

	for _, row := range deduped {
		if ind, ok := existing[row.URL]; ok {
			ind.TouchSource(feedName, "Reporter: "+row.Reporter, now)
			ind.AddTags(feedName)
			ind.AddTags(row.Tags...)
			ind.LastSeen = now
			ind.UpdatedAt = now
			scoring.Apply(ind, now)
			ops = append(ops, store.BulkOp{Update: ind})
			continue
		}

		ind := &ioc.Indicator{
			Type:  ioc.TypeURL,
			Value: row.URL,
			Sources: []ioc.Source{{
				Name:      feedName,
				FirstSeen: now,
				LastSeen:  now,
				Ref:       "Reporter: " + row.Reporter,
			}},
			FirstSeen: now,
			LastSeen:  now,
			CreatedAt: now,
			UpdatedAt: now,
		}
		ind.ID = ind.Key()
		ind.AddTags(feedName)
		ind.AddTags(row.Tags...)
		scoring.Apply(ind, now)
		ops = append(ops, store.BulkOp{Insert: ind})
	}

	result, err := p.store.BulkWrite(ctx, ops)
	if err != nil {
		p.logger.Error("Batch write failed", zap.Int("batch", len(ops)), zap.Error(err))
		summary.ErrorCount += len(ops)
		p.metrics.IngestedRows("error", len(ops))
		return
	}

	summary.NewCount += result.Inserted
	summary.UpdatedCount += result.Updated
	summary.ErrorCount += result.Failed
	p.metrics.IngestedRows("new", result.Inserted)
	p.metrics.IngestedRows("updated", result.Updated)
	p.metrics.IngestedRows("error", result.Failed)
	for _, opErr := range result.Errors {
		p.logger.Warn("Bulk write op rejected", zap.Error(opErr))
	}
}

// fail finalizes the run record as failed and returns the causing error.
func (p *Ingestion) fail(ctx context.Context, rec *store.RunRecord, summary *IngestionSummary, cause error) error {
	p.finalize(ctx, rec, summary, store.RunStatusFailed, cause.Error())
	p.logger.Error("Feed ingestion failed", zap.Error(cause),
		zap.Int("fetched", summary.FetchedCount),
		zap.Int("new", summary.NewCount),
		zap.Int("updated", summary.UpdatedCount))
	return cause
}

func (p *Ingestion) finalize(ctx context.Context, rec *store.RunRecord, summary *IngestionSummary, status store.RunStatus, errMsg string) {
	finished := p.now()
	summary.DurationSeconds = finished.Sub(rec.StartedAt).Seconds()

	rec.Status = status
	rec.FinishedAt = finished
	rec.FetchedCount = summary.FetchedCount
	rec.NewCount = summary.NewCount
	rec.UpdatedCount = summary.UpdatedCount
	rec.ErrorCount = summary.ErrorCount
	rec.DurationSeconds = summary.DurationSeconds
	rec.Error = errMsg

	// Finalization must not mask the run outcome; a failed audit write is
	// logged and dropped.
	if err := p.runs.Finalize(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.Error("Failed to finalize run record", zap.String("run_id", rec.ID), zap.Error(err))
	}
	p.metrics.RunFinished("ingestion", string(status), summary.DurationSeconds)
}

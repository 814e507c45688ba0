// Package api exposes the HTTP admin surface: pipeline triggers, quota
// and run inspection, on-demand lookups, and health probes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pentoshi007/vortex/internal/observability"
	"github.com/pentoshi007/vortex/internal/pipeline"
	"github.com/pentoshi007/vortex/internal/quota"
	"github.com/pentoshi007/vortex/internal/scheduler"
	"github.com/pentoshi007/vortex/internal/store"
)

// Pinger is the readiness contract a store backend satisfies.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP routes to the pipelines.
type Server struct {
	scheduler  *scheduler.Scheduler
	enrichment *pipeline.Enrichment
	store      store.IndicatorStore
	runs       store.RunStore
	quota      *quota.Tracker
	pinger     Pinger
	metrics    *observability.Metrics
	logger     *zap.Logger
	version    string
}

// NewServer creates the HTTP surface.
func NewServer(sched *scheduler.Scheduler, enr *pipeline.Enrichment, st store.IndicatorStore, runs store.RunStore, tracker *quota.Tracker, pinger Pinger, metrics *observability.Metrics, logger *zap.Logger, version string) *Server {
	return &Server{
		scheduler:  sched,
		enrichment: enr,
		store:      st,
		runs:       runs,
		quota:      tracker,
		pinger:     pinger,
		metrics:    metrics,
		logger:     logger,
		version:    version,
	}
}

// Router builds the chi router with the full route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/ingest", s.handleIngest)
		r.Post("/enrich", s.handleEnrich)
		r.Post("/lookup", s.handleLookup)
		r.Get("/quota", s.handleQuota)
		r.Get("/runs", s.handleRuns)
		r.Get("/stats", s.handleStats)
	})

	return r
}

// extendWriteDeadline lifts the server's write timeout for handlers that
// run a pipeline inline; a run can legitimately outlast the deadline
// sized for the read-only routes. Not every ResponseWriter supports
// deadlines (test recorders do not), so the error is ignored.
func extendWriteDeadline(w http.ResponseWriter) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": s.version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleIngest triggers a feed ingestion run. The run executes inline so
// the caller gets the summary; a run already in flight answers 409.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	extendWriteDeadline(w)
	summary, started, err := s.scheduler.TriggerIngestion(r.Context())
	if !started {
		s.writeError(w, http.StatusConflict, "ingestion already running")
		return
	}
	if err != nil {
		s.logger.Error("Manual ingestion failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   err.Error(),
			"summary": summary,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

type enrichRequest struct {
	MaxItems            int `json:"max_items"`
	MaxExecutionSeconds int `json:"max_execution_seconds"`
}

// handleEnrich triggers a bulk enrichment run, optionally overriding the
// item and time budgets.
func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	extendWriteDeadline(w)
	var req enrichRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	summary, started, err := s.scheduler.TriggerEnrichment(r.Context(),
		req.MaxItems, time.Duration(req.MaxExecutionSeconds)*time.Second)
	if !started {
		s.writeError(w, http.StatusConflict, "enrichment already running")
		return
	}
	if err != nil {
		s.logger.Error("Manual enrichment failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   err.Error(),
			"summary": summary,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

type lookupRequest struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// handleLookup enriches a single indicator on demand and upserts it.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Value == "" {
		s.writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	result, err := s.enrichment.EnrichOne(r.Context(), req.Type, req.Value)
	if err != nil {
		s.logger.Warn("Lookup failed",
			zap.String("value", req.Value), zap.Error(err))
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.quota.StatusAll())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = n
	}

	recent, err := s.runs.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list runs", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"runs":  recent,
		"count": len(recent),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	total, err := s.store.CountAll(r.Context())
	if err != nil {
		s.logger.Error("Failed to count indicators", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to count indicators")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"indicators": total,
	})
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rackoot/racky.app-sub003/internal/config"
	"github.com/rackoot/racky.app-sub003/internal/cooldown"
	"github.com/rackoot/racky.app-sub003/internal/filter"
	"github.com/rackoot/racky.app-sub003/internal/health"
	"github.com/rackoot/racky.app-sub003/internal/jobs"
	"github.com/rackoot/racky.app-sub003/internal/models"
	"github.com/rackoot/racky.app-sub003/internal/ratelimit"
	"github.com/rackoot/racky.app-sub003/internal/store"
	"github.com/rackoot/racky.app-sub003/internal/telemetry"
)

// Server wires the HTTP surface: submission, status polling, cancellation,
// ledger reads and operator health.
type Server struct {
	cfg     config.Config
	store   *store.Store
	manager *jobs.Manager
	gate    *cooldown.Gate
	monitor *health.Monitor
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, m *jobs.Manager, g *cooldown.Gate, mon *health.Monitor, limiter *ratelimit.TokenBucket) *Server {
	return &Server{cfg: cfg, store: st, manager: m, gate: g, monitor: mon, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleStatus)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/jobs/{id}/timeline", s.handleTimeline)
	r.Get("/events/recent", s.handleRecentEvents)
	r.Get("/stats/performance", s.handlePerformance)
	r.Get("/stats/errors", s.handleErrors)
	r.Get("/health", s.handleHealth)
	r.Get("/health/queues/{queue}/trend", s.handleTrend)
	r.Get("/health/queues/{queue}/performance", s.handlePerformanceTrend)
	return r
}

type submitRequest struct {
	JobTypeFamily  string                `json:"jobTypeFamily"`
	ConnectionID   string                `json:"connectionId"`
	MarketplaceID  string                `json:"marketplaceId"`
	Filters        *filter.ProductFilter `json:"filters"`
	ProductIDs     []string              `json:"productIds"`
	ProductID      string                `json:"productId"`
	Fields         map[string]string     `json:"fields"`
	PromptTemplate string                `json:"promptTemplate"`
	Priority       int                   `json:"priority"`
	MaxAttempts    int                   `json:"maxAttempts"`
	BatchSize      int                   `json:"batchSize"`
}

type submitResponse struct {
	JobID   string                 `json:"jobId"`
	Status  string                 `json:"status"`
	Skipped []cooldown.Eligibility `json:"skipped,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ConnectionID == "" {
		writeError(w, http.StatusBadRequest, "connectionId is required")
		return
	}
	tenant := tenantFromRequest(r)

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+tenant)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "submission rate limited")
			return
		}
	}

	var (
		sub     jobs.SubmitRequest
		skipped []cooldown.Eligibility
	)
	sub.TenantID = tenant
	sub.UserID = r.Header.Get("X-User-ID")
	sub.Priority = req.Priority
	sub.MaxAttempts = req.MaxAttempts
	if sub.MaxAttempts == 0 {
		sub.MaxAttempts = s.cfg.MaxAttempts
	}

	switch req.JobTypeFamily {
	case "sync":
		var pf filter.ProductFilter
		if req.Filters != nil {
			pf = *req.Filters
		}
		normalized := filter.Normalize(pf)
		if normalized.ExcludesAll() {
			writeError(w, http.StatusBadRequest, jobs.ErrEmptyFilter.Error())
			return
		}
		sub.Type = models.TypeSyncParent
		sub.ScopeRef = req.ConnectionID + "|" + req.MarketplaceID
		sub.Payload = models.SyncParentPayload{
			ConnectionID:  req.ConnectionID,
			MarketplaceID: req.MarketplaceID,
			Filter:        normalized,
			BatchSize:     req.BatchSize,
		}

	case "scan":
		if len(req.ProductIDs) == 0 {
			writeError(w, http.StatusBadRequest, "productIds is required for scans")
			return
		}
		eligible, blocked, err := s.gate.PartitionByEligibility(r.Context(), tenant, req.ProductIDs)
		if err != nil {
			var allBlocked *cooldown.AllBlockedError
			if errors.As(err, &allBlocked) {
				telemetry.CooldownRejects.Inc()
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":   allBlocked.Error(),
					"blocked": allBlocked.Blocked,
				})
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		skipped = blocked
		sub.Type = models.TypeScanParent
		sub.ScopeRef = req.ConnectionID
		sub.Payload = models.ScanParentPayload{
			ConnectionID:   req.ConnectionID,
			ProductIDs:     eligible,
			PromptTemplate: req.PromptTemplate,
			BatchSize:      req.BatchSize,
		}

	case "single_update":
		if req.ProductID == "" {
			writeError(w, http.StatusBadRequest, "productId is required for single updates")
			return
		}
		sub.Type = models.TypeSingleUpdate
		sub.ScopeRef = req.ConnectionID + "|" + req.ProductID
		sub.Payload = models.SingleUpdatePayload{
			ConnectionID:  req.ConnectionID,
			MarketplaceID: req.MarketplaceID,
			ProductID:     req.ProductID,
			Fields:        req.Fields,
		}

	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown jobTypeFamily %q", req.JobTypeFamily))
		return
	}

	job, err := s.manager.Submit(r.Context(), sub)
	if err != nil {
		var conflict *jobs.ConflictError
		if errors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"existingJobId": conflict.ExistingJobID,
				"status":        conflict.Status,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: job.Status, Skipped: skipped})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.manager.GetStatus(r.Context(), chi.URLParam(r, "id"), tenantFromRequest(r))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.manager.Cancel(r.Context(), chi.URLParam(r, "id"), tenantFromRequest(r))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.manager.Timeline(r.Context(), chi.URLParam(r, "id"), tenantFromRequest(r))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	var kinds []string
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		kinds = strings.Split(raw, ",")
	}
	events, err := s.store.RecentEvents(r.Context(), tenantFromRequest(r), limit, kinds)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-time.Duration(queryInt(r, "hours", 24)) * time.Hour)
	metrics, err := s.store.TenantPerformance(r.Context(), tenantFromRequest(r), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-time.Duration(queryInt(r, "hours", 24)) * time.Hour)
	groups, err := s.store.ErrorAnalysis(r.Context(), tenantFromRequest(r), since, 10)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": groups})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overview, err := s.monitor.Overall(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var alerts []string
	for _, snap := range overview.PerQueue {
		for _, issue := range snap.Issues {
			alerts = append(alerts, snap.Queue+": "+issue)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"overall":  overview.Overall,
		"perQueue": overview.PerQueue,
		"alerts":   alerts,
	})
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.monitor.Trend(r.Context(), chi.URLParam(r, "queue"), queryInt(r, "hours", 24))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trend": snaps})
}

func (s *Server) handlePerformanceTrend(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.monitor.PerformanceTrend(r.Context(), chi.URLParam(r, "queue"), queryInt(r, "hours", 24))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hourly": buckets})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"automation-engine/internal/audit"
	"automation-engine/internal/config"
	"automation-engine/internal/engine"
	"automation-engine/internal/models"
	"automation-engine/internal/ratelimit"
	"automation-engine/internal/store"
	"automation-engine/internal/telemetry"
)

// Server wires the control-plane HTTP handlers: event ingestion, workflow
// definitions, approval decisions, and job/audit inspection.
type Server struct {
	cfg     config.Config
	store   store.Store
	engine  *engine.Engine
	chain   *audit.Chain
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil in tests.
func New(cfg config.Config, st store.Store, eng *engine.Engine, chain *audit.Chain, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		engine:  eng,
		chain:   chain,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/events", s.handleEvent)
	r.Post("/workflows", s.handleCreateWorkflow)
	r.Get("/workflows", s.handleListWorkflows)
	r.Get("/executions/{id}", s.handleGetExecution)
	r.Post("/approvals/{id}/approve", s.decisionHandler(models.DecisionApproved))
	r.Post("/approvals/{id}/deny", s.decisionHandler(models.DecisionDenied))
	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancelJob)
	r.Get("/audit/verify", s.handleVerifyAudit)
	return r
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if ev.Tenant == "" {
		ev.Tenant = tenantFromRequest(r)
	}
	if ev.Type == "" || ev.Entity.Type == "" || ev.Entity.ID == "" {
		http.Error(w, "type and entity are required", http.StatusBadRequest)
		return
	}
	if ev.Actor == "" {
		ev.Actor = "api"
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+ev.Tenant)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	executions, err := s.engine.HandleEvent(r.Context(), ev)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"executions": executions})
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf models.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if wf.Tenant == "" {
		wf.Tenant = tenantFromRequest(r)
	}
	if wf.Name == "" || wf.TriggerType == "" {
		http.Error(w, "name and trigger_type are required", http.StatusBadRequest)
		return
	}
	created, err := s.store.CreateWorkflow(r.Context(), wf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.store.ListWorkflows(r.Context(), tenantFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "execution not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type decisionRequest struct {
	DecidedBy string `json:"decided_by"`
}

func (s *Server) decisionHandler(decision string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.DecidedBy == "" {
			http.Error(w, "decided_by is required", http.StatusBadRequest)
			return
		}
		apr, err := s.engine.Decide(r.Context(), chi.URLParam(r, "id"), decision, req.DecidedBy)
		switch {
		case errors.Is(err, models.ErrNotFound):
			http.Error(w, "approval not found", http.StatusNotFound)
			return
		case errors.Is(err, models.ErrRaceLost):
			// Already decided or expired; a late decision never reopens it.
			http.Error(w, "approval already resolved", http.StatusConflict)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, apr)
	}
}

type enqueueRequest struct {
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	RunAt        *time.Time     `json:"run_at"`
	DelaySeconds int            `json:"delay_seconds"`
	MaxAttempts  int            `json:"max_attempts"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	runAt := time.Now()
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}

	job, err := s.store.EnqueueJob(r.Context(), store.EnqueueParams{
		Tenant:      tenantFromRequest(r),
		Type:        req.Type,
		Payload:     req.Payload,
		RunAt:       runAt,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.CancelJob(r.Context(), id)
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
		return
	case errors.Is(err, models.ErrRaceLost):
		http.Error(w, "job is no longer pending", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled})
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	ok, firstBroken, err := s.chain.Verify(r.Context(), tenant)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := map[string]any{"valid": ok}
	if !ok {
		resp["first_broken_sequence"] = firstBroken
	}
	writeJSON(w, http.StatusOK, resp)
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("tenant"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// Package api exposes job submission and management over HTTP for
// upstream collaborators (webhook handlers, manual triggers) and
// operational tooling.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"email-triage/internal/config"
	"email-triage/internal/models"
	"email-triage/internal/rules"
	"email-triage/internal/telemetry"
	"email-triage/internal/worker"
)

// Ingestor accepts normalized emails into the triage pipeline.
type Ingestor interface {
	Add(ctx context.Context, email models.EmailMessage) error
}

// Server wires the HTTP handlers.
type Server struct {
	cfg      config.Config
	pool     *worker.Pool
	rules    *rules.Engine
	pipeline Ingestor
	log      *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, pool *worker.Pool, engine *rules.Engine, pipeline Ingestor, log *zap.Logger) *Server {
	return &Server{cfg: cfg, pool: pool, rules: engine, pipeline: pipeline, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Delete("/jobs/{id}", s.handleRemoveJob)
	r.Post("/jobs/{id}/retry", s.handleRetryJob)
	r.Get("/stats", s.handleStats)
	r.Get("/deadletter", s.handleDeadLetter)
	r.Get("/workers", s.handleWorkers)

	r.Post("/triage/emails", s.handleIngest)

	r.Get("/rules", s.handleListRules)
	r.Post("/rules", s.handleCreateRule)
	r.Put("/rules/{id}", s.handleUpdateRule)
	r.Delete("/rules/{id}", s.handleDeleteRule)

	return r
}

type submitRequest struct {
	Type         models.JobType  `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	DelaySeconds int             `json:"delay_seconds"`
	MaxRetries   int             `json:"max_retries"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	subjectID := subjectFromRequest(r)
	if subjectID == "" {
		http.Error(w, "X-Subject-ID header is required", http.StatusBadRequest)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	payload, err := decodePayload(req.Type, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.pool.Submit(payload, worker.SubmitOptions{
		Priority:   req.Priority,
		Delay:      time.Duration(req.DelaySeconds) * time.Second,
		MaxRetries: req.MaxRetries,
		SubjectID:  subjectID,
	})
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "submit failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func decodePayload(t models.JobType, raw json.RawMessage) (models.JobPayload, error) {
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}
	switch t {
	case models.JobEmailScoring:
		var p models.ScoringPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errors.New("invalid scoring payload")
		}
		return p, nil
	case models.JobEmailSummarization:
		var p models.SummarizationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errors.New("invalid summarization payload")
		}
		return p, nil
	case models.JobWebhookProcessing:
		var p models.WebhookPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errors.New("invalid webhook payload")
		}
		return p, nil
	}
	return nil, errors.New("unknown job type")
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.pool.Queue().Get(id)
	// A job owned by another subject is indistinguishable from a missing one.
	if !ok || job.SubjectID != subjectFromRequest(r) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.pool.Queue().Get(id)
	if !ok || job.SubjectID != subjectFromRequest(r) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	removed := s.pool.Queue().Remove(id)
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.pool.Queue().Get(id)
	if !ok || job.SubjectID != subjectFromRequest(r) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	retried := s.pool.Queue().Retry(id)
	writeJSON(w, http.StatusOK, map[string]bool{"retried": retried})
}

// handleStats returns partition counts only; no per-job detail leaks
// across subjects.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Queue().Stats())
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	subjectID := subjectFromRequest(r)
	var items []models.Job
	for _, j := range s.pool.Queue().DeadLetters() {
		if j.SubjectID == subjectID {
			items = append(items, j)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": s.pool.ActiveWorkers()})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := s.pool.Health()
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// handleIngest buffers one normalized email into the batch pipeline.
// This is the entry point the mail-sync service posts to.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	subjectID := subjectFromRequest(r)
	if subjectID == "" {
		http.Error(w, "X-Subject-ID header is required", http.StatusBadRequest)
		return
	}
	var email models.EmailMessage
	if err := json.NewDecoder(r.Body).Decode(&email); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if email.ID == "" {
		http.Error(w, "email id is required", http.StatusBadRequest)
		return
	}
	email.SubjectID = subjectID
	if err := s.pipeline.Add(r.Context(), email); err != nil {
		http.Error(w, "triage pipeline unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	subjectID := subjectFromRequest(r)
	if subjectID == "" {
		http.Error(w, "X-Subject-ID header is required", http.StatusBadRequest)
		return
	}
	loaded, err := s.rules.LoadRules(r.Context(), subjectID)
	if err != nil {
		http.Error(w, "load rules failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": loaded})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	subjectID := subjectFromRequest(r)
	if subjectID == "" {
		http.Error(w, "X-Subject-ID header is required", http.StatusBadRequest)
		return
	}
	var rule models.AutomationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	rule.SubjectID = subjectID
	id, err := s.rules.CreateRule(r.Context(), rule)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "create rule failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"rule_id": id})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	subjectID := subjectFromRequest(r)
	if subjectID == "" {
		http.Error(w, "X-Subject-ID header is required", http.StatusBadRequest)
		return
	}
	var rule models.AutomationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	rule.ID = chi.URLParam(r, "id")
	rule.SubjectID = subjectID
	if err := s.rules.UpdateRule(r.Context(), rule); err != nil {
		switch {
		case errors.Is(err, models.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, models.ErrNotFound):
			http.Error(w, "rule not found", http.StatusNotFound)
		default:
			http.Error(w, "update rule failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	subjectID := subjectFromRequest(r)
	if subjectID == "" {
		http.Error(w, "X-Subject-ID header is required", http.StatusBadRequest)
		return
	}
	if err := s.rules.DeleteRule(r.Context(), subjectID, chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "rule not found", http.StatusNotFound)
			return
		}
		http.Error(w, "delete rule failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func subjectFromRequest(r *http.Request) string {
	return r.Header.Get("X-Subject-ID")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

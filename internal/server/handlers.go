package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/liidi/scoutd/internal/models"
	"github.com/liidi/scoutd/internal/scheduler"
	"github.com/liidi/scoutd/internal/storage/sqlite"
)

var validate = validator.New()

// SubmitJobRequest is the JSON body accepted by POST /jobs, validated with
// go-playground/validator tags the way the teacher's schema structs are
// (internal/workers/processing/signal_analysis_schema.go).
type SubmitJobRequest struct {
	Kind        models.JobKind `json:"kind" validate:"required,oneof=company_research person_research scoring conversation company_profile_research"`
	EntityID    int64          `json:"entity_id" validate:"required"`
	EntityLabel string         `json:"entity_label" validate:"required"`
	Prompt      string         `json:"prompt" validate:"required"`
	Model       string         `json:"model"`
}

// SubmitJobHandler validates and admits a new job, returning its id.
func (s *Server) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, "validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	if existing, err := s.app.Store.Jobs().GetActiveJobForEntity(r.Context(), req.EntityID, req.Kind); err == nil && existing != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"id": existing.ID, "status": string(existing.Status)})
		return
	}

	paths := scheduler.BuildJobPaths(s.app.Config.DataDir, req.Kind, req.EntityID, req.EntityLabel)

	rollback := scheduler.GuardOptions{EntityID: req.EntityID, Rollback: false}
	switch req.Kind {
	case models.JobKindCompanyResearch, models.JobKindCompanyProfileResearch:
		rollback = scheduler.GuardOptions{EntityID: req.EntityID, EntityType: models.EntityTypeLead, Rollback: true}
	case models.JobKindPersonResearch:
		rollback = scheduler.GuardOptions{EntityID: req.EntityID, EntityType: models.EntityTypePerson, Rollback: true}
	}

	jobID, err := s.app.Queue.Submit(r.Context(), scheduler.SubmitRequest{
		Kind:        req.Kind,
		EntityID:    req.EntityID,
		EntityLabel: req.EntityLabel,
		Prompt:      req.Prompt,
		Model:       req.Model,
		Paths:       paths,
		Rollback:    rollback,
	})
	if err != nil {
		http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": jobID})
}

// ListJobsHandler returns the most recent jobs, newest first.
func (s *Server) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	jobs, err := s.app.Store.Jobs().GetRecentJobs(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

// GetJobHandler returns one job by id.
func (s *Server) GetJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.app.Store.Jobs().GetJob(r.Context(), jobID)
	if errors.Is(err, sqlite.ErrJobNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "failed to get job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if job == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetJobLogsHandler returns a job's log lines after an optional
// after_sequence cursor, capped by an optional limit.
func (s *Server) GetJobLogsHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	var after int64 = -1
	if v := r.URL.Query().Get("after_sequence"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			after = parsed
		}
	}
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	logs, err := s.app.Store.JobLogs().GetJobLogs(r.Context(), jobID, after, limit)
	if err != nil {
		http.Error(w, "failed to get job logs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, logs)
}

// CancelJobHandler cancels an active job. Cancellation is idempotent: a
// job that is not currently active reports not found rather than erroring
// (SPEC_FULL.md §4/§5).
func (s *Server) CancelJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if ok := s.app.Queue.Cancel(jobID); !ok {
		http.Error(w, "job not active", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

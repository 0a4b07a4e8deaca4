package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/newswire/scrapequeue/internal/jobs"
	"github.com/newswire/scrapequeue/internal/scrape"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	submission, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submission)
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	info, err := s.jobs.Status(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) getJobResults(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	results, err := s.jobs.Results(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	removed, err := s.jobs.Cancel(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":        jobID,
		"status":        scrape.JobCancelled,
		"removed_tasks": removed,
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, skip, err := parseLimitSkip(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *scrape.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status_filter")); raw != "" {
		parsed, parseErr := parseJobStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	infos, err := s.jobs.List(r.Context(), status, limit, skip)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": infos})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scrape.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, scrape.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scrape.ErrConflict):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func parseLimitSkip(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxListLimit {
			val = maxListLimit
		}
		limit = val
	}
	skip := 0
	if raw := q.Get("skip"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid skip")
		}
		skip = val
	}
	return limit, skip, nil
}

func parseJobStatus(raw string) (scrape.JobStatus, error) {
	status := scrape.JobStatus(strings.ToUpper(raw))
	switch status {
	case scrape.JobPending, scrape.JobInProgress, scrape.JobCompleted, scrape.JobFailed, scrape.JobCancelled:
		return status, nil
	default:
		return "", errors.New("invalid status_filter")
	}
}

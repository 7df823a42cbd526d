package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"align/internal/api"
)

const (
	defaultJobsLimit = 20
	maxJobsLimit     = 100
)

// JobLister lists scraped job postings.
type JobLister interface {
	ListJobs(ctx context.Context, skip, limit int) ([]api.Job, error)
}

// JobsHandler exposes the job listing.
type JobsHandler struct {
	jobs   JobLister
	logger *slog.Logger
}

// NewJobsHandler returns a handler backed by jobs.
func NewJobsHandler(jobs JobLister, logger *slog.Logger) *JobsHandler {
	return &JobsHandler{jobs: jobs, logger: logger}
}

// List returns a page of jobs.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := parsePage(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := h.jobs.ListJobs(r.Context(), skip, limit)
	if err != nil {
		if !errors.Is(err, api.ErrJobsUnavailable) {
			h.logger.Error("list jobs", "error", err)
		}
		writeError(w, http.StatusBadGateway, api.JobsUnavailableMessage)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func parsePage(values url.Values) (int, int, error) {
	skip := 0
	if raw := strings.TrimSpace(values.Get("skip")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, errors.New("skip must be a non-negative integer")
		}
		skip = v
	}

	limit := defaultJobsLimit
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		if v > maxJobsLimit {
			v = maxJobsLimit
		}
		limit = v
	}
	return skip, limit, nil
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voyagetools/sheetbridge/internal/cache"
	"github.com/voyagetools/sheetbridge/internal/pkg/logger"
	"github.com/voyagetools/sheetbridge/internal/progress"
	"github.com/voyagetools/sheetbridge/internal/sheets"
	"github.com/voyagetools/sheetbridge/internal/syncer"
)

// SheetLister is the slice of the sheet client the API needs for
// request validation and metadata.
type SheetLister interface {
	ListSheets(ctx context.Context, spreadsheetID string) ([]sheets.SheetInfo, error)
}

// JobRunner runs a sync job to completion.
type JobRunner interface {
	Run(ctx context.Context, job syncer.Job) (*syncer.Summary, error)
}

// Handlers contains all HTTP handlers.
type Handlers struct {
	runner  JobRunner
	lister  SheetLister
	store   *progress.Store
	cache   *cache.Cache
	started time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(runner JobRunner, lister SheetLister, store *progress.Store, c *cache.Cache) *Handlers {
	return &Handlers{
		runner:  runner,
		lister:  lister,
		store:   store,
		cache:   c,
		started: time.Now(),
	}
}

// HealthCheck reports liveness and cache stats.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.started).String(),
	}
	if h.cache != nil {
		body["cache"] = h.cache.Stats()
	}
	respondJSON(w, http.StatusOK, body)
}

// StartSync accepts a job, launches it in the background, and returns
// the job id for progress polling.
func (h *Handlers) StartSync(w http.ResponseWriter, r *http.Request) {
	var job syncer.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if job.SpreadsheetID == "" || job.SheetName == "" || job.TargetTable == "" {
		respondError(w, http.StatusBadRequest, "spreadsheet_id, sheet_name and target_table are required")
		return
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	// The job outlives the request; it carries its own timeouts.
	go func() {
		if _, err := h.runner.Run(context.Background(), job); err != nil {
			logger.Error("sync job failed", "job_id", job.ID, "error", err.Error())
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

// GetSyncProgress returns the latest snapshot for a job.
func (h *Handlers) GetSyncProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	snap, err := h.store.GetProgress(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "reading progress: "+err.Error())
		return
	}
	if snap == nil {
		respondError(w, http.StatusNotFound, "unknown job: "+jobID)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// GetSheets lists sheet metadata for a spreadsheet so the dashboard
// can offer tab names before a sync starts.
func (h *Handlers) GetSheets(w http.ResponseWriter, r *http.Request) {
	spreadsheetID := chi.URLParam(r, "spreadsheetID")
	infos, err := h.lister.ListSheets(r.Context(), spreadsheetID)
	if err != nil {
		respondError(w, sheetErrorStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"spreadsheet_id": spreadsheetID,
		"sheets":         infos,
	})
}

func sheetErrorStatus(err error) int {
	switch {
	case errors.Is(err, sheets.ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, sheets.ErrMalformedRange):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

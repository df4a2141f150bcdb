package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/store"
)

// RedeployLookup reads queued redeploy jobs.
type RedeployLookup interface {
	Get(ctx context.Context, jobID string) (*models.RedeployJob, error)
}

// RedeployHandler exposes the state of webhook-triggered redeploys.
type RedeployHandler struct {
	services store.ServiceStore
	jobs     RedeployLookup
	logger   *slog.Logger
}

// NewRedeployHandler creates a new redeploy handler.
func NewRedeployHandler(services store.ServiceStore, jobs RedeployLookup, logger *slog.Logger) *RedeployHandler {
	return &RedeployHandler{services: services, jobs: jobs, logger: logger}
}

// Get handles GET /v1/redeploys/{jobID}.
func (h *RedeployHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if _, err := loadService(r.Context(), h.services, job.ServiceID, actor(r), false); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/keelhost/control-plane/internal/domains"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/store"
)

// DomainManager runs the domain lifecycle.
type DomainManager interface {
	Create(ctx context.Context, serviceID, createdBy, name string, port int) (*models.Domain, error)
	Get(ctx context.Context, id string) (*models.Domain, error)
	List(ctx context.Context, serviceID string) ([]*models.Domain, error)
	Verify(ctx context.Context, id string, skip bool) (*domains.VerifyResult, error)
	Activate(ctx context.Context, id string) (*models.Domain, error)
	Delete(ctx context.Context, id string) (*models.CleanupReport, error)
}

// DomainHandler handles domain-related HTTP requests.
type DomainHandler struct {
	services store.ServiceStore
	domains  DomainManager
	logger   *slog.Logger
}

// NewDomainHandler creates a new domain handler.
func NewDomainHandler(services store.ServiceStore, dm DomainManager, logger *slog.Logger) *DomainHandler {
	return &DomainHandler{
		services: services,
		domains:  dm,
		logger:   logger,
	}
}

// CreateDomainRequest represents the request body for adding a domain.
type CreateDomainRequest struct {
	Domain string `json:"domain"`
	Port   int    `json:"port"`
}

// VerifyDomainRequest is the optional body of a verify call.
type VerifyDomainRequest struct {
	SkipVerification bool `json:"skip_verification"`
}

// Create handles POST /v1/services/{serviceID}/domains.
func (h *DomainHandler) Create(w http.ResponseWriter, r *http.Request) {
	svc, err := loadService(r.Context(), h.services, chi.URLParam(r, "serviceID"), actor(r), true)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	var req CreateDomainRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	d, err := h.domains.Create(r.Context(), svc.ID, actor(r).ID, req.Domain, req.Port)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, d)
}

// List handles GET /v1/services/{serviceID}/domains.
func (h *DomainHandler) List(w http.ResponseWriter, r *http.Request) {
	svc, err := loadService(r.Context(), h.services, chi.URLParam(r, "serviceID"), actor(r), false)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	list, err := h.domains.List(r.Context(), svc.ID)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []*models.Domain{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"domains": list})
}

// Get handles GET /v1/domains/{domainID}.
func (h *DomainHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.load(r, false)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

// Verify handles POST /v1/domains/{domainID}/verify.
func (h *DomainHandler) Verify(w http.ResponseWriter, r *http.Request) {
	d, err := h.load(r, true)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	var req VerifyDomainRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			WriteError(w, r, h.logger, err)
			return
		}
	}

	res, err := h.domains.Verify(r.Context(), d.ID, req.SkipVerification)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Activate handles POST /v1/domains/{domainID}/activate.
func (h *DomainHandler) Activate(w http.ResponseWriter, r *http.Request) {
	d, err := h.load(r, true)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	out, err := h.domains.Activate(r.Context(), d.ID)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

// Delete handles DELETE /v1/domains/{domainID}.
func (h *DomainHandler) Delete(w http.ResponseWriter, r *http.Request) {
	d, err := h.load(r, true)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	report, err := h.domains.Delete(r.Context(), d.ID)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, cleanupResponse(report))
}

// load fetches the domain and checks access through its owning service.
func (h *DomainHandler) load(r *http.Request, mutate bool) (*models.Domain, error) {
	d, err := h.domains.Get(r.Context(), chi.URLParam(r, "domainID"))
	if err != nil {
		return nil, err
	}
	if _, err := loadService(r.Context(), h.services, d.ServiceID, actor(r), mutate); err != nil {
		return nil, err
	}
	return d, nil
}

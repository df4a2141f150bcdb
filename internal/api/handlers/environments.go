package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/keelhost/control-plane/internal/deploy"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/store"
)

// EnvironmentManager edits the named environment sets of a service.
type EnvironmentManager interface {
	List(ctx context.Context, serviceID string) ([]deploy.EnvironmentView, error)
	Create(ctx context.Context, serviceID, name string, vars map[string]string) (*models.Service, error)
	Update(ctx context.Context, serviceID, name string, vars map[string]string) (*models.Service, error)
	Delete(ctx context.Context, serviceID, name string) (*models.Service, error)
	SetActive(ctx context.Context, serviceID, name string) (*models.Service, error)
}

// EnvironmentHandler handles environment HTTP requests. Variables may hold secrets,
// so every route requires mutate rights on the service.
type EnvironmentHandler struct {
	services store.ServiceStore
	envs     EnvironmentManager
	logger   *slog.Logger
}

// NewEnvironmentHandler creates a new environment handler.
func NewEnvironmentHandler(services store.ServiceStore, envs EnvironmentManager, logger *slog.Logger) *EnvironmentHandler {
	return &EnvironmentHandler{services: services, envs: envs, logger: logger}
}

// EnvironmentRequest is the body of environment create and update calls.
type EnvironmentRequest struct {
	Name string            `json:"name"`
	Vars map[string]string `json:"vars"`
}

// List handles GET /v1/services/{serviceID}/environments.
func (h *EnvironmentHandler) List(w http.ResponseWriter, r *http.Request) {
	svc, err := loadService(r.Context(), h.services, chi.URLParam(r, "serviceID"), actor(r), true)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	views, err := h.envs.List(r.Context(), svc.ID)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"environments": views, "active": svc.ActiveEnvironment})
}

// Create handles POST /v1/services/{serviceID}/environments.
func (h *EnvironmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req EnvironmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	h.mutate(w, r, func(ctx context.Context, id string) (*models.Service, error) {
		return h.envs.Create(ctx, id, req.Name, req.Vars)
	}, http.StatusCreated)
}

// Update handles PUT /v1/services/{serviceID}/environments/{name}.
func (h *EnvironmentHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req EnvironmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	name := chi.URLParam(r, "name")
	h.mutate(w, r, func(ctx context.Context, id string) (*models.Service, error) {
		return h.envs.Update(ctx, id, name, req.Vars)
	}, http.StatusOK)
}

// Delete handles DELETE /v1/services/{serviceID}/environments/{name}.
func (h *EnvironmentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.mutate(w, r, func(ctx context.Context, id string) (*models.Service, error) {
		return h.envs.Delete(ctx, id, name)
	}, http.StatusOK)
}

// Activate handles POST /v1/services/{serviceID}/environments/{name}/activate.
func (h *EnvironmentHandler) Activate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.mutate(w, r, func(ctx context.Context, id string) (*models.Service, error) {
		return h.envs.SetActive(ctx, id, name)
	}, http.StatusOK)
}

func (h *EnvironmentHandler) mutate(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*models.Service, error), status int) {
	svc, err := loadService(r.Context(), h.services, chi.URLParam(r, "serviceID"), actor(r), true)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	out, err := fn(r.Context(), svc.ID)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, status, out)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/keelhost/control-plane/internal/auth"
	"github.com/keelhost/control-plane/internal/deploy"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/store"
)

// Lifecycle drives service state transitions.
type Lifecycle interface {
	Start(ctx context.Context, id string) (*models.Service, error)
	Stop(ctx context.Context, id string) (*models.Service, error)
	Restart(ctx context.Context, id string) (*models.Service, error)
	Reload(ctx context.Context, id string) (*models.Service, error)
	Delete(ctx context.Context, id string) (*models.CleanupReport, error)
}

// StatusReconciler refreshes persisted status from the supervisor's live table.
type StatusReconciler interface {
	Reconcile(ctx context.Context, services []*models.Service) ([]*models.Service, error)
	ReconcileOne(ctx context.Context, svc *models.Service) (*models.Service, error)
}

// ServiceHandler handles service-related HTTP requests.
type ServiceHandler struct {
	services   store.ServiceStore
	tokens     store.TokenStore
	lifecycle  Lifecycle
	reconciler StatusReconciler
	logger     *slog.Logger
}

// NewServiceHandler creates a new service handler.
func NewServiceHandler(services store.ServiceStore, tokens store.TokenStore, lifecycle Lifecycle, reconciler StatusReconciler, logger *slog.Logger) *ServiceHandler {
	return &ServiceHandler{
		services:   services,
		tokens:     tokens,
		lifecycle:  lifecycle,
		reconciler: reconciler,
		logger:     logger,
	}
}

// CreateServiceRequest represents the request body for creating a service.
type CreateServiceRequest struct {
	Name              string                       `json:"name"`
	RepoURL           string                       `json:"repo_url"`
	Branch            string                       `json:"branch"`
	Subdirectory      string                       `json:"subdirectory"`
	Script            string                       `json:"script"`
	Args              []string                     `json:"args"`
	UsePackageManager bool                         `json:"use_package_manager"`
	Environments      map[string]map[string]string `json:"environments"`
	ActiveEnvironment string                       `json:"active_environment"`
	Visibility        models.Visibility            `json:"visibility"`
	TokenID           string                       `json:"token_id"`
	NodeVersion       string                       `json:"node_version"`
	Instances         int                          `json:"instances"`
	Autostart         bool                         `json:"autostart"`
}

// UpdateServiceRequest represents a partial update. Absent fields are unchanged.
type UpdateServiceRequest struct {
	Name              *string            `json:"name"`
	RepoURL           *string            `json:"repo_url"`
	Branch            *string            `json:"branch"`
	Subdirectory      *string            `json:"subdirectory"`
	Script            *string            `json:"script"`
	Args              *[]string          `json:"args"`
	UsePackageManager *bool              `json:"use_package_manager"`
	Visibility        *models.Visibility `json:"visibility"`
	TokenID           *string            `json:"token_id"`
	NodeVersion       *string            `json:"node_version"`
	Instances         *int               `json:"instances"`
	Autostart         *bool              `json:"autostart"`
}

// Create handles POST /v1/services.
func (h *ServiceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateServiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	a := actor(r)
	svc := &models.Service{
		Name:              strings.TrimSpace(req.Name),
		RepoURL:           strings.TrimSpace(req.RepoURL),
		Branch:            strings.TrimSpace(req.Branch),
		Subdirectory:      req.Subdirectory,
		Script:            req.Script,
		Args:              req.Args,
		UsePackageManager: req.UsePackageManager,
		Visibility:        req.Visibility,
		OwnerID:           a.ID,
		TokenID:           req.TokenID,
		NodeVersion:       req.NodeVersion,
		Instances:         req.Instances,
		Autostart:         req.Autostart,
		Status:            models.ServiceStatusStopped,
	}
	if svc.Visibility == "" {
		svc.Visibility = models.VisibilityPrivate
	}
	for _, name := range sortedKeys(req.Environments) {
		if err := svc.AddEnvironment(name, req.Environments[name]); err != nil {
			WriteError(w, r, h.logger, err)
			return
		}
	}
	if req.ActiveEnvironment != "" {
		if err := svc.SetActiveEnvironment(req.ActiveEnvironment); err != nil {
			WriteError(w, r, h.logger, fmt.Errorf("%w: active environment %q is not defined", models.ErrValidation, req.ActiveEnvironment))
			return
		}
	}
	if err := svc.Validate(); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if err := h.checkToken(r, a, svc.TokenID); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	if err := h.services.Create(r.Context(), svc); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	h.logger.Info("service created", "service_id", svc.ID, "name", svc.Name, "owner_id", a.ID)
	WriteJSON(w, http.StatusCreated, svc)
}

// List handles GET /v1/services. Statuses are reconciled with the supervisor first.
func (h *ServiceHandler) List(w http.ResponseWriter, r *http.Request) {
	all, err := h.services.List(r.Context())
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	a := actor(r)
	visible := make([]*models.Service, 0, len(all))
	for _, svc := range all {
		if auth.CanRead(a, svc) == nil {
			visible = append(visible, svc)
		}
	}

	out, err := h.reconciler.Reconcile(r.Context(), visible)
	if err != nil {
		h.logger.Warn("serving unreconciled statuses", "error", err)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"services": out})
}

// Get handles GET /v1/services/{serviceID}.
func (h *ServiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	svc, err := h.load(r, false)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	out, err := h.reconciler.ReconcileOne(r.Context(), svc)
	if err != nil {
		h.logger.Warn("serving unreconciled status", "service_id", svc.ID, "error", err)
	}
	WriteJSON(w, http.StatusOK, out)
}

// Update handles PATCH /v1/services/{serviceID}.
func (h *ServiceHandler) Update(w http.ResponseWriter, r *http.Request) {
	svc, err := h.load(r, true)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	var req UpdateServiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	if req.Name != nil {
		svc.Name = strings.TrimSpace(*req.Name)
	}
	if req.RepoURL != nil {
		svc.RepoURL = strings.TrimSpace(*req.RepoURL)
	}
	if req.Branch != nil {
		svc.Branch = strings.TrimSpace(*req.Branch)
	}
	if req.Subdirectory != nil {
		svc.Subdirectory = *req.Subdirectory
	}
	if req.Script != nil {
		svc.Script = *req.Script
	}
	if req.Args != nil {
		svc.Args = *req.Args
	}
	if req.UsePackageManager != nil {
		svc.UsePackageManager = *req.UsePackageManager
	}
	if req.Visibility != nil {
		svc.Visibility = *req.Visibility
	}
	if req.NodeVersion != nil {
		svc.NodeVersion = *req.NodeVersion
	}
	if req.Instances != nil {
		svc.Instances = *req.Instances
	}
	if req.Autostart != nil {
		svc.Autostart = *req.Autostart
	}
	if req.TokenID != nil && *req.TokenID != svc.TokenID {
		if err := h.checkToken(r, actor(r), *req.TokenID); err != nil {
			WriteError(w, r, h.logger, err)
			return
		}
		svc.TokenID = *req.TokenID
	}

	if err := svc.Validate(); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if err := h.services.Update(r.Context(), svc); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	h.logger.Info("service updated", "service_id", svc.ID)
	WriteJSON(w, http.StatusOK, svc)
}

// Delete handles DELETE /v1/services/{serviceID}.
func (h *ServiceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	svc, err := h.load(r, true)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	report, err := h.lifecycle.Delete(r.Context(), svc.ID)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, cleanupResponse(report))
}

// Start handles POST /v1/services/{serviceID}/start.
func (h *ServiceHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.lifecycle.Start)
}

// Stop handles POST /v1/services/{serviceID}/stop.
func (h *ServiceHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.lifecycle.Stop)
}

// Restart handles POST /v1/services/{serviceID}/restart.
func (h *ServiceHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.lifecycle.Restart)
}

// Reload handles POST /v1/services/{serviceID}/reload.
func (h *ServiceHandler) Reload(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.lifecycle.Reload)
}

// action runs a lifecycle operation. An operation that has nothing to act on is
// reported as not applied rather than as an error.
func (h *ServiceHandler) action(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*models.Service, error)) {
	svc, err := h.load(r, true)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	out, err := op(r.Context(), svc.ID)
	if errors.Is(err, deploy.ErrNoProcess) {
		if out == nil {
			out = svc
		}
		WriteJSON(w, http.StatusOK, OperationResponse{Applied: false, Message: "Service has no running process", Service: out})
		return
	}
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, OperationResponse{Applied: true, Service: out})
}

// load fetches the service named in the URL and checks the actor may read it, or
// mutate it when mutate is set.
func (h *ServiceHandler) load(r *http.Request, mutate bool) (*models.Service, error) {
	return loadService(r.Context(), h.services, chi.URLParam(r, "serviceID"), actor(r), mutate)
}

func (h *ServiceHandler) checkToken(r *http.Request, a auth.Actor, tokenID string) error {
	if tokenID == "" {
		return nil
	}
	token, err := h.tokens.Get(r.Context(), tokenID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: source token %s", models.ErrValidation, tokenID)
		}
		return err
	}
	return auth.CanUseToken(a, token)
}

func loadService(ctx context.Context, services store.ServiceStore, id string, a auth.Actor, mutate bool) (*models.Service, error) {
	svc, err := services.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: service %s", models.ErrNotFound, id)
		}
		return nil, err
	}
	check := auth.CanRead
	if mutate {
		check = auth.CanMutate
	}
	if err := check(a, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

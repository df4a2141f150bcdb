package deploy

import (
	"context"
	"log/slog"

	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/store"
)

// EnvironmentView is an environment as returned to callers.
type EnvironmentView struct {
	Name   string            `json:"name"`
	Vars   map[string]string `json:"vars"`
	Active bool              `json:"active"`
}

// Environments edits the named environment sets of a service.
type Environments struct {
	services store.ServiceStore
	logger   *slog.Logger
}

// NewEnvironments creates the environment operations.
func NewEnvironments(services store.ServiceStore, logger *slog.Logger) *Environments {
	if logger == nil {
		logger = slog.Default()
	}
	return &Environments{services: services, logger: logger.With("component", "environments")}
}

// List returns the environments of a service sorted by name.
func (e *Environments) List(ctx context.Context, serviceID string) ([]EnvironmentView, error) {
	svc, err := e.services.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return views(svc), nil
}

// Create adds an environment. The first environment becomes active.
func (e *Environments) Create(ctx context.Context, serviceID, name string, vars map[string]string) (*models.Service, error) {
	return e.mutate(ctx, serviceID, func(svc *models.Service) error {
		return svc.AddEnvironment(name, vars)
	})
}

// Update replaces the variables of an environment.
func (e *Environments) Update(ctx context.Context, serviceID, name string, vars map[string]string) (*models.Service, error) {
	return e.mutate(ctx, serviceID, func(svc *models.Service) error {
		return svc.UpdateEnvironment(name, vars)
	})
}

// Delete removes an environment, promoting another one when it was active.
func (e *Environments) Delete(ctx context.Context, serviceID, name string) (*models.Service, error) {
	return e.mutate(ctx, serviceID, func(svc *models.Service) error {
		return svc.RemoveEnvironment(name)
	})
}

// SetActive designates the environment the next start or reload uses.
func (e *Environments) SetActive(ctx context.Context, serviceID, name string) (*models.Service, error) {
	return e.mutate(ctx, serviceID, func(svc *models.Service) error {
		return svc.SetActiveEnvironment(name)
	})
}

// mutate loads, edits and saves the service. Version conflicts surface as ErrBusy
// so the caller can retry with fresh data.
func (e *Environments) mutate(ctx context.Context, serviceID string, fn func(*models.Service) error) (*models.Service, error) {
	svc, err := e.services.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if err := fn(svc); err != nil {
		return nil, err
	}
	if err := e.services.Update(ctx, svc); err != nil {
		return nil, err
	}
	e.logger.Debug("environments updated", "service_id", svc.ID, "active", svc.ActiveEnvironment)
	return svc, nil
}

func views(svc *models.Service) []EnvironmentView {
	names := svc.EnvironmentNames()
	out := make([]EnvironmentView, 0, len(names))
	for _, n := range names {
		out = append(out, EnvironmentView{Name: n, Vars: svc.Environments[n], Active: n == svc.ActiveEnvironment})
	}
	return out
}

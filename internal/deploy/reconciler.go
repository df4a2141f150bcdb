package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/keelhost/control-plane/internal/lock"
	"github.com/keelhost/control-plane/internal/metrics"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/store"
	"github.com/keelhost/control-plane/internal/supervisor"
)

// InterruptedPipeline is recorded on a service left building by a pipeline that
// never finished, e.g. because the control plane restarted mid-run.
const InterruptedPipeline = "pipeline interrupted before the process started"

// Reconciler syncs persisted service status with the supervisor's live process table.
type Reconciler struct {
	services   store.ServiceStore
	supervisor supervisor.ProcessSupervisor
	locker     lock.Locker
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewReconciler creates a reconciler. locker may be nil; when set, services whose
// lock is held by a running pipeline are reported as stored and left alone, and a
// building service without a handle whose lock is free is recognised as the
// leftover of an interrupted pipeline.
func NewReconciler(services store.ServiceStore, sup supervisor.ProcessSupervisor, locker lock.Locker, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		services:   services,
		supervisor: sup,
		locker:     locker,
		metrics:    m,
		logger:     logger.With("component", "reconciler"),
	}
}

// Reconcile queries the supervisor once and adjusts each service in place.
// Only services whose status or handle changed are persisted. When the
// supervisor cannot be queried the services are returned unchanged with the error.
func (r *Reconciler) Reconcile(ctx context.Context, services []*models.Service) ([]*models.Service, error) {
	if len(services) == 0 {
		return services, nil
	}
	procs, err := r.supervisor.List(ctx)
	if err != nil {
		return services, fmt.Errorf("listing supervisor processes: %w", err)
	}
	live := supervisor.Index(procs)

	for i, svc := range services {
		next := *svc
		changed := Apply(&next, live)
		if r.locker != nil && next.Status == models.ServiceStatusBuilding && !next.HasHandle() {
			// Persisted only if the lock is free, i.e. no pipeline is running.
			next.MarkStopped()
			next.LastError = InterruptedPipeline
			changed = true
		}
		if !changed {
			continue
		}
		saved, ok := r.save(ctx, &next)
		if !ok {
			continue
		}
		r.logger.Info("service status reconciled",
			"service_id", svc.ID,
			"from", svc.Status,
			"to", saved.Status,
		)
		r.metrics.ReconcileChange(string(saved.Status))
		services[i] = saved
	}
	return services, nil
}

// ReconcileOne reconciles a single service.
func (r *Reconciler) ReconcileOne(ctx context.Context, svc *models.Service) (*models.Service, error) {
	out, err := r.Reconcile(ctx, []*models.Service{svc})
	return out[0], err
}

// Apply reconciles svc against the live table and reports whether it changed.
//
// A handle found in the table adopts the live status (online or errored). A handle
// missing from the table means the process vanished: the handle is cleared and the
// service is stopped. Without a handle the service cannot be online; building and
// errored are kept.
func Apply(svc *models.Service, live map[string]supervisor.Process) bool {
	before := svc.Status
	hadHandle := svc.HasHandle()

	switch {
	case hadHandle:
		proc, ok := live[*svc.ProcessHandle]
		switch {
		case !ok:
			svc.MarkStopped()
		case proc.Status == supervisor.StatusOnline:
			if svc.Status != models.ServiceStatusOnline {
				svc.MarkOnline(proc.Handle)
			}
		default:
			if svc.Status != models.ServiceStatusErrored {
				svc.MarkErrored(fmt.Sprintf("process %s is %s", proc.Handle, proc.Status))
			}
		}
	case svc.Status == models.ServiceStatusOnline:
		svc.MarkStopped()
	}

	return svc.Status != before || svc.HasHandle() != hadHandle
}

func (r *Reconciler) save(ctx context.Context, svc *models.Service) (*models.Service, bool) {
	if r.locker != nil {
		release, err := r.locker.TryLock(ctx, lock.ServiceKey(svc.ID))
		if err != nil {
			if !errors.Is(err, models.ErrBusy) {
				r.logger.Warn("reconcile lock failed", "service_id", svc.ID, "error", err)
			}
			return nil, false
		}
		defer release()
	}
	if err := r.services.Update(ctx, svc); err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			r.logger.Debug("skipping reconcile of concurrently modified service", "service_id", svc.ID)
		} else {
			r.logger.Warn("failed to persist reconciled status", "service_id", svc.ID, "error", err)
		}
		return nil, false
	}
	return svc, true
}

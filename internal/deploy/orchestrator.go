// Package deploy drives the service state machine: it composes the fetcher, build
// pipeline and process supervisor into start/reload, owns stop/restart/delete and
// reconciles persisted status against the supervisor's live process table.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/keelhost/control-plane/internal/build"
	"github.com/keelhost/control-plane/internal/events"
	"github.com/keelhost/control-plane/internal/fetch"
	"github.com/keelhost/control-plane/internal/lock"
	"github.com/keelhost/control-plane/internal/metrics"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/pipeline"
	"github.com/keelhost/control-plane/internal/store"
	"github.com/keelhost/control-plane/internal/supervisor"
)

// Step names, as reported in LastError and pipeline events.
const (
	StepFetch           = "fetch"
	StepEnvFile         = "env-file"
	StepInstall         = "install"
	StepBuild           = "build"
	StepSupervisorStart = "supervisor-start"
	StepSupervisorStop  = "supervisor-stop"
	StepRestart         = "supervisor-restart"
	StepReload          = "supervisor-reload"
)

// ErrNoProcess is returned by operations that need a live process when the service has none.
var ErrNoProcess = fmt.Errorf("%w: service has no live process", models.ErrPrecondition)

// Fetcher syncs a working copy.
type Fetcher interface {
	Sync(ctx context.Context, src fetch.Source, dest string) (*fetch.Result, error)
}

// Builder prepares a working directory for running.
type Builder interface {
	WriteEnvFile(dir string, vars map[string]string) (string, error)
	Install(ctx context.Context, dir, nodeVersion string) error
	Build(ctx context.Context, dir, nodeVersion string) error
	ResolveStart(svc *models.Service, dir string) build.StartCommand
}

// Credentials resolves stored tokens and removes external webhooks.
type Credentials interface {
	ResolveToken(ctx context.Context, tokenID string) (string, error)
	DeleteWebhook(ctx context.Context, token, repoURL, externalID string) error
}

// DomainCleaner removes every domain of a service along with its proxy artifacts.
type DomainCleaner interface {
	DeleteAllForService(ctx context.Context, serviceID string) (*models.CleanupReport, error)
}

// Config holds orchestrator settings.
type Config struct {
	// WorkspaceDir holds one working copy per service, named by service id.
	WorkspaceDir string

	FetchTimeout      time.Duration
	InstallTimeout    time.Duration
	BuildTimeout      time.Duration
	SupervisorTimeout time.Duration

	// BaseEnv is merged under every service's active environment.
	BaseEnv map[string]string
}

// Deps are the orchestrator's collaborators. Events, Metrics and Domains are optional.
type Deps struct {
	Services    store.ServiceStore
	Fetcher     Fetcher
	Builder     Builder
	Supervisor  supervisor.ProcessSupervisor
	Credentials Credentials
	Locker      lock.Locker
	Domains     DomainCleaner
	Events      *events.Broker
	Metrics     *metrics.Metrics
}

// Orchestrator is the service lifecycle orchestrator.
type Orchestrator struct {
	Deps
	cfg        Config
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewMemoryLocker()
	}
	return &Orchestrator{
		Deps:       deps,
		cfg:        cfg,
		reconciler: NewReconciler(deps.Services, deps.Supervisor, deps.Locker, deps.Metrics, logger),
		logger:     logger.With("component", "orchestrator"),
	}
}

// Reconciler returns the reconciler sharing this orchestrator's collaborators.
func (o *Orchestrator) Reconciler() *Reconciler { return o.reconciler }

// CheckoutPath is the working copy location of a service.
func (o *Orchestrator) CheckoutPath(svc *models.Service) string {
	return filepath.Join(o.cfg.WorkspaceDir, svc.ID)
}

// Start fetches, builds and launches the service under its active environment.
func (o *Orchestrator) Start(ctx context.Context, id string) (*models.Service, error) {
	release, err := o.Locker.TryLock(ctx, lock.ServiceKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	svc, err := o.Services.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc.Status == models.ServiceStatusOnline {
		return nil, fmt.Errorf("%w: service %s is already online", models.ErrPrecondition, svc.Name)
	}
	vars, err := svc.ActiveEnv()
	if err != nil {
		return nil, err
	}

	svc, err = o.persist(ctx, svc, func(s *models.Service) { s.MarkBuilding() })
	if err != nil {
		return nil, err
	}
	log := o.logger.With("service_id", svc.ID, "service", svc.Name, "environment", svc.ActiveEnvironment)
	log.Info("starting service")

	// The pipeline outlives the request that triggered it.
	runCtx := context.WithoutCancel(ctx)

	var dir, handle string
	steps := o.prepareSteps(svc, vars, &dir)
	steps = append(steps, pipeline.Step{
		Name:    StepSupervisorStart,
		Timeout: o.cfg.SupervisorTimeout,
		Run: func(ctx context.Context) error {
			start := o.Builder.ResolveStart(svc, dir)
			h, err := o.Supervisor.Start(ctx, supervisor.ProcessSpec{
				Name:        svc.ProcessName(),
				Script:      start.Script,
				Args:        start.Args,
				Interpreter: start.Interpreter,
				Cwd:         dir,
				Env:         MergeEnvVars(o.cfg.BaseEnv, vars),
				Instances:   svc.Instances,
			})
			handle = h
			return err
		},
	})

	res := pipeline.Run(runCtx, steps, o.pipelineOptions(svc, "start", log))
	if !res.OK() {
		return o.fail(runCtx, svc, res, log)
	}

	svc, err = o.persist(runCtx, svc, func(s *models.Service) { s.MarkOnline(handle) })
	if err != nil {
		log.Error("process started but status could not be persisted", "handle", handle, "error", err)
		return nil, err
	}
	log.Info("service online", "handle", handle)
	return svc, nil
}

// Stop terminates the live process. It returns ErrNoProcess when there is none.
func (o *Orchestrator) Stop(ctx context.Context, id string) (*models.Service, error) {
	release, err := o.Locker.TryLock(ctx, lock.ServiceKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	svc, err := o.Services.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !svc.HasHandle() {
		return svc, ErrNoProcess
	}
	log := o.logger.With("service_id", svc.ID, "service", svc.Name)
	handle := *svc.ProcessHandle

	runCtx := context.WithoutCancel(ctx)
	res := pipeline.Run(runCtx, []pipeline.Step{{
		Name:    StepSupervisorStop,
		Timeout: o.cfg.SupervisorTimeout,
		Run:     func(ctx context.Context) error { return o.Supervisor.Stop(ctx, handle) },
	}}, o.pipelineOptions(svc, "stop", log))
	if !res.OK() {
		return o.fail(runCtx, svc, res, log)
	}

	svc, err = o.persist(runCtx, svc, func(s *models.Service) { s.MarkStopped() })
	if err != nil {
		return nil, err
	}
	log.Info("service stopped", "handle", handle)
	return svc, nil
}

// Restart restarts the live process in place.
func (o *Orchestrator) Restart(ctx context.Context, id string) (*models.Service, error) {
	release, err := o.Locker.TryLock(ctx, lock.ServiceKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	svc, err := o.Services.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !svc.HasHandle() {
		return svc, ErrNoProcess
	}
	log := o.logger.With("service_id", svc.ID, "service", svc.Name)
	handle := *svc.ProcessHandle

	runCtx := context.WithoutCancel(ctx)
	res := pipeline.Run(runCtx, []pipeline.Step{{
		Name:    StepRestart,
		Timeout: o.cfg.SupervisorTimeout,
		Run:     func(ctx context.Context) error { return o.Supervisor.Restart(ctx, handle) },
	}}, o.pipelineOptions(svc, "restart", log))
	if !res.OK() {
		return o.fail(runCtx, svc, res, log)
	}
	return o.persist(runCtx, svc, func(s *models.Service) { s.MarkOnline(handle) })
}

// Reload re-runs fetch, env file, install and build, then gracefully reloads the
// live process with the active environment.
func (o *Orchestrator) Reload(ctx context.Context, id string) (*models.Service, error) {
	release, err := o.Locker.TryLock(ctx, lock.ServiceKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	svc, err := o.Services.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !svc.HasHandle() {
		return svc, ErrNoProcess
	}
	vars, err := svc.ActiveEnv()
	if err != nil {
		return nil, err
	}
	log := o.logger.With("service_id", svc.ID, "service", svc.Name, "environment", svc.ActiveEnvironment)
	handle := *svc.ProcessHandle
	log.Info("reloading service", "handle", handle)

	runCtx := context.WithoutCancel(ctx)
	var dir string
	steps := o.prepareSteps(svc, vars, &dir)
	steps = append(steps, pipeline.Step{
		Name:    StepReload,
		Timeout: o.cfg.SupervisorTimeout,
		Run: func(ctx context.Context) error {
			return o.Supervisor.Reload(ctx, handle, MergeEnvVars(o.cfg.BaseEnv, vars))
		},
	})

	res := pipeline.Run(runCtx, steps, o.pipelineOptions(svc, "reload", log))
	if !res.OK() {
		return o.fail(runCtx, svc, res, log)
	}
	return o.persist(runCtx, svc, func(s *models.Service) { s.MarkOnline(handle) })
}

// Delete stops the live process, removes the external webhook, domains and working
// copy, then deletes the record. Only failing to stop the process or to delete
// records aborts; the remaining cleanup is best-effort and reported as warnings.
func (o *Orchestrator) Delete(ctx context.Context, id string) (*models.CleanupReport, error) {
	release, err := o.Locker.TryLock(ctx, lock.ServiceKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	svc, err := o.Services.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	log := o.logger.With("service_id", svc.ID, "service", svc.Name)
	ctx = context.WithoutCancel(ctx)
	report := &models.CleanupReport{}

	if svc.HasHandle() {
		if err := o.stopIfLive(ctx, *svc.ProcessHandle); err != nil {
			return nil, fmt.Errorf("stopping process before delete: %w", err)
		}
	}

	if svc.WebhookEnabled && svc.WebhookID != "" {
		if err := o.removeWebhook(ctx, svc); err != nil {
			log.Warn("failed to remove external webhook", "webhook_id", svc.WebhookID, "error", err)
			report.Warn("remove webhook %s: %v", svc.WebhookID, err)
		}
	}

	if o.Domains != nil {
		domains, err := o.Domains.DeleteAllForService(ctx, svc.ID)
		if err != nil {
			return nil, fmt.Errorf("deleting domains: %w", err)
		}
		report.Merge(domains)
	}

	if err := o.Services.Delete(ctx, svc.ID); err != nil {
		return nil, err
	}

	if o.cfg.WorkspaceDir != "" {
		if err := os.RemoveAll(o.CheckoutPath(svc)); err != nil {
			log.Warn("failed to remove working copy", "error", err)
			report.Warn("remove working copy: %v", err)
		}
	}

	log.Info("service deleted", "warnings", len(report.Warnings))
	return report, nil
}

// StartAutostart reconciles every service, then starts the autostart services that are
// not online. Individual failures are logged; it returns how many services started.
func (o *Orchestrator) StartAutostart(ctx context.Context) (int, error) {
	services, err := o.Services.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing services: %w", err)
	}
	services, err = o.reconciler.Reconcile(ctx, services)
	if err != nil {
		o.logger.Warn("reconcile before autostart failed", "error", err)
	}

	started := 0
	for _, svc := range services {
		if !svc.Autostart || svc.Status == models.ServiceStatusOnline {
			continue
		}
		if _, err := o.Start(ctx, svc.ID); err != nil {
			o.logger.Error("autostart failed", "service_id", svc.ID, "service", svc.Name, "error", err)
			continue
		}
		started++
	}
	o.logger.Info("autostart complete", "started", started)
	return started, nil
}

func (o *Orchestrator) prepareSteps(svc *models.Service, vars map[string]string, dir *string) []pipeline.Step {
	checkout := o.CheckoutPath(svc)
	return []pipeline.Step{
		{
			Name:    StepFetch,
			Timeout: o.cfg.FetchTimeout,
			Run: func(ctx context.Context) error {
				token, err := o.Credentials.ResolveToken(ctx, svc.TokenID)
				if err != nil {
					return err
				}
				res, err := o.Fetcher.Sync(ctx, fetch.Source{RepoURL: svc.RepoURL, Branch: svc.Branch, Token: token}, checkout)
				if err != nil {
					return err
				}
				wd, err := build.WorkDir(res.Path, svc.Subdirectory)
				if err != nil {
					return err
				}
				*dir = wd
				return nil
			},
		},
		{
			Name: StepEnvFile,
			Run: func(ctx context.Context) error {
				_, err := o.Builder.WriteEnvFile(*dir, vars)
				return err
			},
		},
		{
			Name:    StepInstall,
			Timeout: o.cfg.InstallTimeout,
			Run: func(ctx context.Context) error {
				return o.Builder.Install(ctx, *dir, svc.NodeVersion)
			},
		},
		{
			Name:    StepBuild,
			Timeout: o.cfg.BuildTimeout,
			Run: func(ctx context.Context) error {
				if !svc.UsePackageManager {
					return pipeline.Skip
				}
				ok, err := build.HasBuildScript(*dir)
				if err != nil {
					return err
				}
				if !ok {
					return pipeline.Skip
				}
				return o.Builder.Build(ctx, *dir, svc.NodeVersion)
			},
		},
	}
}

func (o *Orchestrator) pipelineOptions(svc *models.Service, name string, log *slog.Logger) pipeline.Options {
	opts := pipeline.Options{Name: name, Logger: log}
	if o.Events != nil {
		opts.Observers = append(opts.Observers, events.NewObserver(o.Events, svc.ID, name))
	}
	if o.Metrics != nil {
		opts.Observers = append(opts.Observers, o.Metrics.Pipeline(name))
	}
	return opts
}

// fail records a pipeline failure as errored and returns the step error.
func (o *Orchestrator) fail(ctx context.Context, svc *models.Service, res *pipeline.Result, log *slog.Logger) (*models.Service, error) {
	reason := res.Err.Error()
	log.Error("pipeline failed", "step", res.FailedStep, "error", res.Err)
	if _, err := o.persist(ctx, svc, func(s *models.Service) { s.MarkErrored(reason) }); err != nil {
		log.Error("failed to persist errored status", "error", err)
	}
	return nil, fmt.Errorf("%s: %w", svc.Name, res.Err)
}

// persist applies mutate and saves. On a version conflict the latest record is
// reloaded and mutate re-applied, so concurrent field edits are kept.
func (o *Orchestrator) persist(ctx context.Context, svc *models.Service, mutate func(*models.Service)) (*models.Service, error) {
	const attempts = 3
	for i := 0; ; i++ {
		mutate(svc)
		err := o.Services.Update(ctx, svc)
		if err == nil {
			return svc, nil
		}
		if !errors.Is(err, store.ErrConcurrentModification) || i == attempts-1 {
			return nil, fmt.Errorf("saving service %s: %w", svc.ID, err)
		}
		fresh, getErr := o.Services.Get(ctx, svc.ID)
		if getErr != nil {
			return nil, fmt.Errorf("reloading service %s: %w", svc.ID, getErr)
		}
		svc = fresh
	}
}

func (o *Orchestrator) stopIfLive(ctx context.Context, handle string) error {
	ctx, cancel := o.supervisorContext(ctx)
	defer cancel()
	procs, err := o.Supervisor.List(ctx)
	if err != nil {
		return err
	}
	if _, ok := supervisor.Index(procs)[handle]; !ok {
		return nil
	}
	return o.Supervisor.Stop(ctx, handle)
}

func (o *Orchestrator) removeWebhook(ctx context.Context, svc *models.Service) error {
	token, err := o.Credentials.ResolveToken(ctx, svc.TokenID)
	if err != nil {
		return err
	}
	return o.Credentials.DeleteWebhook(ctx, token, svc.RepoURL, svc.WebhookID)
}

func (o *Orchestrator) supervisorContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.SupervisorTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.SupervisorTimeout)
	}
	return context.WithCancel(ctx)
}

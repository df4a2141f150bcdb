package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/keelhost/control-plane/internal/build"
	"github.com/keelhost/control-plane/internal/command"
	"github.com/keelhost/control-plane/internal/events"
	"github.com/keelhost/control-plane/internal/fetch"
	"github.com/keelhost/control-plane/internal/lock"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/store"
	"github.com/keelhost/control-plane/internal/store/memory"
	"github.com/keelhost/control-plane/internal/supervisor"
	"github.com/keelhost/control-plane/pkg/logger"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []fetch.Source
	files map[string]string
	err   error
}

func (f *fakeFetcher) Sync(ctx context.Context, src fetch.Source, dest string) (*fetch.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, src)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}
	for name, content := range f.files {
		path := filepath.Join(dest, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, err
		}
	}
	return &fetch.Result{Path: dest, CommitSHA: "abc123"}, nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeCredentials struct {
	deleted   []string
	deleteErr error
}

func (c *fakeCredentials) ResolveToken(ctx context.Context, tokenID string) (string, error) {
	if tokenID == "" {
		return "", nil
	}
	return "secret-" + tokenID, nil
}

func (c *fakeCredentials) DeleteWebhook(ctx context.Context, token, repoURL, externalID string) error {
	c.deleted = append(c.deleted, externalID)
	return c.deleteErr
}

type fakeDomains struct {
	calls   []string
	report  *models.CleanupReport
	failErr error
}

func (d *fakeDomains) DeleteAllForService(ctx context.Context, serviceID string) (*models.CleanupReport, error) {
	d.calls = append(d.calls, serviceID)
	if d.failErr != nil {
		return nil, d.failErr
	}
	if d.report == nil {
		return &models.CleanupReport{}, nil
	}
	return d.report, nil
}

type harness struct {
	orch    *Orchestrator
	store   *memory.Store
	sup     *supervisor.Fake
	runner  *command.Fake
	fetcher *fakeFetcher
	creds   *fakeCredentials
	domains *fakeDomains
	locker  *lock.MemoryLocker
	broker  *events.Broker
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   memory.New(),
		sup:     supervisor.NewFake(),
		runner:  command.NewFake(),
		fetcher: &fakeFetcher{},
		creds:   &fakeCredentials{},
		domains: &fakeDomains{},
		locker:  lock.NewMemoryLocker(),
		broker:  events.NewBroker(logger.Discard()),
		dir:     t.TempDir(),
	}
	h.orch = NewOrchestrator(Deps{
		Services:    h.store.Services(),
		Fetcher:     h.fetcher,
		Builder:     build.NewPipeline(h.runner, "", logger.Discard()),
		Supervisor:  h.sup,
		Credentials: h.creds,
		Locker:      h.locker,
		Domains:     h.domains,
		Events:      h.broker,
	}, Config{
		WorkspaceDir: h.dir,
		BaseEnv:      map[string]string{"NODE_ENV": "production"},
	}, logger.Discard())
	return h
}

func (h *harness) service(t *testing.T, mutate func(*models.Service)) *models.Service {
	t.Helper()
	svc := &models.Service{
		Name:       "api",
		RepoURL:    "https://github.com/acme/api",
		Branch:     "main",
		Script:     "server.js",
		Visibility: models.VisibilityPrivate,
		OwnerID:    "user-1",
		TokenID:    "tok-1",
	}
	if err := svc.AddEnvironment("production", map[string]string{"PORT": "3000"}); err != nil {
		t.Fatal(err)
	}
	if mutate != nil {
		mutate(svc)
	}
	if err := h.store.Services().Create(context.Background(), svc); err != nil {
		t.Fatal(err)
	}
	return svc
}

func (h *harness) get(t *testing.T, id string) *models.Service {
	t.Helper()
	svc, err := h.store.Services().Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestStartBringsServiceOnline(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t, nil)
	sub := h.broker.Subscribe(svc.ID)
	defer h.broker.Unsubscribe(sub)

	got, err := h.orch.Start(context.Background(), svc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ServiceStatusOnline || !got.HasHandle() {
		t.Fatalf("service = %+v", got)
	}

	stored := h.get(t, svc.ID)
	if stored.Status != models.ServiceStatusOnline || *stored.ProcessHandle != *got.ProcessHandle {
		t.Errorf("stored = %+v", stored)
	}

	spec, ok := h.sup.Spec(*got.ProcessHandle)
	if !ok {
		t.Fatal("supervisor has no spec for handle")
	}
	if spec.Name != "api-production" || spec.Script != "server.js" || spec.Interpreter != "node" {
		t.Errorf("spec = %+v", spec)
	}
	if spec.Env["PORT"] != "3000" || spec.Env["NODE_ENV"] != "production" {
		t.Errorf("env = %v", spec.Env)
	}
	if spec.Cwd != filepath.Join(h.dir, svc.ID) {
		t.Errorf("cwd = %s", spec.Cwd)
	}

	envFile, err := os.ReadFile(filepath.Join(h.dir, svc.ID, build.EnvFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(envFile), "PORT=3000") {
		t.Errorf(".env = %q", envFile)
	}

	if h.fetcher.calls[0].Token != "secret-tok-1" || h.fetcher.calls[0].Branch != "main" {
		t.Errorf("fetch source = %+v", h.fetcher.calls[0])
	}
	if h.runner.Count("npm install") != 1 || h.runner.Count("npm run build") != 0 {
		t.Errorf("commands = %v", h.runner.Lines())
	}
	if len(sub.Ch) == 0 {
		t.Error("no pipeline events published")
	}
}

func TestStartRunsBuildForPackageManagerScript(t *testing.T) {
	h := newHarness(t)
	h.fetcher.files = map[string]string{
		"web/package.json": `{"scripts":{"build":"tsc","start":"node dist"}}`,
		"web/yarn.lock":    "",
	}
	svc := h.service(t, func(s *models.Service) {
		s.Subdirectory = "web"
		s.UsePackageManager = true
		s.Script = "start"
		s.Args = []string{"--port", "3000"}
	})

	got, err := h.orch.Start(context.Background(), svc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if h.runner.Count("yarn install") != 1 || h.runner.Count("yarn run build") != 1 {
		t.Errorf("commands = %v", h.runner.Lines())
	}
	spec, _ := h.sup.Spec(*got.ProcessHandle)
	if spec.Script != "yarn" || strings.Join(spec.Args, " ") != "run start -- --port 3000" || spec.Interpreter != "none" {
		t.Errorf("spec = %+v", spec)
	}
	if spec.Cwd != filepath.Join(h.dir, svc.ID, "web") {
		t.Errorf("cwd = %s", spec.Cwd)
	}
}

func TestStartWithoutActiveEnvironmentIsRejectedBeforeFetch(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t, func(s *models.Service) {
		if err := s.RemoveEnvironment("production"); err != nil {
			t.Fatal(err)
		}
	})

	_, err := h.orch.Start(context.Background(), svc.ID)
	if !errors.Is(err, models.ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if h.fetcher.count() != 0 || len(h.runner.Calls) != 0 {
		t.Error("pipeline ran despite failed precondition")
	}
	if got := h.get(t, svc.ID); got.Status != models.ServiceStatusStopped {
		t.Errorf("status = %s", got.Status)
	}
}

func TestStartFailureMarksErrored(t *testing.T) {
	h := newHarness(t)
	h.runner.Fail("npm install", "npm ERR! code ERESOLVE")
	svc := h.service(t, nil)

	_, err := h.orch.Start(context.Background(), svc.ID)
	if !errors.Is(err, models.ErrExternal) {
		t.Fatalf("expected external error, got %v", err)
	}

	got := h.get(t, svc.ID)
	if got.Status != models.ServiceStatusErrored {
		t.Errorf("status = %s", got.Status)
	}
	if !strings.HasPrefix(got.LastError, "install: ") || !strings.Contains(got.LastError, "ERESOLVE") {
		t.Errorf("LastError = %q", got.LastError)
	}
	if got.HasHandle() {
		t.Error("failed start left a handle")
	}
	if h.sup.Starts != 0 {
		t.Error("supervisor start ran after install failed")
	}
}

func TestStartSupervisorFailure(t *testing.T) {
	h := newHarness(t)
	h.sup.StartErr = command.NewError(command.Command{Name: "pm2"}, 1, "script not found", nil)
	svc := h.service(t, nil)

	if _, err := h.orch.Start(context.Background(), svc.ID); err == nil {
		t.Fatal("expected error")
	}
	got := h.get(t, svc.ID)
	if got.Status != models.ServiceStatusErrored || !strings.HasPrefix(got.LastError, StepSupervisorStart) {
		t.Errorf("service = %+v", got)
	}
}

func TestStartRejectsOnlineService(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t, nil)
	if _, err := h.orch.Start(context.Background(), svc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.Start(context.Background(), svc.ID); !errors.Is(err, models.ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if h.sup.Count() != 1 {
		t.Errorf("supervisor has %d processes", h.sup.Count())
	}
}

func TestConcurrentOperationIsBusy(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t, nil)

	release, err := h.locker.TryLock(context.Background(), lock.ServiceKey(svc.ID))
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	for name, op := range map[string]func(context.Context, string) (*models.Service, error){
		"start":   h.orch.Start,
		"stop":    h.orch.Stop,
		"restart": h.orch.Restart,
		"reload":  h.orch.Reload,
	} {
		if _, err := op(context.Background(), svc.ID); !errors.Is(err, models.ErrBusy) {
			t.Errorf("%s: expected busy, got %v", name, err)
		}
	}
	if _, err := h.orch.Delete(context.Background(), svc.ID); !errors.Is(err, models.ErrBusy) {
		t.Errorf("delete: expected busy, got %v", err)
	}
}

func TestStopWithoutProcess(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t, nil)

	got, err := h.orch.Stop(context.Background(), svc.ID)
	if !errors.Is(err, ErrNoProcess) {
		t.Fatalf("expected ErrNoProcess, got %v", err)
	}
	if got == nil || got.Status != models.ServiceStatusStopped {
		t.Errorf("service = %+v", got)
	}
	if h.sup.Stops != 0 {
		t.Error("supervisor stop invoked without a handle")
	}
}

func TestStopClearsHandle(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t, nil)
	if _, err := h.orch.Start(context.Background(), svc.ID); err != nil {
		t.Fatal(err)
	}

	got, err := h.orch.Stop(context.Background(), svc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ServiceStatusStopped || got.HasHandle() {
		t.Errorf("service = %+v", got)
	}
	if h.sup.Count() != 0 {
		t.Error("process still in supervisor table")
	}
}

func TestRestart(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t, nil)
	started, err := h.orch.Start(context.Background(), svc.ID)
	if err != nil {
		t.Fatal(err)
	}

	got, err := h.orch.Restart(context.Background(), svc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ServiceStatusOnline || *got.ProcessHandle != *started.ProcessHandle {
		t.Errorf("service = %+v", got)
	}

	h.sup.RestartErr = errors.New("pm2 daemon not responding")
	if _, err := h.orch.Restart(context.Background(), svc.ID); err == nil {
		t.Fatal("expected restart failure")
	}
	failed := h.get(t, svc.ID)
	if failed.Status != models.ServiceStatusErrored || !failed.HasHandle() {
		t.Errorf("after failed restart: %+v", failed)
	}
}

func TestReloadRefetchesAndReloads(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t, nil)
	if _, err := h.orch.Reload(context.Background(), svc.ID); !errors.Is(err, ErrNoProcess) {
		t.Fatalf("reload without process: %v", err)
	}

	started, err := h.orch.Start(context.Background(), svc.ID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := h.orch.Reload(context.Background(), svc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if h.fetcher.count() != 2 || h.runner.Count("npm install") != 2 {
		t.Errorf("reload did not re-run fetch/install: fetch=%d lines=%v", h.fetcher.count(), h.runner.Lines())
	}
	if h.sup.Reloads != 1 || h.sup.Starts != 1 {
		t.Errorf("reloads=%d starts=%d", h.sup.Reloads, h.sup.Starts)
	}
	if *got.ProcessHandle != *started.ProcessHandle || got.Status != models.ServiceStatusOnline {
		t.Errorf("service = %+v", got)
	}
}

func TestReloadFetchFailureMarksErrored(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t, nil)
	if _, err := h.orch.Start(context.Background(), svc.ID); err != nil {
		t.Fatal(err)
	}

	h.fetcher.err = command.NewError(command.Command{Name: "git"}, 128, "fatal: couldn't find remote ref main", nil)
	if _, err := h.orch.Reload(context.Background(), svc.ID); !errors.Is(err, models.ErrExternal) {
		t.Fatalf("expected external error, got %v", err)
	}
	got := h.get(t, svc.ID)
	if got.Status != models.ServiceStatusErrored || !strings.HasPrefix(got.LastError, "fetch: ") {
		t.Errorf("service = %+v", got)
	}
	if h.sup.Reloads != 0 {
		t.Error("supervisor reload ran after fetch failure")
	}
}

func TestDeleteStopsProcessAndCleansUp(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t, func(s *models.Service) {
		s.WebhookEnabled = true
		s.WebhookID = "hook-9"
		s.WebhookDeployKey = "k"
	})
	if _, err := h.orch.Start(context.Background(), svc.ID); err != nil {
		t.Fatal(err)
	}
	h.creds.deleteErr = errors.New("github: 502")
	h.domains.report = &models.CleanupReport{Warnings: []string{"app.example.com: reload nginx: exit 1"}}

	report, err := h.orch.Delete(context.Background(), svc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if h.sup.Count() != 0 {
		t.Error("live process not stopped")
	}
	if len(h.creds.deleted) != 1 || h.creds.deleted[0] != "hook-9" {
		t.Errorf("webhook deletions = %v", h.creds.deleted)
	}
	if len(h.domains.calls) != 1 {
		t.Error("domains not cleaned up")
	}
	if len(report.Warnings) != 2 {
		t.Errorf("warnings = %v", report.Warnings)
	}
	if _, err := h.store.Services().Get(context.Background(), svc.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("service still stored: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.dir, svc.ID)); !os.IsNotExist(err) {
		t.Error("working copy not removed")
	}
}

func TestDeleteSkipsVanishedProcess(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t, nil)
	started, err := h.orch.Start(context.Background(), svc.ID)
	if err != nil {
		t.Fatal(err)
	}
	h.sup.Kill(*started.ProcessHandle)

	report, err := h.orch.Delete(context.Background(), svc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Clean() || h.sup.Stops != 0 {
		t.Errorf("report=%v stops=%d", report.Warnings, h.sup.Stops)
	}
}

func TestDeleteAbortsWhenStopFails(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t, nil)
	if _, err := h.orch.Start(context.Background(), svc.ID); err != nil {
		t.Fatal(err)
	}
	h.sup.StopErr = errors.New("pm2 unavailable")

	if _, err := h.orch.Delete(context.Background(), svc.ID); err == nil {
		t.Fatal("expected delete to fail")
	}
	if _, err := h.store.Services().Get(context.Background(), svc.ID); err != nil {
		t.Errorf("service removed despite running process: %v", err)
	}
	if len(h.domains.calls) != 0 {
		t.Error("domains cleaned up before process was stopped")
	}
}

func TestStartAutostart(t *testing.T) {
	h := newHarness(t)
	auto := h.service(t, func(s *models.Service) { s.Autostart = true })
	manual := h.service(t, func(s *models.Service) { s.Name = "worker" })
	// Stale record from before a host reboot: online but the process is gone.
	stale := h.service(t, func(s *models.Service) {
		s.Name = "cron"
		s.Autostart = true
		s.MarkOnline("42")
	})

	n, err := h.orch.StartAutostart(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("started %d services", n)
	}
	if h.get(t, auto.ID).Status != models.ServiceStatusOnline {
		t.Error("autostart service not online")
	}
	if h.get(t, manual.ID).Status != models.ServiceStatusStopped {
		t.Error("manual service was started")
	}
	if got := h.get(t, stale.ID); got.Status != models.ServiceStatusOnline || *got.ProcessHandle == "42" {
		t.Errorf("stale service = %+v", got)
	}
}

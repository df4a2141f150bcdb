// Package main provides the entry point for the API server.
package main

import (
	"context"
	"os"

	"github.com/keelhost/control-plane/internal/api"
	"github.com/keelhost/control-plane/internal/api/health"
	"github.com/keelhost/control-plane/internal/auth"
	"github.com/keelhost/control-plane/internal/build"
	"github.com/keelhost/control-plane/internal/cleanup"
	"github.com/keelhost/control-plane/internal/command"
	"github.com/keelhost/control-plane/internal/credentials"
	"github.com/keelhost/control-plane/internal/deploy"
	"github.com/keelhost/control-plane/internal/dns"
	"github.com/keelhost/control-plane/internal/domains"
	"github.com/keelhost/control-plane/internal/events"
	"github.com/keelhost/control-plane/internal/fetch"
	"github.com/keelhost/control-plane/internal/integrations/git"
	"github.com/keelhost/control-plane/internal/lock"
	"github.com/keelhost/control-plane/internal/metrics"
	"github.com/keelhost/control-plane/internal/proxy"
	"github.com/keelhost/control-plane/internal/queue"
	pgqueue "github.com/keelhost/control-plane/internal/queue/postgres"
	"github.com/keelhost/control-plane/internal/secrets"
	"github.com/keelhost/control-plane/internal/shutdown"
	"github.com/keelhost/control-plane/internal/store"
	"github.com/keelhost/control-plane/internal/store/memory"
	pgstore "github.com/keelhost/control-plane/internal/store/postgres"
	"github.com/keelhost/control-plane/internal/supervisor"
	"github.com/keelhost/control-plane/internal/tls"
	"github.com/keelhost/control-plane/internal/webhook"
	"github.com/keelhost/control-plane/pkg/config"
	"github.com/keelhost/control-plane/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		return 1
	}

	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogFormat != "text").Logger
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log),
	)
	checker := health.NewChecker(api.Version)

	// Store
	var st store.Store
	var pg *pgstore.PostgresStore
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory store; state is lost on restart")
		st = memory.New()
	default:
		pg, err = pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			return 1
		}
		if err := pgstore.Migrate(ctx, pg.DB(), log); err != nil {
			log.Error("failed to apply migrations", "error", err)
			pg.Close()
			return 1
		}
		st = pg
		checker.Register("database", health.PingerFunc(pg.DB().PingContext), true)
	}
	coordinator.Register(shutdown.NewCloserComponent("store", st))

	// Locker
	var locker lock.Locker = lock.NewMemoryLocker()
	if cfg.RedisURL != "" {
		rl, err := lock.NewRedisLocker(cfg.RedisURL, log)
		if err != nil {
			log.Error("failed to connect to redis", "error", err)
			return 1
		}
		locker = rl
		checker.Register("redis", rl, false)
		coordinator.Register(shutdown.NewCloserComponent("redis", rl))
	}

	// Token sealing
	var sealer *secrets.Sealer
	if cfg.AgeIdentity != "" {
		sealer, err = secrets.NewSealer(cfg.AgeIdentity, log)
	} else {
		log.Warn("AGE_IDENTITY not set; using an ephemeral key, stored tokens will not survive a restart")
		sealer, err = secrets.NewEphemeralSealer(log)
	}
	if err != nil {
		log.Error("failed to initialize token sealer", "error", err)
		return 1
	}

	runner := command.NewExecRunner(log)
	m := metrics.New()
	broker := events.NewBroker(log)
	creds := credentials.NewService(st.Tokens(), sealer, git.NewGitHubProvider(), log)

	pm2 := supervisor.NewPM2(runner, cfg.Deploy.PM2Bin, log)
	checker.Register("supervisor", health.PingerFunc(func(ctx context.Context) error {
		_, err := pm2.List(ctx)
		return err
	}), true)

	// Domains
	verifier, err := dns.NewVerifier(nil, cfg.ServerIP, log)
	if err != nil {
		log.Error("failed to initialize DNS verifier", "error", err)
		return 1
	}
	domainService := domains.NewService(domains.Deps{
		Domains:  st.Domains(),
		Services: st.Services(),
		Verifier: verifier,
		Proxy: proxy.NewManager(proxy.Config{
			AvailableDir: cfg.Proxy.AvailableDir,
			EnabledDir:   cfg.Proxy.EnabledDir,
			NginxBin:     cfg.Proxy.NginxBin,
		}, runner, log),
		Issuer:  tls.NewCertbot(runner, cfg.Proxy.CertbotBin, cfg.Proxy.CertbotEmail, log),
		Locker:  locker,
		Events:  broker,
		Metrics: m,
	}, domains.Config{
		DNSTimeout:   cfg.Proxy.DNSTimeout,
		ProxyTimeout: cfg.Proxy.ProxyTimeout,
		CertTimeout:  cfg.Proxy.CertTimeout,
	}, log)

	// Service lifecycle
	orchestrator := deploy.NewOrchestrator(deploy.Deps{
		Services:    st.Services(),
		Fetcher:     fetch.NewFetcher(runner, cfg.Deploy.GitBin, log),
		Builder:     build.NewPipeline(runner, cfg.Deploy.NVMDir, log),
		Supervisor:  pm2,
		Credentials: creds,
		Locker:      locker,
		Domains:     domainService,
		Events:      broker,
		Metrics:     m,
	}, deploy.Config{
		WorkspaceDir:      cfg.Deploy.WorkspaceDir,
		FetchTimeout:      cfg.Deploy.FetchTimeout,
		InstallTimeout:    cfg.Deploy.InstallTimeout,
		BuildTimeout:      cfg.Deploy.BuildTimeout,
		SupervisorTimeout: cfg.Deploy.SupervisorTimeout,
	}, log)

	// Redeploy queue and worker
	var q queue.Queue
	if cfg.Redeploy.QueueDriver == "postgres" && pg != nil {
		q = pgqueue.NewPostgresQueue(pg.DB(), log)
	} else {
		q = queue.NewMemoryQueue(log)
	}
	workerCfg := queue.DefaultWorkerConfig()
	workerCfg.Concurrency = cfg.Redeploy.Workers
	if cfg.Redeploy.MaxAttempts > 0 {
		workerCfg.MaxAttempts = cfg.Redeploy.MaxAttempts
	}
	// A reload holding the lock can run every pipeline step to its timeout.
	workerCfg.BusyTimeout = 2 * cfg.Deploy.RequestTimeout()
	worker := queue.NewWorker(workerCfg, q, orchestrator, m, log)
	worker.Start(ctx)
	coordinator.Register(shutdown.NewWorkerComponent("redeploy-worker", worker))

	dispatcher := webhook.NewDispatcher(webhook.Deps{
		Services:    st.Services(),
		Credentials: creds,
		Queue:       q,
		Locker:      locker,
		Metrics:     m,
	}, cfg.PublicURL, log)

	authService := auth.NewService(&auth.Config{JWTSecret: []byte(cfg.JWTSecret)}, log)

	server := api.NewServer(cfg, api.Deps{
		Store:        st,
		Auth:         authService,
		Lifecycle:    orchestrator,
		Reconciler:   orchestrator.Reconciler(),
		Environments: deploy.NewEnvironments(st.Services(), log),
		Domains:      domainService,
		Webhooks:     dispatcher,
		Credentials:  creds,
		Redeploys:    q,
		Broker:       broker,
		Metrics:      m,
		Health:       checker,
	}, log)
	coordinator.Register(shutdown.NewFuncComponent("http", server.Shutdown))

	janitor := cleanup.NewJanitor(st.Services(), cfg.Deploy.WorkspaceDir, log)
	checker.Register("workspace", janitor, false)
	if report, err := janitor.Sweep(ctx); err != nil {
		log.Warn("workspace sweep failed", "error", err)
	} else if !report.Clean() {
		log.Warn("workspace sweep incomplete", "warnings", report.Warnings)
	}

	go func() {
		started, err := orchestrator.StartAutostart(ctx)
		if err != nil {
			log.Error("autostart failed", "error", err)
			return
		}
		if started > 0 {
			log.Info("autostarted services", "count", started)
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	// Any server exit, including a failed listen, triggers the same ordered shutdown.
	waitCtx, stopWaiting := context.WithCancel(ctx)
	go func() {
		if err := <-serverErr; err != nil {
			log.Error("server error", "error", err)
		}
		stopWaiting()
	}()
	coordinator.WaitForSignal(waitCtx)
	cancel()

	log.Info("server stopped", "exit_code", coordinator.ExitCode())
	return coordinator.ExitCode()
}

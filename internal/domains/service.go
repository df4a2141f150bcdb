// Package domains drives the domain state machine: verification of DNS, then
// activation through an nginx virtual host and a certbot certificate.
package domains

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keelhost/control-plane/internal/dns"
	"github.com/keelhost/control-plane/internal/events"
	"github.com/keelhost/control-plane/internal/lock"
	"github.com/keelhost/control-plane/internal/metrics"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/pipeline"
	"github.com/keelhost/control-plane/internal/store"
)

// Activation step names.
const (
	StepProxyConfig = "proxy-config"
	StepProxyEnable = "proxy-enable"
	StepProxyReload = "proxy-reload"
	StepTLSIssue    = "tls-issue"
)

// Verifier classifies a domain's DNS records.
type Verifier interface {
	Check(ctx context.Context, name string) dns.Check
	ServerIP() string
}

// Proxy installs and removes virtual hosts.
type Proxy interface {
	Install(domain string, port int) (string, error)
	Enable(domain string) error
	TestAndReload(ctx context.Context) error
	Disable(domain string) error
	Remove(domain string) error
}

// Issuer obtains TLS certificates.
type Issuer interface {
	Issue(ctx context.Context, domain string) error
}

// Config holds step timeouts.
type Config struct {
	DNSTimeout   time.Duration
	ProxyTimeout time.Duration
	CertTimeout  time.Duration
}

// Deps are the service's collaborators. Locker, Events and Metrics are optional.
type Deps struct {
	Domains  store.DomainStore
	Services store.ServiceStore
	Verifier Verifier
	Proxy    Proxy
	Issuer   Issuer
	Locker   lock.Locker
	Events   *events.Broker
	Metrics  *metrics.Metrics
}

// VerifyResult is the outcome of a verification attempt.
type VerifyResult struct {
	Domain       *models.Domain `json:"domain"`
	Verified     bool           `json:"verified"`
	IsCloudflare bool           `json:"is_cloudflare"`
	IPs          []string       `json:"ips,omitempty"`
	Message      string         `json:"message"`
}

// Service is the domain activation orchestrator.
type Service struct {
	Deps
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a domain service.
func NewService(deps Deps, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewMemoryLocker()
	}
	return &Service{
		Deps:   deps,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "domains"),
	}
}

// Create registers a pending domain for a service. Names are lower-cased and
// must be unique across all services regardless of case.
func (s *Service) Create(ctx context.Context, serviceID, createdBy, name string, port int) (*models.Domain, error) {
	normalized, err := models.NormalizeDomainName(name)
	if err != nil {
		return nil, err
	}
	if err := models.ValidatePort(port); err != nil {
		return nil, err
	}
	if _, err := s.Services.Get(ctx, serviceID); err != nil {
		return nil, err
	}

	existing, err := s.Domains.GetByName(ctx, normalized)
	if err == nil && existing != nil {
		return nil, fmt.Errorf("%w: domain %s is already registered", models.ErrValidation, normalized)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	d := &models.Domain{
		Name:      normalized,
		Port:      port,
		ServiceID: serviceID,
		CreatedBy: createdBy,
		Status:    models.DomainStatusPending,
	}
	if err := s.Domains.Create(ctx, d); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: domain %s is already registered", models.ErrValidation, normalized)
		}
		return nil, err
	}
	s.logger.Info("domain created", "domain", d.Name, "domain_id", d.ID, "service_id", serviceID)
	return d, nil
}

// Get returns a domain.
func (s *Service) Get(ctx context.Context, id string) (*models.Domain, error) {
	return s.Domains.Get(ctx, id)
}

// List returns the domains of a service.
func (s *Service) List(ctx context.Context, serviceID string) ([]*models.Domain, error) {
	return s.Domains.ListByService(ctx, serviceID)
}

// Verify checks that the domain resolves to this server. With skip the check is
// bypassed, for domains behind a CDN or proxy whose edge addresses never match.
func (s *Service) Verify(ctx context.Context, id string, skip bool) (*VerifyResult, error) {
	release, err := s.Locker.TryLock(ctx, lock.DomainKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := s.Domains.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == models.DomainStatusActive {
		return nil, fmt.Errorf("%w: domain %s is already active", models.ErrPrecondition, d.Name)
	}
	log := s.logger.With("domain", d.Name, "domain_id", d.ID)

	if skip {
		d.MarkVerified(s.now())
		if err := s.Domains.Update(ctx, d); err != nil {
			return nil, err
		}
		log.Info("domain verification skipped")
		return &VerifyResult{Domain: d, Verified: true, Message: "Verification skipped"}, nil
	}

	checkCtx, cancel := withTimeout(ctx, s.cfg.DNSTimeout)
	check := s.Verifier.Check(checkCtx, d.Name)
	cancel()

	res := &VerifyResult{Domain: d, IPs: check.IPs, IsCloudflare: check.IsCloudflare()}
	if check.Verified() {
		d.MarkVerified(s.now())
		res.Verified = true
		res.Message = fmt.Sprintf("Domain resolves to %s", s.Verifier.ServerIP())
	} else {
		res.Message = check.Message(s.Verifier.ServerIP())
		d.MarkPending(s.now(), res.Message)
	}
	if err := s.Domains.Update(ctx, d); err != nil {
		return nil, err
	}
	log.Info("domain verification finished", "verified", res.Verified, "outcome", check.Outcome)
	return res, nil
}

// Activate installs and enables the virtual host, reloads nginx and issues a
// certificate. Only verified domains can be activated. A failed step leaves the
// installed artifacts in place for diagnosis and marks the domain errored.
func (s *Service) Activate(ctx context.Context, id string) (*models.Domain, error) {
	release, err := s.Locker.TryLock(ctx, lock.DomainKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := s.Domains.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DomainStatusVerified {
		return nil, fmt.Errorf("%w: domain %s must be verified before activation (status %s)", models.ErrPrecondition, d.Name, d.Status)
	}
	log := s.logger.With("domain", d.Name, "domain_id", d.ID)
	log.Info("activating domain", "port", d.Port)

	runCtx := context.WithoutCancel(ctx)
	var configPath string
	steps := []pipeline.Step{
		{
			Name: StepProxyConfig,
			Run: func(ctx context.Context) error {
				path, err := s.Proxy.Install(d.Name, d.Port)
				configPath = path
				return err
			},
		},
		{
			Name: StepProxyEnable,
			Run:  func(ctx context.Context) error { return s.Proxy.Enable(d.Name) },
		},
		{
			Name:    StepProxyReload,
			Timeout: s.cfg.ProxyTimeout,
			Run:     s.Proxy.TestAndReload,
		},
		{
			Name:    StepTLSIssue,
			Timeout: s.cfg.CertTimeout,
			Run:     func(ctx context.Context) error { return s.Issuer.Issue(ctx, d.Name) },
		},
	}

	opts := pipeline.Options{Name: "activate", Logger: log}
	if s.Events != nil {
		opts.Observers = append(opts.Observers, events.NewObserver(s.Events, d.ServiceID, "activate"))
	}
	if s.Metrics != nil {
		opts.Observers = append(opts.Observers, s.Metrics.Pipeline("activate"))
	}

	res := pipeline.Run(runCtx, steps, opts)
	if !res.OK() {
		if configPath != "" {
			d.ConfigPath = configPath
		}
		d.MarkError(res.Err.Error())
		if err := s.Domains.Update(runCtx, d); err != nil {
			log.Error("failed to persist domain error", "error", err)
		}
		return nil, fmt.Errorf("activating %s: %w", d.Name, res.Err)
	}

	d.MarkActive(s.now(), configPath)
	if err := s.Domains.Update(runCtx, d); err != nil {
		return nil, err
	}
	log.Info("domain active", "config_path", configPath)
	return d, nil
}

// Delete removes the domain. Proxy artifacts are removed best-effort and any
// failure is reported as a warning; the record is deleted regardless.
func (s *Service) Delete(ctx context.Context, id string) (*models.CleanupReport, error) {
	release, err := s.Locker.TryLock(ctx, lock.DomainKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := s.Domains.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	report := &models.CleanupReport{}
	if d.NeedsCleanup() {
		s.removeArtifacts(d, report)
		s.reload(ctx, report)
	}
	if err := s.Domains.Delete(ctx, d.ID); err != nil {
		return nil, err
	}
	s.logger.Info("domain deleted", "domain", d.Name, "domain_id", d.ID, "warnings", len(report.Warnings))
	return report, nil
}

// DeleteAllForService removes every domain of a service with the same best-effort
// cleanup as Delete and a single nginx reload. It fails with ErrBusy, before
// touching anything, when one of the domains is locked by another operation.
func (s *Service) DeleteAllForService(ctx context.Context, serviceID string) (*models.CleanupReport, error) {
	domains, err := s.Domains.ListByService(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	for _, d := range domains {
		release, err := s.Locker.TryLock(ctx, lock.DomainKey(d.ID))
		if err != nil {
			return nil, err
		}
		defer release()
	}
	ctx = context.WithoutCancel(ctx)

	report := &models.CleanupReport{}
	cleaned := false
	for _, d := range domains {
		if d.NeedsCleanup() {
			s.removeArtifacts(d, report)
			cleaned = true
		}
	}
	if cleaned {
		s.reload(ctx, report)
	}

	n, err := s.Domains.DeleteByService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("service domains deleted", "service_id", serviceID, "count", n, "warnings", len(report.Warnings))
	return report, nil
}

func (s *Service) removeArtifacts(d *models.Domain, report *models.CleanupReport) {
	if err := s.Proxy.Disable(d.Name); err != nil {
		s.logger.Warn("failed to disable site", "domain", d.Name, "error", err)
		report.Warn("%s: disable site: %v", d.Name, err)
	}
	if err := s.Proxy.Remove(d.Name); err != nil {
		s.logger.Warn("failed to remove virtual host", "domain", d.Name, "error", err)
		report.Warn("%s: remove virtual host: %v", d.Name, err)
	}
}

func (s *Service) reload(ctx context.Context, report *models.CleanupReport) {
	ctx, cancel := withTimeout(ctx, s.cfg.ProxyTimeout)
	defer cancel()
	if err := s.Proxy.TestAndReload(ctx); err != nil {
		s.logger.Warn("failed to reload nginx after cleanup", "error", err)
		report.Warn("reload nginx: %v", err)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// Package proxy manages nginx virtual hosts for activated domains.
package proxy

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/template"

	"github.com/keelhost/control-plane/internal/command"
	"github.com/keelhost/control-plane/internal/models"
)

//go:embed templates/vhost.conf.tmpl
var templateFS embed.FS

var vhostTemplate = template.Must(template.ParseFS(templateFS, "templates/vhost.conf.tmpl"))

// Config locates nginx and its site directories.
type Config struct {
	AvailableDir string
	EnabledDir   string
	NginxBin     string
}

// Manager renders, installs, enables and removes per-domain virtual hosts.
type Manager struct {
	cfg    Config
	runner command.Runner
	logger *slog.Logger
}

// NewManager creates a proxy manager.
func NewManager(cfg Config, runner command.Runner, logger *slog.Logger) *Manager {
	if cfg.NginxBin == "" {
		cfg.NginxBin = "nginx"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, runner: runner, logger: logger.With("component", "proxy")}
}

// ConfigPath is where the virtual host for domain is installed.
func (m *Manager) ConfigPath(domain string) string {
	return filepath.Join(m.cfg.AvailableDir, domain+".conf")
}

// EnabledPath is the symlink that activates the virtual host.
func (m *Manager) EnabledPath(domain string) string {
	return filepath.Join(m.cfg.EnabledDir, domain+".conf")
}

// Render produces the virtual host forwarding domain to 127.0.0.1:port.
func Render(domain string, port int) (string, error) {
	if _, err := models.NormalizeDomainName(domain); err != nil {
		return "", err
	}
	if err := models.ValidatePort(port); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := vhostTemplate.Execute(&buf, struct {
		Domain string
		Port   int
	}{domain, port}); err != nil {
		return "", fmt.Errorf("rendering virtual host: %w", err)
	}
	return buf.String(), nil
}

// Install writes the virtual host file and returns its path.
func (m *Manager) Install(domain string, port int) (string, error) {
	content, err := Render(domain, port)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.cfg.AvailableDir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", m.cfg.AvailableDir, err)
	}
	path := m.ConfigPath(domain)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing virtual host: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("installing virtual host: %w", err)
	}
	m.logger.Info("virtual host installed", "domain", domain, "port", port, "path", path)
	return path, nil
}

// Enable links the installed virtual host into the enabled directory, replacing a stale link.
func (m *Manager) Enable(domain string) error {
	if err := os.MkdirAll(m.cfg.EnabledDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", m.cfg.EnabledDir, err)
	}
	target := m.ConfigPath(domain)
	link := m.EnabledPath(domain)

	if existing, err := os.Readlink(link); err == nil && existing == target {
		return nil
	}
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale link: %w", err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("enabling site: %w", err)
	}
	m.logger.Info("site enabled", "domain", domain, "link", link)
	return nil
}

// TestAndReload validates the global nginx configuration and reloads nginx.
// A failed test returns before any reload is attempted.
func (m *Manager) TestAndReload(ctx context.Context) error {
	if _, err := m.runner.Run(ctx, command.Command{Name: m.cfg.NginxBin, Args: []string{"-t"}}); err != nil {
		return fmt.Errorf("nginx configuration test: %w", err)
	}
	if _, err := m.runner.Run(ctx, command.Command{Name: m.cfg.NginxBin, Args: []string{"-s", "reload"}}); err != nil {
		return fmt.Errorf("nginx reload: %w", err)
	}
	m.logger.Info("nginx reloaded")
	return nil
}

// Disable removes the enabled symlink. A missing link is not an error.
func (m *Manager) Disable(domain string) error {
	if err := os.Remove(m.EnabledPath(domain)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disabling site: %w", err)
	}
	return nil
}

// Remove deletes the virtual host file. A missing file is not an error.
func (m *Manager) Remove(domain string) error {
	if err := os.Remove(m.ConfigPath(domain)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing virtual host: %w", err)
	}
	return nil
}

// Package tls obtains certificates for activated domains through certbot.
package tls

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/keelhost/control-plane/internal/command"
)

// Certbot issues and installs certificates with certbot's nginx plugin.
type Certbot struct {
	runner command.Runner
	bin    string
	email  string
	logger *slog.Logger
}

// NewCertbot creates a certbot adapter. Without an email the account is
// registered without one.
func NewCertbot(runner command.Runner, bin, email string, logger *slog.Logger) *Certbot {
	if bin == "" {
		bin = "certbot"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Certbot{runner: runner, bin: bin, email: email, logger: logger.With("component", "certbot")}
}

// Issue obtains a certificate for domain and lets certbot rewrite the virtual
// host for HTTPS with an HTTP redirect.
func (c *Certbot) Issue(ctx context.Context, domain string) error {
	args := []string{"--nginx", "-d", domain, "--non-interactive", "--agree-tos"}
	if c.email != "" {
		args = append(args, "-m", c.email)
	} else {
		args = append(args, "--register-unsafely-without-email")
	}
	args = append(args, "--redirect")

	c.logger.Info("requesting certificate", "domain", domain)
	if _, err := c.runner.Run(ctx, command.Command{Name: c.bin, Args: args}); err != nil {
		return fmt.Errorf("issuing certificate for %s: %w", domain, err)
	}
	c.logger.Info("certificate installed", "domain", domain)
	return nil
}

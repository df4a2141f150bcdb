package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DomainStatus is the activation status of a custom domain.
type DomainStatus string

const (
	DomainStatusPending  DomainStatus = "pending"
	DomainStatusVerified DomainStatus = "verified"
	DomainStatusActive   DomainStatus = "active"
	DomainStatusError    DomainStatus = "error"
)

// Domain maps a public hostname to a port of a service's process.
type Domain struct {
	ID            string       `json:"id"`
	Name          string       `json:"domain"`
	Port          int          `json:"port"`
	ServiceID     string       `json:"service_id"`
	CreatedBy     string       `json:"created_by"`
	Status        DomainStatus `json:"status"`
	SSLEnabled    bool         `json:"ssl_enabled"`
	LastCheckedAt *time.Time   `json:"last_checked_at,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	ConfigPath    string       `json:"config_path,omitempty"`
	ActivatedAt   *time.Time   `json:"activated_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

var domainNamePattern = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)

// NormalizeDomainName lower-cases and validates a hostname.
func NormalizeDomainName(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if len(n) > 253 || !domainNamePattern.MatchString(n) {
		return "", fmt.Errorf("%w: invalid domain format %q", ErrValidation, name)
	}
	return n, nil
}

// ValidatePort checks a proxy target port.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrValidation)
	}
	return nil
}

// NeedsCleanup reports whether proxy artifacts may have been installed.
func (d *Domain) NeedsCleanup() bool {
	return d.Status == DomainStatusActive || d.Status == DomainStatusError
}

// MarkVerified moves the domain to verified and clears any error.
func (d *Domain) MarkVerified(at time.Time) {
	d.Status = DomainStatusVerified
	d.ErrorMessage = ""
	d.LastCheckedAt = &at
}

// MarkPending records an unsuccessful verification attempt.
func (d *Domain) MarkPending(at time.Time, message string) {
	d.Status = DomainStatusPending
	d.ErrorMessage = message
	d.LastCheckedAt = &at
}

// MarkActive records a successful activation.
func (d *Domain) MarkActive(at time.Time, configPath string) {
	d.Status = DomainStatusActive
	d.SSLEnabled = true
	d.ConfigPath = configPath
	d.ActivatedAt = &at
	d.ErrorMessage = ""
}

// MarkError records a failed step.
func (d *Domain) MarkError(message string) {
	d.Status = DomainStatusError
	d.ErrorMessage = message
}

// Package models provides data structures for the keel control plane.
package models

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/keelhost/control-plane/internal/validation"
)

// ServiceStatus is the lifecycle status of a deployed service.
type ServiceStatus string

const (
	// ServiceStatusStopped indicates no supervised process exists.
	ServiceStatusStopped ServiceStatus = "stopped"
	// ServiceStatusBuilding indicates a start or reload pipeline is running.
	ServiceStatusBuilding ServiceStatus = "building"
	// ServiceStatusOnline indicates the supervisor reports the process online.
	ServiceStatusOnline ServiceStatus = "online"
	// ServiceStatusErrored indicates the last pipeline or supervisor call failed.
	ServiceStatusErrored ServiceStatus = "errored"
)

// IsValid returns true if the status is one of the known values.
func (s ServiceStatus) IsValid() bool {
	switch s {
	case ServiceStatusStopped, ServiceStatusBuilding, ServiceStatusOnline, ServiceStatusErrored:
		return true
	default:
		return false
	}
}

// Visibility controls who may read a service.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Service is a long-lived application process deployed from a git repository.
type Service struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	RepoURL      string `json:"repo_url"`
	Branch       string `json:"branch"`
	Subdirectory string `json:"subdirectory,omitempty"`

	// Script is either a file executed by the node runtime or, when
	// UsePackageManager is set, a package.json script name.
	Script            string   `json:"script"`
	Args              []string `json:"args,omitempty"`
	UsePackageManager bool     `json:"use_package_manager"`

	Environments      map[string]map[string]string `json:"environments"`
	ActiveEnvironment string                       `json:"active_environment,omitempty"`

	Status        ServiceStatus `json:"status"`
	ProcessHandle *string       `json:"process_handle,omitempty"`
	LastError     string        `json:"last_error,omitempty"`

	Visibility Visibility `json:"visibility"`
	OwnerID    string     `json:"owner_id"`
	TokenID    string     `json:"token_id,omitempty"`

	NodeVersion string `json:"node_version,omitempty"`
	Instances   int    `json:"instances,omitempty"`
	Autostart   bool   `json:"autostart"`

	WebhookDeployKey string `json:"-"`
	WebhookEnabled   bool   `json:"webhook_enabled"`
	WebhookID        string `json:"webhook_id,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,62}$`)

// Validate checks the user-editable fields of a service.
func (s *Service) Validate() error {
	if !serviceNamePattern.MatchString(s.Name) {
		return fmt.Errorf("%w: service name must be 1-63 letters, digits, '.', '_' or '-'", ErrValidation)
	}
	if strings.TrimSpace(s.RepoURL) == "" {
		return fmt.Errorf("%w: repository URL is required", ErrValidation)
	}
	if strings.TrimSpace(s.Branch) == "" {
		return fmt.Errorf("%w: branch is required", ErrValidation)
	}
	if strings.TrimSpace(s.Script) == "" {
		return fmt.Errorf("%w: script is required", ErrValidation)
	}
	if s.Instances < 0 {
		return fmt.Errorf("%w: instances must not be negative", ErrValidation)
	}
	switch s.Visibility {
	case VisibilityPrivate, VisibilityPublic:
	default:
		return fmt.Errorf("%w: visibility must be private or public", ErrValidation)
	}
	return nil
}

// HasHandle reports whether a supervisor process handle is recorded.
func (s *Service) HasHandle() bool {
	return s.ProcessHandle != nil && *s.ProcessHandle != ""
}

// ProcessName is the deterministic supervisor process name for the active environment.
func (s *Service) ProcessName() string {
	return s.Name + "-" + s.ActiveEnvironment
}

// AddEnvironment adds a named variable set. The first environment becomes active.
func (s *Service) AddEnvironment(name string, vars map[string]string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: environment name is required", ErrValidation)
	}
	if s.Environments == nil {
		s.Environments = make(map[string]map[string]string)
	}
	if _, ok := s.Environments[name]; ok {
		return fmt.Errorf("%w: environment %q already exists", ErrValidation, name)
	}
	if err := validation.ValidateEnvVars(vars); err != nil {
		return fmt.Errorf("%w: environment %q: %v", ErrValidation, name, err)
	}
	s.Environments[name] = copyVars(vars)
	if s.ActiveEnvironment == "" {
		s.ActiveEnvironment = name
	}
	return nil
}

// UpdateEnvironment replaces the variables of an existing environment.
func (s *Service) UpdateEnvironment(name string, vars map[string]string) error {
	if _, ok := s.Environments[name]; !ok {
		return fmt.Errorf("%w: environment %q", ErrNotFound, name)
	}
	if err := validation.ValidateEnvVars(vars); err != nil {
		return fmt.Errorf("%w: environment %q: %v", ErrValidation, name, err)
	}
	s.Environments[name] = copyVars(vars)
	return nil
}

// SetActiveEnvironment designates an existing environment as active.
func (s *Service) SetActiveEnvironment(name string) error {
	if _, ok := s.Environments[name]; !ok {
		return fmt.Errorf("%w: environment %q", ErrNotFound, name)
	}
	s.ActiveEnvironment = name
	return nil
}

// RemoveEnvironment deletes an environment. Removing the active one promotes
// the lexicographically first remaining name, or clears the pointer.
func (s *Service) RemoveEnvironment(name string) error {
	if _, ok := s.Environments[name]; !ok {
		return fmt.Errorf("%w: environment %q", ErrNotFound, name)
	}
	delete(s.Environments, name)
	if s.ActiveEnvironment != name {
		return nil
	}
	s.ActiveEnvironment = ""
	if names := s.EnvironmentNames(); len(names) > 0 {
		s.ActiveEnvironment = names[0]
	}
	return nil
}

// EnvironmentNames returns the environment names in sorted order.
func (s *Service) EnvironmentNames() []string {
	names := make([]string, 0, len(s.Environments))
	for name := range s.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActiveEnv returns the variables of the active environment.
func (s *Service) ActiveEnv() (map[string]string, error) {
	if s.ActiveEnvironment == "" {
		return nil, fmt.Errorf("%w: service %s has no active environment", ErrPrecondition, s.Name)
	}
	vars, ok := s.Environments[s.ActiveEnvironment]
	if !ok {
		return nil, fmt.Errorf("%w: active environment %q does not exist", ErrPrecondition, s.ActiveEnvironment)
	}
	return vars, nil
}

// MarkBuilding records that a pipeline is in progress. The handle is kept.
func (s *Service) MarkBuilding() {
	s.Status = ServiceStatusBuilding
	s.LastError = ""
}

// MarkOnline records a running process under handle.
func (s *Service) MarkOnline(handle string) {
	h := handle
	s.ProcessHandle = &h
	s.Status = ServiceStatusOnline
	s.LastError = ""
}

// MarkStopped clears the handle.
func (s *Service) MarkStopped() {
	s.ProcessHandle = nil
	s.Status = ServiceStatusStopped
}

// MarkErrored records a failure. The handle, if any, is preserved.
func (s *Service) MarkErrored(reason string) {
	s.Status = ServiceStatusErrored
	s.LastError = reason
}

func copyVars(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// Package supervisor adapts the external process supervisor that forks and
// tracks service processes, addressed by an opaque handle.
package supervisor

import (
	"context"
	"errors"
)

// StatusOnline is the live status reported for a healthy process.
const StatusOnline = "online"

// ErrUnknownHandle is returned when a handle is not in the live process table.
var ErrUnknownHandle = errors.New("process handle not found")

// ProcessSpec describes a process to start.
type ProcessSpec struct {
	// Name is the deterministic process name (service name + environment).
	Name        string
	Script      string
	Args        []string
	Interpreter string
	Cwd         string
	Env         map[string]string
	// Instances enables cluster mode when greater than zero.
	Instances int
}

// Process is an entry of the live process table.
type Process struct {
	Handle string `json:"handle"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ProcessSupervisor is the capability the lifecycle orchestrator and the
// reconciler depend on.
type ProcessSupervisor interface {
	// Start launches spec and returns the supervisor-assigned handle.
	Start(ctx context.Context, spec ProcessSpec) (string, error)
	// Stop terminates the process and removes it from the table.
	Stop(ctx context.Context, handle string) error
	// Restart restarts the process in place.
	Restart(ctx context.Context, handle string) error
	// Reload gracefully reloads the process with env.
	Reload(ctx context.Context, handle string, env map[string]string) error
	// List returns the full live process table.
	List(ctx context.Context) ([]Process, error)
}

// Index maps handles to processes.
func Index(procs []Process) map[string]Process {
	m := make(map[string]Process, len(procs))
	for _, p := range procs {
		m[p.Handle] = p
	}
	return m
}

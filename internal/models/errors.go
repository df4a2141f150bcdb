package models

import "errors"

// Error categories shared by every orchestrator. Operations wrap one of these
// with context so callers can classify failures with errors.Is.
var (
	// ErrNotFound is returned when a referenced service, domain, environment or token does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation is returned for malformed input and duplicates.
	ErrValidation = errors.New("validation failed")
	// ErrPermission is returned when the actor lacks ownership or admin rights.
	ErrPermission = errors.New("permission denied")
	// ErrPrecondition is returned when an operation is invoked in a state that forbids it.
	ErrPrecondition = errors.New("precondition failed")
	// ErrExternal is returned when an external command or provider call fails.
	ErrExternal = errors.New("external command failed")
	// ErrBusy is returned when another operation holds the entity lock.
	ErrBusy = errors.New("operation already in progress")
)

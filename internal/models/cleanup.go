package models

import "fmt"

// CleanupReport lists non-fatal failures of a best-effort cleanup. The primary
// operation succeeded even when Warnings is non-empty.
type CleanupReport struct {
	Warnings []string `json:"warnings"`
}

// Warn records a failed cleanup step.
func (r *CleanupReport) Warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Merge appends other's warnings.
func (r *CleanupReport) Merge(other *CleanupReport) {
	if other == nil {
		return
	}
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Clean reports whether every cleanup step succeeded.
func (r *CleanupReport) Clean() bool {
	return len(r.Warnings) == 0
}

// Package queue provides the redeploy job queue interfaces and implementations.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keelhost/control-plane/internal/models"
)

// Common errors returned by queue operations.
var (
	// ErrNoJobs is returned when no jobs are available in the queue.
	ErrNoJobs = errors.New("no jobs available")
	// ErrJobNotFound is returned when a job cannot be found or is not in the expected state.
	ErrJobNotFound = fmt.Errorf("redeploy job %w", models.ErrNotFound)
)

// Queue defines the interface for redeploy job queue operations.
type Queue interface {
	// Enqueue adds a new pending job. ID and timestamps are assigned when empty.
	Enqueue(ctx context.Context, job *models.RedeployJob) error

	// Dequeue claims the oldest pending job whose AvailableAt has passed, marks it
	// processing and increments Attempts. Returns ErrNoJobs if no jobs are available.
	Dequeue(ctx context.Context) (*models.RedeployJob, error)

	// Ack marks a processing job as succeeded. The job stays readable through Get.
	Ack(ctx context.Context, jobID string) error

	// Nack returns a processing job to pending, recording cause. The job is not
	// claimed again before retryAt.
	Nack(ctx context.Context, jobID string, cause error, retryAt time.Time) error

	// Defer returns a processing job to pending without spending an attempt. Used
	// when the job could not run yet, e.g. the service is locked by another operation.
	Defer(ctx context.Context, jobID string, retryAt time.Time) error

	// Fail marks a processing job as failed for good, recording cause.
	Fail(ctx context.Context, jobID string, cause error) error

	// Get returns a job in any state.
	Get(ctx context.Context, jobID string) (*models.RedeployJob, error)
}

func causeText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

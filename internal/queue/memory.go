package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keelhost/control-plane/internal/models"
)

// MemoryQueue is an in-process FIFO queue. Jobs do not survive a restart.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*models.RedeployJob
	pending []string
	logger  *slog.Logger
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue(logger *slog.Logger) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		jobs:   make(map[string]*models.RedeployJob),
		logger: logger,
	}
}

// Enqueue adds a new pending job.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *models.RedeployJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
	job.Status = models.RedeployStatusPending

	stored := *job
	q.jobs[job.ID] = &stored
	q.pending = append(q.pending, job.ID)

	q.logger.Debug("enqueued redeploy job", "job_id", job.ID, "service_id", job.ServiceID)
	return nil
}

// Dequeue claims the oldest pending job that is available.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*models.RedeployJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	kept := q.pending[:0]
	var claimed *models.RedeployJob
	for _, id := range q.pending {
		job, ok := q.jobs[id]
		if !ok || job.Status != models.RedeployStatusPending {
			continue
		}
		if claimed != nil || job.AvailableAt.After(now) {
			kept = append(kept, id)
			continue
		}
		claimed = job
	}
	q.pending = kept
	if claimed == nil {
		return nil, ErrNoJobs
	}

	claimed.Status = models.RedeployStatusProcessing
	claimed.Attempts++
	claimed.StartedAt = &now
	claimed.UpdatedAt = now

	out := *claimed
	return &out, nil
}

// Ack marks a processing job as succeeded.
func (q *MemoryQueue) Ack(ctx context.Context, jobID string) error {
	return q.settle(jobID, models.RedeployStatusSucceeded, nil, nil)
}

// Nack puts a processing job back at the end of the queue, available from retryAt.
func (q *MemoryQueue) Nack(ctx context.Context, jobID string, cause error, retryAt time.Time) error {
	return q.settle(jobID, models.RedeployStatusPending, cause, func(job *models.RedeployJob) {
		job.AvailableAt = retryAt.UTC()
	})
}

// Defer puts a processing job back without counting the attempt.
func (q *MemoryQueue) Defer(ctx context.Context, jobID string, retryAt time.Time) error {
	return q.settle(jobID, models.RedeployStatusPending, nil, func(job *models.RedeployJob) {
		job.AvailableAt = retryAt.UTC()
		if job.Attempts > 0 {
			job.Attempts--
		}
	})
}

// Fail marks a processing job as failed.
func (q *MemoryQueue) Fail(ctx context.Context, jobID string, cause error) error {
	return q.settle(jobID, models.RedeployStatusFailed, cause, nil)
}

// Get returns a copy of the job.
func (q *MemoryQueue) Get(ctx context.Context, jobID string) (*models.RedeployJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := *job
	return &out, nil
}

// Len returns the number of pending jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, id := range q.pending {
		if job, ok := q.jobs[id]; ok && job.Status == models.RedeployStatusPending {
			n++
		}
	}
	return n
}

func (q *MemoryQueue) settle(jobID string, status models.RedeployStatus, cause error, apply func(*models.RedeployJob)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.Status != models.RedeployStatusProcessing {
		return ErrJobNotFound
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	if cause != nil {
		job.LastError = causeText(cause)
	}
	if apply != nil {
		apply(job)
	}
	if status == models.RedeployStatusPending {
		job.StartedAt = nil
		q.pending = append(q.pending, job.ID)
	}

	q.logger.Debug("settled redeploy job", "job_id", jobID, "status", status)
	return nil
}

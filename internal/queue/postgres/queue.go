// Package postgres provides a PostgreSQL-backed implementation of the redeploy queue.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/queue"
)

const jobColumns = `id, service_id, branch, repository, pusher, attempts, status, last_error,
	created_at, updated_at, started_at, available_at`

// PostgresQueue implements queue.Queue on the redeploy_jobs table.
type PostgresQueue struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresQueue creates a new PostgreSQL-backed queue.
func NewPostgresQueue(db *sql.DB, logger *slog.Logger) *PostgresQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresQueue{
		db:     db,
		logger: logger,
	}
}

// Enqueue inserts a new pending job.
func (q *PostgresQueue) Enqueue(ctx context.Context, job *models.RedeployJob) error {
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

	query := `
		INSERT INTO redeploy_jobs (id, service_id, branch, repository, pusher, attempts, status, last_error, created_at, updated_at, available_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := q.db.ExecContext(ctx, query,
		job.ID, job.ServiceID, job.Branch, job.Repository, job.Pusher,
		job.Attempts, job.Status, job.LastError, job.CreatedAt, job.UpdatedAt, job.AvailableAt,
	)
	if err != nil {
		return fmt.Errorf("inserting job into queue: %w", err)
	}

	q.logger.Debug("enqueued redeploy job", "job_id", job.ID, "service_id", job.ServiceID)
	return nil
}

// Dequeue claims the oldest pending job that is available.
// Uses SELECT FOR UPDATE SKIP LOCKED for concurrent worker safety.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*models.RedeployJob, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT id
		FROM redeploy_jobs
		WHERE status = 'pending' AND available_at <= $1
		ORDER BY available_at ASC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	now := time.Now().UTC()
	var jobID string
	if err := tx.QueryRowContext(ctx, selectQuery, now).Scan(&jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNoJobs
		}
		return nil, fmt.Errorf("selecting job from queue: %w", err)
	}

	updateQuery := `
		UPDATE redeploy_jobs
		SET status = 'processing', attempts = attempts + 1, started_at = $2, updated_at = $2
		WHERE id = $1
		RETURNING ` + jobColumns

	job, err := scanJob(tx.QueryRowContext(ctx, updateQuery, jobID, now))
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	q.logger.Debug("dequeued redeploy job", "job_id", job.ID, "attempts", job.Attempts)
	return job, nil
}

// Ack marks a processing job as succeeded.
func (q *PostgresQueue) Ack(ctx context.Context, jobID string) error {
	query := `
		UPDATE redeploy_jobs
		SET status = 'succeeded', updated_at = $2
		WHERE id = $1 AND status = 'processing'`

	return q.settle(ctx, "acknowledged", jobID, query, time.Now().UTC())
}

// Nack makes a processing job available for retry from retryAt.
func (q *PostgresQueue) Nack(ctx context.Context, jobID string, cause error, retryAt time.Time) error {
	query := `
		UPDATE redeploy_jobs
		SET status = 'pending', started_at = NULL, last_error = $3, available_at = $4, updated_at = $2
		WHERE id = $1 AND status = 'processing'`

	return q.settle(ctx, "nacked", jobID, query, time.Now().UTC(), errText(cause), retryAt.UTC())
}

// Defer returns a processing job to pending without counting the attempt.
func (q *PostgresQueue) Defer(ctx context.Context, jobID string, retryAt time.Time) error {
	query := `
		UPDATE redeploy_jobs
		SET status = 'pending', started_at = NULL, attempts = GREATEST(attempts - 1, 0),
			available_at = $3, updated_at = $2
		WHERE id = $1 AND status = 'processing'`

	return q.settle(ctx, "deferred", jobID, query, time.Now().UTC(), retryAt.UTC())
}

// Fail marks a processing job as failed.
func (q *PostgresQueue) Fail(ctx context.Context, jobID string, cause error) error {
	query := `
		UPDATE redeploy_jobs
		SET status = 'failed', last_error = $3, updated_at = $2
		WHERE id = $1 AND status = 'processing'`

	return q.settle(ctx, "failed", jobID, query, time.Now().UTC(), errText(cause))
}

// Get returns a job in any state.
func (q *PostgresQueue) Get(ctx context.Context, jobID string) (*models.RedeployJob, error) {
	query := `SELECT ` + jobColumns + ` FROM redeploy_jobs WHERE id = $1`

	job, err := scanJob(q.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrJobNotFound
		}
		return nil, fmt.Errorf("getting redeploy job: %w", err)
	}
	return job, nil
}

func (q *PostgresQueue) settle(ctx context.Context, verb, jobID, query string, args ...any) error {
	result, err := q.db.ExecContext(ctx, query, append([]any{jobID}, args...)...)
	if err != nil {
		return fmt.Errorf("updating job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return queue.ErrJobNotFound
	}

	q.logger.Debug(verb+" redeploy job", "job_id", jobID)
	return nil
}

func scanJob(row *sql.Row) (*models.RedeployJob, error) {
	var job models.RedeployJob
	var startedAt sql.NullTime
	err := row.Scan(
		&job.ID, &job.ServiceID, &job.Branch, &job.Repository, &job.Pusher,
		&job.Attempts, &job.Status, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &job.AvailableAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	return &job, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

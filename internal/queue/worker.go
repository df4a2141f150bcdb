package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/keelhost/control-plane/internal/metrics"
	"github.com/keelhost/control-plane/internal/models"
)

// Reloader re-applies a service's latest code to its running process.
type Reloader interface {
	Reload(ctx context.Context, serviceID string) (*models.Service, error)
}

// WorkerConfig holds configuration for the redeploy worker.
type WorkerConfig struct {
	Concurrency  int
	MaxAttempts  int
	PollInterval time.Duration
	ErrorBackoff time.Duration

	// RetryBackoff is the delay before the second attempt; it doubles per
	// attempt up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// A job whose service is locked is deferred by BusyBackoff without spending
	// an attempt, until BusyTimeout has passed since it was enqueued.
	BusyBackoff time.Duration
	BusyTimeout time.Duration
}

// DefaultWorkerConfig returns a WorkerConfig with sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  2,
		MaxAttempts:  3,
		PollInterval: time.Second,
		ErrorBackoff: 5 * time.Second,

		RetryBackoff:    5 * time.Second,
		MaxRetryBackoff: 2 * time.Minute,
		BusyBackoff:     2 * time.Second,
		BusyTimeout:     30 * time.Minute,
	}
}

// Worker processes redeploy jobs from the queue.
type Worker struct {
	queue    Queue
	reloader Reloader
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      WorkerConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a redeploy worker. m may be nil.
func NewWorker(cfg WorkerConfig, q Queue, reloader Reloader, m *metrics.Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWorkerConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = max(def.MaxRetryBackoff, cfg.RetryBackoff)
	}
	if cfg.BusyBackoff <= 0 {
		cfg.BusyBackoff = def.BusyBackoff
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}
	return &Worker{
		queue:    q,
		reloader: reloader,
		metrics:  m,
		logger:   logger.With("component", "redeploy_worker"),
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start spawns the worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting redeploy worker", "concurrency", w.cfg.Concurrency)

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// Stop signals the workers and waits for in-flight jobs to complete.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("stopping redeploy worker")
		close(w.stopCh)
	})
	w.wg.Wait()
	w.logger.Info("redeploy worker stopped")
}

func (w *Worker) workerLoop(ctx context.Context, workerID int) {
	defer w.wg.Done()

	logger := w.logger.With("worker_id", workerID)
	logger.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker context cancelled")
			return
		case <-w.stopCh:
			logger.Debug("worker stop signal received")
			return
		default:
		}

		_, err := w.ProcessNext(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, ErrNoJobs):
			w.sleep(ctx, w.cfg.PollInterval)
		default:
			logger.Error("failed to dequeue job", "error", err)
			w.sleep(ctx, w.cfg.ErrorBackoff)
		}
	}
}

// ProcessNext claims one job and runs it to a settled state. It returns the job as
// claimed, ErrNoJobs when the queue is empty, or a queue error.
func (w *Worker) ProcessNext(ctx context.Context) (*models.RedeployJob, error) {
	job, err := w.queue.Dequeue(ctx)
	if err != nil {
		return nil, err
	}

	logger := w.logger.With("job_id", job.ID, "service_id", job.ServiceID, "attempt", job.Attempts)
	logger.Info("processing redeploy job", "branch", job.Branch, "pusher", job.Pusher)

	_, runErr := w.reloader.Reload(ctx, job.ServiceID)
	switch {
	case runErr == nil:
		if err := w.queue.Ack(ctx, job.ID); err != nil {
			logger.Error("failed to ack job", "error", err)
		}
		w.metrics.RedeployJob("succeeded")
		logger.Info("redeploy succeeded")

	case errors.Is(runErr, models.ErrBusy) && time.Since(job.CreatedAt) < w.cfg.BusyTimeout:
		if err := w.queue.Defer(ctx, job.ID, time.Now().Add(w.cfg.BusyBackoff)); err != nil {
			logger.Error("failed to defer job", "error", err)
		}
		w.metrics.RedeployJob("deferred")
		logger.Info("service busy, redeploy deferred", "retry_in", w.cfg.BusyBackoff)

	case terminal(runErr) || job.Attempts >= w.cfg.MaxAttempts:
		if err := w.queue.Fail(ctx, job.ID, runErr); err != nil {
			logger.Error("failed to fail job", "error", err)
		}
		w.metrics.RedeployJob("failed")
		logger.Warn("redeploy failed", "error", runErr)

	default:
		delay := w.retryDelay(job.Attempts)
		if err := w.queue.Nack(ctx, job.ID, runErr, time.Now().Add(delay)); err != nil {
			logger.Error("failed to nack job", "error", err)
		}
		w.metrics.RedeployJob("retried")
		logger.Warn("redeploy will be retried", "retry_in", delay, "error", runErr)
	}
	return job, nil
}

// retryDelay is RetryBackoff doubled for every attempt after the first, capped at
// MaxRetryBackoff.
func (w *Worker) retryDelay(attempts int) time.Duration {
	d := w.cfg.RetryBackoff
	for i := 1; i < attempts && d < w.cfg.MaxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, w.cfg.MaxRetryBackoff)
}

// terminal reports whether retrying cannot change the outcome.
func terminal(err error) bool {
	return errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrPrecondition) ||
		errors.Is(err, models.ErrValidation)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-w.stopCh:
	}
}

// Package pipeline runs ordered, named steps and records the outcome of each.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Step is a single named unit of work.
type Step struct {
	Name string
	// Timeout bounds the step. Zero means the parent context's deadline only.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// StepResult records how one step finished.
type StepResult struct {
	Name     string        `json:"name"`
	Err      error         `json:"-"`
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the step succeeded.
func (r StepResult) OK() bool { return r.Err == nil }

// Result is the outcome of a run. FailedStep is empty on success.
type Result struct {
	Steps      []StepResult
	FailedStep string
	Err        error
}

// OK reports whether every step succeeded.
func (r *Result) OK() bool { return r.Err == nil }

// StepError is returned when a step fails.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// Observer receives step lifecycle callbacks.
type Observer interface {
	StepStarted(name string)
	StepFinished(name string, err error, d time.Duration)
}

// Options configures a run.
type Options struct {
	// Name identifies the pipeline in logs.
	Name      string
	Logger    *slog.Logger
	Observers []Observer
}

// Skip is returned by a step that decided it had nothing to do.
var Skip = skipError{}

type skipError struct{}

func (skipError) Error() string { return "step skipped" }

// Run executes steps in order and stops at the first failure. A step never starts before
// the previous one has succeeded.
func Run(ctx context.Context, steps []Step, opts Options) *Result {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("pipeline", opts.Name)

	res := &Result{Steps: make([]StepResult, 0, len(steps))}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			res.fail(step.Name, err, 0)
			break
		}

		for _, o := range opts.Observers {
			o.StepStarted(step.Name)
		}
		log.Debug("step started", "step", step.Name)

		started := time.Now()
		err := runStep(ctx, step)
		elapsed := time.Since(started)

		if err == Skip {
			res.Steps = append(res.Steps, StepResult{Name: step.Name, Skipped: true, Duration: elapsed})
			log.Debug("step skipped", "step", step.Name)
			for _, o := range opts.Observers {
				o.StepFinished(step.Name, nil, elapsed)
			}
			continue
		}

		for _, o := range opts.Observers {
			o.StepFinished(step.Name, err, elapsed)
		}
		if err != nil {
			log.Warn("step failed", "step", step.Name, "duration", elapsed, "error", err)
			res.fail(step.Name, err, elapsed)
			break
		}
		log.Info("step completed", "step", step.Name, "duration", elapsed)
		res.Steps = append(res.Steps, StepResult{Name: step.Name, Duration: elapsed})
	}
	return res
}

func runStep(ctx context.Context, step Step) error {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	return step.Run(ctx)
}

func (r *Result) fail(name string, err error, d time.Duration) {
	r.Steps = append(r.Steps, StepResult{Name: name, Err: err, Duration: d})
	r.FailedStep = name
	r.Err = &StepError{Step: name, Err: err}
}

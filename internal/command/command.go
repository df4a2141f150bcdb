// Package command runs the external executables the control plane drives (git, package
// managers, pm2, nginx, certbot) and reports failures as structured errors.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/keelhost/control-plane/internal/models"
)

// Command describes a single external invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env is appended to the parent environment.
	Env []string
	// Redact lists substrings (tokens) scrubbed from errors and logs.
	Redact []string
}

// String renders the command line with secrets redacted.
func (c Command) String() string {
	return c.scrub(strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " ")))
}

func (c Command) scrub(s string) string {
	for _, secret := range c.Redact {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, "***")
		}
	}
	return s
}

// Result holds captured output of a successful command.
type Result struct {
	Stdout []byte
	Stderr []byte
}

// Error represents a failed external command.
type Error struct {
	// Command is the executable name.
	Command string
	// Args are the redacted arguments.
	Args []string
	// ExitCode is the process exit code, or -1 when it never ran or was killed.
	ExitCode int
	// Stderr contains the redacted stderr output.
	Stderr string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s failed (exit %d): %s", e.Command, e.ExitCode, lastLines(e.Stderr, 5))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s failed with exit code %d", e.Command, e.ExitCode)
}

// Unwrap exposes both the external-failure category and the underlying error.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{models.ErrExternal}
	}
	return []error{models.ErrExternal, e.Err}
}

// AsError attempts to convert an error to a command Error.
func AsError(err error) (*Error, bool) {
	var cmdErr *Error
	ok := errors.As(err, &cmdErr)
	return cmdErr, ok
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates a runner backed by os/exec.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger.With("component", "command")}
}

// Run executes cmd and waits for it. Cancellation of ctx kills the process.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Stdout = &stdout
	c.Stderr = &stderr
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.WaitDelay = 5 * time.Second

	start := time.Now()
	err := c.Run()
	r.logger.Debug("command finished", "command", cmd.String(), "duration", time.Since(start), "error", err)

	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		cause := errors.New(cmd.scrub(err.Error()))
		if ctxErr := ctx.Err(); ctxErr != nil {
			cause = fmt.Errorf("%w: %s", ctxErr, cmd.scrub(err.Error()))
		}
		return nil, NewError(cmd, exitCode, stderr.String(), cause)
	}

	return &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// NewError builds a redacted Error for cmd. err must not contain secrets.
func NewError(cmd Command, exitCode int, stderr string, err error) *Error {
	args := make([]string, len(cmd.Args))
	for i, a := range cmd.Args {
		args[i] = cmd.scrub(a)
	}
	return &Error{
		Command:  cmd.Name,
		Args:     args,
		ExitCode: exitCode,
		Stderr:   cmd.scrub(stderr),
		Err:      err,
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

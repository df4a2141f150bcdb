package command

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/pkg/logger"
)

func TestExecRunnerFailureIsRedacted(t *testing.T) {
	r := NewExecRunner(logger.Discard())
	cmd := Command{
		Name:   "sh",
		Args:   []string{"-c", "echo token-abc123 >&2; exit 3"},
		Redact: []string{"token-abc123"},
	}

	_, err := r.Run(context.Background(), cmd)
	cmdErr, ok := AsError(err)
	if !ok {
		t.Fatalf("expected command error, got %v", err)
	}
	if cmdErr.ExitCode != 3 {
		t.Errorf("exit code = %d", cmdErr.ExitCode)
	}
	if strings.Contains(err.Error(), "abc123") || strings.Contains(strings.Join(cmdErr.Args, " "), "abc123") {
		t.Errorf("secret leaked: %v %v", err, cmdErr.Args)
	}
	if !errors.Is(err, models.ErrExternal) {
		t.Error("command error should classify as external")
	}
}

func TestExecRunnerCapturesStdout(t *testing.T) {
	r := NewExecRunner(logger.Discard())
	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "printf hello"}})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestExecRunnerTimeout(t *testing.T) {
	r := NewExecRunner(logger.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, Command{Name: "sleep", Args: []string{"5"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestFakeMatchesLatestHandler(t *testing.T) {
	f := NewFake()
	f.Fail("git clone", "fatal: repository not found")
	f.On("git clone --branch main", func(c Command) (*Result, error) {
		return &Result{Stdout: []byte("ok")}, nil
	})

	res, err := f.Run(context.Background(), Command{Name: "git", Args: []string{"clone", "--branch", "main", "x"}})
	if err != nil || string(res.Stdout) != "ok" {
		t.Fatalf("Run = %v, %v", res, err)
	}
	if _, err := f.Run(context.Background(), Command{Name: "git", Args: []string{"clone", "y"}}); err == nil {
		t.Fatal("expected failure")
	}
	if f.Count("git clone") != 2 {
		t.Errorf("calls = %v", f.Lines())
	}
}

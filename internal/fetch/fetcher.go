// Package fetch maintains credentialed git working copies of service repositories.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/keelhost/control-plane/internal/command"
	"github.com/keelhost/control-plane/internal/models"
)

// Source identifies what to check out.
type Source struct {
	RepoURL string
	Branch  string
	// Token is injected into HTTPS URLs. Empty for public repositories.
	Token string
}

// Result contains the outcome of a successful sync.
type Result struct {
	// Path is the working copy root.
	Path string
	// CommitSHA is the checked-out HEAD.
	CommitSHA string
	// Cloned is true when the working copy was created by this sync.
	Cloned bool
}

// Fetcher clones or fast-forwards working copies.
type Fetcher struct {
	runner command.Runner
	gitBin string
	logger *slog.Logger
}

// NewFetcher creates a Fetcher running gitBin through runner.
func NewFetcher(runner command.Runner, gitBin string, logger *slog.Logger) *Fetcher {
	if gitBin == "" {
		gitBin = "git"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{runner: runner, gitBin: gitBin, logger: logger.With("component", "fetcher")}
}

// Sync makes dest a working copy of src at the tip of src.Branch. An existing
// working copy has its remote refreshed and is hard-reset to origin/<branch>.
// The branch is fetched with an explicit refspec, so a working copy cloned with
// --single-branch can follow a service whose branch was changed.
func (f *Fetcher) Sync(ctx context.Context, src Source, dest string) (*Result, error) {
	if src.Branch == "" {
		return nil, fmt.Errorf("%w: branch is required", models.ErrValidation)
	}
	authURL, err := AuthURL(src.RepoURL, src.Token)
	if err != nil {
		return nil, err
	}
	redact := []string{src.Token}

	cloned := false
	if _, statErr := os.Stat(filepath.Join(dest, ".git")); errors.Is(statErr, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, fmt.Errorf("creating workspace: %w", err)
		}
		// A leftover directory without .git would make clone fail.
		if err := os.RemoveAll(dest); err != nil {
			return nil, fmt.Errorf("clearing workspace: %w", err)
		}
		f.logger.Info("cloning repository", "repo", src.RepoURL, "branch", src.Branch, "dest", dest)
		if _, err := f.git(ctx, "", redact, "clone", "--branch", src.Branch, "--single-branch", authURL, dest); err != nil {
			return nil, err
		}
		cloned = true
	} else {
		f.logger.Info("updating repository", "repo", src.RepoURL, "branch", src.Branch, "dest", dest)
		steps := [][]string{
			{"remote", "set-url", "origin", authURL},
			{"fetch", "origin", "+refs/heads/" + src.Branch + ":refs/remotes/origin/" + src.Branch},
			{"checkout", "--force", "-B", src.Branch, "origin/" + src.Branch},
			{"reset", "--hard", "origin/" + src.Branch},
		}
		for _, args := range steps {
			if _, err := f.git(ctx, dest, redact, args...); err != nil {
				return nil, err
			}
		}
	}

	res, err := f.git(ctx, dest, redact, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	return &Result{Path: dest, CommitSHA: strings.TrimSpace(string(res.Stdout)), Cloned: cloned}, nil
}

func (f *Fetcher) git(ctx context.Context, dir string, redact []string, args ...string) (*command.Result, error) {
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	return f.runner.Run(ctx, command.Command{
		Name:   f.gitBin,
		Args:   args,
		Env:    []string{"GIT_TERMINAL_PROMPT=0"},
		Redact: redact,
	})
}

// AuthURL injects token into an HTTPS repository URL as x-access-token basic auth.
// Non-HTTPS URLs and empty tokens are returned unchanged.
func AuthURL(repoURL, token string) (string, error) {
	if strings.TrimSpace(repoURL) == "" {
		return "", fmt.Errorf("%w: repository URL is required", models.ErrValidation)
	}
	if token == "" || !strings.HasPrefix(repoURL, "https://") {
		return repoURL, nil
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid repository URL: %v", models.ErrValidation, err)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

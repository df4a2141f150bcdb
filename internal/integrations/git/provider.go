// Package git provides access to the source-control provider operations the control plane consumes.
package git

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/keelhost/control-plane/internal/models"
)

// ErrUnauthorized is returned when the provider rejects the token.
var ErrUnauthorized = errors.New("provider rejected credentials")

// Provider defines the source-control operations used for deployments and webhooks.
type Provider interface {
	// ListRepositories returns repositories the token has access to.
	ListRepositories(ctx context.Context, token string) ([]models.Repository, error)

	// ListBranches returns the branch names of a repository.
	ListBranches(ctx context.Context, token, owner, repo string) ([]string, error)

	// CreateWebhook registers a push webhook and returns the provider-assigned id.
	CreateWebhook(ctx context.Context, token, owner, repo, callbackURL string) (string, error)

	// DeleteWebhook removes a webhook from a repository.
	DeleteWebhook(ctx context.Context, token, owner, repo, webhookID string) error
}

// ParseRepoURL extracts owner and repository name from an HTTPS or SSH repository URL.
func ParseRepoURL(repoURL string) (owner, repo string, err error) {
	raw := strings.TrimSpace(repoURL)
	var path string

	switch {
	case strings.HasPrefix(raw, "git@"):
		// git@github.com:owner/repo.git
		idx := strings.Index(raw, ":")
		if idx < 0 {
			return "", "", fmt.Errorf("%w: invalid repository URL %q", models.ErrValidation, repoURL)
		}
		path = raw[idx+1:]
	default:
		u, perr := url.Parse(raw)
		if perr != nil || u.Host == "" {
			return "", "", fmt.Errorf("%w: invalid repository URL %q", models.ErrValidation, repoURL)
		}
		path = u.Path
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: repository URL %q must be <host>/<owner>/<repo>", models.ErrValidation, repoURL)
	}
	return parts[0], parts[1], nil
}

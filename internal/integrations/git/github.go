package git

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/keelhost/control-plane/internal/models"
)

const githubAPIURL = "https://api.github.com"

// maxPages bounds pagination when listing repositories and branches.
const maxPages = 10

// GitHubProvider implements Provider against the GitHub REST API.
type GitHubProvider struct {
	baseURL string
	client  *http.Client
}

// NewGitHubProvider creates a new GitHub provider instance.
func NewGitHubProvider() *GitHubProvider {
	return NewGitHubProviderWithURL(githubAPIURL, nil)
}

// NewGitHubProviderWithURL targets a different API root, e.g. GitHub Enterprise or a test server.
func NewGitHubProviderWithURL(baseURL string, client *http.Client) *GitHubProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GitHubProvider{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (p *GitHubProvider) do(ctx context.Context, method, path, token string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling payload: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: executing request: %v", models.ErrExternal, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %w", models.ErrExternal, ErrUnauthorized)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s: repository not found or not accessible", models.ErrNotFound, op)
	}
	return fmt.Errorf("%w: %s: status %d: %s", models.ErrExternal, op, resp.StatusCode, strings.TrimSpace(string(msg)))
}

// ListRepositories returns repositories the authenticated user has access to.
func (p *GitHubProvider) ListRepositories(ctx context.Context, token string) ([]models.Repository, error) {
	var repos []models.Repository
	for page := 1; page <= maxPages; page++ {
		resp, err := p.do(ctx, http.MethodGet, fmt.Sprintf("/user/repos?per_page=100&sort=updated&page=%d", page), token, nil)
		if err != nil {
			return nil, err
		}

		var ghRepos []struct {
			ID       int64  `json:"id"`
			Name     string `json:"name"`
			FullName string `json:"full_name"`
			CloneURL string `json:"clone_url"`
		}
		if resp.StatusCode != http.StatusOK {
			err := statusError("listing repositories", resp)
			resp.Body.Close()
			return nil, err
		}
		err = json.NewDecoder(resp.Body).Decode(&ghRepos)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}

		for _, r := range ghRepos {
			repos = append(repos, models.Repository{ID: r.ID, Name: r.Name, FullName: r.FullName, URL: r.CloneURL})
		}
		if len(ghRepos) < 100 {
			break
		}
	}
	return repos, nil
}

// ListBranches returns the branch names of owner/repo.
func (p *GitHubProvider) ListBranches(ctx context.Context, token, owner, repo string) ([]string, error) {
	var branches []string
	for page := 1; page <= maxPages; page++ {
		resp, err := p.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/branches?per_page=100&page=%d", owner, repo, page), token, nil)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			err := statusError("listing branches", resp)
			resp.Body.Close()
			return nil, err
		}

		var ghBranches []struct {
			Name string `json:"name"`
		}
		err = json.NewDecoder(resp.Body).Decode(&ghBranches)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}

		for _, b := range ghBranches {
			branches = append(branches, b.Name)
		}
		if len(ghBranches) < 100 {
			break
		}
	}
	return branches, nil
}

// CreateWebhook creates a push webhook for a repository.
func (p *GitHubProvider) CreateWebhook(ctx context.Context, token, owner, repo, callbackURL string) (string, error) {
	payload := map[string]any{
		"name":   "web",
		"active": true,
		"events": []string{"push"},
		"config": map[string]any{
			"url":          callbackURL,
			"content_type": "json",
			"insecure_ssl": "0",
		},
	}

	resp, err := p.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/hooks", owner, repo), token, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", statusError("creating webhook", resp)
	}

	var ghWebhook struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ghWebhook); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return fmt.Sprintf("%d", ghWebhook.ID), nil
}

// DeleteWebhook removes a webhook from a repository. A webhook that is already gone is not an error.
func (p *GitHubProvider) DeleteWebhook(ctx context.Context, token, owner, repo, webhookID string) error {
	resp, err := p.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/%s/hooks/%s", owner, repo, webhookID), token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return statusError("deleting webhook", resp)
	}
}

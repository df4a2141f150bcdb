package credentials

import (
	"context"
	"fmt"
	"sync"

	"github.com/keelhost/control-plane/internal/models"
)

// FakeProvider is an in-memory git.Provider for tests.
type FakeProvider struct {
	mu        sync.Mutex
	nextID    int
	Hooks     map[string]string // webhook id -> callback URL
	Branches  []string
	CreateErr error
	DeleteErr error
}

// NewFakeProvider creates an empty fake provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{Hooks: make(map[string]string), Branches: []string{"main"}}
}

func (f *FakeProvider) ListRepositories(ctx context.Context, token string) ([]models.Repository, error) {
	return []models.Repository{{ID: 1, Name: "api", FullName: "acme/api", URL: "https://github.com/acme/api.git"}}, nil
}

func (f *FakeProvider) ListBranches(ctx context.Context, token, owner, repo string) ([]string, error) {
	return append([]string(nil), f.Branches...), nil
}

func (f *FakeProvider) CreateWebhook(ctx context.Context, token, owner, repo, callbackURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.nextID++
	id := fmt.Sprint(f.nextID)
	f.Hooks[id] = callbackURL
	return id, nil
}

func (f *FakeProvider) DeleteWebhook(ctx context.Context, token, owner, repo, webhookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	delete(f.Hooks, webhookID)
	return nil
}

// HookCount returns the number of registered webhooks.
func (f *FakeProvider) HookCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Hooks)
}

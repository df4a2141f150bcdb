// Package credentials resolves stored source-control tokens and performs provider calls with them.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/keelhost/control-plane/internal/integrations/git"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/store"
)

// Sealer encrypts and decrypts token secrets.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// Service is the credential collaborator used by the deployment and webhook pipelines.
type Service struct {
	tokens   store.TokenStore
	sealer   Sealer
	provider git.Provider
	logger   *slog.Logger
}

// NewService creates a credential service.
func NewService(tokens store.TokenStore, sealer Sealer, provider git.Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{tokens: tokens, sealer: sealer, provider: provider, logger: logger.With("component", "credentials")}
}

// Store encrypts and persists a new token for ownerID.
func (s *Service) Store(ctx context.Context, ownerID, name, secret string) (*models.SourceToken, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: token name is required", models.ErrValidation)
	}
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: token secret is required", models.ErrValidation)
	}

	sealed, err := s.sealer.Seal([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("sealing token: %w", err)
	}

	token := &models.SourceToken{
		OwnerID:         ownerID,
		Name:            name,
		Provider:        models.ProviderGitHub,
		EncryptedSecret: sealed,
	}
	if err := s.tokens.Create(ctx, token); err != nil {
		return nil, fmt.Errorf("storing token: %w", err)
	}
	s.logger.Info("stored source token", "token_id", token.ID, "owner_id", ownerID)
	return token, nil
}

// ResolveToken returns the plaintext secret of tokenID.
func (s *Service) ResolveToken(ctx context.Context, tokenID string) (string, error) {
	if tokenID == "" {
		return "", nil
	}
	token, err := s.tokens.Get(ctx, tokenID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: source token %s", models.ErrNotFound, tokenID)
		}
		return "", fmt.Errorf("loading token: %w", err)
	}
	secret, err := s.sealer.Open(token.EncryptedSecret)
	if err != nil {
		return "", fmt.Errorf("opening token %s: %w", tokenID, err)
	}
	return string(secret), nil
}

// ListRepositories lists repositories visible to a plaintext token.
func (s *Service) ListRepositories(ctx context.Context, token string) ([]models.Repository, error) {
	return s.provider.ListRepositories(ctx, token)
}

// ListBranches lists branches of repoURL.
func (s *Service) ListBranches(ctx context.Context, token, repoURL string) ([]string, error) {
	owner, repo, err := git.ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	return s.provider.ListBranches(ctx, token, owner, repo)
}

// CreateWebhook registers callbackURL as a push webhook on repoURL and returns the external id.
func (s *Service) CreateWebhook(ctx context.Context, token, repoURL, callbackURL string) (string, error) {
	owner, repo, err := git.ParseRepoURL(repoURL)
	if err != nil {
		return "", err
	}
	return s.provider.CreateWebhook(ctx, token, owner, repo, callbackURL)
}

// DeleteWebhook removes the external webhook id from repoURL.
func (s *Service) DeleteWebhook(ctx context.Context, token, repoURL, externalID string) error {
	owner, repo, err := git.ParseRepoURL(repoURL)
	if err != nil {
		return err
	}
	return s.provider.DeleteWebhook(ctx, token, owner, repo, externalID)
}

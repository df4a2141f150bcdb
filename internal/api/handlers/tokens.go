package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/keelhost/control-plane/internal/auth"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/store"
)

// TokenCredentials stores tokens and performs provider calls with them.
type TokenCredentials interface {
	Store(ctx context.Context, ownerID, name, secret string) (*models.SourceToken, error)
	ResolveToken(ctx context.Context, tokenID string) (string, error)
	ListRepositories(ctx context.Context, token string) ([]models.Repository, error)
	ListBranches(ctx context.Context, token, repoURL string) ([]string, error)
}

// TokenHandler handles source-control token HTTP requests.
type TokenHandler struct {
	tokens store.TokenStore
	creds  TokenCredentials
	logger *slog.Logger
}

// NewTokenHandler creates a new token handler.
func NewTokenHandler(tokens store.TokenStore, creds TokenCredentials, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{tokens: tokens, creds: creds, logger: logger}
}

// CreateTokenRequest represents the request body for storing a token.
type CreateTokenRequest struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

// Create handles POST /v1/tokens.
func (h *TokenHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	token, err := h.creds.Store(r.Context(), actor(r).ID, req.Name, req.Token)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, token)
}

// List handles GET /v1/tokens.
func (h *TokenHandler) List(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.tokens.ListByOwner(r.Context(), actor(r).ID)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if tokens == nil {
		tokens = []*models.SourceToken{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

// Delete handles DELETE /v1/tokens/{tokenID}.
func (h *TokenHandler) Delete(w http.ResponseWriter, r *http.Request) {
	token, err := h.load(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if err := h.tokens.Delete(r.Context(), token.ID); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Repositories handles GET /v1/tokens/{tokenID}/repos.
func (h *TokenHandler) Repositories(w http.ResponseWriter, r *http.Request) {
	secret, err := h.secret(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	repos, err := h.creds.ListRepositories(r.Context(), secret)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"repositories": repos})
}

// Branches handles GET /v1/tokens/{tokenID}/branches?repo=<url>.
func (h *TokenHandler) Branches(w http.ResponseWriter, r *http.Request) {
	repo := strings.TrimSpace(r.URL.Query().Get("repo"))
	if repo == "" {
		WriteBadRequest(w, r, "repo query parameter is required")
		return
	}
	secret, err := h.secret(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	branches, err := h.creds.ListBranches(r.Context(), secret, repo)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

func (h *TokenHandler) secret(r *http.Request) (string, error) {
	token, err := h.load(r)
	if err != nil {
		return "", err
	}
	return h.creds.ResolveToken(r.Context(), token.ID)
}

func (h *TokenHandler) load(r *http.Request) (*models.SourceToken, error) {
	id := chi.URLParam(r, "tokenID")
	token, err := h.tokens.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: source token %s", models.ErrNotFound, id)
		}
		return nil, err
	}
	if err := auth.CanUseToken(actor(r), token); err != nil {
		return nil, err
	}
	return token, nil
}

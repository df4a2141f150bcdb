package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/store"
)

// TokenStore implements store.TokenStore using PostgreSQL.
type TokenStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *TokenStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Create stores an encrypted source-control token.
func (s *TokenStore) Create(ctx context.Context, t *models.SourceToken) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO source_tokens (id, owner_id, name, provider, encrypted_secret, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.conn().ExecContext(ctx, query, t.ID, t.OwnerID, t.Name, string(t.Provider), t.EncryptedSecret, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

// Get retrieves a token including its encrypted secret.
func (s *TokenStore) Get(ctx context.Context, id string) (*models.SourceToken, error) {
	query := `
		SELECT id, owner_id, name, provider, encrypted_secret, created_at
		FROM source_tokens WHERE id = $1`

	t := &models.SourceToken{}
	var provider string
	err := s.conn().QueryRowContext(ctx, query, id).Scan(&t.ID, &t.OwnerID, &t.Name, &provider, &t.EncryptedSecret, &t.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "querying token")
	}
	t.Provider = models.Provider(provider)
	return t, nil
}

// ListByOwner lists token metadata. Secrets are not loaded.
func (s *TokenStore) ListByOwner(ctx context.Context, ownerID string) ([]*models.SourceToken, error) {
	query := `
		SELECT id, owner_id, name, provider, created_at
		FROM source_tokens WHERE owner_id = $1 ORDER BY name ASC`

	rows, err := s.conn().QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*models.SourceToken
	for rows.Next() {
		t := &models.SourceToken{}
		var provider string
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Name, &provider, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning token: %w", err)
		}
		t.Provider = models.Provider(provider)
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// Delete removes a token.
func (s *TokenStore) Delete(ctx context.Context, id string) error {
	result, err := s.conn().ExecContext(ctx, `DELETE FROM source_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return expectOneRow(result)
}

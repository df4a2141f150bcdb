// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"fmt"

	"github.com/keelhost/control-plane/internal/models"
)

// Common store errors. Each wraps a models category so API code can classify it.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = fmt.Errorf("record %w", models.ErrNotFound)

	// ErrDuplicate is returned when a unique key (domain name, token name) is already taken.
	ErrDuplicate = fmt.Errorf("%w: duplicate key", models.ErrValidation)

	// ErrConcurrentModification is returned when an optimistic locking conflict is detected.
	// This occurs when the version field doesn't match during an update operation.
	ErrConcurrentModification = fmt.Errorf("%w: record was modified by another request", models.ErrBusy)
)

// ServiceStore defines operations for persisted services.
type ServiceStore interface {
	// Create inserts a new service. ID and timestamps are assigned when empty.
	Create(ctx context.Context, svc *models.Service) error
	// Get retrieves a service by ID.
	Get(ctx context.Context, id string) (*models.Service, error)
	// GetByWebhookKey retrieves the webhook-enabled service owning deployKey.
	GetByWebhookKey(ctx context.Context, deployKey string) (*models.Service, error)
	// List retrieves all services ordered by creation time.
	List(ctx context.Context) ([]*models.Service, error)
	// Update persists svc if its Version matches the stored one, then increments Version.
	Update(ctx context.Context, svc *models.Service) error
	// Delete removes a service.
	Delete(ctx context.Context, id string) error
}

// DomainStore defines operations for custom domain management.
type DomainStore interface {
	// Create creates a new domain. Names are unique case-insensitively.
	Create(ctx context.Context, domain *models.Domain) error
	// Get retrieves a domain by ID.
	Get(ctx context.Context, id string) (*models.Domain, error)
	// GetByName retrieves a domain by its hostname.
	GetByName(ctx context.Context, name string) (*models.Domain, error)
	// ListByService retrieves all domains owned by a service.
	ListByService(ctx context.Context, serviceID string) ([]*models.Domain, error)
	// Update persists status and activation fields.
	Update(ctx context.Context, domain *models.Domain) error
	// Delete removes a domain.
	Delete(ctx context.Context, id string) error
	// DeleteByService removes every domain owned by a service.
	DeleteByService(ctx context.Context, serviceID string) (int, error)
}

// TokenStore defines operations for source-control credentials.
type TokenStore interface {
	Create(ctx context.Context, token *models.SourceToken) error
	Get(ctx context.Context, id string) (*models.SourceToken, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.SourceToken, error)
	Delete(ctx context.Context, id string) error
}

// Store is the main interface for database operations.
type Store interface {
	// Services returns the ServiceStore.
	Services() ServiceStore
	// Domains returns the DomainStore.
	Domains() DomainStore
	// Tokens returns the TokenStore.
	Tokens() TokenStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close closes the database connection.
	Close() error
}

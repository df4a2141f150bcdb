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

// DomainStore implements store.DomainStore using PostgreSQL.
type DomainStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *DomainStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const domainColumns = `
	id, name, port, service_id, created_by, status, ssl_enabled, last_checked_at,
	error_message, config_path, activated_at, created_at, updated_at`

// Create creates a new domain mapping.
func (s *DomainStore) Create(ctx context.Context, d *models.Domain) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = models.DomainStatusPending
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	query := `
		INSERT INTO domains (` + domainColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.conn().ExecContext(ctx, query,
		d.ID, d.Name, d.Port, d.ServiceID, d.CreatedBy, string(d.Status), d.SSLEnabled,
		d.LastCheckedAt, d.ErrorMessage, d.ConfigPath, d.ActivatedAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("creating domain: %w", err)
	}
	return nil
}

// Get retrieves a domain by ID.
func (s *DomainStore) Get(ctx context.Context, id string) (*models.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE id = $1`
	d, err := scanDomain(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFoundOr(err, "getting domain")
	}
	return d, nil
}

// GetByName retrieves a domain by hostname, case-insensitively.
func (s *DomainStore) GetByName(ctx context.Context, name string) (*models.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE LOWER(name) = LOWER($1)`
	d, err := scanDomain(s.conn().QueryRowContext(ctx, query, name))
	if err != nil {
		return nil, notFoundOr(err, "getting domain by name")
	}
	return d, nil
}

// ListByService retrieves all domains for a service.
func (s *DomainStore) ListByService(ctx context.Context, serviceID string) ([]*models.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE service_id = $1 ORDER BY name ASC`
	rows, err := s.conn().QueryContext(ctx, query, serviceID)
	if err != nil {
		return nil, fmt.Errorf("querying domains: %w", err)
	}
	defer rows.Close()

	var domains []*models.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning domain: %w", err)
		}
		domains = append(domains, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating domains: %w", err)
	}
	return domains, nil
}

// Update persists status, verification and activation fields.
func (s *DomainStore) Update(ctx context.Context, d *models.Domain) error {
	d.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE domains SET
			port = $2, status = $3, ssl_enabled = $4, last_checked_at = $5, error_message = $6,
			config_path = $7, activated_at = $8, updated_at = $9
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query,
		d.ID, d.Port, string(d.Status), d.SSLEnabled, d.LastCheckedAt, d.ErrorMessage,
		d.ConfigPath, d.ActivatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating domain: %w", err)
	}
	return expectOneRow(result)
}

// Delete removes a domain mapping.
func (s *DomainStore) Delete(ctx context.Context, id string) error {
	result, err := s.conn().ExecContext(ctx, `DELETE FROM domains WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting domain: %w", err)
	}
	return expectOneRow(result)
}

// DeleteByService removes every domain owned by a service.
func (s *DomainStore) DeleteByService(ctx context.Context, serviceID string) (int, error) {
	result, err := s.conn().ExecContext(ctx, `DELETE FROM domains WHERE service_id = $1`, serviceID)
	if err != nil {
		return 0, fmt.Errorf("deleting service domains: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking affected rows: %w", err)
	}
	return int(n), nil
}

func scanDomain(row scanner) (*models.Domain, error) {
	d := &models.Domain{}
	var (
		status      string
		lastChecked sql.NullTime
		activated   sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.Name, &d.Port, &d.ServiceID, &d.CreatedBy, &status, &d.SSLEnabled, &lastChecked,
		&d.ErrorMessage, &d.ConfigPath, &activated, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = models.DomainStatus(status)
	if lastChecked.Valid {
		d.LastCheckedAt = &lastChecked.Time
	}
	if activated.Valid {
		d.ActivatedAt = &activated.Time
	}
	return d, nil
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/store"
	"github.com/lib/pq"
)

// ServiceStore implements store.ServiceStore using PostgreSQL.
type ServiceStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *ServiceStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const serviceColumns = `
	id, name, repo_url, branch, subdirectory, script, args, use_package_manager,
	environments, active_environment, status, process_handle, last_error,
	visibility, owner_id, token_id, node_version, instances, autostart,
	COALESCE(webhook_deploy_key, ''), webhook_enabled, webhook_id,
	version, created_at, updated_at`

// Create creates a new service.
func (s *ServiceStore) Create(ctx context.Context, svc *models.Service) error {
	if svc.ID == "" {
		svc.ID = uuid.New().String()
	}
	envJSON, err := marshalEnvironments(svc.Environments)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now
	svc.Version = 1
	if svc.Status == "" {
		svc.Status = models.ServiceStatusStopped
	}

	query := `
		INSERT INTO services (id, name, repo_url, branch, subdirectory, script, args, use_package_manager,
			environments, active_environment, status, process_handle, last_error,
			visibility, owner_id, token_id, node_version, instances, autostart,
			webhook_deploy_key, webhook_enabled, webhook_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25)`

	_, err = s.conn().ExecContext(ctx, query,
		svc.ID, svc.Name, svc.RepoURL, svc.Branch, svc.Subdirectory, svc.Script,
		pq.StringArray(svc.Args), svc.UsePackageManager,
		envJSON, svc.ActiveEnvironment, string(svc.Status), svc.ProcessHandle, svc.LastError,
		string(svc.Visibility), svc.OwnerID, svc.TokenID, svc.NodeVersion, svc.Instances, svc.Autostart,
		nullString(svc.WebhookDeployKey), svc.WebhookEnabled, svc.WebhookID,
		svc.Version, svc.CreatedAt, svc.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("inserting service: %w", err)
	}
	return nil
}

// Get retrieves a service by ID.
func (s *ServiceStore) Get(ctx context.Context, id string) (*models.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE id = $1`
	svc, err := scanService(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFoundOr(err, "querying service")
	}
	return svc, nil
}

// GetByWebhookKey retrieves the webhook-enabled service owning deployKey.
func (s *ServiceStore) GetByWebhookKey(ctx context.Context, deployKey string) (*models.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE webhook_deploy_key = $1 AND webhook_enabled`
	svc, err := scanService(s.conn().QueryRowContext(ctx, query, deployKey))
	if err != nil {
		return nil, notFoundOr(err, "querying service by deploy key")
	}
	return svc, nil
}

// List retrieves all services.
func (s *ServiceStore) List(ctx context.Context) ([]*models.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services ORDER BY created_at ASC, id ASC`
	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying services: %w", err)
	}
	defer rows.Close()

	var services []*models.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning service: %w", err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating services: %w", err)
	}
	return services, nil
}

// Update updates a service using optimistic locking.
// Returns ErrConcurrentModification if the version doesn't match.
func (s *ServiceStore) Update(ctx context.Context, svc *models.Service) error {
	envJSON, err := marshalEnvironments(svc.Environments)
	if err != nil {
		return err
	}

	query := `
		UPDATE services SET
			name = $2, repo_url = $3, branch = $4, subdirectory = $5, script = $6, args = $7,
			use_package_manager = $8, environments = $9, active_environment = $10, status = $11,
			process_handle = $12, last_error = $13, visibility = $14, token_id = $15,
			node_version = $16, instances = $17, autostart = $18, webhook_deploy_key = $19,
			webhook_enabled = $20, webhook_id = $21, version = version + 1, updated_at = $22
		WHERE id = $1 AND version = $23
		RETURNING version, updated_at`

	now := time.Now().UTC()
	err = s.conn().QueryRowContext(ctx, query,
		svc.ID, svc.Name, svc.RepoURL, svc.Branch, svc.Subdirectory, svc.Script,
		pq.StringArray(svc.Args), svc.UsePackageManager, envJSON, svc.ActiveEnvironment,
		string(svc.Status), svc.ProcessHandle, svc.LastError, string(svc.Visibility), svc.TokenID,
		svc.NodeVersion, svc.Instances, svc.Autostart, nullString(svc.WebhookDeployKey),
		svc.WebhookEnabled, svc.WebhookID, now, svc.Version,
	).Scan(&svc.Version, &svc.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("updating service: %w", err)
	}

	// No row matched: either the service is gone or the version moved on.
	var exists bool
	if err := s.conn().QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM services WHERE id = $1)`, svc.ID).Scan(&exists); err != nil {
		return fmt.Errorf("checking service existence: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConcurrentModification
}

// Delete removes a service. Its domains are removed by the foreign key cascade.
func (s *ServiceStore) Delete(ctx context.Context, id string) error {
	result, err := s.conn().ExecContext(ctx, `DELETE FROM services WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting service: %w", err)
	}
	return expectOneRow(result)
}

func scanService(row scanner) (*models.Service, error) {
	svc := &models.Service{}
	var (
		args       pq.StringArray
		envJSON    []byte
		status     string
		visibility string
		handle     sql.NullString
	)
	err := row.Scan(
		&svc.ID, &svc.Name, &svc.RepoURL, &svc.Branch, &svc.Subdirectory, &svc.Script, &args,
		&svc.UsePackageManager, &envJSON, &svc.ActiveEnvironment, &status, &handle, &svc.LastError,
		&visibility, &svc.OwnerID, &svc.TokenID, &svc.NodeVersion, &svc.Instances, &svc.Autostart,
		&svc.WebhookDeployKey, &svc.WebhookEnabled, &svc.WebhookID,
		&svc.Version, &svc.CreatedAt, &svc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	svc.Args = []string(args)
	svc.Status = models.ServiceStatus(status)
	svc.Visibility = models.Visibility(visibility)
	if handle.Valid {
		h := handle.String
		svc.ProcessHandle = &h
	}
	if err := json.Unmarshal(envJSON, &svc.Environments); err != nil {
		return nil, fmt.Errorf("unmarshaling environments: %w", err)
	}
	return svc, nil
}

func marshalEnvironments(envs map[string]map[string]string) ([]byte, error) {
	if envs == nil {
		envs = map[string]map[string]string{}
	}
	data, err := json.Marshal(envs)
	if err != nil {
		return nil, fmt.Errorf("marshaling environments: %w", err)
	}
	return data, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

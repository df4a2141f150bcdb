package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/store"
	"github.com/keelhost/control-plane/pkg/logger"
)

// setupTestStore connects to TEST_DATABASE_URL and applies migrations.
func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database tests")
	}

	st, err := NewPostgresStore(DefaultConfig(dsn), logger.Discard())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := Migrate(context.Background(), st.DB(), slog.Default()); err != nil {
		st.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		cleanupTestDB(st.DB())
		st.Close()
	})
	return st
}

func cleanupTestDB(db *sql.DB) {
	db.Exec("DELETE FROM redeploy_jobs")
	db.Exec("DELETE FROM domains")
	db.Exec("DELETE FROM services")
	db.Exec("DELETE FROM source_tokens")
}

func testService() *models.Service {
	svc := &models.Service{
		Name:              "api",
		RepoURL:           "https://github.com/acme/api",
		Branch:            "main",
		Script:            "start",
		Args:              []string{"--port", "3000"},
		UsePackageManager: true,
		Visibility:        models.VisibilityPrivate,
		OwnerID:           "user-1",
	}
	_ = svc.AddEnvironment("production", map[string]string{"NODE_ENV": "production"})
	return svc
}

func TestServiceStoreRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	svc := testService()
	if err := st.Services().Create(ctx, svc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := st.Services().Get(ctx, svc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Environments["production"]["NODE_ENV"] != "production" {
		t.Errorf("environments not persisted: %+v", got.Environments)
	}
	if len(got.Args) != 2 || got.Args[1] != "3000" {
		t.Errorf("args not persisted: %v", got.Args)
	}
	if got.ProcessHandle != nil {
		t.Errorf("new service should have no handle")
	}

	got.MarkOnline("7")
	if err := st.Services().Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}

	stale := *svc
	stale.MarkStopped()
	if err := st.Services().Update(ctx, &stale); !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("stale update err = %v", err)
	}
}

func TestDomainStoreCaseInsensitiveUnique(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	svc := testService()
	if err := st.Services().Create(ctx, svc); err != nil {
		t.Fatal(err)
	}

	d := &models.Domain{Name: "app.example.com", Port: 3000, ServiceID: svc.ID, CreatedBy: "user-1"}
	if err := st.Domains().Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dup := &models.Domain{Name: "APP.EXAMPLE.COM", Port: 3000, ServiceID: svc.ID, CreatedBy: "user-1"}
	if err := st.Domains().Create(ctx, dup); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("duplicate err = %v", err)
	}

	if err := st.Services().Delete(ctx, svc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Domains().Get(ctx, d.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("domain should cascade with its service, got %v", err)
	}
}

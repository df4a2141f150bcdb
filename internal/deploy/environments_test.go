package deploy

import (
	"context"
	"errors"
	"testing"

	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/store/memory"
	"github.com/keelhost/control-plane/pkg/logger"
)

func TestEnvironmentsLifecycle(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	svc := &models.Service{Name: "api"}
	if err := st.Services().Create(ctx, svc); err != nil {
		t.Fatal(err)
	}
	envs := NewEnvironments(st.Services(), logger.Discard())

	if _, err := envs.Create(ctx, svc.ID, "staging", map[string]string{"A": "1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := envs.Create(ctx, svc.ID, "production", map[string]string{"A": "2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := envs.Create(ctx, svc.ID, "staging", nil); !errors.Is(err, models.ErrValidation) {
		t.Errorf("duplicate create: %v", err)
	}
	if _, err := envs.Update(ctx, svc.ID, "qa", nil); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("update unknown: %v", err)
	}

	got, err := envs.SetActive(ctx, svc.ID, "production")
	if err != nil {
		t.Fatal(err)
	}
	if got.ActiveEnvironment != "production" {
		t.Errorf("active = %s", got.ActiveEnvironment)
	}

	got, err = envs.Delete(ctx, svc.ID, "production")
	if err != nil {
		t.Fatal(err)
	}
	if got.ActiveEnvironment != "staging" {
		t.Errorf("promoted = %q", got.ActiveEnvironment)
	}

	list, err := envs.List(ctx, svc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || !list[0].Active || list[0].Vars["A"] != "1" {
		t.Errorf("list = %+v", list)
	}

	got, err = envs.Delete(ctx, svc.ID, "staging")
	if err != nil {
		t.Fatal(err)
	}
	if got.ActiveEnvironment != "" {
		t.Errorf("active after last delete = %q", got.ActiveEnvironment)
	}
}

func TestEnvironmentsUnknownService(t *testing.T) {
	envs := NewEnvironments(memory.New().Services(), logger.Discard())
	if _, err := envs.List(context.Background(), "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

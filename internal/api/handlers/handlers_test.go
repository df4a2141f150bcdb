package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/keelhost/control-plane/internal/auth"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/store/memory"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeLifecycle records operations and returns the configured error.
type fakeLifecycle struct {
	calls []string
	err   error
}

func (f *fakeLifecycle) op(name string) func(context.Context, string) (*models.Service, error) {
	return func(ctx context.Context, id string) (*models.Service, error) {
		f.calls = append(f.calls, name+":"+id)
		if f.err != nil {
			return nil, f.err
		}
		return &models.Service{ID: id, Status: models.ServiceStatusOnline}, nil
	}
}

func (f *fakeLifecycle) Start(ctx context.Context, id string) (*models.Service, error) {
	return f.op("start")(ctx, id)
}

func (f *fakeLifecycle) Stop(ctx context.Context, id string) (*models.Service, error) {
	return f.op("stop")(ctx, id)
}

func (f *fakeLifecycle) Restart(ctx context.Context, id string) (*models.Service, error) {
	return f.op("restart")(ctx, id)
}

func (f *fakeLifecycle) Reload(ctx context.Context, id string) (*models.Service, error) {
	return f.op("reload")(ctx, id)
}

func (f *fakeLifecycle) Delete(ctx context.Context, id string) (*models.CleanupReport, error) {
	f.calls = append(f.calls, "delete:"+id)
	if f.err != nil {
		return nil, f.err
	}
	return &models.CleanupReport{Warnings: []string{"proxy reload failed"}}, nil
}

type passthroughReconciler struct{ calls int }

func (p *passthroughReconciler) Reconcile(ctx context.Context, services []*models.Service) ([]*models.Service, error) {
	p.calls++
	return services, nil
}

func (p *passthroughReconciler) ReconcileOne(ctx context.Context, svc *models.Service) (*models.Service, error) {
	p.calls++
	return svc, nil
}

// withActor injects the actor the auth middleware would have set.
func withActor(a auth.Actor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), a)))
		})
	}
}

type serviceHarness struct {
	store      *memory.Store
	lifecycle  *fakeLifecycle
	reconciler *passthroughReconciler
}

func newServiceHarness() *serviceHarness {
	return &serviceHarness{
		store:      memory.New(),
		lifecycle:  &fakeLifecycle{},
		reconciler: &passthroughReconciler{},
	}
}

func (h *serviceHarness) router(a auth.Actor) http.Handler {
	sh := NewServiceHandler(h.store.Services(), h.store.Tokens(), h.lifecycle, h.reconciler, discard)
	r := chi.NewRouter()
	r.Use(withActor(a))
	r.Post("/v1/services", sh.Create)
	r.Get("/v1/services", sh.List)
	r.Get("/v1/services/{serviceID}", sh.Get)
	r.Patch("/v1/services/{serviceID}", sh.Update)
	r.Delete("/v1/services/{serviceID}", sh.Delete)
	r.Post("/v1/services/{serviceID}/start", sh.Start)
	r.Post("/v1/services/{serviceID}/stop", sh.Stop)
	return r
}

func (h *serviceHarness) seed(t *testing.T, name, owner string, vis models.Visibility) *models.Service {
	t.Helper()
	svc := &models.Service{
		Name:       name,
		RepoURL:    "https://github.com/acme/" + name,
		Branch:     "main",
		Script:     "index.js",
		Visibility: vis,
		OwnerID:    owner,
		Status:     models.ServiceStatusStopped,
	}
	if err := svc.AddEnvironment("production", map[string]string{"PORT": "3000"}); err != nil {
		t.Fatalf("AddEnvironment: %v", err)
	}
	if err := h.store.Services().Create(context.Background(), svc); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return svc
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

package handlers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/keelhost/control-plane/internal/auth"
	"github.com/keelhost/control-plane/internal/credentials"
	"github.com/keelhost/control-plane/internal/deploy"
	"github.com/keelhost/control-plane/internal/domains"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/queue"
	"github.com/keelhost/control-plane/internal/secrets"
	"github.com/keelhost/control-plane/internal/webhook"
)

func TestEnvironmentRoutes(t *testing.T) {
	h := newServiceHarness()
	svc := h.seed(t, "web", owner.ID, models.VisibilityPublic)
	eh := NewEnvironmentHandler(h.store.Services(), deploy.NewEnvironments(h.store.Services(), discard), discard)

	router := func(a auth.Actor) http.Handler {
		r := chi.NewRouter()
		r.Use(withActor(a))
		r.Get("/v1/services/{serviceID}/environments", eh.List)
		r.Post("/v1/services/{serviceID}/environments", eh.Create)
		r.Delete("/v1/services/{serviceID}/environments/{name}", eh.Delete)
		r.Post("/v1/services/{serviceID}/environments/{name}/activate", eh.Activate)
		return r
	}
	base := "/v1/services/" + svc.ID + "/environments"

	// Public services still hide their variables from non-owners.
	if rec := do(t, router(stranger), http.MethodGet, base, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("stranger list: expected 403, got %d", rec.Code)
	}

	rec := do(t, router(owner), http.MethodPost, base, EnvironmentRequest{Name: "staging", Vars: map[string]string{"PORT": "4000"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, router(owner), http.MethodPost, base, EnvironmentRequest{Name: "staging"}); rec.Code != http.StatusBadRequest {
		t.Errorf("duplicate create: expected 400, got %d", rec.Code)
	}

	rec = do(t, router(owner), http.MethodPost, base+"/staging/activate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d", rec.Code)
	}
	if out := decode[models.Service](t, rec); out.ActiveEnvironment != "staging" {
		t.Errorf("expected staging active, got %q", out.ActiveEnvironment)
	}

	rec = do(t, router(owner), http.MethodDelete, base+"/staging", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
	if out := decode[models.Service](t, rec); out.ActiveEnvironment != "production" {
		t.Errorf("expected production promoted, got %q", out.ActiveEnvironment)
	}

	rec = do(t, router(owner), http.MethodGet, base, nil)
	body := decode[struct {
		Environments []deploy.EnvironmentView `json:"environments"`
		Active       string                   `json:"active"`
	}](t, rec)
	if len(body.Environments) != 1 || body.Active != "production" {
		t.Errorf("unexpected listing %+v", body)
	}
}

func newTokenRouter(t *testing.T, h *serviceHarness, a auth.Actor) (http.Handler, *credentials.Service) {
	t.Helper()
	sealer, err := secrets.NewEphemeralSealer(nil)
	if err != nil {
		t.Fatal(err)
	}
	creds := credentials.NewService(h.store.Tokens(), sealer, credentials.NewFakeProvider(), discard)
	th := NewTokenHandler(h.store.Tokens(), creds, discard)

	r := chi.NewRouter()
	r.Use(withActor(a))
	r.Post("/v1/tokens", th.Create)
	r.Get("/v1/tokens", th.List)
	r.Delete("/v1/tokens/{tokenID}", th.Delete)
	r.Get("/v1/tokens/{tokenID}/repos", th.Repositories)
	r.Get("/v1/tokens/{tokenID}/branches", th.Branches)
	return r, creds
}

func TestTokenRoutes(t *testing.T) {
	h := newServiceHarness()
	ownerRouter, _ := newTokenRouter(t, h, owner)
	strangerRouter, _ := newTokenRouter(t, h, stranger)

	rec := do(t, ownerRouter, http.MethodPost, "/v1/tokens", CreateTokenRequest{Name: "ci", Token: "ghp_secret"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("ghp_secret")) {
		t.Fatal("token secret leaked in response")
	}
	token := decode[models.SourceToken](t, rec)

	rec = do(t, ownerRouter, http.MethodGet, "/v1/tokens/"+token.ID+"/repos", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("repos: expected 200, got %d", rec.Code)
	}
	rec = do(t, ownerRouter, http.MethodGet, "/v1/tokens/"+token.ID+"/branches?repo=https://github.com/acme/api", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("branches: expected 200, got %d", rec.Code)
	}
	if rec := do(t, ownerRouter, http.MethodGet, "/v1/tokens/"+token.ID+"/branches", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("branches without repo: expected 400, got %d", rec.Code)
	}

	if rec := do(t, strangerRouter, http.MethodGet, "/v1/tokens/"+token.ID+"/repos", nil); rec.Code != http.StatusForbidden {
		t.Errorf("stranger repos: expected 403, got %d", rec.Code)
	}
	list := decode[struct {
		Tokens []models.SourceToken `json:"tokens"`
	}](t, do(t, strangerRouter, http.MethodGet, "/v1/tokens", nil))
	if len(list.Tokens) != 0 {
		t.Errorf("stranger should see no tokens, got %d", len(list.Tokens))
	}

	if rec := do(t, ownerRouter, http.MethodDelete, "/v1/tokens/"+token.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	if rec := do(t, ownerRouter, http.MethodDelete, "/v1/tokens/"+token.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rec.Code)
	}
}

func TestRedeployLookup(t *testing.T) {
	h := newServiceHarness()
	svc := h.seed(t, "web", owner.ID, models.VisibilityPrivate)
	q := queue.NewMemoryQueue(discard)
	job := &models.RedeployJob{ServiceID: svc.ID, Branch: "main"}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	rh := NewRedeployHandler(h.store.Services(), q, discard)

	router := func(a auth.Actor) http.Handler {
		r := chi.NewRouter()
		r.Use(withActor(a))
		r.Get("/v1/redeploys/{jobID}", rh.Get)
		return r
	}

	rec := do(t, router(owner), http.MethodGet, "/v1/redeploys/"+job.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if out := decode[models.RedeployJob](t, rec); out.Status != models.RedeployStatusPending {
		t.Errorf("expected pending job, got %q", out.Status)
	}
	if rec := do(t, router(stranger), http.MethodGet, "/v1/redeploys/"+job.ID, nil); rec.Code != http.StatusForbidden {
		t.Errorf("stranger: expected 403, got %d", rec.Code)
	}
	if rec := do(t, router(owner), http.MethodGet, "/v1/redeploys/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing: expected 404, got %d", rec.Code)
	}
}

type fakeDispatcher struct {
	event   string
	payload webhook.PushPayload
	err     error
}

func (f *fakeDispatcher) Enable(ctx context.Context, id string) (*models.Service, error) {
	return &models.Service{ID: id, WebhookEnabled: true}, f.err
}

func (f *fakeDispatcher) Disable(ctx context.Context, id string) (*models.Service, error) {
	return &models.Service{ID: id}, f.err
}

func (f *fakeDispatcher) HandleDelivery(ctx context.Context, key, event string, payload webhook.PushPayload) (*webhook.DeliveryResult, error) {
	f.event, f.payload = event, payload
	if f.err != nil {
		return nil, f.err
	}
	return &webhook.DeliveryResult{Success: true, Message: "Deployment triggered for web (main)"}, nil
}

func deliver(t *testing.T, wh *WebhookHandler, event, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/webhook/{deployKey}", wh.Deliver)
	req := httptest.NewRequest(http.MethodPost, "/webhook/abc123", bytes.NewBufferString(body))
	req.Header.Set(EventHeader, event)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestWebhookDeliver(t *testing.T) {
	h := newServiceHarness()

	t.Run("push is parsed and dispatched", func(t *testing.T) {
		d := &fakeDispatcher{}
		rec := deliver(t, NewWebhookHandler(h.store.Services(), d, discard), "push", `{"ref":"refs/heads/main"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if d.payload.Branch() != "main" {
			t.Errorf("expected branch main, got %q", d.payload.Branch())
		}
	})

	t.Run("invalid push payload", func(t *testing.T) {
		rec := deliver(t, NewWebhookHandler(h.store.Services(), &fakeDispatcher{}, discard), "push", `{not json`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		if out := decode[webhook.DeliveryResult](t, rec); out.Success {
			t.Error("expected success=false")
		}
	})

	t.Run("other events skip parsing", func(t *testing.T) {
		d := &fakeDispatcher{}
		rec := deliver(t, NewWebhookHandler(h.store.Services(), d, discard), "ping", `zen`)
		if rec.Code != http.StatusOK || d.event != "ping" {
			t.Fatalf("expected dispatch of ping, got %d %q", rec.Code, d.event)
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		d := &fakeDispatcher{err: fmt.Errorf("%w: webhook", models.ErrNotFound)}
		rec := deliver(t, NewWebhookHandler(h.store.Services(), d, discard), "push", `{}`)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("enqueue failure", func(t *testing.T) {
		d := &fakeDispatcher{err: fmt.Errorf("queue down")}
		rec := deliver(t, NewWebhookHandler(h.store.Services(), d, discard), "push", `{}`)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rec.Code)
		}
	})
}

type fakeDomains struct {
	domain  *models.Domain
	skipped bool
}

func (f *fakeDomains) Create(ctx context.Context, serviceID, createdBy, name string, port int) (*models.Domain, error) {
	f.domain = &models.Domain{ID: "d1", ServiceID: serviceID, Name: name, Port: port, Status: models.DomainStatusPending}
	return f.domain, nil
}

func (f *fakeDomains) Get(ctx context.Context, id string) (*models.Domain, error) {
	if f.domain == nil || f.domain.ID != id {
		return nil, fmt.Errorf("%w: domain %s", models.ErrNotFound, id)
	}
	return f.domain, nil
}

func (f *fakeDomains) List(ctx context.Context, serviceID string) ([]*models.Domain, error) {
	return nil, nil
}

func (f *fakeDomains) Verify(ctx context.Context, id string, skip bool) (*domains.VerifyResult, error) {
	f.skipped = skip
	f.domain.Status = models.DomainStatusVerified
	return &domains.VerifyResult{Domain: f.domain}, nil
}

func (f *fakeDomains) Activate(ctx context.Context, id string) (*models.Domain, error) {
	f.domain.Status = models.DomainStatusActive
	return f.domain, nil
}

func (f *fakeDomains) Delete(ctx context.Context, id string) (*models.CleanupReport, error) {
	return &models.CleanupReport{}, nil
}

func TestDomainRoutes(t *testing.T) {
	h := newServiceHarness()
	svc := h.seed(t, "web", owner.ID, models.VisibilityPrivate)
	fd := &fakeDomains{}
	dh := NewDomainHandler(h.store.Services(), fd, discard)

	router := func(a auth.Actor) http.Handler {
		r := chi.NewRouter()
		r.Use(withActor(a))
		r.Post("/v1/services/{serviceID}/domains", dh.Create)
		r.Get("/v1/services/{serviceID}/domains", dh.List)
		r.Get("/v1/domains/{domainID}", dh.Get)
		r.Post("/v1/domains/{domainID}/verify", dh.Verify)
		r.Delete("/v1/domains/{domainID}", dh.Delete)
		return r
	}

	rec := do(t, router(owner), http.MethodPost, "/v1/services/"+svc.ID+"/domains", CreateDomainRequest{Domain: "app.example.com", Port: 3000})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	list := decode[struct {
		Domains []models.Domain `json:"domains"`
	}](t, do(t, router(owner), http.MethodGet, "/v1/services/"+svc.ID+"/domains", nil))
	if list.Domains == nil {
		t.Error("expected an empty array rather than null")
	}

	if rec := do(t, router(stranger), http.MethodGet, "/v1/domains/d1", nil); rec.Code != http.StatusForbidden {
		t.Errorf("stranger get: expected 403, got %d", rec.Code)
	}

	// Verify accepts an empty body.
	if rec := do(t, router(owner), http.MethodPost, "/v1/domains/d1/verify", nil); rec.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if fd.skipped {
		t.Error("verification should not be skipped without a body")
	}
	if rec := do(t, router(owner), http.MethodPost, "/v1/domains/d1/verify", VerifyDomainRequest{SkipVerification: true}); rec.Code != http.StatusOK {
		t.Fatalf("verify skip: expected 200, got %d", rec.Code)
	}
	if !fd.skipped {
		t.Error("skip_verification was not forwarded")
	}

	if rec := do(t, router(owner), http.MethodDelete, "/v1/domains/d1", nil); rec.Code != http.StatusOK {
		t.Errorf("delete: expected 200, got %d", rec.Code)
	}
	if rec := do(t, router(owner), http.MethodGet, "/v1/domains/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing: expected 404, got %d", rec.Code)
	}
}

package handlers

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/keelhost/control-plane/internal/auth"
	"github.com/keelhost/control-plane/internal/deploy"
	"github.com/keelhost/control-plane/internal/lock"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var (
	owner    = auth.Actor{ID: "user-1"}
	stranger = auth.Actor{ID: "user-2"}
	admin    = auth.Actor{ID: "root", Admin: true}
)

func TestCreateServiceDefaultsToPrivate(t *testing.T) {
	h := newServiceHarness()
	rec := do(t, h.router(owner), http.MethodPost, "/v1/services", CreateServiceRequest{
		Name:              "web",
		RepoURL:           "https://github.com/acme/web",
		Branch:            "main",
		Script:            "server.js",
		Environments:      map[string]map[string]string{"staging": {"PORT": "4000"}, "production": {"PORT": "3000"}},
		ActiveEnvironment: "staging",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	svc := decode[models.Service](t, rec)
	if svc.Visibility != models.VisibilityPrivate {
		t.Errorf("expected private visibility, got %q", svc.Visibility)
	}
	if svc.OwnerID != owner.ID {
		t.Errorf("expected owner %q, got %q", owner.ID, svc.OwnerID)
	}
	if svc.ActiveEnvironment != "staging" {
		t.Errorf("expected active environment staging, got %q", svc.ActiveEnvironment)
	}
	if svc.Status != models.ServiceStatusStopped {
		t.Errorf("expected stopped, got %q", svc.Status)
	}
}

func TestCreateServiceValidation(t *testing.T) {
	tests := []struct {
		name string
		req  CreateServiceRequest
	}{
		{"missing script", CreateServiceRequest{Name: "web", RepoURL: "https://github.com/acme/web", Branch: "main"}},
		{"bad name", CreateServiceRequest{Name: "-web", RepoURL: "https://github.com/acme/web", Branch: "main", Script: "a.js"}},
		{"unknown active env", CreateServiceRequest{Name: "web", RepoURL: "https://github.com/acme/web", Branch: "main", Script: "a.js", ActiveEnvironment: "qa"}},
		{"unknown token", CreateServiceRequest{Name: "web", RepoURL: "https://github.com/acme/web", Branch: "main", Script: "a.js", TokenID: "nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newServiceHarness()
			rec := do(t, h.router(owner), http.MethodPost, "/v1/services", tt.req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if body := decode[errorBody](t, rec); body.Code != "VALIDATION_ERROR" {
				t.Errorf("expected VALIDATION_ERROR, got %q", body.Code)
			}
		})
	}
}

func TestCreateServiceRejectsMalformedBody(t *testing.T) {
	h := newServiceHarness()
	rec := do(t, h.router(owner), http.MethodPost, "/v1/services", "not an object")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListServicesFiltersByVisibility(t *testing.T) {
	h := newServiceHarness()
	h.seed(t, "mine", owner.ID, models.VisibilityPrivate)
	h.seed(t, "theirs", stranger.ID, models.VisibilityPrivate)
	h.seed(t, "shared", stranger.ID, models.VisibilityPublic)

	tests := []struct {
		actor auth.Actor
		want  int
	}{
		{owner, 2},
		{stranger, 2},
		{admin, 3},
		{auth.Actor{ID: "someone"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.actor.ID, func(t *testing.T) {
			rec := do(t, h.router(tt.actor), http.MethodGet, "/v1/services", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			body := decode[struct {
				Services []models.Service `json:"services"`
			}](t, rec)
			if len(body.Services) != tt.want {
				t.Errorf("expected %d services, got %d", tt.want, len(body.Services))
			}
		})
	}
	if h.reconciler.calls != len(tests) {
		t.Errorf("expected every list to reconcile, got %d calls", h.reconciler.calls)
	}
}

func TestGetServiceAccess(t *testing.T) {
	h := newServiceHarness()
	private := h.seed(t, "private", owner.ID, models.VisibilityPrivate)

	if rec := do(t, h.router(stranger), http.MethodGet, "/v1/services/"+private.ID, nil); rec.Code != http.StatusForbidden {
		t.Errorf("stranger: expected 403, got %d", rec.Code)
	}
	if rec := do(t, h.router(admin), http.MethodGet, "/v1/services/"+private.ID, nil); rec.Code != http.StatusOK {
		t.Errorf("admin: expected 200, got %d", rec.Code)
	}
	if rec := do(t, h.router(owner), http.MethodGet, "/v1/services/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing: expected 404, got %d", rec.Code)
	}
}

func TestUpdateServicePatchesOnlyGivenFields(t *testing.T) {
	h := newServiceHarness()
	svc := h.seed(t, "web", owner.ID, models.VisibilityPrivate)

	branch := "release"
	rec := do(t, h.router(owner), http.MethodPatch, "/v1/services/"+svc.ID, UpdateServiceRequest{Branch: &branch})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decode[models.Service](t, rec)
	if out.Branch != "release" {
		t.Errorf("expected branch release, got %q", out.Branch)
	}
	if out.Script != "index.js" || out.Name != "web" {
		t.Errorf("unexpected change to untouched fields: %+v", out)
	}

	public := models.VisibilityPublic
	if rec := do(t, h.router(stranger), http.MethodPatch, "/v1/services/"+svc.ID, UpdateServiceRequest{Visibility: &public}); rec.Code != http.StatusForbidden {
		t.Errorf("stranger patch: expected 403, got %d", rec.Code)
	}
}

func TestLifecycleActions(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantApplied bool
	}{
		{"applied", nil, http.StatusOK, true},
		{"no process", deploy.ErrNoProcess, http.StatusOK, false},
		{"busy", fmt.Errorf("service: %w", lock.ErrBusy), http.StatusConflict, false},
		{"precondition", fmt.Errorf("%w: service is already online", models.ErrPrecondition), http.StatusConflict, false},
		{"external", fmt.Errorf("%w: pm2 start failed", models.ErrExternal), http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newServiceHarness()
			svc := h.seed(t, "web", owner.ID, models.VisibilityPrivate)
			h.lifecycle.err = tt.err

			rec := do(t, h.router(owner), http.MethodPost, "/v1/services/"+svc.ID+"/stop", nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if rec.Code != http.StatusOK {
				return
			}
			out := decode[OperationResponse](t, rec)
			if out.Applied != tt.wantApplied {
				t.Errorf("expected applied=%v, got %v", tt.wantApplied, out.Applied)
			}
			if !tt.wantApplied && out.Message != "Service has no running process" {
				t.Errorf("unexpected message %q", out.Message)
			}
		})
	}
}

func TestLifecycleRequiresMutateRights(t *testing.T) {
	h := newServiceHarness()
	svc := h.seed(t, "web", owner.ID, models.VisibilityPublic)

	rec := do(t, h.router(stranger), http.MethodPost, "/v1/services/"+svc.ID+"/start", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if len(h.lifecycle.calls) != 0 {
		t.Errorf("lifecycle must not run for a forbidden actor, got %v", h.lifecycle.calls)
	}
}

func TestDeleteServiceReportsWarnings(t *testing.T) {
	h := newServiceHarness()
	svc := h.seed(t, "web", owner.ID, models.VisibilityPrivate)

	rec := do(t, h.router(owner), http.MethodDelete, "/v1/services/"+svc.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := decode[CleanupResponse](t, rec)
	if !out.Deleted || len(out.Warnings) != 1 {
		t.Errorf("unexpected cleanup response %+v", out)
	}
}

// Reading a service succeeds exactly for public services, their owner and admins.
func TestGetServiceAccessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("read access follows visibility, ownership and admin", prop.ForAll(
		func(public, isOwner, isAdmin bool) bool {
			h := newServiceHarness()
			vis := models.VisibilityPrivate
			if public {
				vis = models.VisibilityPublic
			}
			svc := h.seed(t, "web", owner.ID, vis)

			a := auth.Actor{ID: "visitor", Admin: isAdmin}
			if isOwner {
				a.ID = owner.ID
			}
			rec := do(t, h.router(a), http.MethodGet, "/v1/services/"+svc.ID, nil)

			allowed := public || isOwner || isAdmin
			if allowed {
				return rec.Code == http.StatusOK
			}
			return rec.Code == http.StatusForbidden
		},
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

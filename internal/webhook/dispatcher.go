// Package webhook registers push webhooks with the source-control provider and turns
// inbound deliveries into queued redeploys.
package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/keelhost/control-plane/internal/lock"
	"github.com/keelhost/control-plane/internal/metrics"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/queue"
	"github.com/keelhost/control-plane/internal/store"
)

// PushEvent is the only event type that triggers a redeploy.
const PushEvent = "push"

// Credentials resolves tokens and manages provider webhooks.
type Credentials interface {
	ResolveToken(ctx context.Context, tokenID string) (string, error)
	CreateWebhook(ctx context.Context, token, repoURL, callbackURL string) (string, error)
	DeleteWebhook(ctx context.Context, token, repoURL, externalID string) error
}

// PushPayload holds the fields of a push delivery that are consumed.
type PushPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// Branch returns the branch name of a refs/heads ref, or the ref unchanged.
func (p PushPayload) Branch() string {
	return strings.TrimPrefix(p.Ref, "refs/heads/")
}

// DeliveryResult is the acknowledgment returned to the provider.
type DeliveryResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
}

// Deps are the collaborators of a Dispatcher. Locker and Metrics may be nil.
type Deps struct {
	Services    store.ServiceStore
	Credentials Credentials
	Queue       queue.Queue
	Locker      lock.Locker
	Metrics     *metrics.Metrics
}

// Dispatcher enables and disables webhooks and accepts deliveries.
type Dispatcher struct {
	Deps
	publicURL string
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher that builds callback URLs under publicURL.
func NewDispatcher(deps Deps, publicURL string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Deps:      deps,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger.With("component", "webhook"),
	}
}

// CallbackURL is the public delivery URL for deployKey.
func (d *Dispatcher) CallbackURL(deployKey string) string {
	return d.publicURL + "/webhook/" + deployKey
}

// Enable registers a push webhook for the service. Nothing is persisted unless the
// provider accepted the registration.
func (d *Dispatcher) Enable(ctx context.Context, serviceID string) (*models.Service, error) {
	release, err := d.lock(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	defer release()

	svc, err := d.getService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if svc.TokenID == "" {
		return nil, fmt.Errorf("%w: service %s has no source-control token", models.ErrPrecondition, svc.Name)
	}
	if svc.OwnerID == "" {
		return nil, fmt.Errorf("%w: service %s has no owner", models.ErrPrecondition, svc.Name)
	}
	if svc.WebhookEnabled {
		return nil, fmt.Errorf("%w: webhook already enabled for %s", models.ErrPrecondition, svc.Name)
	}

	token, err := d.Credentials.ResolveToken(ctx, svc.TokenID)
	if err != nil {
		return nil, fmt.Errorf("resolving token: %w", err)
	}
	key, err := NewDeployKey()
	if err != nil {
		return nil, err
	}
	externalID, err := d.Credentials.CreateWebhook(ctx, token, svc.RepoURL, d.CallbackURL(key))
	if err != nil {
		return nil, fmt.Errorf("registering webhook: %w", err)
	}

	svc.WebhookDeployKey = key
	svc.WebhookEnabled = true
	svc.WebhookID = externalID
	if err := d.Services.Update(ctx, svc); err != nil {
		// Roll back the upstream registration.
		if delErr := d.Credentials.DeleteWebhook(ctx, token, svc.RepoURL, externalID); delErr != nil {
			d.logger.Warn("failed to roll back webhook registration", "service_id", svc.ID, "webhook_id", externalID, "error", delErr)
		}
		return nil, fmt.Errorf("saving webhook: %w", err)
	}

	d.logger.Info("webhook enabled", "service_id", svc.ID, "webhook_id", externalID)
	return svc, nil
}

// Disable deletes the provider registration and clears the webhook fields.
func (d *Dispatcher) Disable(ctx context.Context, serviceID string) (*models.Service, error) {
	release, err := d.lock(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	defer release()

	svc, err := d.getService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if !svc.WebhookEnabled {
		return nil, fmt.Errorf("%w: webhook is not enabled for %s", models.ErrPrecondition, svc.Name)
	}

	if svc.WebhookID != "" {
		token, err := d.Credentials.ResolveToken(ctx, svc.TokenID)
		if err != nil {
			return nil, fmt.Errorf("resolving token: %w", err)
		}
		if err := d.Credentials.DeleteWebhook(ctx, token, svc.RepoURL, svc.WebhookID); err != nil {
			return nil, fmt.Errorf("deleting webhook: %w", err)
		}
	}

	svc.WebhookDeployKey = ""
	svc.WebhookEnabled = false
	svc.WebhookID = ""
	if err := d.Services.Update(ctx, svc); err != nil {
		return nil, fmt.Errorf("saving webhook: %w", err)
	}

	d.logger.Info("webhook disabled", "service_id", svc.ID)
	return svc, nil
}

// HandleDelivery accepts one inbound delivery. Only push events on the tracked branch
// enqueue a redeploy; everything else is acknowledged as ignored. An unknown or
// disabled deploy key is a not-found error.
func (d *Dispatcher) HandleDelivery(ctx context.Context, deployKey, event string, payload PushPayload) (*DeliveryResult, error) {
	svc, err := d.Services.GetByWebhookKey(ctx, deployKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.Metrics.WebhookDelivery("unknown")
			return nil, fmt.Errorf("%w: unknown deploy key", models.ErrNotFound)
		}
		return nil, fmt.Errorf("looking up deploy key: %w", err)
	}
	if !svc.WebhookEnabled {
		d.Metrics.WebhookDelivery("unknown")
		return nil, fmt.Errorf("%w: unknown deploy key", models.ErrNotFound)
	}

	logger := d.logger.With("service_id", svc.ID, "event", event)

	if event != PushEvent {
		d.Metrics.WebhookDelivery("ignored")
		logger.Debug("ignoring non-push event")
		return &DeliveryResult{Success: true, Message: fmt.Sprintf("Event %s ignored", event)}, nil
	}

	branch := payload.Branch()
	if branch != svc.Branch {
		d.Metrics.WebhookDelivery("ignored")
		logger.Info("ignoring push to untracked branch", "branch", branch, "tracked", svc.Branch)
		return &DeliveryResult{
			Success: true,
			Message: fmt.Sprintf("Push to %s ignored; service tracks %s", branch, svc.Branch),
		}, nil
	}

	job := &models.RedeployJob{
		ServiceID:  svc.ID,
		Branch:     branch,
		Repository: payload.Repository.FullName,
		Pusher:     payload.Pusher.Name,
	}
	if err := d.Queue.Enqueue(ctx, job); err != nil {
		d.Metrics.WebhookDelivery("error")
		return nil, fmt.Errorf("enqueueing redeploy: %w", err)
	}

	d.Metrics.WebhookDelivery("triggered")
	logger.Info("redeploy queued", "job_id", job.ID, "branch", branch, "pusher", job.Pusher)
	return &DeliveryResult{
		Success: true,
		Message: fmt.Sprintf("Deployment triggered for %s (%s)", svc.Name, branch),
		JobID:   job.ID,
	}, nil
}

// NewDeployKey returns 32 random bytes, hex encoded.
func NewDeployKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating deploy key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (d *Dispatcher) getService(ctx context.Context, id string) (*models.Service, error) {
	svc, err := d.Services.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: service %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("loading service: %w", err)
	}
	return svc, nil
}

func (d *Dispatcher) lock(ctx context.Context, serviceID string) (func(), error) {
	if d.Locker == nil {
		return func() {}, nil
	}
	return d.Locker.TryLock(ctx, lock.ServiceKey(serviceID))
}

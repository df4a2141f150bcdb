package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/keelhost/control-plane/internal/models"
	"github.com/keelhost/control-plane/internal/store"
	"github.com/keelhost/control-plane/internal/webhook"
)

// EventHeader carries the provider event name of a delivery.
const EventHeader = "X-GitHub-Event"

// WebhookDispatcher manages webhook registrations and accepts deliveries.
type WebhookDispatcher interface {
	Enable(ctx context.Context, serviceID string) (*models.Service, error)
	Disable(ctx context.Context, serviceID string) (*models.Service, error)
	HandleDelivery(ctx context.Context, deployKey, event string, payload webhook.PushPayload) (*webhook.DeliveryResult, error)
}

// WebhookHandler handles webhook registration and inbound deliveries.
type WebhookHandler struct {
	services   store.ServiceStore
	dispatcher WebhookDispatcher
	logger     *slog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(services store.ServiceStore, dispatcher WebhookDispatcher, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{services: services, dispatcher: dispatcher, logger: logger}
}

// Enable handles POST /v1/services/{serviceID}/webhook.
func (h *WebhookHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.dispatcher.Enable)
}

// Disable handles DELETE /v1/services/{serviceID}/webhook.
func (h *WebhookHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.dispatcher.Disable)
}

func (h *WebhookHandler) toggle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*models.Service, error)) {
	svc, err := loadService(r.Context(), h.services, chi.URLParam(r, "serviceID"), actor(r), true)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	out, err := op(r.Context(), svc.ID)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

// Deliver handles POST /webhook/{deployKey}. The response is sent once the redeploy
// is queued; the redeploy itself runs on the worker.
func (h *WebhookHandler) Deliver(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "deployKey")
	event := r.Header.Get(EventHeader)

	var payload webhook.PushPayload
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, webhook.DeliveryResult{Success: false, Message: "Unreadable payload"})
		return
	}
	if event == webhook.PushEvent {
		if err := json.Unmarshal(body, &payload); err != nil {
			WriteJSON(w, http.StatusBadRequest, webhook.DeliveryResult{Success: false, Message: "Invalid push payload"})
			return
		}
	}

	res, err := h.dispatcher.HandleDelivery(r.Context(), key, event, payload)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			WriteJSON(w, http.StatusNotFound, webhook.DeliveryResult{Success: false, Message: "Unknown webhook"})
			return
		}
		h.logger.Error("webhook delivery failed", "event", event, "error", err)
		WriteJSON(w, http.StatusInternalServerError, webhook.DeliveryResult{Success: false, Message: "Delivery could not be processed"})
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/keelhost/control-plane/internal/events"
	"github.com/keelhost/control-plane/internal/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// EventHandler streams pipeline events of a service over a websocket.
type EventHandler struct {
	services store.ServiceStore
	broker   *events.Broker
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(services store.ServiceStore, broker *events.Broker, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		services: services,
		broker:   broker,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Stream handles GET /v1/services/{serviceID}/events/ws.
func (h *EventHandler) Stream(w http.ResponseWriter, r *http.Request) {
	svc, err := loadService(r.Context(), h.services, chi.URLParam(r, "serviceID"), actor(r), false)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err)
		return
	}
	defer conn.Close()

	sub := h.broker.Subscribe(svc.ID)
	defer h.broker.Unsubscribe(sub)

	h.logger.Info("event stream opened", "service_id", svc.ID, "subscriber_id", sub.ID)

	// The read loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			h.logger.Info("event stream closed by client", "service_id", svc.ID)
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

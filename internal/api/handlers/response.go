// Package handlers implements the HTTP handlers of the control-plane API.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	apierrors "github.com/keelhost/control-plane/internal/api/errors"
	"github.com/keelhost/control-plane/internal/auth"
	"github.com/keelhost/control-plane/internal/models"
)

// maxBodyBytes bounds request bodies, webhook payloads included.
const maxBodyBytes = 1 << 20

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// WriteError classifies err and writes it as a structured error. Internal errors are logged.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	requestID := middleware.GetReqID(r.Context())
	apiErr := apierrors.FromError(err)
	if apiErr.Code == apierrors.CodeInternalError || apiErr.Code == apierrors.CodeExternal {
		logger.Error("request failed",
			"error", err,
			"error_code", apiErr.Code,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestID,
		)
	}
	apierrors.WriteErrorWithRequestID(w, apiErr, requestID)
}

// WriteBadRequest writes a 400 response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteErrorWithRequestID(w, apierrors.NewValidationError(message), middleware.GetReqID(r.Context()))
}

// decodeJSON decodes a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", models.ErrValidation, err)
	}
	return nil
}

// actor returns the authenticated actor; the auth middleware guarantees one on /v1 routes.
func actor(r *http.Request) auth.Actor {
	a, _ := auth.ActorFromContext(r.Context())
	return a
}

// OperationResponse is returned by lifecycle actions.
type OperationResponse struct {
	Applied bool            `json:"applied"`
	Message string          `json:"message,omitempty"`
	Service *models.Service `json:"service,omitempty"`
}

// CleanupResponse is returned by deletions that run best-effort cleanup.
type CleanupResponse struct {
	Deleted  bool     `json:"deleted"`
	Warnings []string `json:"warnings"`
}

func cleanupResponse(report *models.CleanupReport) CleanupResponse {
	out := CleanupResponse{Deleted: true, Warnings: []string{}}
	if report != nil && len(report.Warnings) > 0 {
		out.Warnings = report.Warnings
	}
	return out
}

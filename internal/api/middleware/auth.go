package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	apierrors "github.com/keelhost/control-plane/internal/api/errors"
	"github.com/keelhost/control-plane/internal/auth"
	"github.com/keelhost/control-plane/pkg/logger"
)

// AuthMiddleware handles JWT bearer authentication.
type AuthMiddleware struct {
	authService *auth.Service
	logger      *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(authService *auth.Service, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{
		authService: authService,
		logger:      logger,
	}
}

// Authenticate validates the bearer token and stores the actor in the request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())

		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			apierrors.WriteErrorWithRequestID(w, apierrors.NewUnauthorizedError("Missing authentication"), requestID)
			return
		}

		claims, err := m.authService.ValidateToken(token)
		if err != nil {
			m.logger.Debug("JWT validation failed", "error", err, "request_id", requestID)
			msg := "Invalid token"
			if errors.Is(err, auth.ErrExpiredToken) {
				msg = "Token has expired"
			}
			apierrors.WriteErrorWithRequestID(w, apierrors.NewUnauthorizedError(msg), requestID)
			return
		}

		ctx := auth.WithActor(r.Context(), claims.Actor())
		ctx = logger.ContextWithActorID(ctx, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

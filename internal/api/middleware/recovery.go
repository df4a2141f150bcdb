package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apierrors "github.com/keelhost/control-plane/internal/api/errors"
)

// routeParams maps URL parameters to the log keys used with a recovered panic.
var routeParams = [][2]string{
	{"serviceID", "service_id"},
	{"name", "environment"},
	{"domainID", "domain_id"},
	{"tokenID", "token_id"},
	{"jobID", "job_id"},
}

// Recovery returns a middleware that turns a handler panic into a structured error
// response. A panic carrying an error is classified like a returned error, so a
// panic wrapping a taxonomy sentinel keeps its status code. Upgraded connections
// are hijacked and get no response body.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("panic: %v", rec)
				}
				requestID := middleware.GetReqID(r.Context())
				apiErr := apierrors.FromError(err).WithRequestID(requestID)

				attrs := []any{
					"error", err,
					"error_code", apiErr.Code,
					"request_id", requestID,
					"method", r.Method,
					"path", r.URL.Path,
					"stack_trace", string(debug.Stack()),
				}
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					if p := rctx.RoutePattern(); p != "" {
						attrs = append(attrs, "route", p)
					}
					for _, p := range routeParams {
						if v := rctx.URLParam(p[0]); v != "" {
							attrs = append(attrs, p[1], v)
						}
					}
				}
				logger.Error("panic recovered", attrs...)

				if strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
					return
				}
				apierrors.WriteError(w, apiErr)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

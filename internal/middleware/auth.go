// Package middleware contains HTTP middleware for the hookmeter API.
//
// Middleware functions follow the standard Go pattern of wrapping http.Handler
// and are composed with Stack.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/DukeRupert/hookmeter/internal/auth"
	"github.com/DukeRupert/hookmeter/internal/handler"
	"github.com/google/uuid"
)

// DefaultUserIDHeader is the header the upstream auth gateway sets to the
// authenticated user's id.
const DefaultUserIDHeader = "X-User-ID"

// =============================================================================
// Identity Middleware
// =============================================================================

// IdentityMiddleware resolves the caller from the identity header set by the
// auth gateway. Sessions and credentials never reach this service.
type IdentityMiddleware struct {
	header string
	logger *slog.Logger
}

// NewIdentityMiddleware creates an IdentityMiddleware. An empty header name
// uses DefaultUserIDHeader.
func NewIdentityMiddleware(header string, logger *slog.Logger) *IdentityMiddleware {
	if strings.TrimSpace(header) == "" {
		header = DefaultUserIDHeader
	}
	return &IdentityMiddleware{
		header: header,
		logger: logger,
	}
}

// WithUserID stores the caller's user id in the request context when the
// identity header holds a valid UUID. It always calls the next handler.
//
// Flow:
//
//	Request -> WithUserID -> Handler
//	           |
//	           +-> Read identity header
//	           +-> Parse UUID (if present)
//	           +-> Set user id in context (if valid)
func (m *IdentityMiddleware) WithUserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(m.header))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		id, err := uuid.Parse(raw)
		if err != nil || id == uuid.Nil {
			m.logger.Warn("ignoring malformed identity header",
				"header", m.header,
				"path", r.URL.Path,
			)
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.SetUserID(r.Context(), id)))
	})
}

// RequireUserID rejects requests without a user id in context with 401.
//
// IMPORTANT: This middleware must be used AFTER WithUserID in the chain.
//
//	mux.Handle("POST /api/generations", Stack(idMw.WithUserID, idMw.RequireUserID)(h))
func (m *IdentityMiddleware) RequireUserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.GetUserID(r.Context()); !ok {
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Middleware Stack Helpers
// =============================================================================

// Stack composes multiple middleware functions into a single middleware.
//
// Middleware is applied in the order provided, meaning the first middleware
// in the slice is the outermost (runs first on request, last on response).
//
// Example:
//
//	stack := Stack(loggingMw, idMw.WithUserID, idMw.RequireUserID)
//	mux.Handle("GET /api/billing/overview", stack(overviewHandler))
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Ensure middleware functions have correct signature
var (
	_ func(http.Handler) http.Handler = (&IdentityMiddleware{}).WithUserID
	_ func(http.Handler) http.Handler = (&IdentityMiddleware{}).RequireUserID
)

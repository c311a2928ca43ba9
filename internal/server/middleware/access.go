// Package middleware provides HTTP middleware.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/domain"
)

const (
	// AdminHeader set to "true" grants elevated access. There is no authentication.
	AdminHeader = "X-Aggiestack-Admin"

	// ActorHeader names the caller in logs and events.
	ActorHeader = "X-Aggiestack-Actor"
)

// ContextKey is the type for context keys.
type ContextKey string

// AccessKey is the context key for the caller's domain.Access.
const AccessKey ContextKey = "access"

// AccessResolver attaches the caller's access context to every request.
type AccessResolver struct {
	logger *zap.Logger
}

// NewAccessResolver creates a new access middleware.
func NewAccessResolver(logger *zap.Logger) *AccessResolver {
	return &AccessResolver{
		logger: logger.With(zap.String("middleware", "access")),
	}
}

// Wrap returns next with the access context installed.
func (a *AccessResolver) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		access := FromRequest(r)
		if access.Elevated {
			a.logger.Debug("Elevated request",
				zap.String("actor", access.Actor),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
		}
		next.ServeHTTP(w, r.WithContext(WithAccess(r.Context(), access)))
	})
}

// FromRequest reads the access context from request headers.
func FromRequest(r *http.Request) domain.Access {
	actor := r.Header.Get(ActorHeader)
	if actor == "" {
		actor = r.RemoteAddr
	}
	return domain.Access{
		Elevated: strings.EqualFold(r.Header.Get(AdminHeader), "true"),
		Actor:    actor,
	}
}

// WithAccess returns ctx carrying access.
func WithAccess(ctx context.Context, access domain.Access) context.Context {
	return context.WithValue(ctx, AccessKey, access)
}

// GetAccess extracts the access context. Requests that bypassed the middleware
// get normal access.
func GetAccess(ctx context.Context) domain.Access {
	if access, ok := ctx.Value(AccessKey).(domain.Access); ok {
		return access
	}
	return domain.NormalAccess("")
}

// Package identity resolves the logged-in user from a session bearer token.
package identity

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/middleware"
)

type contextKey int

const (
	userIDKey contextKey = iota
	sessionIDKey
)

// SessionStore looks up login sessions.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns a context carrying the authenticated user and session.
func WithUser(ctx context.Context, userID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// Middleware validates "Authorization: Bearer <session id>" against stored
// sessions and injects the session's user into the request context.
func Middleware(sessions SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := middleware.BearerToken(r)
			if sessionID == "" {
				http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
				return
			}

			session, err := sessions.GetSession(r.Context(), sessionID)
			if err != nil {
				slog.Error("Session lookup failed", "error", err, "ip", IPFromRequest(r))
				http.Error(w, `{"error": "failed to validate session"}`, http.StatusInternalServerError)
				return
			}
			if session == nil || session.Expired(time.Now()) {
				http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), session.UserID, session.ID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

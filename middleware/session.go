package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"calsync-cloud/security"
	"calsync-cloud/store"
)

type contextKey int

const (
	userContextKey contextKey = iota
	notificationContextKey
)

// SessionVerifier validates a session token.
type SessionVerifier interface {
	Verify(token string) (*security.SessionClaims, error)
}

// UserLoader loads the user named by a session.
type UserLoader interface {
	Get(ctx context.Context, id string) (*store.User, error)
}

// RequireSession rejects requests without a valid session and stores the user in the context.
// The token comes from the session cookie, or from a bearer Authorization header.
func RequireSession(verifier SessionVerifier, users UserLoader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := sessionToken(r)
			if token == "" {
				WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Access token required", "auth")
				return
			}
			claims, err := verifier.Verify(token)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid token", "auth")
				return
			}
			user, err := users.Get(r.Context(), claims.Subject)
			if errors.Is(err, store.ErrNotFound) {
				WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "User not found", "auth")
				return
			}
			if err != nil {
				log.Printf("Auth: failed to load user %s: %v", claims.Subject, err)
				WriteInternalError(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(security.SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// WithUser returns a context carrying user.
func WithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*store.User, bool) {
	user, ok := ctx.Value(userContextKey).(*store.User)
	return user, ok && user != nil
}

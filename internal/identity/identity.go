// Package identity resolves the user and session identity of incoming requests.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	UserHeaderName    = "X-Yohan-User-ID"
	SessionHeaderName = "X-Yohan-Session-ID"
	DefaultUserID     = "default"
)

type contextKey int

const (
	userIDKey contextKey = iota
	sessionIDKey
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// SanitizeUserID returns id if it is a well-formed identifier, DefaultUserID otherwise.
func SanitizeUserID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !idPattern.MatchString(id) {
		return DefaultUserID
	}
	return id
}

// SanitizeSessionID returns id if it is a well-formed identifier and "" otherwise.
func SanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !idPattern.MatchString(id) {
		return ""
	}
	return id
}

// UserIDFromRequest reads the user ID from the user_id query parameter or the user header.
func UserIDFromRequest(r *http.Request) string {
	id := r.URL.Query().Get("user_id")
	if id == "" {
		id = r.Header.Get(UserHeaderName)
	}
	return SanitizeUserID(id)
}

// SessionIDFromRequest reads a client-requested session ID. It returns "" when
// none was supplied, meaning a new session should be allocated.
func SessionIDFromRequest(r *http.Request) string {
	id := r.Header.Get(SessionHeaderName)
	if id == "" {
		id = r.URL.Query().Get("session_id")
	}
	return SanitizeSessionID(id)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return DefaultUserID
}

// SessionIDFromContext extracts the requested session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// Middleware injects the caller's user ID and requested session ID.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), userIDKey, UserIDFromRequest(r))
		ctx = context.WithValue(ctx, sessionIDKey, SessionIDFromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IPFromRequest returns a normalized remote IP for connection audit records.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

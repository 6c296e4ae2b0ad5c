package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// SessionKey is the context key for the caller's session ID.
const SessionKey contextKey = "session_id"

// SessionHeader carries the session a request belongs to.
const SessionHeader = "X-Session-Id"

// SessionExtractor reads the session ID from the X-Session-Id header, then
// the session_id query parameter. Requests without one carry an empty
// session and the gateway assigns a fresh ID.
func SessionExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := strings.TrimSpace(r.Header.Get(SessionHeader))
		if session == "" {
			session = strings.TrimSpace(r.URL.Query().Get("session_id"))
		}
		if session == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), SessionKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSession retrieves the session ID from the request context.
func GetSession(ctx context.Context) string {
	if v, ok := ctx.Value(SessionKey).(string); ok {
		return v
	}
	return ""
}

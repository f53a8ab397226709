package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// authMiddleware enforces the pre-shared internal key on the HTTP control
// plane. WebSocket endpoints carry credentials in query parameters and
// authenticate themselves; /health is open for liveness probes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || strings.HasPrefix(path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}

		if s.cfg.InternalAPIKey == "" {
			// no key configured, open access (dev mode)
			next.ServeHTTP(w, r)
			return
		}

		if r.Header.Get("X-Internal-Key") == s.cfg.InternalAPIKey {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if auth != "" && token != auth && token == s.cfg.InternalAPIKey {
			next.ServeHTTP(w, r)
			return
		}

		writeUnauthorizedError(w, "internal key required")
	})
}

// wsAuthorized checks query-parameter credentials for WebSocket upgrades.
// Either the internal key or an opaque user token is accepted; token
// validity is the API service's concern, presence is ours.
func (s *Server) wsAuthorized(r *http.Request) bool {
	if s.cfg.InternalAPIKey == "" {
		return true
	}
	q := r.URL.Query()
	if q.Get("internalKey") == s.cfg.InternalAPIKey {
		return true
	}
	return q.Get("token") != ""
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

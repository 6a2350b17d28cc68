package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/p-arndt/labkasten/internal/auth"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	claimsKey    contextKey = "claims"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/healthz" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if s.verifier == nil {
			// No verifier configured: open access (dev mode).
			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), auth.DevClaims())))
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeUnauthorizedError(w, "missing bearer token")
			return
		}
		claims, err := s.verifier.Verify(token)
		if err != nil {
			s.logger.Debug("rejected token", "path", path, "error", err)
			writeUnauthorizedError(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a WebSocket handshake, so the exec endpoint also accepts ?access_token=.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return ""
		}
		return strings.TrimSpace(token)
	}
	if strings.HasSuffix(r.URL.Path, "/exec") {
		return r.URL.Query().Get("access_token")
	}
	return ""
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

func withClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// claimsFrom returns the caller's claims. Handlers only run behind
// authMiddleware, so a missing value is a wiring bug.
func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey).(*auth.Claims)
	return c
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

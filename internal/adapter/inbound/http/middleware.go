package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mcpwire/mcpwire/internal/ctxkey"
	"github.com/mcpwire/mcpwire/internal/domain/auth"
)

// RequestIDMiddleware extracts or generates a request id, stores it and an
// enriched logger in the context, and echoes the id on the response.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enriched := logger.With("request_id", requestID)
			ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, requestID)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, enriched)

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from the context, falling
// back to slog.Default.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RealIPMiddleware resolves the client's IP through reverse-proxy headers
// and stores it in the context for session bookkeeping.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxkey.RealIPKey{}, extractRealIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// realIPFromContext returns the resolved client IP, or the raw RemoteAddr
// host when the middleware did not run.
func realIPFromContext(r *http.Request) string {
	if ip, ok := r.Context().Value(ctxkey.RealIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return extractRealIP(r)
}

// extractRealIP trusts only the first X-Forwarded-For entry to avoid
// spoofed chains, then X-Real-IP, then the socket address.
func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authExemptPaths are served without credentials even in authenticated
// modes: strict MCP clients probe the OAuth discovery surfaces before they
// are willing to present a token, and health must stay reachable for
// orchestrators.
var authExemptPaths = map[string]struct{}{
	"/health":                                 {},
	"/.well-known/oauth-authorization-server": {},
	"/.well-known/oauth-protected-resource":   {},
	"/register":                               {},
	"/no-registration-required":               {},
	"/no-auth-required":                       {},
}

// AuthMiddleware rejects requests that do not present the shared secret.
// Under ModeNone it passes everything through untouched.
func AuthMiddleware(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if verifier == nil || !verifier.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, exempt := authExemptPaths[r.URL.Path]; exempt {
				next.ServeHTTP(w, r)
				return
			}
			if !verifier.Verify(presentedToken(r, verifier.Mode())) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"error": "unauthorized",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// presentedToken pulls the credential for the configured mode. WebSocket
// clients cannot always set headers, so bearer mode also accepts an
// access_token query parameter.
func presentedToken(r *http.Request, mode auth.Mode) string {
	switch mode {
	case auth.ModeBearer:
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return r.URL.Query().Get("access_token")
	case auth.ModeAPIKey:
		return r.Header.Get("X-API-Key")
	}
	return ""
}

// writeJSON writes a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSONBody reads a small JSON request body into dst.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(dst)
}

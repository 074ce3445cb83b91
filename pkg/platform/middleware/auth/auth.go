// Package auth authenticates counterparty API calls with a static bearer token.
// Per-request credential checks (warranty token signature, revocation) happen
// in the services; this layer only decides whether the caller may speak at all.
package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"reliance/pkg/platform/secrets"
	"reliance/pkg/requestcontext"
)

// PrincipalCounterparty is stored in the request context for authenticated callers.
const PrincipalCounterparty = "counterparty"

// RequireBearerToken rejects requests whose Authorization header does not carry
// the configured token. An unset token rejects every request with 500 rather
// than running open.
func RequireBearerToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			w.Header().Set("Content-Type", "application/json")

			if expectedToken == "" {
				logger.ErrorContext(ctx, "CRITICAL: API token is not configured, rejecting request",
					"request_id", requestcontext.RequestID(ctx),
				)
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal_error","error_description":"security configuration missing"}`))
				return
			}

			header := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || !secrets.Matches(token, expectedToken) {
				logger.WarnContext(ctx, "bearer token rejected",
					"request_id", requestcontext.RequestID(ctx),
					"client_ip", requestcontext.ClientIP(ctx),
				)
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"missing or invalid bearer token"}`))
				return
			}

			ctx = requestcontext.WithPrincipal(ctx, PrincipalCounterparty)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

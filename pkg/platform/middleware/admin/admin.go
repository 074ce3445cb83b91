package admin

import (
	"log/slog"
	"net/http"

	"reliance/pkg/platform/secrets"
	"reliance/pkg/requestcontext"
)

// PrincipalAdmin is stored in the request context once the admin token checks out.
const PrincipalAdmin = "admin"

// RequireAdminToken guards administrative endpoints (manual reset, ledger
// verification, evidence reconstruction). The configured token may be a bcrypt hash.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if !secrets.Matches(r.Header.Get("X-Admin-Token"), expectedToken) {
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", requestcontext.RequestID(ctx),
					"client_ip", requestcontext.ClientIP(ctx),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"admin token required"}`))
				return
			}

			ctx = requestcontext.WithPrincipal(ctx, PrincipalAdmin)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

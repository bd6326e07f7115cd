package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/berstock227/demoE5/pkg/auth"
)

// NewIdentityMiddleware extracts the credential from the request and
// rejects unauthenticated upgrades before they consume a socket. The
// resolved identity is stashed in the request metadata for the
// connection limiter; the coordinator re-resolves the token as the
// authoritative step of Connect.
func NewIdentityMiddleware(logger *slog.Logger, verifier auth.Verifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			token := tokenFromRequest(r)
			if token == "" {
				logger.Warn("Credential missing in request", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ident, err := verifier.Resolve(r.Context(), token)
			if err != nil {
				logger.Warn("Credential resolution failed",
					slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.Token = token
			reqMeta.Identity = ident
			next.ServeHTTP(w, r)
		})
	}
}

// tokenFromRequest checks the session-token cookie first, then a bearer
// Authorization header.
func tokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie("session-token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

package middleware

import (
	"log/slog"
	"net/http"

	"github.com/berstock227/demoE5/pkg/config"
)

type UserConnectionCounter func(r *http.Request, tenantID, userID string) int

// UserConnectionCycler closes one of the user's connections to make room
// and reports whether it could; a user whose connections all live on
// other nodes has nothing local to cycle.
type UserConnectionCycler func(tenantID, userID string) bool

// NewConnectionLimiter bounds concurrent connections per user. In
// "reject" mode excess upgrades get 429; in "cycle" mode the user's
// oldest local connection is closed to make room, falling back to reject
// when nothing local can be cycled. Must run after the identity
// middleware.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter UserConnectionCounter,
	cycler UserConnectionCycler,
	cfg config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxPerUser <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			ident := reqMeta.Identity
			if ident.UserID == "" {
				logger.Warn("Connection limiter could not determine user; blocking request for safety.")
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			count := counter(r, ident.TenantID, ident.UserID)
			if count < cfg.MaxPerUser {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("User connection limit reached",
				slog.String("userID", ident.UserID), slog.Int("count", count))
			switch cfg.Mode {
			case "reject":
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
			case "cycle":
				if !cycler(ident.TenantID, ident.UserID) {
					logger.Warn("No local connection to cycle; rejecting",
						slog.String("userID", ident.UserID))
					http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
					return
				}
				next.ServeHTTP(w, r)
			default:
				logger.Error("Invalid connection limit mode configured", slog.String("mode", cfg.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		})
	}
}

package middleware

import (
	"log/slog"
	"net/http"

	"github.com/deqlabs/deq/internal/api/handlers"
	"github.com/deqlabs/deq/internal/auth"
	"github.com/deqlabs/deq/pkg/logger"
)

// AuthMiddleware handles JWT and API key authentication. When authentication
// has not been configured, every request passes through as anonymous.
type AuthMiddleware struct {
	authService  *auth.Service
	apiKeyHeader string
	logger       *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(authService *auth.Service, apiKeyHeader string, log *slog.Logger) *AuthMiddleware {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &AuthMiddleware{
		authService:  authService,
		apiKeyHeader: apiKeyHeader,
		logger:       log,
	}
}

// Authenticate is a middleware that validates API keys or JWT tokens.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.authService.Enabled(r.Context()) {
			next.ServeHTTP(w, r)
			return
		}

		var user string

		// Try API key first
		apiKey := r.Header.Get(m.apiKeyHeader)
		if apiKey != "" {
			key, err := m.authService.ValidateAPIKey(r.Context(), apiKey)
			if err != nil {
				m.logger.Debug("API key validation failed", "error", err)
				handlers.WriteUnauthorized(w, "Invalid API key")
				return
			}
			user = "key:" + key.Name
		} else {
			// Fall back to JWT from the Authorization header, or the token
			// query parameter for websocket upgrades where the browser
			// cannot set headers.
			token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				handlers.WriteUnauthorized(w, "Missing authentication")
				return
			}

			claims, err := m.authService.ValidateToken(token)
			if err != nil {
				m.logger.Debug("JWT validation failed", "error", err)
				if err == auth.ErrExpiredToken {
					handlers.WriteUnauthorized(w, "Token has expired")
					return
				}
				handlers.WriteUnauthorized(w, "Invalid token")
				return
			}
			user = claims.Subject
		}

		ctx := logger.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

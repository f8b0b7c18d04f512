package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

type contextKey string

const (
	UserContextKey   = contextKey("user")
	EmailContextKey  = contextKey("email")
	DeviceContextKey = contextKey("device")
)

// UserIDFromContext returns the authenticated user id, "" for anonymous callers.
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(UserContextKey).(string)
	return v
}

func EmailFromContext(ctx context.Context) string {
	v, _ := ctx.Value(EmailContextKey).(string)
	return v
}

// WithUser stores an authenticated caller in ctx.
func WithUser(ctx context.Context, userID, email string) context.Context {
	ctx = context.WithValue(ctx, UserContextKey, userID)
	return context.WithValue(ctx, EmailContextKey, email)
}

func bearerToken(r *http.Request) (string, bool, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false, true
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", true, false
	}
	return parts[1], true, true
}

// OptionalAuth lets requests without an Authorization header through as
// anonymous. A header that is present but malformed or invalid is rejected.
func OptionalAuth(keyMaterial string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return authMiddleware(keyMaterial, false, logger)
}

// AuthMiddleware requires a valid bearer token.
func AuthMiddleware(keyMaterial string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return authMiddleware(keyMaterial, true, logger)
}

func authMiddleware(keyMaterial string, required bool, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, present, wellFormed := bearerToken(r)
			if !present {
				if required {
					logger.Warn().Str("path", r.URL.Path).Msg("Authorization header missing")
					http.Error(w, "Authorization header missing", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if !wellFormed {
				logger.Warn().Str("path", r.URL.Path).Msg("Invalid authorization header")
				http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}
			claims, err := ValidateJWT(token, keyMaterial)
			if err != nil {
				logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Invalid token")
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), claims.Subject, claims.Email)))
		})
	}
}

package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
	"google.golang.org/api/idtoken"
)

// TokenValidator checks a Google-signed OIDC token for an audience.
type TokenValidator func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

// PubSubAuthMiddleware validates the OIDC token Pub/Sub attaches to push
// requests. Authentication is skipped when isLocalDev is true.
func PubSubAuthMiddleware(isLocalDev bool, audience, expectedEmail string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return pubSubAuth(isLocalDev, audience, expectedEmail, idtoken.Validate, logger)
}

func pubSubAuth(isLocalDev bool, audience, expectedEmail string, validate TokenValidator, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isLocalDev {
				logger.Debug().Msg("Skipping Pub/Sub authentication for local environment")
				next.ServeHTTP(w, r)
				return
			}
			if audience == "" || expectedEmail == "" {
				logger.Error().Msg("Pub/Sub auth configured without an audience or expected email; denying request")
				http.Error(w, "Configuration error: audience or email not set", http.StatusInternalServerError)
				return
			}

			token, present, wellFormed := bearerToken(r)
			if !present || !wellFormed {
				logger.Warn().Bool("present", present).Msg("Missing or malformed Authorization header in Pub/Sub push request")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			payload, err := validate(r.Context(), token, audience)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to validate Pub/Sub JWT")
				http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
				return
			}

			email, _ := payload.Claims["email"].(string)
			if email != expectedEmail {
				logger.Warn().
					Str("token_email", email).
					Str("expected_email", expectedEmail).
					Msg("Pub/Sub JWT email does not match expected service account")
				http.Error(w, "Forbidden: token email does not match expected service account", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

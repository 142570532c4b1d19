package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/otpcore/server/internal/auth"
)

// BearerAuth validates the caller-supplied bearer credential on every
// request. The credential is either the static API key (constant-time
// compare) or, when a token service is configured, a signed service token.
// This authenticates the caller only; device secrets are the core's job.
func BearerAuth(apiKey string, tokens *auth.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondWithError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			credential := strings.TrimSpace(parts[1])
			if credential == "" {
				respondWithError(w, http.StatusUnauthorized, "missing credential")
				return
			}

			if subtle.ConstantTimeCompare([]byte(credential), []byte(apiKey)) == 1 {
				next.ServeHTTP(w, r)
				return
			}

			if tokens != nil {
				if _, err := tokens.VerifyServiceToken(credential); err == nil {
					next.ServeHTTP(w, r)
					return
				}
			}

			respondWithError(w, http.StatusUnauthorized, "invalid API key")
		})
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}

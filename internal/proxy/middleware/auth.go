package middleware

import (
	"net/http"
	"strings"

	"github.com/warden-sh/proxy-warden/internal/db"
	"gorm.io/gorm"
)

// APIKeyAuth validates the client API key on the completion surfaces. The key
// is accepted anywhere the provider SDKs put it: Authorization bearer,
// x-api-key (Anthropic SDK), x-goog-api-key (GenAI SDK), or the key query
// parameter.
func APIKeyAuth(database *gorm.DB) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expectedKey := db.GetAPIKey(database)
			if expectedKey == "" {
				// First run, nothing configured yet.
				next.ServeHTTP(w, r)
				return
			}

			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				if strings.TrimPrefix(authHeader, "Bearer ") == expectedKey {
					next.ServeHTTP(w, r)
					return
				}
			}
			if r.Header.Get("x-api-key") == expectedKey {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("x-goog-api-key") == expectedKey {
				next.ServeHTTP(w, r)
				return
			}
			if queryKey := r.URL.Query().Get("key"); queryKey != "" && queryKey == expectedKey {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "authentication_error"}}`))
		})
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/warden-sh/proxy-warden/internal/db"
)

func TestAPIKeyAuth(t *testing.T) {
	database, err := db.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	key := db.GetAPIKey(database)
	require.NotEmpty(t, key)

	handler := APIKeyAuth(database)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name  string
		setup func(r *http.Request)
		want  int
	}{
		{"no credentials", func(r *http.Request) {}, http.StatusUnauthorized},
		{"wrong bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer wrong") }, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+key) }, http.StatusOK},
		{"x-api-key", func(r *http.Request) { r.Header.Set("x-api-key", key) }, http.StatusOK},
		{"x-goog-api-key", func(r *http.Request) { r.Header.Set("x-goog-api-key", key) }, http.StatusOK},
		{"query key", func(r *http.Request) { q := r.URL.Query(); q.Set("key", key); r.URL.RawQuery = q.Encode() }, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			tc.setup(req)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			require.Equal(t, tc.want, w.Code)
		})
	}
}

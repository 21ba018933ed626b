package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/warden-sh/proxy-warden/internal/db"
	"github.com/warden-sh/proxy-warden/internal/routecache"
	"gorm.io/gorm"
)

func newTestRouter(t *testing.T) (*chi.Mux, *gorm.DB, *routecache.Store) {
	t.Helper()
	database, err := db.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	cache := routecache.NewStore()

	r := chi.NewRouter()
	r.Get("/virtual-models", VirtualModelsHandler(database))
	r.Post("/virtual-models", CreateVirtualModelHandler(database))
	r.Put("/virtual-models/{id}", UpdateVirtualModelHandler(database, cache))
	r.Delete("/virtual-models/{id}", DeleteVirtualModelHandler(database, cache))
	r.Get("/routes", RouteStatesHandler(cache))
	r.Post("/fallback", FallbackToggleHandler(database, cache))
	return r, database, cache
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestVirtualModelCRUD(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/virtual-models", map[string]interface{}{
		"name": "smart",
		"fallback_entries": []map[string]string{
			{"provider": "openai", "model_id": "gpt-4"},
			{"provider": "anthropic", "model_id": "claude-3"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Entries []struct {
			Provider string `json:"provider"`
			Position int    `json:"position"`
		} `json:"fallback_entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	require.Len(t, created.Entries, 2)
	require.Equal(t, 1, created.Entries[1].Position)

	// Case-insensitive duplicate is refused.
	w = doJSON(t, r, http.MethodPost, "/virtual-models", map[string]interface{}{
		"name":             "SMART",
		"fallback_entries": []map[string]string{{"provider": "openai", "model_id": "gpt-4"}},
	})
	require.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, r, http.MethodGet, "/virtual-models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"count":1`)

	w = doJSON(t, r, http.MethodDelete, "/virtual-models/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodDelete, "/virtual-models/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestEditingChainDropsCachedRoute(t *testing.T) {
	r, database, cache := newTestRouter(t)

	vm, err := db.CreateVirtualModel(database, "smart", []db.EntrySpec{
		{Provider: "openai", ModelID: "gpt-4"},
		{Provider: "anthropic", ModelID: "claude-3"},
	})
	require.NoError(t, err)

	cache.SetCachedEntryID("smart", uuid.MustParse(vm.Entries[1].ID))
	_, ok := cache.GetCachedEntryID("smart")
	require.True(t, ok)

	// Reordering the chain must invalidate the cached hop.
	w := doJSON(t, r, http.MethodPut, "/virtual-models/"+vm.ID, map[string]interface{}{
		"fallback_entries": []map[string]string{
			{"provider": "anthropic", "model_id": "claude-3"},
			{"provider": "openai", "model_id": "gpt-4"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	_, ok = cache.GetCachedEntryID("smart")
	require.False(t, ok)
}

func TestDeleteDropsCachedRoute(t *testing.T) {
	r, database, cache := newTestRouter(t)

	vm, err := db.CreateVirtualModel(database, "smart", []db.EntrySpec{
		{Provider: "openai", ModelID: "gpt-4"},
	})
	require.NoError(t, err)
	cache.SetCachedEntryID("smart", uuid.MustParse(vm.Entries[0].ID))

	w := doJSON(t, r, http.MethodDelete, "/virtual-models/"+vm.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	_, ok := cache.GetCachedEntryID("smart")
	require.False(t, ok)
}

func TestDisablingFallbackClearsAllRoutes(t *testing.T) {
	r, database, cache := newTestRouter(t)

	cache.SetCachedEntryID("smart", uuid.New())
	w := doJSON(t, r, http.MethodPost, "/fallback", map[string]interface{}{"is_enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, db.IsFallbackEnabled(database))

	_, ok := cache.GetCachedEntryID("smart")
	require.False(t, ok)
}

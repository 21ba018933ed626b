package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/warden-sh/proxy-warden/internal/db"
	"github.com/warden-sh/proxy-warden/internal/routecache"
	"gorm.io/gorm"
)

// RouteStatesHandler returns the display-only snapshot of which fallback
// entry is currently serving each virtual model.
func RouteStatesHandler(cache *routecache.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states := cache.RouteStates()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"routes": states,
			"count":  len(states),
		})
	}
}

// ClearRouteCacheHandler drops all cached routes, forcing every virtual
// model back to its preferred entry.
func ClearRouteCacheHandler(cache *routecache.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cache.ClearAll()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true}`))
	}
}

// FallbackToggleHandler flips the global fallback switch. With fallback off,
// every request passes through to the wrapped instance untouched.
func FallbackToggleHandler(database *gorm.DB, cache *routecache.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IsEnabled bool `json:"is_enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
			return
		}
		if err := db.SetFallbackEnabled(database, req.IsEnabled); err != nil {
			http.Error(w, `{"error": "Failed to update fallback setting"}`, http.StatusInternalServerError)
			return
		}
		if !req.IsEnabled {
			cache.ClearAll()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"is_enabled": req.IsEnabled})
	}
}

// GetAPIKeyHandler returns the current client API key.
func GetAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"api_key": db.GetAPIKey(database)})
	}
}

// RegenerateAPIKeyHandler replaces the client API key.
func RegenerateAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := db.RegenerateAPIKey(database)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"api_key": key})
	}
}

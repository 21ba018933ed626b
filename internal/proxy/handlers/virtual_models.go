package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/warden-sh/proxy-warden/internal/db"
	"github.com/warden-sh/proxy-warden/internal/routecache"
	"gorm.io/gorm"
)

// virtualModelRequest is the create/update payload.
type virtualModelRequest struct {
	Name      string         `json:"name"`
	Entries   []db.EntrySpec `json:"fallback_entries"`
	IsEnabled *bool          `json:"is_enabled"`
}

// VirtualModelsHandler returns every virtual model with its fallback chain.
func VirtualModelsHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := db.GetFallbackConfiguration(database)
		if err != nil {
			http.Error(w, `{"error": "Failed to load configuration"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"is_enabled":     cfg.IsEnabled,
			"virtual_models": cfg.VirtualModels,
			"count":          len(cfg.VirtualModels),
		})
	}
}

// CreateVirtualModelHandler creates a virtual model with its ordered chain.
func CreateVirtualModelHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req virtualModelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
			return
		}
		if req.Name == "" || len(req.Entries) == 0 {
			http.Error(w, `{"error": "name and fallback_entries are required"}`, http.StatusBadRequest)
			return
		}

		vm, err := db.CreateVirtualModel(database, req.Name, req.Entries)
		if err != nil {
			http.Error(w, `{"error": "Failed to create virtual model: `+err.Error()+`"}`, http.StatusConflict)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(vm)
	}
}

// UpdateVirtualModelHandler replaces a virtual model's chain and/or toggles
// it. Any change to the chain drops the cached route so routing restarts at
// the preferred entry.
func UpdateVirtualModelHandler(database *gorm.DB, cache *routecache.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req virtualModelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
			return
		}

		vm, err := db.FindVirtualModelByID(database, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				http.Error(w, `{"error": "Virtual model not found"}`, http.StatusNotFound)
				return
			}
			http.Error(w, `{"error": "Failed to load virtual model"}`, http.StatusInternalServerError)
			return
		}

		if len(req.Entries) > 0 {
			vm, err = db.ReplaceVirtualModelEntries(database, id, req.Entries)
			if err != nil {
				http.Error(w, `{"error": "Failed to update entries: `+err.Error()+`"}`, http.StatusInternalServerError)
				return
			}
			cache.Clear(vm.Name)
		}
		if req.IsEnabled != nil {
			if err := db.SetVirtualModelEnabled(database, id, *req.IsEnabled); err != nil {
				http.Error(w, `{"error": "Failed to update virtual model"}`, http.StatusInternalServerError)
				return
			}
			vm.IsEnabled = *req.IsEnabled
			cache.Clear(vm.Name)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(vm)
	}
}

// DeleteVirtualModelHandler removes a virtual model, its chain, and any
// cached route for it.
func DeleteVirtualModelHandler(database *gorm.DB, cache *routecache.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		name, err := db.DeleteVirtualModel(database, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				http.Error(w, `{"error": "Virtual model not found"}`, http.StatusNotFound)
				return
			}
			http.Error(w, `{"error": "Failed to delete virtual model"}`, http.StatusInternalServerError)
			return
		}
		cache.Clear(name)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true}`))
	}
}

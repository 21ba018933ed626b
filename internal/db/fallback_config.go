package db

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/warden-sh/proxy-warden/internal/db/models"
	"gorm.io/gorm"
)

// FallbackConfiguration is the persisted root the gateway reads. The store
// owns it exclusively; callers get snapshots and mutate only through the CRUD
// functions below.
type FallbackConfiguration struct {
	IsEnabled     bool                  `json:"is_enabled"`
	VirtualModels []models.VirtualModel `json:"virtual_models"`
}

// EntrySpec is the caller-facing shape of one fallback hop; ids and positions
// are assigned by the store.
type EntrySpec struct {
	Provider string `json:"provider"`
	ModelID  string `json:"model_id"`
}

// NameKey normalizes a virtual model name for case-insensitive matching.
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// GetFallbackConfiguration loads the full fallback configuration with entries
// in chain order.
func GetFallbackConfiguration(db *gorm.DB) (FallbackConfiguration, error) {
	cfg := FallbackConfiguration{IsEnabled: IsFallbackEnabled(db)}
	err := db.Preload("Entries", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position ASC")
	}).Order("name_key ASC").Find(&cfg.VirtualModels).Error
	return cfg, err
}

// IsFallbackEnabled reports the persisted toggle; absent means enabled.
func IsFallbackEnabled(db *gorm.DB) bool {
	return GetConfigValue(db, models.KeyFallbackEnabled) != "false"
}

// SetFallbackEnabled persists the global fallback toggle.
func SetFallbackEnabled(db *gorm.DB, enabled bool) error {
	v := "true"
	if !enabled {
		v = "false"
	}
	return SetConfigValue(db, models.KeyFallbackEnabled, v)
}

// FindVirtualModelByName resolves a virtual model case-insensitively, with
// its entries in chain order. Returns gorm.ErrRecordNotFound when absent.
func FindVirtualModelByName(db *gorm.DB, name string) (*models.VirtualModel, error) {
	var vm models.VirtualModel
	err := db.Preload("Entries", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position ASC")
	}).Where("name_key = ?", NameKey(name)).First(&vm).Error
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

// FindVirtualModelByID loads a virtual model by id with ordered entries.
func FindVirtualModelByID(db *gorm.DB, id string) (*models.VirtualModel, error) {
	var vm models.VirtualModel
	err := db.Preload("Entries", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position ASC")
	}).Where("id = ?", id).First(&vm).Error
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

// CreateVirtualModel creates a virtual model with the given ordered entries.
// Names must be unique case-insensitively.
func CreateVirtualModel(db *gorm.DB, name string, entries []EntrySpec) (*models.VirtualModel, error) {
	key := NameKey(name)
	if key == "" {
		return nil, fmt.Errorf("virtual model name must not be empty")
	}

	var count int64
	db.Model(&models.VirtualModel{}).Where("name_key = ?", key).Count(&count)
	if count > 0 {
		return nil, fmt.Errorf("virtual model %q already exists", name)
	}

	vm := &models.VirtualModel{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(name),
		NameKey:   key,
		IsEnabled: true,
		Entries:   buildEntries("", entries),
	}
	for i := range vm.Entries {
		vm.Entries[i].VirtualModelID = vm.ID
	}
	if err := db.Create(vm).Error; err != nil {
		return nil, err
	}
	return vm, nil
}

// ReplaceVirtualModelEntries swaps the entire entry chain of a virtual model.
// Callers must clear any cached route for the model afterwards, because a
// cached entry id could otherwise point at a semantically different hop.
func ReplaceVirtualModelEntries(db *gorm.DB, id string, entries []EntrySpec) (*models.VirtualModel, error) {
	vm, err := FindVirtualModelByID(db, id)
	if err != nil {
		return nil, err
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("virtual_model_id = ?", id).Delete(&models.FallbackEntry{}).Error; err != nil {
			return err
		}
		fresh := buildEntries(id, entries)
		if len(fresh) == 0 {
			return nil
		}
		return tx.Create(&fresh).Error
	})
	if err != nil {
		return nil, err
	}
	return FindVirtualModelByID(db, vm.ID)
}

// SetVirtualModelEnabled toggles a single virtual model.
func SetVirtualModelEnabled(db *gorm.DB, id string, enabled bool) error {
	return db.Model(&models.VirtualModel{}).Where("id = ?", id).Update("is_enabled", enabled).Error
}

// DeleteVirtualModel removes a virtual model and its entries, returning the
// deleted model's name so callers can purge cached route state.
func DeleteVirtualModel(db *gorm.DB, id string) (string, error) {
	vm, err := FindVirtualModelByID(db, id)
	if err != nil {
		return "", err
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("virtual_model_id = ?", id).Delete(&models.FallbackEntry{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.VirtualModel{}, "id = ?", id).Error
	})
	if err != nil {
		return "", err
	}
	return vm.Name, nil
}

func buildEntries(virtualModelID string, specs []EntrySpec) []models.FallbackEntry {
	entries := make([]models.FallbackEntry, 0, len(specs))
	for i, spec := range specs {
		provider := strings.ToLower(strings.TrimSpace(spec.Provider))
		if provider == "" {
			provider = "openai"
		}
		entries = append(entries, models.FallbackEntry{
			ID:             uuid.New().String(),
			VirtualModelID: virtualModelID,
			Position:       i,
			Provider:       provider,
			ModelID:        strings.TrimSpace(spec.ModelID),
		})
	}
	return entries
}

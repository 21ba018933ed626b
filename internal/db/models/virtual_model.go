package models

import "time"

// VirtualModel is a user-defined model alias that resolves, at request time,
// to an ordered chain of real provider/model pairs.
// Names are unique case-insensitively: NameKey stores the lowercased name and
// carries the unique index, Name preserves the display casing.
type VirtualModel struct {
	ID        string          `gorm:"primaryKey" json:"id"` // UUID
	Name      string          `gorm:"not null" json:"name"`
	NameKey   string          `gorm:"uniqueIndex;not null" json:"-"`
	IsEnabled bool            `gorm:"default:true" json:"is_enabled"`
	Entries   []FallbackEntry `gorm:"foreignKey:VirtualModelID;constraint:OnDelete:CASCADE" json:"fallback_entries"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FallbackEntry is one (provider, model) hop in a virtual model's chain.
// Position 0 is the preferred target; order is significant.
type FallbackEntry struct {
	ID             string    `gorm:"primaryKey" json:"id"` // UUID
	VirtualModelID string    `gorm:"index;not null" json:"-"`
	Position       int       `gorm:"not null" json:"position"`
	Provider       string    `gorm:"not null" json:"provider"` // "openai", "anthropic", "google"
	ModelID        string    `gorm:"not null" json:"model_id"`
	CreatedAt      time.Time `json:"created_at"`
}

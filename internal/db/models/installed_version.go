package models

import "time"

// InstalledVersion records one extracted binary release on disk. The "current"
// version is exposed via the symlink the release manager swaps on promotion;
// these rows are the durable install history.
type InstalledVersion struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Version     string    `gorm:"uniqueIndex;not null" json:"version"`
	Sha256      string    `gorm:"size:64" json:"sha256"`
	InstalledAt time.Time `json:"installed_at"`
}

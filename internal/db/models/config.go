package models

import "time"

// Config stores application configuration like API keys and version pointers
// as single-key atomic values.
type Config struct {
	Key       string    `gorm:"primaryKey"` // Config key name
	Value     string    // Config value
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Well-known config keys.
const (
	KeyAPIKey          = "api_key"
	KeyFallbackEnabled = "fallback_enabled"
	KeyPreviousVersion = "previous_version"
	KeyAuthToken       = "auth_token" // last auth helper token, JSON-encoded oauth2.Token
)

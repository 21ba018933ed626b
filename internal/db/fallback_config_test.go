package db

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/warden-sh/proxy-warden/internal/db/models"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Config{}, &models.VirtualModel{}, &models.FallbackEntry{}, &models.InstalledVersion{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestCreateVirtualModel_CaseInsensitiveUniqueness(t *testing.T) {
	db := newTestDB(t)

	_, err := CreateVirtualModel(db, "My-Router", []EntrySpec{
		{Provider: "openai", ModelID: "gpt-4o"},
	})
	require.NoError(t, err)

	_, err = CreateVirtualModel(db, "my-router", nil)
	require.Error(t, err, "case-insensitive duplicate should be rejected")

	vm, err := FindVirtualModelByName(db, "MY-ROUTER")
	require.NoError(t, err)
	require.Equal(t, "My-Router", vm.Name)
	require.Len(t, vm.Entries, 1)
	require.Equal(t, "gpt-4o", vm.Entries[0].ModelID)
}

func TestReplaceVirtualModelEntries_Reorders(t *testing.T) {
	db := newTestDB(t)

	vm, err := CreateVirtualModel(db, "router", []EntrySpec{
		{Provider: "openai", ModelID: "gpt-4o"},
		{Provider: "anthropic", ModelID: "claude-sonnet-4"},
	})
	require.NoError(t, err)

	updated, err := ReplaceVirtualModelEntries(db, vm.ID, []EntrySpec{
		{Provider: "anthropic", ModelID: "claude-sonnet-4"},
		{Provider: "google", ModelID: "gemini-2.5-pro"},
		{Provider: "openai", ModelID: "gpt-4o"},
	})
	require.NoError(t, err)
	require.Len(t, updated.Entries, 3)
	require.Equal(t, 0, updated.Entries[0].Position)
	require.Equal(t, "anthropic", updated.Entries[0].Provider)
	require.Equal(t, "openai", updated.Entries[2].Provider)

	// Entry ids are fresh after a replace; stale cached ids must not match.
	require.NotEqual(t, vm.Entries[1].ID, updated.Entries[0].ID)
}

func TestDeleteVirtualModel_RemovesEntries(t *testing.T) {
	db := newTestDB(t)

	vm, err := CreateVirtualModel(db, "doomed", []EntrySpec{{Provider: "openai", ModelID: "gpt-4o"}})
	require.NoError(t, err)

	name, err := DeleteVirtualModel(db, vm.ID)
	require.NoError(t, err)
	require.Equal(t, "doomed", name)

	var entryCount int64
	db.Model(&models.FallbackEntry{}).Where("virtual_model_id = ?", vm.ID).Count(&entryCount)
	require.Zero(t, entryCount)

	_, err = FindVirtualModelByName(db, "doomed")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestFallbackEnabledToggle(t *testing.T) {
	db := newTestDB(t)

	require.True(t, IsFallbackEnabled(db), "absent toggle defaults to enabled")
	require.NoError(t, SetFallbackEnabled(db, false))
	require.False(t, IsFallbackEnabled(db))
	require.NoError(t, SetFallbackEnabled(db, true))
	require.True(t, IsFallbackEnabled(db))
}

func TestConfigValueRoundTrip(t *testing.T) {
	db := newTestDB(t)

	require.Empty(t, GetConfigValue(db, models.KeyPreviousVersion))
	require.NoError(t, SetConfigValue(db, models.KeyPreviousVersion, "v1.2.3"))
	require.Equal(t, "v1.2.3", GetConfigValue(db, models.KeyPreviousVersion))
	require.NoError(t, SetConfigValue(db, models.KeyPreviousVersion, "v1.3.0"))
	require.Equal(t, "v1.3.0", GetConfigValue(db, models.KeyPreviousVersion))
}

func TestSetConfigValueUpsertsSingleRow(t *testing.T) {
	db := newTestDB(t)

	// Repeated writes to the same key are a single-statement upsert: they
	// must never leave a duplicate row behind.
	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, SetConfigValue(db, models.KeyAuthToken, v))
	}

	var rows int64
	db.Model(&models.Config{}).Where("key = ?", models.KeyAuthToken).Count(&rows)
	require.EqualValues(t, 1, rows)
	require.Equal(t, "c", GetConfigValue(db, models.KeyAuthToken))
}

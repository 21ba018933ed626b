package release

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/warden-sh/proxy-warden/internal/db"
	"github.com/warden-sh/proxy-warden/internal/db/models"
	"github.com/warden-sh/proxy-warden/internal/proxyerr"
	"gorm.io/gorm"
)

type countingRestarter struct {
	calls int
}

func (r *countingRestarter) Restart(ctx context.Context) error {
	r.calls++
	return nil
}

func newTestManager(t *testing.T) (*Manager, *gorm.DB, string) {
	t.Helper()
	root := t.TempDir()
	database, err := db.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	m := NewManager(database, nil, root, "cli-proxy-api", nil)
	return m, database, root
}

func installFakeVersion(t *testing.T, root, tag string) {
	t.Helper()
	dir := filepath.Join(root, tag)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cli-proxy-api"), []byte("#!/bin/sh\n"), 0o755))
}

func TestChecksumMismatchLeavesNothingInstalled(t *testing.T) {
	m, _, root := newTestManager(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("binary payload"))
	}))
	defer srv.Close()

	err := m.DownloadAndInstallVersion(context.Background(), ProxyVersion{
		Tag:         "1.0.0",
		DownloadURL: srv.URL + "/cli-proxy-api",
		Sha256:      "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
	})
	require.Error(t, err)
	require.Equal(t, proxyerr.CodeChecksumMismatch, proxyerr.CodeOf(err))

	var perr *proxyerr.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "1.0.0", perr.Version)

	// Nothing may remain on disk for the failed version.
	_, statErr := os.Stat(filepath.Join(root, "1.0.0"))
	require.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(root, "1.0.0.staging"))
	require.True(t, os.IsNotExist(statErr))

	require.Empty(t, m.InstalledVersions())
	require.Equal(t, StateIdle, m.State())
}

func TestDownloadAndInstallRawBinary(t *testing.T) {
	m, _, root := newTestManager(t)

	payload := []byte("fake proxy binary contents")
	sum := sha256.Sum256(payload)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	v := ProxyVersion{
		Tag:         "1.2.0",
		DownloadURL: srv.URL + "/cli-proxy-api",
		Sha256:      hex.EncodeToString(sum[:]),
	}
	require.NoError(t, m.DownloadAndInstallVersion(context.Background(), v))

	installed, err := os.ReadFile(filepath.Join(root, "1.2.0", "cli-proxy-api"))
	require.NoError(t, err)
	require.Equal(t, payload, installed)

	history := m.InstalledVersions()
	require.Len(t, history, 1)
	require.Equal(t, "1.2.0", history[0].Version)

	// Installing the same version again is refused, not overwritten.
	err = m.DownloadAndInstallVersion(context.Background(), v)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already installed")
}

func TestPromoteAndRollback(t *testing.T) {
	m, database, root := newTestManager(t)
	restarter := &countingRestarter{}
	m.SetRestarter(restarter)

	installFakeVersion(t, root, "1.0.0")
	installFakeVersion(t, root, "1.1.0")

	require.NoError(t, m.Promote(context.Background(), "1.0.0"))
	require.Equal(t, "1.0.0", m.CurrentVersion())
	require.Equal(t, 1, restarter.calls)

	require.NoError(t, m.Promote(context.Background(), "1.1.0"))
	require.Equal(t, "1.1.0", m.CurrentVersion())
	require.Equal(t, "1.0.0", db.GetConfigValue(database, models.KeyPreviousVersion))

	require.NoError(t, m.Rollback(context.Background()))
	require.Equal(t, "1.0.0", m.CurrentVersion())
	require.Equal(t, "1.1.0", db.GetConfigValue(database, models.KeyPreviousVersion))
	require.Equal(t, StateRolledBack, m.State())
	require.Equal(t, 3, restarter.calls)
}

func TestPromoteRefusesDowngrade(t *testing.T) {
	m, _, root := newTestManager(t)
	installFakeVersion(t, root, "1.0.0")
	installFakeVersion(t, root, "1.1.0")

	require.NoError(t, m.Promote(context.Background(), "1.1.0"))

	err := m.Promote(context.Background(), "1.0.0")
	require.Error(t, err)
	require.Equal(t, proxyerr.CodeUpgradeIncompatible, proxyerr.CodeOf(err))
	require.Equal(t, "1.1.0", m.CurrentVersion())
}

func TestPromoteUnknownVersion(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.Promote(context.Background(), "9.9.9")
	require.Error(t, err)
	require.Equal(t, proxyerr.CodeBinaryNotFound, proxyerr.CodeOf(err))
}

func TestRollbackWithoutPreviousVersion(t *testing.T) {
	m, _, root := newTestManager(t)
	installFakeVersion(t, root, "1.0.0")
	require.NoError(t, m.swapCurrent("1.0.0"))

	err := m.Rollback(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "nothing to roll back")
	require.Equal(t, "1.0.0", m.CurrentVersion())
}

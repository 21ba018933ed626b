package release

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/warden-sh/proxy-warden/internal/db"
	"github.com/warden-sh/proxy-warden/internal/db/models"
	"github.com/warden-sh/proxy-warden/internal/proxyerr"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// UpgradeState tracks where an upgrade attempt currently is.
type UpgradeState string

const (
	StateIdle        UpgradeState = "idle"
	StateFetching    UpgradeState = "fetching"
	StateDownloading UpgradeState = "downloading"
	StateVerifying   UpgradeState = "verifying"
	StateDryRunning  UpgradeState = "dry_running"
	StatePromoting   UpgradeState = "promoting"
	StateActive      UpgradeState = "active"
	StateRolledBack  UpgradeState = "rolled_back"
)

// currentLinkName is the symlink under the versions root that points at the
// active version directory.
const currentLinkName = "current"

// Restarter is the supervisor-side hook promotion and rollback use to bounce
// the live instance. Its implementation serializes against start/stop, so the
// pointer never moves while the supervisor is mid-restart.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Manager discovers, downloads, verifies, and activates binary releases.
// The load-bearing invariants: a download whose SHA-256 does not match the
// published digest never becomes installed, a dry run never disturbs the live
// instance, and promotion either fully repoints the current symlink or leaves
// it untouched.
type Manager struct {
	mu    sync.Mutex
	state UpgradeState

	root       string // versioned-storage root
	binaryName string

	database   *gorm.DB
	feed       *FeedClient
	httpClient *http.Client
	restarter  Restarter

	healthPath    string
	dryRunTimeout time.Duration
}

// NewManager creates a version manager rooted at root. restarter may be nil
// when no supervisor is attached (tests, one-shot tooling).
func NewManager(database *gorm.DB, feed *FeedClient, root, binaryName string, restarter Restarter) *Manager {
	return &Manager{
		state:         StateIdle,
		root:          root,
		binaryName:    binaryName,
		database:      database,
		feed:          feed,
		httpClient:    &http.Client{Timeout: 10 * time.Minute},
		restarter:     restarter,
		healthPath:    "/health",
		dryRunTimeout: 20 * time.Second,
	}
}

// SetRestarter attaches the supervisor hook after construction. The manager
// and supervisor reference each other, so one side has to be wired late.
func (m *Manager) SetRestarter(r Restarter) {
	m.mu.Lock()
	m.restarter = r
	m.mu.Unlock()
}

// State returns the current upgrade-attempt state.
func (m *Manager) State() UpgradeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s UpgradeState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// BinaryPath returns the binary location for an installed version tag.
func (m *Manager) BinaryPath(tag string) string {
	return filepath.Join(m.root, tag, m.binaryName)
}

// CurrentBinaryPath returns the active binary via the current symlink.
func (m *Manager) CurrentBinaryPath() string {
	return filepath.Join(m.root, currentLinkName, m.binaryName)
}

// CurrentVersion resolves the current symlink to its version tag. Empty when
// no version has been promoted yet.
func (m *Manager) CurrentVersion() string {
	target, err := os.Readlink(filepath.Join(m.root, currentLinkName))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// CheckForUpgrade queries the release feed for versions newer than the one
// currently promoted, newest first.
func (m *Manager) CheckForUpgrade(ctx context.Context, limit int) ([]ProxyVersion, error) {
	m.setState(StateFetching)
	defer m.setState(StateIdle)
	return m.feed.FetchAvailableReleases(ctx, m.CurrentVersion(), limit)
}

// DownloadAndInstallVersion downloads the release asset, verifies its SHA-256
// against the published digest, and extracts it into a version-named
// directory. A checksum mismatch is fatal and leaves nothing on disk; an
// already-installed version is never overwritten.
func (m *Manager) DownloadAndInstallVersion(ctx context.Context, v ProxyVersion) (err error) {
	if v.Tag == "" || v.DownloadURL == "" {
		return proxyerr.New(proxyerr.CodeDownloadFailed, "release is missing tag or download URL")
	}
	versionDir := filepath.Join(m.root, v.Tag)
	if _, statErr := os.Stat(versionDir); statErr == nil {
		return fmt.Errorf("version %s is already installed", v.Tag)
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return err
	}

	defer func() {
		if err != nil {
			m.setState(StateIdle)
		}
	}()

	m.setState(StateDownloading)
	tmp, err := os.CreateTemp(m.root, ".download-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	sum, err := m.downloadTo(ctx, tmp, v.DownloadURL)
	tmp.Close()
	if err != nil {
		return err
	}

	m.setState(StateVerifying)
	if !strings.EqualFold(sum, v.Sha256) {
		return &proxyerr.Error{
			Code:       proxyerr.CodeChecksumMismatch,
			Message:    fmt.Sprintf("downloaded asset digest %s does not match published %s", sum, v.Sha256),
			Version:    v.Tag,
			EntryIndex: -1,
		}
	}

	staging := versionDir + ".staging"
	os.RemoveAll(staging)
	defer os.RemoveAll(staging)

	if err := m.extract(tmpPath, v.DownloadURL, staging); err != nil {
		return proxyerr.Wrap(proxyerr.CodeDownloadFailed, err, "failed to extract %s", v.Tag)
	}
	if err := m.locateBinary(staging); err != nil {
		return err
	}

	// The staged tree is complete; a single rename makes the install visible.
	if err := os.Rename(staging, versionDir); err != nil {
		return err
	}

	if m.database != nil {
		if err := m.database.Create(&models.InstalledVersion{
			Version:     v.Tag,
			Sha256:      strings.ToLower(v.Sha256),
			InstalledAt: time.Now(),
		}).Error; err != nil {
			// The binary is installed either way; history is best effort.
			log.Printf("⚠️ Failed to record install history for %s: %v", v.Tag, err)
		}
	}

	m.setState(StateIdle)
	log.Printf("📦 Installed version %s", v.Tag)
	return nil
}

func (m *Manager) downloadTo(ctx context.Context, w io.Writer, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", proxyerr.Wrap(proxyerr.CodeDownloadFailed, err, "asset download failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", proxyerr.New(proxyerr.CodeDownloadFailed, "asset download returned %d", resp.StatusCode)
	}

	hasher := sha256.New()
	if _, err := io.Copy(w, io.TeeReader(resp.Body, hasher)); err != nil {
		return "", proxyerr.Wrap(proxyerr.CodeDownloadFailed, err, "asset download interrupted")
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (m *Manager) extract(archivePath, sourceURL, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	lower := strings.ToLower(sourceURL)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarGz(archivePath, dest)
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(archivePath, dest)
	default:
		// Raw binary asset.
		return copyFile(archivePath, filepath.Join(dest, m.binaryName), 0o755)
	}
}

// locateBinary ensures the staged tree has the binary at its top level,
// hoisting it from a nested directory when the archive carries one.
func (m *Manager) locateBinary(staging string) error {
	top := filepath.Join(staging, m.binaryName)
	if _, err := os.Stat(top); err == nil {
		return os.Chmod(top, 0o755)
	}

	var found string
	filepath.Walk(staging, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if filepath.Base(path) == m.binaryName && found == "" {
			found = path
		}
		return nil
	})
	if found == "" {
		return proxyerr.New(proxyerr.CodeBinaryNotFound, "archive does not contain %s", m.binaryName)
	}
	if err := os.Rename(found, top); err != nil {
		return err
	}
	return os.Chmod(top, 0o755)
}

// Promote atomically repoints the current symlink at the given installed
// version and restarts the supervisor against it. On any failure before the
// swap the pointer is left untouched.
func (m *Manager) Promote(ctx context.Context, tag string) error {
	if _, err := os.Stat(m.BinaryPath(tag)); err != nil {
		return &proxyerr.Error{
			Code:       proxyerr.CodeBinaryNotFound,
			Message:    "version is not installed",
			Version:    tag,
			EntryIndex: -1,
		}
	}

	previous := m.CurrentVersion()
	// Downgrades go through Rollback; promoting backwards is refused.
	if previous != "" && CompareVersions(tag, previous) < 0 {
		return &proxyerr.Error{
			Code:       proxyerr.CodeUpgradeIncompatible,
			Message:    fmt.Sprintf("version is older than the promoted %s; use rollback", previous),
			Version:    tag,
			EntryIndex: -1,
		}
	}

	m.setState(StatePromoting)

	if err := m.swapCurrent(tag); err != nil {
		m.setState(StateIdle)
		return err
	}
	if previous != "" && m.database != nil {
		if err := db.SetConfigValue(m.database, models.KeyPreviousVersion, previous); err != nil {
			log.Printf("⚠️ Failed to record previous version %s: %v", previous, err)
		}
	}

	m.setState(StateActive)
	log.Printf("🚀 Promoted version %s (previous: %s)", tag, previous)

	if m.restarter != nil {
		if err := m.restarter.Restart(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Rollback repoints the current symlink at the previously recorded version.
// It fails with a descriptive error when no previous version exists rather
// than silently doing nothing.
func (m *Manager) Rollback(ctx context.Context) error {
	if m.database == nil {
		return fmt.Errorf("no configuration store attached; cannot roll back")
	}
	previous := db.GetConfigValue(m.database, models.KeyPreviousVersion)
	if previous == "" {
		return fmt.Errorf("no previous version recorded; nothing to roll back to")
	}
	if _, err := os.Stat(m.BinaryPath(previous)); err != nil {
		return &proxyerr.Error{
			Code:       proxyerr.CodeBinaryNotFound,
			Message:    "previous version is no longer installed",
			Version:    previous,
			EntryIndex: -1,
		}
	}

	current := m.CurrentVersion()
	if err := m.swapCurrent(previous); err != nil {
		return err
	}
	if current != "" {
		db.SetConfigValue(m.database, models.KeyPreviousVersion, current)
	}

	m.setState(StateRolledBack)
	log.Printf("⏪ Rolled back to version %s", previous)

	if m.restarter != nil {
		return m.restarter.Restart(ctx)
	}
	return nil
}

// swapCurrent replaces the current symlink with one pointing at tag. The
// symlink is created next to the final name and renamed over it, so the
// pointer is either the old target or the new one, never missing or partial.
func (m *Manager) swapCurrent(tag string) error {
	link := filepath.Join(m.root, currentLinkName)
	tmpLink := filepath.Join(m.root, "."+currentLinkName+".tmp")

	os.Remove(tmpLink)
	if err := os.Symlink(tag, tmpLink); err != nil {
		return err
	}
	if err := os.Rename(tmpLink, link); err != nil {
		os.Remove(tmpLink)
		return err
	}
	return nil
}

// StartDryRun launches the candidate binary against an ephemeral port with a
// throwaway config file, confirms it starts and answers health checks within
// a bounded window, then tears it down. The live instance and its port are
// never touched.
func (m *Manager) StartDryRun(ctx context.Context, tag string) (err error) {
	binPath := m.BinaryPath(tag)
	if _, statErr := os.Stat(binPath); statErr != nil {
		return &proxyerr.Error{
			Code:       proxyerr.CodeBinaryNotFound,
			Message:    "version is not installed",
			Version:    tag,
			EntryIndex: -1,
		}
	}

	m.setState(StateDryRunning)
	defer m.setState(StateIdle)

	port, err := freePort()
	if err != nil {
		return err
	}

	workDir, err := os.MkdirTemp("", "warden-dryrun-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	cfgPath := filepath.Join(workDir, "config.yaml")
	cfgData, err := yaml.Marshal(map[string]interface{}{
		"host": "127.0.0.1",
		"port": port,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfgPath, cfgData, 0o644); err != nil {
		return err
	}

	cmd := exec.Command(binPath, "--config", cfgPath)
	cmd.Dir = workDir
	if err := cmd.Start(); err != nil {
		return proxyerr.Wrap(proxyerr.CodeProcessExited, err, "dry run failed to start %s", tag)
	}
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	healthURL := fmt.Sprintf("http://127.0.0.1:%d%s", port, m.healthPath)
	deadline := time.Now().Add(m.dryRunTimeout)
	client := &http.Client{Timeout: 2 * time.Second}

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
		resp, pingErr := client.Get(healthURL)
		if pingErr != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			log.Printf("✅ Dry run of %s answered health checks on port %d", tag, port)
			return nil
		}
	}

	return &proxyerr.Error{
		Code:       proxyerr.CodeHealthCheckTimeout,
		Message:    fmt.Sprintf("candidate did not become healthy within %s", m.dryRunTimeout),
		Version:    tag,
		EntryIndex: -1,
	}
}

// InstalledVersions lists the durable install history, newest first.
func (m *Manager) InstalledVersions() []models.InstalledVersion {
	var versions []models.InstalledVersion
	if m.database != nil {
		m.database.Order("installed_at DESC").Find(&versions)
	}
	return versions
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func extractTarGz(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

func extractZip(archivePath, dest string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		in, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
		if err != nil {
			in.Close()
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			in.Close()
			out.Close()
			return err
		}
		in.Close()
		out.Close()
	}
	return nil
}

// safeJoin rejects archive entries that would escape the destination.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

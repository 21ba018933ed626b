package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/warden-sh/proxy-warden/internal/proxyerr"
	"github.com/warden-sh/proxy-warden/internal/release"
	"github.com/warden-sh/proxy-warden/internal/supervise"
	"github.com/warden-sh/proxy-warden/internal/version"
	"gorm.io/gorm"
)

// writeProxyError maps taxonomy codes onto HTTP statuses and renders the
// error with its context fields.
func writeProxyError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	payload := map[string]interface{}{"error": err.Error()}

	var perr *proxyerr.Error
	if errors.As(err, &perr) {
		payload["code"] = perr.Code
		if perr.Version != "" {
			payload["version"] = perr.Version
		}
		switch perr.Code {
		case proxyerr.CodeBinaryNotFound:
			status = http.StatusNotFound
		case proxyerr.CodePortInUse:
			status = http.StatusConflict
		case proxyerr.CodeHealthCheckTimeout:
			status = http.StatusGatewayTimeout
		case proxyerr.CodeChecksumMismatch, proxyerr.CodeDownloadFailed:
			status = http.StatusBadGateway
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// StatusHandler reports the warden's own version, the supervisor state, and
// the release manager state in one payload.
func StatusHandler(sup *supervise.Supervisor, mgr *release.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		payload := map[string]interface{}{
			"warden_version":  version.Version,
			"proxy_state":     sup.State(),
			"proxy_healthy":   sup.State() == supervise.StateRunning && sup.Healthy(ctx),
			"current_version": mgr.CurrentVersion(),
			"upgrade_state":   mgr.State(),
		}
		if lastErr := sup.LastError(); lastErr != nil {
			payload["last_error"] = lastErr.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	}
}

// ProxyStartHandler starts the wrapped instance.
func ProxyStartHandler(sup *supervise.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sup.Start(r.Context()); err != nil {
			writeProxyError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"state": sup.State()})
	}
}

// ProxyStopHandler stops the wrapped instance.
func ProxyStopHandler(sup *supervise.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sup.Stop(r.Context()); err != nil {
			writeProxyError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"state": sup.State()})
	}
}

// ProxyRestartHandler bounces the wrapped instance.
func ProxyRestartHandler(sup *supervise.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sup.Restart(r.Context()); err != nil {
			writeProxyError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"state": sup.State()})
	}
}

// UpgradeCheckHandler lists releases newer than the promoted version.
func UpgradeCheckHandler(mgr *release.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		versions, err := mgr.CheckForUpgrade(r.Context(), 10)
		if err != nil {
			writeProxyError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"current":   mgr.CurrentVersion(),
			"available": versions,
		})
	}
}

// UpgradeInstallHandler downloads, verifies, and installs one release.
func UpgradeInstallHandler(mgr *release.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var v release.ProxyVersion
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
			return
		}
		if err := mgr.DownloadAndInstallVersion(r.Context(), v); err != nil {
			writeProxyError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"installed": v.Tag})
	}
}

// versionRequest names an installed version for dry run or promotion.
type versionRequest struct {
	Version string `json:"version"`
}

// DryRunHandler boots an installed version on an ephemeral port to prove it
// starts and answers health checks, without touching the live instance.
func DryRunHandler(mgr *release.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req versionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Version == "" {
			http.Error(w, `{"error": "version is required"}`, http.StatusBadRequest)
			return
		}
		if err := mgr.StartDryRun(r.Context(), req.Version); err != nil {
			writeProxyError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"version": req.Version, "healthy": true})
	}
}

// PromoteHandler activates an installed version and restarts onto it.
func PromoteHandler(mgr *release.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req versionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Version == "" {
			http.Error(w, `{"error": "version is required"}`, http.StatusBadRequest)
			return
		}
		if err := mgr.Promote(r.Context(), req.Version); err != nil {
			writeProxyError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"current": mgr.CurrentVersion()})
	}
}

// RollbackHandler reverts to the previously promoted version.
func RollbackHandler(mgr *release.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.Rollback(r.Context()); err != nil {
			writeProxyError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"current": mgr.CurrentVersion()})
	}
}

// VersionsHandler lists the installed version history.
func VersionsHandler(mgr *release.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"current":   mgr.CurrentVersion(),
			"installed": mgr.InstalledVersions(),
		})
	}
}

// AuthCommandHandler runs the wrapped binary's interactive provider login.
type authCommandRequest struct {
	Args []string `json:"args"`
}

func AuthCommandHandler(sup *supervise.Supervisor, database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req authCommandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Args) == 0 {
			http.Error(w, `{"error": "args are required"}`, http.StatusBadRequest)
			return
		}

		res, err := sup.RunAuthCommand(database, req.Args...)
		if err != nil {
			status := http.StatusBadGateway
			if res != nil && res.Resolution == supervise.ResolutionTimeout {
				status = http.StatusGatewayTimeout
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":  err.Error(),
				"result": res,
			})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}

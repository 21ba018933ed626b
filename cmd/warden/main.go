package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/warden-sh/proxy-warden/internal/config"
	"github.com/warden-sh/proxy-warden/internal/db"
	"github.com/warden-sh/proxy-warden/internal/gateway"
	"github.com/warden-sh/proxy-warden/internal/proxy/handlers"
	"github.com/warden-sh/proxy-warden/internal/proxy/middleware"
	"github.com/warden-sh/proxy-warden/internal/release"
	"github.com/warden-sh/proxy-warden/internal/routecache"
	"github.com/warden-sh/proxy-warden/internal/supervise"
	"github.com/warden-sh/proxy-warden/internal/version"
)

func main() {
	// Optional .env for local development
	godotenv.Load()

	cfgPath := os.Getenv("WARDEN_CONFIG")
	if cfgPath == "" {
		cfgPath = "warden.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	cache := routecache.NewStore()
	feed := release.NewFeedClient(cfg.Release.FeedURL, cfg.Release.ChecksumAsset)

	// The supervisor resolves binaries through the release manager's current
	// symlink, and the manager restarts through the supervisor on promotion.
	mgr := release.NewManager(database, feed, cfg.Proxy.VersionsRoot, cfg.Proxy.BinaryName, nil)
	sup := supervise.NewSupervisor(cfg.Proxy, mgr)
	mgr.SetRestarter(sup)

	gw := gateway.New(database, cache, sup)

	// Background upgrade check; results are logged and surfaced through
	// /api/upgrade/check, never auto-installed.
	if cfg.Release.AutoCheckInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Release.AutoCheckInterval)
			defer ticker.Stop()
			for range ticker.C {
				versions, err := mgr.CheckForUpgrade(context.Background(), 1)
				if err != nil {
					log.Printf("⚠️ Upgrade check failed: %v", err)
					continue
				}
				if len(versions) > 0 {
					log.Printf("⬆️ Upgrade available: %s (current %s)", versions[0].Tag, mgr.CurrentVersion())
				}
			}
		}()
	}

	sup.CleanupOrphanProcesses()
	if cfg.Proxy.Autostart {
		if err := sup.Start(context.Background()); err != nil {
			log.Printf("⚠️ Autostart failed: %v", err)
		}
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Optional admin auth middleware
	adminPassword := os.Getenv("WARDEN_ADMIN_PASSWORD")
	optionalAdminAuth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminPassword == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || pass != adminPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="Warden Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// ============================================
	// Control Plane (protected if WARDEN_ADMIN_PASSWORD is set)
	// ============================================
	r.Route("/api", func(r chi.Router) {
		r.Use(optionalAdminAuth)

		// Supervisor
		r.Get("/status", handlers.StatusHandler(sup, mgr))
		r.Post("/proxy/start", handlers.ProxyStartHandler(sup))
		r.Post("/proxy/stop", handlers.ProxyStopHandler(sup))
		r.Post("/proxy/restart", handlers.ProxyRestartHandler(sup))
		r.Post("/proxy/auth", handlers.AuthCommandHandler(sup, database))

		// Versioning & upgrades
		r.Get("/versions", handlers.VersionsHandler(mgr))
		r.Get("/upgrade/check", handlers.UpgradeCheckHandler(mgr))
		r.Post("/upgrade/install", handlers.UpgradeInstallHandler(mgr))
		r.Post("/upgrade/dryrun", handlers.DryRunHandler(mgr))
		r.Post("/upgrade/promote", handlers.PromoteHandler(mgr))
		r.Post("/upgrade/rollback", handlers.RollbackHandler(mgr))

		// Virtual models & routing
		r.Get("/virtual-models", handlers.VirtualModelsHandler(database))
		r.Post("/virtual-models", handlers.CreateVirtualModelHandler(database))
		r.Put("/virtual-models/{id}", handlers.UpdateVirtualModelHandler(database, cache))
		r.Delete("/virtual-models/{id}", handlers.DeleteVirtualModelHandler(database, cache))
		r.Get("/routes", handlers.RouteStatesHandler(cache))
		r.Post("/routes/clear", handlers.ClearRouteCacheHandler(cache))
		r.Post("/fallback", handlers.FallbackToggleHandler(database, cache))

		// API key management
		r.Get("/config/apikey", handlers.GetAPIKeyHandler(database))
		r.Post("/config/apikey/regenerate", handlers.RegenerateAPIKeyHandler(database))
	})

	// ============================================
	// Completion Surfaces (API Key Required)
	// ============================================

	// OpenAI-compatible API
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(database))
		r.Post("/chat/completions", handlers.OpenAIChatHandler(gw))
	})

	// Anthropic-compatible API
	r.Route("/anthropic", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(database))
		r.Route("/v1", func(r chi.Router) {
			r.Post("/messages", handlers.ClaudeMessagesHandler(gw))
		})
	})

	// GenAI-compatible API
	r.Route("/genai", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(database))
		r.Route("/v1beta/models", func(r chi.Router) {
			r.Post("/{model}:generateContent", handlers.GenAIHandler(gw))
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Printf("🛡️ proxy-warden %s listening on http://%s", version.Version, addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

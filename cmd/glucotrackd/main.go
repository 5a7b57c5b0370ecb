// Package main provides the local GlucoTrack daemon. It owns the durable
// store, the sync engine, and a localhost REST/WebSocket surface for the
// UI layer.
package main

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/diabetactic/glucotrack-core/internal/auth"
	"github.com/diabetactic/glucotrack-core/internal/config"
	"github.com/diabetactic/glucotrack-core/internal/connectivity"
	"github.com/diabetactic/glucotrack-core/internal/db"
	"github.com/diabetactic/glucotrack-core/internal/logging"
	"github.com/diabetactic/glucotrack-core/internal/remote"
	"github.com/diabetactic/glucotrack-core/internal/stats"
	"github.com/diabetactic/glucotrack-core/internal/store"
	syncpkg "github.com/diabetactic/glucotrack-core/internal/sync"
	"github.com/diabetactic/glucotrack-core/internal/sync/queue"
)

func logLevel(level string) logging.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// periodicSync runs a full sync pass on a fixed interval. Passes that
// overlap a manual sync share its result through the orchestrator, so the
// ticker never doubles up network work.
func periodicSync(ctx context.Context, orch *syncpkg.Orchestrator, hub *WSHub, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := orch.PerformFullSync(ctx)
			if err != nil {
				logging.Warn("Periodic sync failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			hub.Broadcast(EventSyncCompleted, result)
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error("Failed to load configuration", err)
		os.Exit(1)
	}
	logging.Init(os.Stdout, logLevel(cfg.Logging.Level))

	database, err := db.Open(cfg.Data.Dir)
	if err != nil {
		logging.Error("Failed to open database", err)
		os.Exit(1)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		logging.Error("Failed to initialize migrations", err)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		logging.Error("Failed to apply migrations", err)
		os.Exit(1)
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	recordStore := store.New(repo)
	mutationQueue := queue.New(repo, cfg.Sync.MaxRetries)
	monitor := connectivity.NewMonitor(true)

	// Without a backend URL the daemon runs fully local; sync passes no-op.
	var service syncpkg.ReadingService
	var tokenProvider *auth.Provider
	var client *remote.Client
	if cfg.Backend.BaseURL != "" {
		tokenProvider = auth.NewProvider(cfg.Backend.BaseURL, auth.Credentials{
			Username: cfg.Backend.Username,
			Password: cfg.Backend.Password,
		}, cfg.Backend.Timeout)
		client = remote.NewClient(cfg.Backend.BaseURL, tokenProvider.Token, cfg.Backend.Timeout)
		service = client
	} else {
		logging.Info("No backend configured, running fully local")
	}

	orch := syncpkg.NewOrchestrator(recordStore, mutationQueue, service, monitor, syncpkg.DefaultOptions())
	if tokenProvider != nil {
		orch.SetAuthInvalidator(tokenProvider)
	}

	statsSvc := stats.New(recordStore)
	orch.SetStatsRefresher(statsSvc)
	if err := statsSvc.Refresh(); err != nil {
		logging.Warn("Initial stats refresh failed", map[string]interface{}{"error": err.Error()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub()
	unsubscribe := recordStore.Subscribe(hub.BroadcastSnapshot)
	defer unsubscribe()

	monitor.SetFullSyncHook(func(syncCtx context.Context) {
		result, err := orch.PerformFullSync(syncCtx)
		if err != nil {
			logging.Error("Reconnect sync failed", err)
			return
		}
		hub.Broadcast(EventSyncCompleted, result)
	})
	if client != nil {
		monitor.StartProbing(ctx, client, cfg.Sync.ProbeInterval)
		defer monitor.Stop()
		go periodicSync(ctx, orch, hub, cfg.Sync.SyncInterval)
	}

	router := mux.NewRouter()
	api := NewAPI(orch, statsSvc, monitor)
	api.Register(router)
	router.HandleFunc("/ws", hub.HandleWS)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	logging.Info("GlucoTrack daemon listening", map[string]interface{}{"addr": addr})
	if err := http.ListenAndServe(addr, router); err != nil {
		logging.Error("HTTP server terminated", err)
		os.Exit(1)
	}
}

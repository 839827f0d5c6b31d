package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"

	"batchconvert/internal/analytics"
	"batchconvert/internal/api"
	"batchconvert/internal/config"
	"batchconvert/internal/engine"
	"batchconvert/internal/manager"
	"batchconvert/internal/models"
	"batchconvert/internal/presets"
	"batchconvert/internal/recovery"
	"batchconvert/internal/remote"
	"batchconvert/internal/storage"
	"batchconvert/internal/websocket"
)

const uploadsPerClientPerMinute = 30

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[MAIN] No .env file found, using environment defaults")
	}
	cfg := config.Load()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("[MAIN] Failed to create data dir: %v", err)
	}

	store, err := storage.Open(filepath.Join(cfg.DataDir, "batchconvert.db"), cfg.SaveThrottle, cfg.StateMaxAge)
	if err != nil {
		log.Fatalf("[MAIN] Failed to open store: %v", err)
	}
	defer store.Close()

	if err := store.CleanupOldResults(); err != nil {
		log.Printf("[MAIN] Result cleanup failed: %v", err)
	}

	recorder := analytics.New(store)
	presetMgr := presets.New(store)
	remoteClient := remote.NewClient(cfg.ServerBaseURL, cfg.ProgressPoll)

	var hub *websocket.Manager
	broadcast := broadcastListener{broadcast: func() {
		if hub != nil {
			hub.Broadcast()
		}
	}}

	mgr := manager.New(manager.Options{
		Local:               engine.New(),
		Remote:              remoteClient,
		Store:               store,
		Listener:            manager.Multi{recorder, broadcast},
		MaxConcurrentServer: cfg.MaxConcurrentServer,
		PausePoll:           cfg.PausePoll,
		ProgressPoll:        cfg.ProgressPoll,
		CheckpointInterval:  cfg.CheckpointInterval,
	})
	hub = websocket.New(func() any { return mgr.Snapshot() })

	// Restore any interrupted session. The retry decision is left to the
	// operator: interrupted jobs sit in the failed set until /api/retry.
	if snap, err := store.LoadState(); err != nil {
		log.Printf("[MAIN] Failed to load saved state: %v", err)
	} else if snap != nil {
		if pending := mgr.Restore(snap); pending > 0 {
			mgr.ProcessQueues()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := recovery.New(remoteClient, mgr, cfg.ProbeInterval, cfg.ProbeTimeout)
	go monitor.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/api", (&api.Handler{
		Manager:   mgr,
		Analytics: recorder,
		Presets:   presetMgr,
		Hub:       hub,
		Recovery:  monitor,
		UploadDir: filepath.Join(cfg.DataDir, "uploads"),
	}).Routes())
	// Reference conversion endpoint, same contract as the production fleet.
	r.Mount("/", remote.NewServer(nil, uploadsPerClientPerMinute).Router())

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	go func() {
		<-ctx.Done()
		log.Println("[MAIN] Shutting down")
		srv.Shutdown(context.Background())
	}()

	log.Printf("[MAIN] Listening on %s", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[MAIN] Server error: %v", err)
	}
}

// broadcastListener pushes a websocket broadcast on every manager event.
type broadcastListener struct {
	broadcast func()
}

func (b broadcastListener) BatchStarted(models.Stats)                    { b.broadcast() }
func (b broadcastListener) BatchCompleted(models.Stats)                  { b.broadcast() }
func (b broadcastListener) JobCompleted(models.Job, bool, time.Duration) { b.broadcast() }
func (b broadcastListener) RoutingDecision(models.Job, models.Route, time.Duration) {
	b.broadcast()
}
func (b broadcastListener) ProgressTick(float64, time.Duration) { b.broadcast() }

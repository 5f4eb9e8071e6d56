// Package main is the Workdeck host process: a local daemon that owns agent
// sessions, project workers, terminals, and turn snapshots for the desktop
// workspace, exposed over a loopback WebSocket gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/workdeck/workdeck/internal/common/config"
	"github.com/workdeck/workdeck/internal/common/logger"
	"github.com/workdeck/workdeck/internal/events"
	gateway "github.com/workdeck/workdeck/internal/gateway/websocket"
	"github.com/workdeck/workdeck/internal/permission"
	"github.com/workdeck/workdeck/internal/persistence"
	"github.com/workdeck/workdeck/internal/session"
	"github.com/workdeck/workdeck/internal/snapshot"
	"github.com/workdeck/workdeck/internal/terminal"
	"github.com/workdeck/workdeck/internal/tracing"
	"github.com/workdeck/workdeck/internal/transcript"
	"github.com/workdeck/workdeck/internal/worker"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Workdeck host...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory by default, NATS if configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 4. State store
	dbPath := expandPath(cfg.Database.Path)
	db, closeDB, err := persistence.Open(dbPath)
	if err != nil {
		log.Fatal("Failed to open state store", zap.Error(err), zap.String("path", dbPath))
	}
	defer closeDB()
	slotStore := persistence.NewSlotStore(db)
	log.Info("State store opened", zap.String("path", dbPath))

	// 5. Core services
	gate := permission.NewGate(cfg.Permission.Timeout(), eventBus, log)

	launcher := session.NewCLILauncher(cfg.Agent.ClaudeCommand, cfg.Agent.CodexCommand, log)
	registry := session.NewRegistry(launcher, gate, eventBus, cfg.Agent.SessionIDWait(), log)
	defer registry.CloseAll()

	spawner := worker.NewProcessSpawner(cfg.Worker.Command, nil, log)
	supervisor := worker.NewSupervisor(spawner, cfg.Worker.FreezeAfter(), eventBus, log)
	defer supervisor.Shutdown()

	snapshots := snapshot.NewStore(expandPath(cfg.Snapshot.Dir), cfg.Snapshot.DiffMaxBytes, log)
	transcripts := transcript.NewStore(expandPath(cfg.Transcript.Dir), log)

	terminals := terminal.NewManager(cfg.Terminal.BufferBytes, eventBus, log)
	defer terminals.Shutdown()

	// 6. Restore persisted slot bindings so workers can be summoned without
	// the UI re-binding every project after a restart.
	restoreBindings(ctx, slotStore, supervisor, log)

	// 7. WebSocket gateway
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	hub, gatewayCleanup, err := gateway.Setup(router, gateway.Services{
		Registry:    registry,
		Gate:        gate,
		Supervisor:  supervisor,
		Snapshots:   snapshots,
		Terminals:   terminals,
		Slots:       slotStore,
		Transcripts: transcripts,
		Bus:         eventBus,
	}, log)
	if err != nil {
		log.Fatal("Failed to set up gateway", zap.Error(err))
	}
	defer gatewayCleanup()
	go hub.Run(ctx)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "workdeck",
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Gateway.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Gateway.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("Gateway listening",
			zap.String("host", cfg.Gateway.Host),
			zap.Int("port", cfg.Gateway.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start gateway", zap.Error(err))
		}
	}()

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Workdeck...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Gateway shutdown error", zap.Error(err))
	}

	gate.RejectAll("host shutting down")

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Workdeck stopped")
}

// restoreBindings replays stored slot bindings into the supervisor on boot.
func restoreBindings(ctx context.Context, store *persistence.SlotStore, supervisor *worker.Supervisor, log *logger.Logger) {
	bindings, err := store.List(ctx)
	if err != nil {
		log.Warn("Failed to load slot bindings", zap.Error(err))
		return
	}
	for _, b := range bindings {
		if err := supervisor.SetSlotProject(ctx, b.Slot, b.ProjectID, b.ProjectRoot); err != nil {
			log.Warn("Failed to restore slot binding",
				zap.Int("slot", b.Slot),
				zap.String("project_id", b.ProjectID),
				zap.Error(err))
		}
	}
	if len(bindings) > 0 {
		log.Info("Restored slot bindings", zap.Int("count", len(bindings)))
	}
}

// expandPath resolves a leading "~/" against the user's home directory.
func expandPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

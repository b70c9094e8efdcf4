package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/flotilla-dev/flotilla/internal/agents"
	internalhttp "github.com/flotilla-dev/flotilla/internal/api/http"
	"github.com/flotilla-dev/flotilla/internal/db"
	"github.com/flotilla-dev/flotilla/internal/events"
	"github.com/flotilla-dev/flotilla/internal/lifecycle"
	"github.com/flotilla-dev/flotilla/internal/protocol"
	"github.com/flotilla-dev/flotilla/internal/ratelimit"
	"github.com/flotilla-dev/flotilla/internal/registry"
	"github.com/flotilla-dev/flotilla/internal/rotation"
	"github.com/flotilla-dev/flotilla/internal/settings"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Flotilla Server", "version", AppVersion, "server_id", config.ServerID)

	if err := db.RunMigrations(config.Database.Url, config.Database.Schema); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.InitDB(ctx, config.Database.Url, config.Database.Schema)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	agentService := agents.NewService(pool)
	eventLogger := events.NewLogger(pool)
	settingsProvider := settings.NewProvider(config.Agent)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxAttempts: config.RateLimit.MaxAttempts,
		Window:      time.Duration(config.RateLimit.WindowSeconds) * time.Second,
		BaseBlock:   time.Duration(config.RateLimit.BaseBlockSeconds) * time.Second,
		MaxBlock:    time.Duration(config.RateLimit.MaxBlockSeconds) * time.Second,
	})

	reg := registry.NewRegistry(agentService, slog.Default(), registry.Config{})
	rotationController := rotation.NewController(agentService, reg, eventLogger, settingsProvider, slog.Default())
	monitor := lifecycle.NewMonitor(agentService, eventLogger, settingsProvider, slog.Default())

	// Inbound notification dispatch and disconnect plumbing.
	reg.RegisterHandler(protocol.MethodHeartbeat, monitor.HandleHeartbeat)
	reg.RegisterHandler(protocol.MethodShutdown, monitor.HandleShutdown)
	reg.RegisterHandler(protocol.MethodRotationComplete, rotationController.HandleRotationComplete)
	reg.RegisterHandler(protocol.MethodRotationFailed, rotationController.HandleRotationFailed)
	reg.OnDisconnect(monitor.StopTracking)

	services := &internalhttp.Services{
		AgentService: agentService,
		Registry:     reg,
		Rotation:     rotationController,
		Limiter:      limiter,
		Events:       eventLogger,
		Settings:     settingsProvider,
		ServerID:     config.ServerID,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, config.Http, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	var workers sync.WaitGroup
	workers.Add(3)
	go func() {
		defer workers.Done()
		rotationController.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		monitor.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		limiter.Run(ctx, settingsProvider.HeartbeatInterval())
	}()

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down...")

	shutdownTimeout := 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop the background workers, then drop the live channels; message loops
	// observe their channel close and exit, marking agents disconnected.
	cancel()
	reg.Drain()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	workers.Wait()
	slog.Info("Shutdown complete")
}

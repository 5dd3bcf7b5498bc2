package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/exposcan/internal/api"
	"github.com/timmy/exposcan/internal/api/handler"
	"github.com/timmy/exposcan/internal/api/middleware"
	"github.com/timmy/exposcan/internal/app"
	"github.com/timmy/exposcan/internal/config"
	"github.com/timmy/exposcan/internal/logger"
)

func main() {
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// CONFIG_PATH points at a YAML file in deployments; env vars override it.
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx := context.Background()
	engine, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize scan engine")
	}

	var reports handler.ReportSource
	if engine.Reports != nil {
		reports = engine.Reports
	}

	handlers := api.Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": engine.Ping,
		}),
		Scans:     handler.NewScanHandler(engine.Controller, engine.Pipeline, engine.Publisher, reports, cfg.Ingest.MaxRows),
		Credits:   handler.NewCreditsHandler(engine.Ledger),
		Providers: handler.NewProvidersHandler(engine.Registry),
	}
	if engine.Workspaces != nil {
		handlers.Workspaces = handler.NewWorkspaceHandler(engine.Workspaces, engine.Scans)
	}

	router := api.SetupRouter(handlers, cfg.Server.Mode, middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	timeout := cfg.Scan.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Stop accepting requests before draining jobs so no new scans are admitted.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	if err := engine.Close(shutdownCtx); err != nil {
		appLogger.WithError(err).Warn("Scan engine did not drain cleanly")
	}

	appLogger.Info("Server exited")
}

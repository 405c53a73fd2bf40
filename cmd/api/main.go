package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"contentsync/internal/app"
	"contentsync/internal/config"
	"contentsync/internal/handlers"
	"contentsync/internal/http"
)

func main() {
	// Load configuration first (needed for log level)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := app.NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)
	slog.Debug("Logging configured", "level", cfg.LogLevel.String(), "format", cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{
		WithIndex: true,
		Registry:  prometheus.DefaultRegisterer,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()
	slog.Info("Database initialized", "path", cfg.DBPath)
	slog.Info("Index ready", "qdrant", cfg.QdrantURL, "blobs", cfg.BlobBackend, "vector_size", cfg.QdrantVectorSize)

	router := http.NewRouter(&http.Deps{
		Pipelines: a.Pipelines,
		Runner:    a.Runner,
		Jobs:      a.Jobs,
		Checks: map[string]handlers.Check{
			"database": a.DB.PingContext,
			"index":    a.Index.Ping,
		},
		Logger: logger,
	})

	srv := &nethttp.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting API server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, nethttp.ErrServerClosed) {
			slog.Error("API server failed", "error", err)
		}
	case <-ctx.Done():
		slog.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Followers of a job log keep their connection open, so stop jobs
	// before waiting on the server.
	if err := a.Jobs.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Jobs did not finish before shutdown deadline", "error", err, "running", a.Jobs.Running())
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
}

// Package app wires the long-lived collaborators shared by the API server
// and the operator CLI.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"contentsync/internal/config"
	"contentsync/internal/indexstore"
	"contentsync/internal/job"
	"contentsync/internal/metadata"
	"contentsync/internal/pipeline"
	"contentsync/internal/storage"
)

// Options controls what New builds.
type Options struct {
	// WithIndex connects the vector index and enables the embed stage.
	WithIndex bool
	// Registry receives job metrics; nil disables them.
	Registry prometheus.Registerer
	Logger   *slog.Logger
}

// App holds everything a command needs. The caller must call Close.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Pipelines *config.Manager
	Metadata  *metadata.Index
	Index     *indexstore.VectorIndex
	Jobs      *job.Manager
	Runner    *pipeline.Runner
	Logger    *slog.Logger

	closers []func()
}

// New opens the database, optionally connects the index, and creates the
// job manager and pipeline runner.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Pipelines: config.NewManager(cfg.PipelinesDir()), Logger: logger}

	db, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, func() { _ = db.Close() })
	if err := storage.Migrate(db); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	a.Metadata = metadata.NewIndex(db, logger)

	deps := pipeline.Deps{
		Config:    cfg,
		Pipelines: a.Pipelines,
		Metadata:  a.Metadata,
		Logger:    logger,
	}
	if opts.WithIndex {
		index, closeIndex, err := indexstore.NewFromConfig(ctx, cfg, db, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Index = index
		a.closers = append(a.closers, closeIndex)
		deps.Index = index
	}
	a.Runner = pipeline.NewRunner(deps)

	var metrics *job.Metrics
	if opts.Registry != nil {
		metrics = job.NewMetrics(opts.Registry)
	}
	jobs, err := job.NewManager(job.Options{
		Dir:          cfg.JobsDir(),
		ControlDir:   cfg.ControlDir(),
		PollInterval: cfg.ControlPollInterval,
		Metrics:      metrics,
		LogLevel:     cfg.LogLevel,
		Logger:       logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Jobs = jobs
	return a, nil
}

// Close releases resources in reverse order of acquisition. Running jobs
// must be shut down first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// NewLogger builds the process logger from the configured level and format.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Package pipeline turns a pipeline configuration into a runnable job:
// download, integrity, process, embed, archive.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"contentsync/internal/archive"
	"contentsync/internal/config"
	"contentsync/internal/download"
	"contentsync/internal/embed"
	"contentsync/internal/indexstore"
	"contentsync/internal/integrity"
	"contentsync/internal/job"
	"contentsync/internal/ledger"
	"contentsync/internal/metadata"
	"contentsync/internal/model"
	"contentsync/internal/process"
	"contentsync/internal/remote"
)

// Paths is the on-disk layout of one pipeline.
type Paths struct {
	Ledgers   string
	Mirror    string
	Processed string
	Failed    string
	Archive   string
}

// Deps are the collaborators shared by every pipeline.
type Deps struct {
	Config    *config.Config
	Pipelines *config.Manager
	Index     indexstore.Store // nil disables the embed stage
	Metadata  *metadata.Index  // nil disables metadata recording
	Clock     model.Clock
	Logger    *slog.Logger

	// NewSource overrides source construction; used by tests.
	NewSource func(config.SourceConfig) (remote.Source, error)
}

// Runner builds jobs for pipelines.
type Runner struct {
	deps   Deps
	logger *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(deps Deps) *Runner {
	if deps.Clock == nil {
		deps.Clock = model.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewSource == nil {
		deps.NewSource = remote.NewSourceFromConfig
	}
	return &Runner{deps: deps, logger: deps.Logger.With("component", "pipeline")}
}

// Paths returns the layout for a pipeline id. The failure area sits outside
// the mirror so the auditor never treats demoted files as orphans.
func (r *Runner) Paths(pipelineID string) Paths {
	base := filepath.Join(r.deps.Config.DataDir, "work", pipelineID)
	return Paths{
		Ledgers:   filepath.Join(base, "ledgers"),
		Mirror:    filepath.Join(base, "mirror"),
		Processed: filepath.Join(base, "processed"),
		Failed:    filepath.Join(base, "failed"),
		Archive:   filepath.Join(base, "archive"),
	}
}

// stages holds everything one run needs.
type stages struct {
	paths     Paths
	ledgers   *ledger.Store
	download  *download.Executor
	auditor   *integrity.Auditor
	processor *process.Processor
}

func (r *Runner) build(pcfg *config.PipelineConfig, logger *slog.Logger) (*stages, error) {
	cfg := r.deps.Config
	paths := r.Paths(pcfg.ID)

	source, err := r.deps.NewSource(pcfg.Source)
	if err != nil {
		return nil, model.Setup(download.StageName, fmt.Errorf("failed to create source: %w", err))
	}
	ledgers, err := ledger.NewStore(paths.Ledgers, ledger.Options{
		FlushEvery:   cfg.LedgerFlushEvery,
		ReadRetries:  cfg.LedgerReadRetries,
		RetryBackoff: cfg.LedgerRetryBackoff,
	}, logger)
	if err != nil {
		return nil, model.Setup(download.StageName, err)
	}

	exts := pcfg.Extensions()
	exec := download.NewExecutor(source, ledgers, download.Options{
		Root:        paths.Mirror,
		Scope:       pcfg.Source.Scope,
		Extensions:  exts,
		RetryRounds: cfg.SyncRetryRounds,
		BatchSize:   cfg.SyncBatchSize,
		Clock:       r.deps.Clock,
		Logger:      logger,
	})
	return &stages{
		paths:    paths,
		ledgers:  ledgers,
		download: exec,
		auditor:  integrity.NewAuditor(ledgers, exec, integrity.Options{Root: paths.Mirror, Extensions: exts, Logger: logger}),
		processor: process.NewProcessor(ledgers, process.Options{
			MirrorRoot: paths.Mirror,
			OutputRoot: paths.Processed,
			Logger:     logger,
		}),
	}, nil
}

// Job returns the job body for one run of pcfg. A dry run only previews the
// change set into a job-scoped temporary ledger.
func (r *Runner) Job(pcfg *config.PipelineConfig, dryRun bool) job.Func {
	return func(ctx context.Context, j *job.Job) (job.Result, error) {
		logger := j.Logger()
		s, err := r.build(pcfg, logger)
		if err != nil {
			return job.Result{Error: err.Error()}, err
		}
		if dryRun {
			return r.preview(ctx, j, s)
		}
		return r.run(ctx, j, pcfg, s)
	}
}

type stageFunc func(ctx context.Context, cp model.Checkpointer) (model.StageResult, error)

type step struct {
	name string
	fn   stageFunc
}

func (r *Runner) run(ctx context.Context, j *job.Job, pcfg *config.PipelineConfig, s *stages) (job.Result, error) {
	var result job.Result
	var setupErrs []string

	steps := []step{
		{download.StageName, s.download.Sync},
		// Runs whatever the download reported.
		{integrity.StageName, func(ctx context.Context, cp model.Checkpointer) (model.StageResult, error) {
			rep, err := s.auditor.Audit(ctx, cp)
			res := rep.StageResult()
			if err != nil && res.Error == "" {
				res.Error = err.Error()
			}
			return res, err
		}},
		{process.StageName, s.processor.Run},
	}
	if r.deps.Index != nil {
		steps = append(steps, step{embed.StageName, r.embedder(pcfg, s).Run})
	}

	var runErr error
	for _, st := range steps {
		started := time.Now()
		res, err := st.fn(ctx, j)
		if res.Stage == "" {
			res.Stage = st.name
		}
		j.StageFinished(ctx, res, time.Since(started))
		result.Stages = append(result.Stages, res)

		if errors.Is(err, model.ErrCancelled) {
			runErr = err
			break
		}
		if err != nil {
			// A failed stage is reported; later stages check their own
			// preconditions.
			setupErrs = append(setupErrs, err.Error())
			j.Logger().ErrorContext(ctx, "stage aborted", "stage", st.name, "error", err)
		}
	}

	// Archive even a cancelled run so its ledgers can be inspected.
	arch := archive.NewStage(s.paths.Archive, j.ID, j.LogPath(), s.ledgers, j.Logger())
	started := time.Now()
	res, _ := arch.Run(context.WithoutCancel(ctx), nil)
	j.StageFinished(ctx, res, time.Since(started))
	result.Stages = append(result.Stages, res)

	if len(setupErrs) > 0 {
		result.Error = strings.Join(setupErrs, "; ")
	}
	return result, runErr
}

func (r *Runner) embedder(pcfg *config.PipelineConfig, s *stages) *embed.Executor {
	var recorder embed.Recorder
	if r.deps.Metadata != nil {
		recorder = r.deps.Metadata
	}
	var saver embed.StoreIDSaver
	if r.deps.Pipelines != nil {
		saver = r.deps.Pipelines
	}
	return embed.NewExecutor(r.deps.Index, s.ledgers, s.processor, recorder, saver, embed.Options{
		PipelineID:   pcfg.ID,
		StoreID:      pcfg.Index.StoreID,
		StoreName:    pcfg.Index.StoreName,
		MirrorRoot:   s.paths.Mirror,
		FailedRoot:   s.paths.Failed,
		PollInterval: r.deps.Config.IndexPollInterval,
		PollTimeout:  r.deps.Config.IndexPollTimeout,
		Clock:        r.deps.Clock,
	})
}

func (r *Runner) preview(ctx context.Context, j *job.Job, s *stages) (job.Result, error) {
	tmp, cleanup, err := s.ledgers.Temp(j.ID)
	if err != nil {
		return job.Result{Error: err.Error()}, err
	}
	j.OnFinish(cleanup)

	res := model.NewStageResult("preview")
	cs, err := s.download.Preview(ctx, tmp)
	if err != nil {
		res.Error = err.Error()
		return job.Result{Stages: []model.StageResult{res}, Error: err.Error()}, err
	}
	res.Add("added", len(cs.Added))
	res.Add("changed", len(cs.Changed))
	res.Add("removed", len(cs.Removed))
	for _, item := range cs.Added {
		j.Logger().InfoContext(ctx, "would add", "remote_id", item.RemoteID, "path", model.ExpectedRelPath(item))
	}
	for _, item := range cs.Changed {
		j.Logger().InfoContext(ctx, "would update", "remote_id", item.RemoteID, "path", model.ExpectedRelPath(item))
	}
	for _, rec := range cs.Removed {
		j.Logger().InfoContext(ctx, "would remove", "remote_id", rec.RemoteID, "path", rec.LocalRelativePath)
	}
	return job.Result{Stages: []model.StageResult{res}}, nil
}

// AuditJob runs only the integrity auditor. With scanOnly nothing is
// corrected.
func (r *Runner) AuditJob(pcfg *config.PipelineConfig, scanOnly bool) job.Func {
	return func(ctx context.Context, j *job.Job) (job.Result, error) {
		s, err := r.build(pcfg, j.Logger())
		if err != nil {
			return job.Result{Error: err.Error()}, err
		}
		var rep integrity.Report
		if scanOnly {
			rep, err = s.auditor.Scan(ctx)
			for _, d := range rep.Discrepancies {
				j.Logger().InfoContext(ctx, "discrepancy", "category", d.Category, "remote_id", d.RemoteID, "path", d.Path, "expected", d.ExpectedPath)
			}
			if err == nil {
				j.Logger().InfoContext(ctx, rep.Summary())
			}
		} else {
			rep, err = s.auditor.Audit(ctx, j)
		}
		res := rep.StageResult()
		result := job.Result{Stages: []model.StageResult{res}}
		if err != nil && !errors.Is(err, model.ErrCancelled) {
			result.Error = err.Error()
		}
		return result, err
	}
}

// CleanupMetadata removes metadata entries whose file is no longer in the
// pipeline's index store.
func (r *Runner) CleanupMetadata(ctx context.Context, pcfg *config.PipelineConfig) (removed, remaining int, err error) {
	if r.deps.Index == nil || r.deps.Metadata == nil {
		return 0, 0, fmt.Errorf("index and metadata must be configured")
	}
	if pcfg.Index.StoreID == "" {
		return 0, 0, fmt.Errorf("pipeline %s has no index store yet", pcfg.ID)
	}
	contents, err := r.deps.Index.ListContents(ctx, pcfg.Index.StoreID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list index contents: %w", err)
	}
	live := make(map[string]bool, len(contents))
	for _, f := range contents {
		live[f.FileID] = true
	}
	return r.deps.Metadata.Cleanup(ctx, pcfg.Index.StoreID, live)
}

package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"contentsync/internal/contextutil"
	"contentsync/internal/model"
)

// Func is the body of a job.
type Func func(ctx context.Context, j *Job) (Result, error)

// Spec describes a job to start.
type Spec struct {
	PipelineID string
	DryRun     bool
	Run        Func
}

// Job is the handle a running job body gets.
type Job struct {
	ID         string
	PipelineID string
	DryRun     bool

	ctrl     *controller
	logger   *slog.Logger
	metrics  *Metrics
	mu       sync.Mutex
	cleanups []func() error
	done     chan struct{}
}

// Checkpoint blocks while the job is paused and returns model.ErrCancelled
// once it is cancelled.
func (j *Job) Checkpoint(ctx context.Context) error { return j.ctrl.Checkpoint(ctx) }

// Logger returns the logger that writes into the job log.
func (j *Job) Logger() *slog.Logger { return j.logger }

// LogPath returns the path of the job log.
func (j *Job) LogPath() string { return j.ctrl.log.Path() }

// State returns the current state.
func (j *Job) State() State { return j.ctrl.State() }

// OnFinish registers cleanup to run when the job ends, on every exit path.
func (j *Job) OnFinish(fn func() error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cleanups = append(j.cleanups, fn)
}

// StageFinished logs a stage result and records its metrics.
func (j *Job) StageFinished(ctx context.Context, r model.StageResult, d time.Duration) {
	j.metrics.stageFinished(r, d)
	args := []any{"stage", r.Stage, "processed", r.Processed, "skipped", r.Skipped, "failed", r.Failed, "duration", d.Round(time.Millisecond)}
	if r.Error != "" {
		args = append(args, "error", r.Error)
	}
	j.logger.InfoContext(ctx, "stage finished", args...)
}

// Options configures a Manager.
type Options struct {
	Dir          string // job logs
	ControlDir   string // control markers
	PollInterval time.Duration
	IDs          model.IDGenerator
	Metrics      *Metrics
	LogLevel     slog.Leveler
	Logger       *slog.Logger
}

// Manager starts jobs and answers questions about them. Jobs run in their own
// goroutines; nothing serializes jobs against each other.
type Manager struct {
	opts     Options
	controls Controls
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*Job
}

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// NewManager creates the job and control directories.
func NewManager(opts Options) (*Manager, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.IDs == nil {
		opts.IDs = model.UUIDGenerator{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LogLevel == nil {
		opts.LogLevel = slog.LevelInfo
	}
	if opts.ControlDir == "" {
		opts.ControlDir = filepath.Join(opts.Dir, "control")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create jobs directory: %w", err)
	}
	controls, err := NewControls(opts.ControlDir)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		controls: controls,
		logger:   opts.Logger.With("component", "job"),
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]*Job),
	}, nil
}

// LogPath returns the log file of a job.
func (m *Manager) LogPath(jobID string) string {
	return filepath.Join(m.opts.Dir, jobID+".log")
}

// Start writes the start record and runs spec.Run in a new goroutine.
func (m *Manager) Start(spec Spec) (*Job, error) {
	id := m.opts.IDs.New()
	log, err := CreateLog(m.LogPath(id))
	if err != nil {
		return nil, err
	}
	if err := log.Append(Record{Type: RecordStart, JobID: id, PipelineID: spec.PipelineID, DryRun: spec.DryRun}); err != nil {
		_ = log.Close()
		return nil, err
	}

	handler := newLogHandler(log, m.opts.Logger.Handler(), m.opts.LogLevel)
	logger := slog.New(handler).With("job_id", id, "pipeline_id", spec.PipelineID)
	j := &Job{
		ID:         id,
		PipelineID: spec.PipelineID,
		DryRun:     spec.DryRun,
		logger:     logger,
		metrics:    m.opts.Metrics,
		done:       make(chan struct{}),
		ctrl: &controller{
			jobID:    id,
			log:      log,
			controls: m.controls,
			poll:     m.opts.PollInterval,
			logger:   logger,
			state:    StateRunning,
		},
	}

	m.mu.Lock()
	m.running[id] = j
	m.mu.Unlock()
	m.opts.Metrics.jobStarted()

	m.wg.Add(1)
	go m.run(j, spec.Run)
	return j, nil
}

func (m *Manager) run(j *Job, fn Func) {
	defer m.wg.Done()
	ctx := contextutil.WithLogger(m.ctx, j.logger)

	var (
		result Result
		err    error
	)
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			j.logger.ErrorContext(ctx, "job panicked", "panic", p, "stack", string(debug.Stack()))
		}
		m.finish(ctx, j, result, err)
	}()

	j.logger.InfoContext(ctx, "job started", "dry_run", j.DryRun)
	result, err = fn(ctx, j)
}

// finish writes the final state and the end record, releases job resources
// and clears leftover markers.
func (m *Manager) finish(ctx context.Context, j *Job, result Result, err error) {
	ctx = context.WithoutCancel(ctx)
	final := StateCompleted
	if j.ctrl.State() == StateCancelled || errors.Is(err, model.ErrCancelled) || errors.Is(err, context.Canceled) {
		final = StateCancelled
	}
	if err != nil && final != StateCancelled && result.Error == "" {
		result.Error = err.Error()
	}

	if j.ctrl.State() != final {
		if serr := j.ctrl.setState(final); serr != nil {
			j.logger.ErrorContext(ctx, "failed to record final state", "error", serr)
		}
	}

	j.mu.Lock()
	cleanups := j.cleanups
	j.mu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		if cerr := cleanups[i](); cerr != nil {
			j.logger.WarnContext(ctx, "job cleanup failed", "error", cerr)
		}
	}

	j.logger.InfoContext(ctx, "job finished", "state", final)
	if aerr := j.ctrl.log.Append(Record{Type: RecordEnd, JobID: j.ID, State: final, Result: &result}); aerr != nil {
		m.logger.ErrorContext(ctx, "failed to write end record", "job_id", j.ID, "error", aerr)
	}
	_ = j.ctrl.log.Close()
	m.controls.Clear(j.ID)

	m.mu.Lock()
	delete(m.running, j.ID)
	m.mu.Unlock()
	m.opts.Metrics.jobFinished(final)
	close(j.done)
}

// Done returns a channel closed when the job has ended.
func (j *Job) Done() <-chan struct{} { return j.done }

// Request validates a control action against the job's state and drops its
// marker. A request already pending is a no-op and reports false.
func (m *Manager) Request(jobID string, a Action) (bool, error) {
	s, err := m.Status(jobID)
	if err != nil {
		return false, err
	}
	if !s.State.CanTransition(a.target()) {
		return false, fmt.Errorf("%w: cannot %s a %s job", ErrInvalidTransition, a, s.State)
	}
	return m.controls.Request(jobID, a)
}

// Status reconstructs a job's state from its log.
func (m *Manager) Status(jobID string) (Summary, error) {
	if !jobIDPattern.MatchString(jobID) {
		return Summary{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	records, _, err := ReadLog(m.LogPath(jobID), 0)
	if err != nil {
		if errors.Is(err, ErrUnknownJob) {
			return Summary{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
		}
		return Summary{}, err
	}
	return Summarize(records), nil
}

// Replay returns the records of a job after offset.
func (m *Manager) Replay(jobID string, offset int64) ([]Record, int64, error) {
	if !jobIDPattern.MatchString(jobID) {
		return nil, offset, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return ReadLog(m.LogPath(jobID), offset)
}

// Follow calls fn for every record from offset on, waiting for new records
// until the end record has been delivered or ctx is done.
func (m *Manager) Follow(ctx context.Context, jobID string, offset int64, fn func(Record) error) error {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		records, next, err := m.Replay(jobID, offset)
		if err != nil {
			return err
		}
		offset = next
		if len(records) == 0 {
			if s, err := m.Status(jobID); err == nil && s.FinishedAt != nil {
				return nil
			}
		}
		for _, rec := range records {
			if err := fn(rec); err != nil {
				return err
			}
			if rec.Type == RecordEnd {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Running returns the ids of jobs running in this process.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels every running job at its next checkpoint and waits for
// them to finish their logs, or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

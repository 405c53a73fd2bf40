// Package embed keeps the downstream index in step with the local mirror.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"contentsync/internal/change"
	"contentsync/internal/contextutil"
	"contentsync/internal/indexstore"
	"contentsync/internal/ledger"
	"contentsync/internal/metadata"
	"contentsync/internal/model"
)

// StageName identifies this stage in results and metrics.
const StageName = "embed"

// Artifacts locates the processed text uploaded for a mirror-relative path.
type Artifacts interface {
	OutputPath(rel string) string
	HasOutput(rel string) bool
}

// Recorder receives every newly indexed file.
type Recorder interface {
	Record(ctx context.Context, e metadata.Entry) (metadata.Entry, error)
}

// StoreIDSaver persists the id of an index store created on a first run.
type StoreIDSaver interface {
	SaveStoreID(pipelineID, storeID string) error
}

// Options configures an Executor.
type Options struct {
	PipelineID   string
	StoreID      string
	StoreName    string
	MirrorRoot   string
	FailedRoot   string
	PollInterval time.Duration
	PollTimeout  time.Duration
	Clock        model.Clock
	Logger       *slog.Logger
}

// Executor uploads, attaches and detaches files and settles their outcome.
type Executor struct {
	index     indexstore.Store
	ledgers   *ledger.Store
	artifacts Artifacts
	recorder  Recorder
	saver     StoreIDSaver
	opts      Options
	logger    *slog.Logger
}

// NewExecutor creates an embedding executor. recorder and saver may be nil.
func NewExecutor(index indexstore.Store, ledgers *ledger.Store, artifacts Artifacts, recorder Recorder, saver StoreIDSaver, opts Options) *Executor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 10 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = model.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		index:     index,
		ledgers:   ledgers,
		artifacts: artifacts,
		recorder:  recorder,
		saver:     saver,
		opts:      opts,
		logger:    opts.Logger.With("component", "embed"),
	}
}

// StoreID returns the index store the executor feeds, empty before bootstrap.
func (e *Executor) StoreID() string { return e.opts.StoreID }

// run carries the state of one Run call.
type run struct {
	storeID string
	state   map[string]model.IndexedFileRecord
	touched map[string]string // index file id -> remote id
	result  model.StageResult
	logger  *slog.Logger
}

// Run brings the index in line with the local ledger.
func (e *Executor) Run(ctx context.Context, cp model.Checkpointer) (model.StageResult, error) {
	logger := contextutil.LoggerOr(ctx, e.logger)
	if cp == nil {
		cp = model.NoCheckpoint
	}
	r := &run{result: model.NewStageResult(StageName), touched: map[string]string{}, logger: logger}

	storeID, err := e.bootstrap(ctx, logger)
	if err != nil {
		r.result.Error = err.Error()
		return r.result, err
	}
	if storeID == "" {
		r.result.Add("no_store", 1)
		return r.result, nil
	}
	r.storeID = storeID

	indexed, _, err := ledger.Load(e.ledgers, ledger.Indexed)
	if err != nil {
		r.result.Error = err.Error()
		return r.result, model.Setup(StageName, err)
	}
	contents, err := e.index.ListContents(ctx, storeID)
	if err != nil {
		r.result.Error = err.Error()
		return r.result, model.Setup(StageName, fmt.Errorf("failed to list index contents: %w", err))
	}
	r.state = e.prune(ctx, r, indexed, contents)

	local, _, err := ledger.Load(e.ledgers, ledger.Local)
	if err != nil {
		r.result.Error = err.Error()
		return r.result, model.Setup(StageName, err)
	}
	cs := change.DetectIndexed(local, sortedRows(r.state))
	logger.InfoContext(ctx, "index changes detected",
		"added", len(cs.Added), "changed", len(cs.Changed), "removed", len(cs.Removed))

	runErr := e.apply(ctx, r, cs, cp)
	if runErr == nil {
		runErr = e.settle(ctx, r, cp)
	}

	if err := ledger.Rewrite(e.ledgers, ledger.Indexed, sortedRows(r.state)); err != nil {
		r.result.Error = err.Error()
		return r.result, model.Setup(StageName, fmt.Errorf("failed to persist index ledger: %w", err))
	}

	logger.InfoContext(ctx, "embed stage finished",
		"processed", r.result.Processed, "skipped", r.result.Skipped, "failed", r.result.Failed)
	return r.result, runErr
}

// bootstrap returns the store to feed, creating it on a first run. An empty id
// with a nil error means the stage should be skipped this run.
func (e *Executor) bootstrap(ctx context.Context, logger *slog.Logger) (string, error) {
	if id := e.opts.StoreID; id != "" {
		ok, err := e.index.StoreExists(ctx, id)
		if err != nil {
			return "", model.Setup(StageName, fmt.Errorf("failed to check index store: %w", err))
		}
		if !ok {
			return "", model.Setup(StageName, fmt.Errorf("%w: %s", indexstore.ErrStoreNotFound, id))
		}
		return id, nil
	}

	name := e.opts.StoreName
	if name == "" {
		name = e.opts.PipelineID
	}
	id, err := e.index.CreateStore(ctx, name)
	if err != nil {
		logger.ErrorContext(ctx, "failed to create index store, skipping embedding", "name", name, "error", err)
		return "", nil
	}
	logger.InfoContext(ctx, "created index store", "store_id", id, "name", name)
	e.opts.StoreID = id
	if e.saver != nil {
		if err := e.saver.SaveStoreID(e.opts.PipelineID, id); err != nil {
			logger.ErrorContext(ctx, "failed to persist index store id", "store_id", id, "error", err)
		}
	}
	return id, nil
}

// prune drops rows whose file no longer exists in the index. Rows still
// waiting on a result from an earlier run are settled now.
func (e *Executor) prune(ctx context.Context, r *run, rows []model.IndexedFileRecord, contents []indexstore.FileInfo) map[string]model.IndexedFileRecord {
	live := make(map[string]indexstore.FileInfo, len(contents))
	for _, f := range contents {
		live[f.FileID] = f
	}
	state := make(map[string]model.IndexedFileRecord, len(rows))
	for _, row := range rows {
		if row.IndexFileID == "" {
			state[row.RemoteID] = row
			continue
		}
		if _, ok := live[row.IndexFileID]; !ok || row.IndexStoreID != r.storeID {
			r.logger.InfoContext(ctx, "dropping row for file missing from index",
				"remote_id", row.RemoteID, "index_file_id", row.IndexFileID)
			r.result.Add("pruned", 1)
			continue
		}
		if row.IndexedAt.IsZero() {
			r.touched[row.IndexFileID] = row.RemoteID
		}
		state[row.RemoteID] = row
	}
	return state
}

func (e *Executor) apply(ctx context.Context, r *run, cs change.IndexChangeSet, cp model.Checkpointer) error {
	for _, row := range cs.Removed {
		if err := cp.Checkpoint(ctx); err != nil {
			return err
		}
		if err := e.discard(ctx, r.storeID, row); err != nil {
			r.logger.WarnContext(ctx, "failed to detach removed file", "remote_id", row.RemoteID, "error", err)
			r.result.Failed++
			continue
		}
		delete(r.state, row.RemoteID)
		r.result.Processed++
		r.result.Add("removed", 1)
	}

	for _, group := range []struct {
		name string
		recs []model.LocalFileRecord
	}{{"added", cs.Added}, {"changed", cs.Changed}} {
		for _, rec := range group.recs {
			if err := cp.Checkpoint(ctx); err != nil {
				return err
			}
			e.upload(ctx, r, rec, group.name)
		}
	}
	return nil
}

func (e *Executor) upload(ctx context.Context, r *run, rec model.LocalFileRecord, kind string) {
	if prev, ok := r.state[rec.RemoteID]; ok {
		if err := e.discard(ctx, r.storeID, prev); err != nil {
			r.logger.WarnContext(ctx, "failed to detach stale file", "remote_id", rec.RemoteID, "error", err)
			r.result.Failed++
			return
		}
		delete(r.state, rec.RemoteID)
	}
	if !e.artifacts.HasOutput(rec.LocalRelativePath) {
		r.logger.DebugContext(ctx, "processed text not available yet", "remote_id", rec.RemoteID, "path", rec.LocalRelativePath)
		r.result.Skipped++
		r.result.Add("missing_artifact", 1)
		return
	}

	row := model.IndexedFileRecord{
		IndexStoreID:      r.storeID,
		LocalRelativePath: rec.LocalRelativePath,
		RemoteID:          rec.RemoteID,
		Size:              rec.Size,
		LastModified:      rec.LastModified,
	}
	fileID, blobID, err := e.attach(ctx, r.storeID, rec)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to upload file", "remote_id", rec.RemoteID, "path", rec.LocalRelativePath, "error", err)
		row.IndexError = err.Error()
		r.state[rec.RemoteID] = row
		r.result.Failed++
		return
	}
	row.IndexFileID, row.BlobID, row.UploadedAt = fileID, blobID, e.opts.Clock.Now()
	r.state[rec.RemoteID] = row
	r.touched[fileID] = rec.RemoteID
	r.result.Add(kind, 1)
}

func (e *Executor) attach(ctx context.Context, storeID string, rec model.LocalFileRecord) (string, string, error) {
	f, err := os.Open(e.artifacts.OutputPath(rec.LocalRelativePath))
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	blobID, err := e.index.UploadBlob(ctx, rec.LocalRelativePath, f)
	if err != nil {
		return "", "", fmt.Errorf("upload: %w", err)
	}
	fileID, err := e.index.AttachBlob(ctx, storeID, blobID, map[string]string{
		"remote_id": rec.RemoteID,
		"path":      rec.LocalRelativePath,
	})
	if err != nil {
		_ = e.index.DeleteBlob(ctx, blobID)
		return "", "", fmt.Errorf("attach: %w", err)
	}
	return fileID, blobID, nil
}

// discard detaches a file and deletes its blob.
func (e *Executor) discard(ctx context.Context, storeID string, row model.IndexedFileRecord) error {
	if row.IndexFileID != "" {
		if err := e.index.DetachBlob(ctx, storeID, row.IndexFileID); err != nil && !errors.Is(err, indexstore.ErrFileNotFound) {
			return err
		}
	}
	if row.BlobID != "" {
		if err := e.index.DeleteBlob(ctx, row.BlobID); err != nil && !errors.Is(err, indexstore.ErrBlobNotFound) {
			return err
		}
	}
	return nil
}

// settle waits for the touched files, demotes the ones that failed and
// records the ones that completed. A cancel or pause between polling rounds
// is honoured; files still pending are picked up by the next run's prune.
func (e *Executor) settle(ctx context.Context, r *run, cp model.Checkpointer) error {
	if len(r.touched) == 0 {
		return nil
	}
	final, err := e.poll(ctx, r, cp)
	if err != nil {
		return err
	}

	var failed []model.IndexedFileRecord
	now := e.opts.Clock.Now()
	for fileID, info := range final {
		row := r.state[r.touched[fileID]]
		switch info.Status {
		case indexstore.StatusCompleted:
			row.IndexedAt = now
			r.state[row.RemoteID] = row
			r.result.Processed++
			e.record(ctx, r, row)
		case indexstore.StatusFailed:
			failed = append(failed, row)
			row.IndexError = info.Error
			r.state[row.RemoteID] = row
		}
	}
	if len(failed) > 0 {
		e.demote(ctx, r, failed)
	}
	return nil
}

// poll waits until no touched file is pending, up to the configured timeout.
// Files still pending at the deadline keep their row and are settled by the
// next run.
func (e *Executor) poll(ctx context.Context, r *run, cp model.Checkpointer) (map[string]indexstore.FileInfo, error) {
	interval := pollInterval(e.opts.PollInterval, len(r.touched))
	deadline := time.Now().Add(e.opts.PollTimeout)
	final := make(map[string]indexstore.FileInfo, len(r.touched))

	for {
		for fileID := range r.touched {
			if _, done := final[fileID]; done {
				continue
			}
			info, err := e.index.Status(ctx, r.storeID, fileID)
			switch {
			case errors.Is(err, indexstore.ErrFileNotFound):
				final[fileID] = indexstore.FileInfo{FileID: fileID, Status: indexstore.StatusFailed, Error: "file disappeared from index"}
			case err != nil:
				r.logger.WarnContext(ctx, "failed to read index status", "index_file_id", fileID, "error", err)
			case !info.Status.Provisional():
				final[fileID] = info
			}
		}
		if len(final) == len(r.touched) {
			return final, nil
		}
		if time.Now().After(deadline) {
			r.logger.WarnContext(ctx, "index still busy, leaving files for the next run",
				"pending", len(r.touched)-len(final), "timeout", e.opts.PollTimeout)
			r.result.Add("pending", len(r.touched)-len(final))
			return final, nil
		}
		if err := cp.Checkpoint(ctx); err != nil {
			r.result.Add("pending", len(r.touched)-len(final))
			return final, err
		}
		select {
		case <-ctx.Done():
			return final, model.ErrCancelled
		case <-time.After(interval):
		}
	}
}

// pollInterval grows with the number of files being waited on, so a large
// batch is not hammered with status calls.
func pollInterval(base time.Duration, n int) time.Duration {
	return min(base*time.Duration(1+n/50), 30*base)
}

func (e *Executor) record(ctx context.Context, r *run, row model.IndexedFileRecord) {
	if e.recorder == nil {
		return
	}
	entry := metadata.Entry{
		IndexFileID:       row.IndexFileID,
		RemoteID:          row.RemoteID,
		PipelineID:        e.opts.PipelineID,
		IndexStoreID:      row.IndexStoreID,
		LocalRelativePath: row.LocalRelativePath,
		Size:              row.Size,
		LastModified:      row.LastModified,
		IndexedAt:         row.IndexedAt,
	}
	if items, err := ledger.ReadMap(e.ledgers, ledger.Remote); err == nil {
		if item, ok := items[row.RemoteID]; ok {
			entry.DisplayName, entry.LocationPath, entry.WebURL = item.DisplayName, item.LocationPath, item.WebURL
		}
	}
	if _, err := e.recorder.Record(ctx, entry); err != nil {
		r.logger.WarnContext(ctx, "failed to record metadata", "remote_id", row.RemoteID, "error", err)
	}
}

// demote removes failed files from the index and moves their local copy to the
// failure area. Both ledgers are stamped so the item stays put until the
// remote item changes.
func (e *Executor) demote(ctx context.Context, r *run, failed []model.IndexedFileRecord) {
	slices.SortFunc(failed, func(a, b model.IndexedFileRecord) int { return strings.Compare(a.RemoteID, b.RemoteID) })
	reasons := make(map[string]string, len(failed))

	for _, row := range failed {
		reason := "index failed"
		if msg := r.state[row.RemoteID].IndexError; msg != "" {
			reason += ": " + msg
		}
		r.logger.WarnContext(ctx, "demoting file that failed indexing", "remote_id", row.RemoteID, "path", row.LocalRelativePath, "reason", reason)
		if err := e.discard(ctx, r.storeID, row); err != nil {
			r.logger.WarnContext(ctx, "failed to remove demoted file from index", "remote_id", row.RemoteID, "error", err)
		}
		if err := e.relocate(row.LocalRelativePath); err != nil {
			r.logger.WarnContext(ctx, "failed to move demoted file", "path", row.LocalRelativePath, "error", err)
		}
		r.state[row.RemoteID] = model.IndexedFileRecord{
			IndexStoreID:      r.storeID,
			LocalRelativePath: row.LocalRelativePath,
			RemoteID:          row.RemoteID,
			Size:              row.Size,
			LastModified:      row.LastModified,
			UploadedAt:        row.UploadedAt,
			IndexError:        reason,
		}
		reasons[row.RemoteID] = reason
		r.result.Failed++
	}
	r.result.Add("demoted", len(failed))

	local, err := ledger.ReadAll(e.ledgers, ledger.Local)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to read local ledger for demotion", "error", err)
		return
	}
	for i := range local {
		if reason, ok := reasons[local[i].RemoteID]; ok {
			local[i].LocalRelativePath = ""
			local[i].ProcessError = reason
		}
	}
	if err := ledger.Rewrite(e.ledgers, ledger.Local, local); err != nil {
		r.logger.ErrorContext(ctx, "failed to persist demotion", "error", err)
	}
}

func (e *Executor) relocate(rel string) error {
	if rel == "" || e.opts.FailedRoot == "" {
		return nil
	}
	from := filepath.Join(e.opts.MirrorRoot, filepath.FromSlash(rel))
	to := filepath.Join(e.opts.FailedRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return err
	}
	if err := os.Rename(from, to); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func sortedRows(m map[string]model.IndexedFileRecord) []model.IndexedFileRecord {
	out := make([]model.IndexedFileRecord, 0, len(m))
	for _, row := range m {
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b model.IndexedFileRecord) int { return strings.Compare(a.RemoteID, b.RemoteID) })
	return out
}

// Package download applies remote changes to the local mirror.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"contentsync/internal/change"
	"contentsync/internal/contextutil"
	"contentsync/internal/ledger"
	"contentsync/internal/model"
	"contentsync/internal/remote"
)

const (
	// StageName identifies this stage in results and metrics.
	StageName = "download"

	maxRelPathLen = 1024
	maxSegmentLen = 255
	partSuffix    = ".part"

	// Stamped on a changed item's row once its stale copy is deleted; a
	// transient error, so an interrupted run refetches the item next time.
	refetchPending = "stale copy removed, refetch pending"
)

// Options configures an Executor.
type Options struct {
	Root        string   // Local mirror root
	Scope       string   // Remote scope to list
	Extensions  []string // Accepted extensions; empty accepts all
	RetryRounds int      // Total attempt rounds; 1 disables retries
	BatchSize   int      // Items between ledger flushes
	Clock       model.Clock
	Logger      *slog.Logger
}

// Executor mirrors a remote source into a local directory and keeps the local
// ledger in step with it.
type Executor struct {
	source      remote.Source
	ledgers     *ledger.Store
	root        string
	scope       string
	filter      *Filter
	retryRounds int
	batchSize   int
	clock       model.Clock
	logger      *slog.Logger
}

// NewExecutor creates a new download executor.
func NewExecutor(source remote.Source, ledgers *ledger.Store, opts Options) *Executor {
	if opts.RetryRounds < 1 {
		opts.RetryRounds = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 25
	}
	if opts.Clock == nil {
		opts.Clock = model.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		source:      source,
		ledgers:     ledgers,
		root:        opts.Root,
		scope:       opts.Scope,
		filter:      NewFilter(opts.Extensions),
		retryRounds: opts.RetryRounds,
		batchSize:   opts.BatchSize,
		clock:       opts.Clock,
		logger:      opts.Logger.With("component", "download"),
	}
}

// Root returns the local mirror root.
func (e *Executor) Root() string { return e.root }

// Filter returns the content-type filter in use.
func (e *Executor) Filter() *Filter { return e.filter }

// Exists reports whether rel is present under the mirror root right now.
func (e *Executor) Exists(rel string) bool {
	info, err := os.Stat(filepath.Join(e.root, filepath.FromSlash(rel)))
	return err == nil && info.Mode().IsRegular()
}

// Snapshot lists the remote scope and persists it as the remote ledger.
// A listing failure is a setup error: nothing downstream can run without it.
func (e *Executor) Snapshot(ctx context.Context, into *ledger.Store) ([]model.RemoteItem, error) {
	items, err := e.source.List(ctx, e.scope)
	if err != nil {
		return nil, model.Setup(StageName, fmt.Errorf("failed to list remote source: %w", err))
	}
	if err := ledger.Rewrite(into, ledger.Remote, items); err != nil {
		return nil, model.Setup(StageName, fmt.Errorf("failed to write remote ledger: %w", err))
	}
	return items, nil
}

// Sync lists the remote source, detects changes against the local ledger and
// applies them.
func (e *Executor) Sync(ctx context.Context, cp model.Checkpointer) (model.StageResult, error) {
	logger := contextutil.LoggerOr(ctx, e.logger)

	items, err := e.Snapshot(ctx, e.ledgers)
	if err != nil {
		r := model.NewStageResult(StageName)
		r.Error = err.Error()
		return r, err
	}

	local, rebuilt, err := ledger.Load(e.ledgers, ledger.Local)
	if err != nil {
		r := model.NewStageResult(StageName)
		r.Error = err.Error()
		return r, model.Setup(StageName, err)
	}
	if rebuilt {
		logger.WarnContext(ctx, "local ledger unreadable, rebuilding from remote snapshot")
	}

	cs := change.Detect(items, local, e.Exists)
	logger.InfoContext(ctx, "changes detected",
		"remote_items", len(items), "added", len(cs.Added), "changed", len(cs.Changed), "removed", len(cs.Removed))

	return e.Apply(ctx, cs, local, cp)
}

// Preview computes the change set a Sync would apply without touching the
// mirror. The snapshot and the projected local ledger go to tmp.
func (e *Executor) Preview(ctx context.Context, tmp *ledger.Store) (model.ChangeSet, error) {
	items, err := e.Snapshot(ctx, tmp)
	if err != nil {
		return model.ChangeSet{}, err
	}
	local, _, err := ledger.Load(e.ledgers, ledger.Local)
	if err != nil {
		return model.ChangeSet{}, model.Setup(StageName, err)
	}
	cs := change.Detect(items, local, e.Exists)

	projected := make(map[string]model.LocalFileRecord, len(local))
	for _, rec := range local {
		projected[rec.RemoteID] = rec
	}
	for _, rec := range cs.Removed {
		delete(projected, rec.RemoteID)
	}
	for _, item := range slices.Concat(cs.Added, cs.Changed) {
		if !e.filter.Accepts(item.DisplayName) {
			continue
		}
		projected[item.RemoteID] = model.LocalFileRecord{
			RemoteID:          item.RemoteID,
			DisplayName:       item.DisplayName,
			LocationPath:      item.LocationPath,
			LocalRelativePath: model.ExpectedRelPath(item),
			Size:              item.Size,
			LastModified:      item.LastModified,
		}
	}
	if err := ledger.Rewrite(tmp, ledger.Local, sortedRecords(projected)); err != nil {
		return cs, fmt.Errorf("failed to write preview ledger: %w", err)
	}
	return cs, nil
}

// Apply executes cs against the mirror. current is the local ledger cs was
// computed from. Removals run first, then stale copies of changed items are
// deleted, then fetches run in retry rounds; items that still fail are
// stamped with their error and kept for the next run. Ledger rows are
// appended once per batch and the file is never held open across a download.
func (e *Executor) Apply(ctx context.Context, cs model.ChangeSet, current []model.LocalFileRecord, cp model.Checkpointer) (model.StageResult, error) {
	logger := contextutil.LoggerOr(ctx, e.logger)
	result := model.NewStageResult(StageName)
	if cp == nil {
		cp = model.NoCheckpoint
	}

	state := make(map[string]model.LocalFileRecord, len(current))
	claims := make(map[string]int, len(current))
	for _, rec := range current {
		state[rec.RemoteID] = rec
	}
	for _, rec := range state {
		if rec.Present() {
			claims[rec.LocalRelativePath]++
		}
	}
	// release drops a row's claim on its file and deletes the file once no
	// other row claims the same path.
	release := func(rec model.LocalFileRecord) error {
		if !rec.Present() {
			return nil
		}
		claims[rec.LocalRelativePath]--
		if claims[rec.LocalRelativePath] > 0 {
			return nil
		}
		return e.removeFile(rec.LocalRelativePath)
	}

	var batch []model.LocalFileRecord
	flush := func() {
		if err := ledger.AppendAll(e.ledgers, ledger.Local, batch); err != nil {
			logger.WarnContext(ctx, "failed to append local ledger rows", "rows", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	stop := func(runErr error) (model.StageResult, error) {
		flush()
		if err := ledger.Rewrite(e.ledgers, ledger.Local, sortedRecords(state)); err != nil {
			result.Error = err.Error()
			return result, model.Setup(StageName, fmt.Errorf("failed to persist local ledger: %w", err))
		}
		return result, runErr
	}

	for _, rec := range cs.Removed {
		if err := cp.Checkpoint(ctx); err != nil {
			return stop(err)
		}
		if prev, ok := state[rec.RemoteID]; ok {
			if err := release(prev); err != nil {
				logger.WarnContext(ctx, "failed to delete removed file", "path", prev.LocalRelativePath, "error", err)
			}
			delete(state, rec.RemoteID)
		}
		result.Processed++
		result.Add("removed", 1)
		logger.DebugContext(ctx, "removed item", "remote_id", rec.RemoteID, "path", rec.LocalRelativePath)
	}

	var pending []model.RemoteItem
	for _, item := range slices.Concat(cs.Added, cs.Changed) {
		if e.filter.Accepts(item.DisplayName) {
			pending = append(pending, item)
			continue
		}
		logger.InfoContext(ctx, "skipping unsupported content type", "remote_id", item.RemoteID, "name", item.DisplayName)
		result.Skipped++
		result.Add("rejected", 1)
		if prev, ok := state[item.RemoteID]; ok {
			_ = release(prev)
			delete(state, item.RemoteID)
		}
	}

	// A changed item's old path may be the new path of another item in this
	// change set, so every stale copy is gone before the first fetch.
	for _, item := range pending {
		prev, ok := state[item.RemoteID]
		if !ok || !prev.Present() {
			continue
		}
		if err := release(prev); err != nil {
			// Fetch retries the delete and stamps the row if it fails again.
			claims[prev.LocalRelativePath]++
			logger.WarnContext(ctx, "failed to delete stale copy", "remote_id", item.RemoteID, "path", prev.LocalRelativePath, "error", err)
			continue
		}
		prev.LocalRelativePath = ""
		prev.FetchError = refetchPending
		prev.ProcessError = ""
		state[item.RemoteID] = prev
		batch = append(batch, prev)
	}
	flush()

	changed := make(map[string]bool, len(cs.Changed))
	for _, item := range cs.Changed {
		changed[item.RemoteID] = true
	}

	for round := 1; round <= e.retryRounds && len(pending) > 0; round++ {
		if round > 1 {
			logger.InfoContext(ctx, "retrying failed downloads", "round", round, "items", len(pending))
		}
		var retry []model.RemoteItem
		for _, item := range pending {
			if err := cp.Checkpoint(ctx); err != nil {
				return stop(err)
			}

			var prev *model.LocalFileRecord
			if p, ok := state[item.RemoteID]; ok {
				prev = &p
			}
			rec, err := e.Fetch(ctx, item, prev)
			switch {
			case err == nil:
				result.Processed++
				if changed[item.RemoteID] {
					result.Add("changed", 1)
				} else {
					result.Add("added", 1)
				}
			case model.IsTerminal(err):
				logger.WarnContext(ctx, "download failed permanently", "remote_id", item.RemoteID, "name", item.DisplayName, "error", err)
				result.Failed++
				result.Add("terminal", 1)
			case round < e.retryRounds:
				logger.InfoContext(ctx, "download failed, will retry", "remote_id", item.RemoteID, "name", item.DisplayName, "error", err)
				retry = append(retry, item)
			default:
				logger.WarnContext(ctx, "download failed after retries", "remote_id", item.RemoteID, "name", item.DisplayName, "error", err)
				result.Failed++
				result.Add("exhausted", 1)
			}

			state[item.RemoteID] = rec
			batch = append(batch, rec)
			if len(batch) >= e.batchSize {
				flush()
			}
		}
		flush()
		pending = retry
	}

	logger.InfoContext(ctx, "download stage finished",
		"processed", result.Processed, "skipped", result.Skipped, "failed", result.Failed)
	return stop(nil)
}

// Fetch downloads one item to its expected path and returns its ledger row.
// A stale copy from prev is deleted before the new one is written. On error
// the returned row has an empty path and carries the error.
func (e *Executor) Fetch(ctx context.Context, item model.RemoteItem, prev *model.LocalFileRecord) (model.LocalFileRecord, error) {
	rec := model.LocalFileRecord{
		RemoteID:     item.RemoteID,
		DisplayName:  item.DisplayName,
		LocationPath: item.LocationPath,
		Size:         item.Size,
		LastModified: item.LastModified,
	}
	if prev != nil {
		rec.DownloadedAt = prev.DownloadedAt
	}

	fail := func(err error) (model.LocalFileRecord, error) {
		rec.LocalRelativePath = ""
		rec.FetchError = model.LedgerError(err)
		return rec, err
	}

	rel := model.ExpectedRelPath(item)
	if err := validate(item, rel); err != nil {
		return fail(err)
	}

	if prev != nil && prev.Present() {
		if err := e.removeFile(prev.LocalRelativePath); err != nil {
			return fail(fmt.Errorf("failed to delete stale copy: %w", err))
		}
	}

	if err := e.download(ctx, item, rel); err != nil {
		return fail(err)
	}

	rec.LocalRelativePath = rel
	rec.DownloadedAt = e.clock.Now()
	return rec, nil
}

func validate(item model.RemoteItem, rel string) error {
	if item.Size == 0 {
		return model.Terminal("zero size item")
	}
	if len(rel) > maxRelPathLen {
		return model.Terminal("path too long: %d bytes", len(rel))
	}
	for _, seg := range strings.Split(rel, "/") {
		if len(seg) > maxSegmentLen {
			return model.Terminal("path segment too long: %d bytes", len(seg))
		}
	}
	return nil
}

// download writes to a hidden temp sibling and renames it into place so a
// partial file never appears at the final path.
func (e *Executor) download(ctx context.Context, item model.RemoteItem, rel string) error {
	dest := filepath.Join(e.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*"+partSuffix)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	counter := &countingWriter{w: tmp}
	if err := e.source.Download(ctx, item.SourcePath(), counter); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to download %s: %w", item.SourcePath(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if item.Size > 0 && counter.n != item.Size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", item.Size, counter.n)
	}
	if !item.LastModified.IsZero() {
		if err := os.Chtimes(tmpPath, time.Now(), item.LastModified); err != nil {
			return fmt.Errorf("failed to set modification time: %w", err)
		}
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

func (e *Executor) removeFile(rel string) error {
	err := os.Remove(filepath.Join(e.root, filepath.FromSlash(rel)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// IsPartial reports whether a file name is an in-flight download.
func IsPartial(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, partSuffix)
}

func sortedRecords(m map[string]model.LocalFileRecord) []model.LocalFileRecord {
	out := make([]model.LocalFileRecord, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b model.LocalFileRecord) int { return strings.Compare(a.RemoteID, b.RemoteID) })
	return out
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Package process extracts plain text from mirrored files so the embedding
// stage can index them.
package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"contentsync/internal/contextutil"
	"contentsync/internal/ledger"
	"contentsync/internal/model"
)

// StageName identifies this stage in results and metrics.
const StageName = "process"

// OutputExt is appended to the mirror-relative path of every extracted file.
const OutputExt = ".txt"

// Options configures a Processor.
type Options struct {
	MirrorRoot string
	OutputRoot string
	Logger     *slog.Logger
}

// Processor turns mirrored files into processed text artifacts.
type Processor struct {
	ledgers    *ledger.Store
	mirrorRoot string
	outputRoot string
	chunker    *MarkdownChunker
	logger     *slog.Logger
}

// NewProcessor creates a new processor.
func NewProcessor(ledgers *ledger.Store, opts Options) *Processor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Processor{
		ledgers:    ledgers,
		mirrorRoot: opts.MirrorRoot,
		outputRoot: opts.OutputRoot,
		chunker:    NewMarkdownChunker(),
		logger:     opts.Logger.With("component", "process"),
	}
}

// OutputPath returns the absolute path of the artifact for a mirror-relative path.
func (p *Processor) OutputPath(rel string) string {
	return filepath.Join(p.outputRoot, filepath.FromSlash(rel)+OutputExt)
}

// HasOutput reports whether the artifact for rel exists right now.
func (p *Processor) HasOutput(rel string) bool {
	info, err := os.Stat(p.OutputPath(rel))
	return err == nil && info.Mode().IsRegular()
}

// Run extracts text for every materialized ledger row whose source file is
// present right now. Rows failing extraction get a terminal process_error and
// are left alone until the item changes.
func (p *Processor) Run(ctx context.Context, cp model.Checkpointer) (model.StageResult, error) {
	logger := contextutil.LoggerOr(ctx, p.logger)
	result := model.NewStageResult(StageName)
	if cp == nil {
		cp = model.NoCheckpoint
	}

	rows, _, err := ledger.Load(p.ledgers, ledger.Local)
	if err != nil {
		result.Error = err.Error()
		return result, model.Setup(StageName, err)
	}

	live := make(map[string]bool, len(rows))
	dirty := false
	var runErr error

	for i := range rows {
		rec := &rows[i]
		if rec.Present() {
			live[rec.LocalRelativePath] = true
		}
		if runErr != nil {
			continue
		}
		if err := cp.Checkpoint(ctx); err != nil {
			runErr = err
			continue
		}

		switch oc, err := p.processOne(*rec); oc {
		case outcomeDone:
			result.Processed++
		case outcomeFailed:
			logger.WarnContext(ctx, "text extraction failed", "remote_id", rec.RemoteID, "path", rec.LocalRelativePath, "error", err)
			rec.ProcessError = model.LedgerError(err)
			dirty = true
			result.Failed++
		default:
			if err != nil {
				logger.WarnContext(ctx, "skipping item", "remote_id", rec.RemoteID, "reason", oc, "error", err)
			}
			result.Skipped++
			result.Add(string(oc), 1)
		}
	}

	if dirty {
		if err := ledger.Rewrite(p.ledgers, ledger.Local, rows); err != nil {
			result.Error = err.Error()
			return result, model.Setup(StageName, fmt.Errorf("failed to persist process errors: %w", err))
		}
	}
	if runErr == nil {
		if n := p.removeStale(live); n > 0 {
			result.Add("stale_removed", n)
		}
	}

	logger.InfoContext(ctx, "process stage finished",
		"processed", result.Processed, "skipped", result.Skipped, "failed", result.Failed)
	return result, runErr
}

type outcome string

const (
	outcomeDone        outcome = "done"
	outcomeFailed      outcome = "failed"
	outcomeNotPresent  outcome = "not_present"
	outcomeMissing     outcome = "missing"
	outcomeUpToDate    outcome = "up_to_date"
	outcomePrevFailed  outcome = "previously_failed"
	outcomeWriteFailed outcome = "write_failed"
)

func (p *Processor) processOne(rec model.LocalFileRecord) (outcome, error) {
	if !rec.Present() {
		return outcomeNotPresent, nil
	}
	if rec.ProcessError != "" {
		return outcomePrevFailed, nil
	}

	src := filepath.Join(p.mirrorRoot, filepath.FromSlash(rec.LocalRelativePath))
	info, err := os.Stat(src)
	if err != nil {
		return outcomeMissing, nil
	}
	out := p.OutputPath(rec.LocalRelativePath)
	if o, err := os.Stat(out); err == nil && o.ModTime().Equal(info.ModTime()) {
		return outcomeUpToDate, nil
	}

	if info.Size() == 0 {
		return outcomeFailed, model.Terminal("empty file")
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return outcomeFailed, model.Terminal("unreadable file: %v", err)
	}

	text, err := p.Extract(rec.LocalRelativePath, data)
	if err != nil {
		return outcomeFailed, err
	}
	if err := writeAtomic(out, []byte(text)); err != nil {
		return outcomeWriteFailed, err
	}
	// The artifact carries its source's mtime so a replaced source is noticed.
	if err := os.Chtimes(out, info.ModTime(), info.ModTime()); err != nil {
		return outcomeWriteFailed, err
	}
	return outcomeDone, nil
}

// Extract renders data as plain text according to the file extension.
// Markdown is parsed, plain text passes through, anything else is copied
// verbatim as long as it is valid UTF-8.
func (p *Processor) Extract(name string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		_, chunks := p.chunker.Chunk(data, name)
		return Render(chunks), nil
	case ".txt", ".text":
		return string(data), nil
	}
	if !utf8.Valid(data) {
		return "", model.Terminal("no text extractor for %s", filepath.Ext(name))
	}
	return string(data), nil
}

// removeStale deletes artifacts whose source is no longer in the ledger.
func (p *Processor) removeStale(live map[string]bool) int {
	var stale []string
	_ = filepath.WalkDir(p.outputRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.outputRoot, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasSuffix(rel, OutputExt) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if !live[strings.TrimSuffix(rel, OutputExt)] {
			stale = append(stale, path)
		}
		return nil
	})
	slices.Sort(stale)
	removed := 0
	for _, path := range stale {
		if err := os.Remove(path); err == nil || errors.Is(err, fs.ErrNotExist) {
			removed++
		}
	}
	return removed
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

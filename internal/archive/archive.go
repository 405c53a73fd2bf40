// Package archive bundles the job log and ledgers of a finished run into a
// zstd-compressed tarball.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/klauspost/compress/zstd"

	"contentsync/internal/contextutil"
	"contentsync/internal/ledger"
	"contentsync/internal/model"
)

// StageName identifies this stage in results and metrics.
const StageName = "archive"

// Ext is the file extension of every archive.
const Ext = ".tar.zst"

// File is one member of an archive.
type File struct {
	Name string // Name inside the archive
	Path string // Source path on disk
}

// Write creates dest atomically. Files that do not exist are skipped; the
// names actually written are returned.
func Write(dest string, files []File) ([]string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	written, err := writeTo(tmp, files)
	if err != nil {
		_ = tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return written, nil
}

func writeTo(w io.Writer, files []File) ([]string, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	tw := tar.NewWriter(zw)

	var written []string
	for _, f := range files {
		ok, err := addFile(tw, f)
		if err != nil {
			_ = zw.Close()
			return nil, err
		}
		if ok {
			written = append(written, f.Name)
		}
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return written, nil
}

func addFile(tw *tar.Writer, f File) (bool, error) {
	src, err := os.Open(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return false, err
	}
	hdr := &tar.Header{
		Name:    f.Name,
		Mode:    0644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return false, err
	}
	// The log may still grow while it is copied; stop at the size in the header.
	if _, err := io.CopyN(tw, src, info.Size()); err != nil {
		return false, fmt.Errorf("failed to archive %s: %w", f.Name, err)
	}
	return true, nil
}

// Read returns the members of an archive keyed by name.
func Read(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer zr.Close()

	out := make(map[string][]byte)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		out[hdr.Name] = data
	}
}

// Stage archives one job.
type Stage struct {
	dir     string
	jobID   string
	logPath string
	ledgers *ledger.Store
	logger  *slog.Logger
}

// NewStage returns the archive stage for jobID.
func NewStage(dir, jobID, logPath string, ledgers *ledger.Store, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{dir: dir, jobID: jobID, logPath: logPath, ledgers: ledgers, logger: logger.With("component", "archive")}
}

// Path returns where the archive of this job is written.
func (s *Stage) Path() string {
	return filepath.Join(s.dir, s.jobID+Ext)
}

// Run writes the archive. A failure is reported in the result, never returned.
func (s *Stage) Run(ctx context.Context, _ model.Checkpointer) (model.StageResult, error) {
	logger := contextutil.LoggerOr(ctx, s.logger)
	result := model.NewStageResult(StageName)

	files := []File{{Name: "job.log", Path: s.logPath}}
	for _, kind := range []ledger.Kind{ledger.KindRemote, ledger.KindLocal, ledger.KindIndexed} {
		files = append(files, File{Name: string(kind) + ".csv", Path: s.ledgers.Path(kind)})
	}

	written, err := Write(s.Path(), files)
	if err != nil {
		logger.WarnContext(ctx, "failed to archive run", "error", err)
		result.Failed++
		result.Error = err.Error()
		return result, nil
	}
	result.Processed = len(written)
	result.Skipped = len(files) - len(written)
	slices.Sort(written)
	logger.InfoContext(ctx, "run archived", "path", s.Path(), "files", written)
	return result, nil
}

// Package ledger keeps the line-oriented tabular logs that record each view of
// a pipeline: the remote snapshot, the local mirror and the indexed files.
//
// Ledgers are plain UTF-8 CSV files with one header row. They are shared
// between concurrently running jobs without locks: headers are created with an
// atomic link, whole-file rewrites use rename, and readers retry transient
// lock errors. A ledger that does not parse is reported as ErrCorrupted so the
// caller can rebuild it instead of failing.
package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrMissing is returned when a ledger file does not exist yet.
	ErrMissing = errors.New("ledger missing")
	// ErrCorrupted is returned when a ledger exists but cannot be parsed.
	ErrCorrupted = errors.New("ledger corrupted")
)

const (
	defaultFlushEvery   = 50
	defaultReadRetries  = 5
	defaultRetryBackoff = 100 * time.Millisecond
	tempDirName         = "tmp"
)

// Options tunes buffering and retry behaviour.
type Options struct {
	FlushEvery   int           // Rows between forced flushes, >= 1
	ReadRetries  int           // Attempts after a transient lock error
	RetryBackoff time.Duration // Linear backoff step between attempts
}

func (o Options) withDefaults() Options {
	if o.FlushEvery < 1 {
		o.FlushEvery = defaultFlushEvery
	}
	if o.ReadRetries < 0 {
		o.ReadRetries = 0
	} else if o.ReadRetries == 0 {
		o.ReadRetries = defaultReadRetries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}
	return o
}

// Store is the directory holding one pipeline's ledgers.
type Store struct {
	dir    string
	opts   Options
	logger *slog.Logger
}

// NewStore opens (creating if needed) the ledger directory.
func NewStore(dir string, opts Options, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		opts:   opts.withDefaults(),
		logger: logger.With("component", "ledger"),
	}, nil
}

// Dir returns the ledger directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path of a ledger kind.
func (s *Store) Path(kind Kind) string {
	return filepath.Join(s.dir, string(kind)+".csv")
}

// Exists reports whether the ledger file of kind is present.
func (s *Store) Exists(kind Kind) bool {
	_, err := os.Stat(s.Path(kind))
	return err == nil
}

// Remove deletes a ledger file. Removing a missing ledger is not an error.
func (s *Store) Remove(kind Kind) error {
	if err := os.Remove(s.Path(kind)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s ledger: %w", kind, err)
	}
	return nil
}

// Temp returns a job-scoped store under this one. The returned cleanup func
// deletes it and must be called when the job ends, whatever the outcome.
func (s *Store) Temp(jobID string) (*Store, func() error, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) {
		return nil, nil, fmt.Errorf("invalid job id %q", jobID)
	}
	dir := filepath.Join(s.dir, tempDirName, jobID)
	tmp, err := NewStore(dir, s.opts, s.logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove temporary ledgers: %w", err)
		}
		return nil
	}
	return tmp, cleanup, nil
}

// ensureHeader creates the ledger with its header row if it does not exist.
// The header is written to a temp file and hard-linked into place, so the
// ledger appears atomically and a concurrent creator simply loses the race.
func (s *Store) ensureHeader(path string, header []string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp ledger: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write ledger header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to flush ledger header: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync ledger header: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp ledger: %w", err)
	}

	if err := os.Link(tmpPath, path); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("failed to publish ledger: %w", err)
	}
	return nil
}

// retry runs op, retrying while it fails with a transient lock error.
func (s *Store) retry(op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !IsLocked(err) || attempt >= s.opts.ReadRetries {
			return err
		}
		s.logger.Debug("ledger locked, retrying", "attempt", attempt+1, "error", err)
		time.Sleep(s.opts.RetryBackoff * time.Duration(attempt+1))
	}
}

// IsLocked reports whether err looks like a transient lock or sharing
// violation rather than a real failure.
func IsLocked(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.ETXTBSY) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") ||
		strings.Contains(msg, "being used by another process") ||
		strings.Contains(msg, "resource busy")
}

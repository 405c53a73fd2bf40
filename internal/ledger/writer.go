package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// Writer appends rows to one ledger. Rows are buffered and flushed on the
// first row of the session, every FlushEvery rows, and on Close, so a crash
// loses fewer than FlushEvery rows without a syscall per row.
type Writer[T any] struct {
	codec      Codec[T]
	file       *os.File
	csv        *csv.Writer
	flushEvery int
	rows       int
	pending    int
	flushes    int
	closed     bool
}

// OpenWriter opens the ledger of codec's kind for appending, creating it with
// its header if needed. The caller must Close the writer.
func OpenWriter[T any](s *Store, codec Codec[T]) (*Writer[T], error) {
	path := s.Path(codec.Kind)

	var file *os.File
	err := s.retry(func() error {
		for attempt := 0; attempt < 3; attempt++ {
			if err := s.ensureHeader(path, codec.Header); err != nil {
				return err
			}
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
			if err == nil {
				file = f
				return nil
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			// Replaced by a concurrent rewrite between the header check and open.
			time.Sleep(s.opts.RetryBackoff)
		}
		return fmt.Errorf("ledger %s kept disappearing", path)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s ledger: %w", codec.Kind, err)
	}

	return &Writer[T]{
		codec:      codec,
		file:       file,
		csv:        csv.NewWriter(file),
		flushEvery: s.opts.FlushEvery,
	}, nil
}

// Append buffers one record.
func (w *Writer[T]) Append(rec T) error {
	if w.closed {
		return fmt.Errorf("append to closed %s ledger", w.codec.Kind)
	}
	if err := w.csv.Write(w.codec.Encode(rec)); err != nil {
		return fmt.Errorf("failed to append %s row: %w", w.codec.Kind, err)
	}
	w.rows++
	w.pending++
	if w.rows == 1 || w.rows%w.flushEvery == 0 {
		return w.Flush()
	}
	return nil
}

// Flush writes buffered rows to the file.
func (w *Writer[T]) Flush() error {
	if w.pending == 0 {
		return nil
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("failed to flush %s ledger: %w", w.codec.Kind, err)
	}
	w.pending = 0
	w.flushes++
	return nil
}

// Rows returns the number of rows appended in this session.
func (w *Writer[T]) Rows() int { return w.rows }

// Pending returns the number of rows buffered but not yet flushed.
func (w *Writer[T]) Pending() int { return w.pending }

// Flushes returns how many flushes wrote rows so far.
func (w *Writer[T]) Flushes() int { return w.flushes }

// Close flushes the last rows and releases the file. It is safe to call twice.
func (w *Writer[T]) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	flushErr := w.Flush()
	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	return errors.Join(flushErr, syncErr, closeErr)
}

// AppendAll opens the ledger, appends records and closes it again. Transient
// lock errors are retried with the store's backoff; rows repeated by a
// retried attempt collapse on read because the last row per key wins.
func AppendAll[T any](s *Store, codec Codec[T], records []T) error {
	if len(records) == 0 {
		return nil
	}
	return s.retry(func() error {
		w, err := OpenWriter(s, codec)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := w.Append(rec); err != nil {
				_ = w.Close()
				return err
			}
		}
		return w.Close()
	})
}

package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

// ReadAll returns every record of the ledger, collapsing rows that share a key
// so the last one wins. A missing file yields ErrMissing; content that does
// not parse yields an error wrapping ErrCorrupted.
func ReadAll[T any](s *Store, codec Codec[T]) ([]T, error) {
	path := s.Path(codec.Kind)

	var data []byte
	err := s.retry(func() error {
		var err error
		data, err = os.ReadFile(path)
		return err
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s ledger: %w", codec.Kind, err)
	}

	// A crash mid-append leaves a partial final line; drop it instead of
	// condemning the whole ledger.
	if len(data) > 0 && data[len(data)-1] != '\n' {
		if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
			s.logger.Warn("dropping truncated ledger row", "kind", codec.Kind)
			data = data[:i+1]
		}
	}

	records, err := decode(data, codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, codec.Kind, err)
	}
	return records, nil
}

// ReadMap reads the ledger keyed by the codec's key.
func ReadMap[T any](s *Store, codec Codec[T]) (map[string]T, error) {
	records, err := ReadAll(s, codec)
	if err != nil {
		return nil, err
	}
	m := make(map[string]T, len(records))
	for _, rec := range records {
		m[codec.Key(rec)] = rec
	}
	return m, nil
}

func decode[T any](data []byte, codec Codec[T]) ([]T, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = len(codec.Header)

	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty ledger")
	}
	if err != nil {
		return nil, err
	}
	if !slices.Equal(header, codec.Header) {
		return nil, fmt.Errorf("unexpected header %v", header)
	}

	var records []T
	index := make(map[string]int)
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rec, err := codec.Decode(row)
		if err != nil {
			line, _ := r.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		key := codec.Key(rec)
		if i, ok := index[key]; ok {
			records[i] = rec
			continue
		}
		index[key] = len(records)
		records = append(records, rec)
	}
	return records, nil
}

// Rewrite atomically replaces the ledger with records (temp file + rename).
// It is used for compaction, row removal and persisting corrected ledgers.
func Rewrite[T any](s *Store, codec Codec[T], records []T) error {
	path := s.Path(codec.Kind)
	return s.retry(func() error {
		tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
		if err != nil {
			return fmt.Errorf("failed to create temp ledger: %w", err)
		}
		tmpPath := tmp.Name()
		defer func() {
			_ = os.Remove(tmpPath)
		}()

		w := csv.NewWriter(tmp)
		if err := w.Write(codec.Header); err != nil {
			_ = tmp.Close()
			return err
		}
		seen := make(map[string]int, len(records))
		rows := make([][]string, 0, len(records))
		for _, rec := range records {
			key := codec.Key(rec)
			if i, ok := seen[key]; ok {
				rows[i] = codec.Encode(rec)
				continue
			}
			seen[key] = len(rows)
			rows = append(rows, codec.Encode(rec))
		}
		if err := w.WriteAll(rows); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to write %s ledger: %w", codec.Kind, err)
		}
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			return err
		}
		if err := tmp.Close(); err != nil {
			return err
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return fmt.Errorf("failed to replace %s ledger: %w", codec.Kind, err)
		}
		return nil
	})
}

// Load reads a ledger, treating a missing one as empty and a corrupted one as
// empty after logging, so the caller rebuilds it from scratch.
func Load[T any](s *Store, codec Codec[T]) ([]T, bool, error) {
	records, err := ReadAll(s, codec)
	switch {
	case err == nil:
		return records, false, nil
	case errors.Is(err, ErrMissing):
		return nil, false, nil
	case errors.Is(err, ErrCorrupted):
		s.logger.Warn("ledger corrupted, rebuilding", "kind", codec.Kind, "error", err)
		return nil, true, nil
	default:
		return nil, false, err
	}
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FileRepo provides methods for attached file operations.
type FileRepo struct {
	db *sql.DB
}

// NewFileRepo creates a new FileRepo.
func NewFileRepo(db *sql.DB) *FileRepo {
	return &FileRepo{db: db}
}

const fileColumns = "id, store_id, blob_id, name, status, error, attributes, created_at, updated_at"

// Insert records a newly attached file.
func (r *FileRepo) Insert(ctx context.Context, rec *FileRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		"INSERT INTO index_files ("+fileColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.StoreID, rec.BlobID, rec.Name, rec.Status, rec.Error, string(attrs),
		FormatTime(rec.CreatedAt), FormatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

// Get returns a file of a store, or ErrNotFound.
func (r *FileRepo) Get(ctx context.Context, storeID, id string) (*FileRecord, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+fileColumns+" FROM index_files WHERE store_id = ? AND id = ?", storeID, id)
	rec, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListByStore returns every file of a store ordered by creation.
// Returns an empty slice if the store has none.
func (r *FileRepo) ListByStore(ctx context.Context, storeID string) ([]FileRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+fileColumns+" FROM index_files WHERE store_id = ? ORDER BY created_at, id", storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	files := []FileRecord{}
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate files: %w", err)
	}
	return files, nil
}

// SetStatus updates the status of a file. Returns ErrNotFound when the file
// was detached in the meantime.
func (r *FileRepo) SetStatus(ctx context.Context, id, status, errText string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE index_files SET status = ?, error = ?, updated_at = ? WHERE id = ?",
		status, errText, FormatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update file status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update file status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a file and reports whether it existed.
func (r *FileRepo) Delete(ctx context.Context, storeID, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM index_files WHERE store_id = ? AND id = ?", storeID, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete file: %w", err)
	}
	return n > 0, nil
}

// FailPending marks every pending file as failed. Used at startup, when no
// worker can still be processing them.
func (r *FileRepo) FailPending(ctx context.Context, reason string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE index_files SET status = ?, error = ?, updated_at = ? WHERE status = ?",
		StatusFailed, reason, FormatTime(time.Now().UTC()), StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail pending files: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(s scanner) (*FileRecord, error) {
	var rec FileRecord
	var attrs, createdAt, updatedAt string
	if err := s.Scan(&rec.ID, &rec.StoreID, &rec.BlobID, &rec.Name, &rec.Status, &rec.Error,
		&attrs, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan file: %w", err)
	}
	if attrs != "" && attrs != "null" {
		if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes: %w", err)
		}
	}
	var err error
	if rec.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

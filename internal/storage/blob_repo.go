package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BlobRepo provides methods for blob bookkeeping. Content lives elsewhere.
type BlobRepo struct {
	db *sql.DB
}

// NewBlobRepo creates a new BlobRepo.
func NewBlobRepo(db *sql.DB) *BlobRepo {
	return &BlobRepo{db: db}
}

// Insert records an uploaded blob.
func (r *BlobRepo) Insert(ctx context.Context, rec *BlobRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO index_blobs (id, name, size, created_at) VALUES (?, ?, ?, ?)",
		rec.ID, rec.Name, rec.Size, FormatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert blob: %w", err)
	}
	return nil
}

// Get returns a blob by id, or ErrNotFound.
func (r *BlobRepo) Get(ctx context.Context, id string) (*BlobRecord, error) {
	var rec BlobRecord
	var createdAt string
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, size, created_at FROM index_blobs WHERE id = ?", id,
	).Scan(&rec.ID, &rec.Name, &rec.Size, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query blob: %w", err)
	}
	if rec.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes a blob record. Deleting an unknown id is not an error.
func (r *BlobRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM index_blobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// StoreRepo provides methods for index store operations.
type StoreRepo struct {
	db *sql.DB
}

// NewStoreRepo creates a new StoreRepo.
func NewStoreRepo(db *sql.DB) *StoreRepo {
	return &StoreRepo{db: db}
}

// Create inserts a new store. CreatedAt is set when zero.
func (r *StoreRepo) Create(ctx context.Context, rec *StoreRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO index_stores (id, name, collection, created_at) VALUES (?, ?, ?, ?)",
		rec.ID, rec.Name, rec.Collection, FormatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert store: %w", err)
	}
	return nil
}

// Get returns a store by id, or ErrNotFound.
func (r *StoreRepo) Get(ctx context.Context, id string) (*StoreRecord, error) {
	var rec StoreRecord
	var createdAt string
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, collection, created_at FROM index_stores WHERE id = ?", id,
	).Scan(&rec.ID, &rec.Name, &rec.Collection, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query store: %w", err)
	}
	if rec.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes a store and, by cascade, its files.
func (r *StoreRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM index_stores WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete store: %w", err)
	}
	return nil
}

package storage

import "time"

// File statuses in the index catalog.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// StoreRecord is one index store, backed by one vector collection.
type StoreRecord struct {
	ID         string
	Name       string
	Collection string
	CreatedAt  time.Time
}

// BlobRecord is an uploaded blob, independent of any store.
type BlobRecord struct {
	ID        string
	Name      string
	Size      int64
	CreatedAt time.Time
}

// FileRecord is a blob attached to a store.
type FileRecord struct {
	ID         string
	StoreID    string
	BlobID     string
	Name       string
	Status     string
	Error      string
	Attributes map[string]string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

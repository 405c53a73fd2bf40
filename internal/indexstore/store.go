// Package indexstore is the downstream vector index the embedding stage feeds:
// blobs are uploaded, attached to a store, then chunked and embedded
// asynchronously.
package indexstore

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_store.go -package=mocks contentsync/internal/indexstore Store

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrStoreNotFound is returned when an index store does not exist.
	ErrStoreNotFound = errors.New("index store not found")
	// ErrFileNotFound is returned when a file is not attached to a store.
	ErrFileNotFound = errors.New("index file not found")
	// ErrBlobNotFound is returned when a blob does not exist.
	ErrBlobNotFound = errors.New("blob not found")
)

// FileStatus is the processing state of an attached file.
type FileStatus string

const (
	StatusPending   FileStatus = "pending"
	StatusCompleted FileStatus = "completed"
	StatusFailed    FileStatus = "failed"
)

// Provisional reports whether the status may still change on its own.
func (s FileStatus) Provisional() bool {
	return s == StatusPending
}

// FileInfo describes one attached file.
type FileInfo struct {
	FileID string
	BlobID string
	Name   string
	Status FileStatus
	Error  string
}

// Store is what the embedding stage needs from an index.
type Store interface {
	// CreateStore creates an empty store and returns its id.
	CreateStore(ctx context.Context, name string) (string, error)
	// StoreExists reports whether storeID still exists.
	StoreExists(ctx context.Context, storeID string) (bool, error)
	// UploadBlob stores content and returns the blob id.
	UploadBlob(ctx context.Context, name string, r io.Reader) (string, error)
	// AttachBlob adds a blob to a store and returns the new file id.
	// Indexing happens asynchronously; poll Status for the outcome.
	AttachBlob(ctx context.Context, storeID, blobID string, attrs map[string]string) (string, error)
	// DetachBlob removes a file from a store. Detaching an unknown file is a no-op.
	DetachBlob(ctx context.Context, storeID, fileID string) error
	// DeleteBlob deletes blob content. Deleting an unknown blob is a no-op.
	DeleteBlob(ctx context.Context, blobID string) error
	// ListContents returns every file attached to a store.
	ListContents(ctx context.Context, storeID string) ([]FileInfo, error)
	// Status returns the current state of one file.
	Status(ctx context.Context, storeID, fileID string) (FileInfo, error)
}

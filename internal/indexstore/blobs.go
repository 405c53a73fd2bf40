package indexstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"contentsync/internal/config"
)

// Blobs holds blob content by key.
type Blobs interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, key string, w io.Writer) error
	Delete(ctx context.Context, key string) error
}

// NewBlobsFromConfig returns the backend selected by BLOB_BACKEND.
func NewBlobsFromConfig(ctx context.Context, cfg *config.Config) (Blobs, error) {
	switch cfg.BlobBackend {
	case "", "filesystem":
		return NewFileSystemBlobs(cfg.BlobDir)
	case "s3":
		return NewS3Blobs(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}

// FileSystemBlobs stores each blob as a file named by its key:
//
//	<root>/
//	  <key[0:2]>/
//	    <key>
type FileSystemBlobs struct {
	root string
}

// NewFileSystemBlobs creates a blob store rooted at root.
func NewFileSystemBlobs(root string) (*FileSystemBlobs, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileSystemBlobs{root: root}, nil
}

func (b *FileSystemBlobs) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	shard := key
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(b.root, shard, key), nil
}

// Put writes r atomically (temp file + rename) and returns the bytes written.
func (b *FileSystemBlobs) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	dest, err := b.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return written, nil
}

// Get copies a blob to w.
func (b *FileSystemBlobs) Get(ctx context.Context, key string, w io.Writer) error {
	src, err := b.path(key)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return fmt.Errorf("failed to open blob: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	return nil
}

// Delete removes a blob. Missing blobs are ignored.
func (b *FileSystemBlobs) Delete(ctx context.Context, key string) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

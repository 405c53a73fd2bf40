package indexstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path"
	"strings"
	"sync"

	"contentsync/internal/model"
	"contentsync/internal/process"
	"contentsync/internal/storage"
)

const (
	payloadFileID  = "file_id"
	embedBatchSize = 32
	queueDepth     = 256
)

// Options configures a VectorIndex.
type Options struct {
	VectorSize int
	Workers    int
	IDs        model.IDGenerator
	Logger     *slog.Logger
}

// VectorIndex implements Store on a blob backend, a vector database and a
// SQLite catalog. Attached files are chunked and embedded by a fixed pool of
// workers.
type VectorIndex struct {
	stores   *storage.StoreRepo
	blobRepo *storage.BlobRepo
	files    *storage.FileRepo
	blobs    Blobs
	vectors  Vectors
	embedder Embedder
	opts     Options
	logger   *slog.Logger

	queue     chan indexTask
	wg        sync.WaitGroup
	closeOnce sync.Once
	stop      chan struct{}
}

type indexTask struct {
	fileID     string
	storeID    string
	blobID     string
	name       string
	collection string
}

// NewVectorIndex starts the worker pool. Files left pending by a previous
// process can no longer complete and are marked failed first.
func NewVectorIndex(ctx context.Context, db *sql.DB, blobs Blobs, vectors Vectors, embedder Embedder, opts Options) (*VectorIndex, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.IDs == nil {
		opts.IDs = model.UUIDGenerator{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	v := &VectorIndex{
		stores:   storage.NewStoreRepo(db),
		blobRepo: storage.NewBlobRepo(db),
		files:    storage.NewFileRepo(db),
		blobs:    blobs,
		vectors:  vectors,
		embedder: embedder,
		opts:     opts,
		logger:   opts.Logger.With("component", "indexstore"),
		queue:    make(chan indexTask, queueDepth),
		stop:     make(chan struct{}),
	}

	n, err := v.files.FailPending(ctx, "interrupted before indexing finished")
	if err != nil {
		return nil, err
	}
	if n > 0 {
		v.logger.WarnContext(ctx, "marked interrupted files as failed", "count", n)
	}

	for i := 0; i < opts.Workers; i++ {
		v.wg.Add(1)
		go v.worker()
	}
	return v, nil
}

// Close stops accepting work and waits for in-flight files to finish.
func (v *VectorIndex) Close() {
	v.closeOnce.Do(func() {
		close(v.stop)
		v.wg.Wait()
	})
}

// Ping reports whether the vector database answers.
func (v *VectorIndex) Ping(ctx context.Context) error {
	if _, err := v.vectors.CollectionExists(ctx, "contentsync_ping"); err != nil {
		return fmt.Errorf("vector store unreachable: %w", err)
	}
	return nil
}

// CreateStore creates a catalog entry and its collection.
func (v *VectorIndex) CreateStore(ctx context.Context, name string) (string, error) {
	id := v.opts.IDs.New()
	collection := "contentsync_" + strings.ReplaceAll(id, "-", "")
	if err := v.vectors.EnsureCollection(ctx, collection, v.opts.VectorSize); err != nil {
		return "", fmt.Errorf("failed to create collection: %w", err)
	}
	if err := v.stores.Create(ctx, &storage.StoreRecord{ID: id, Name: name, Collection: collection}); err != nil {
		return "", err
	}
	v.logger.InfoContext(ctx, "index store created", "store_id", id, "name", name)
	return id, nil
}

// StoreExists reports whether both the catalog entry and the collection exist.
func (v *VectorIndex) StoreExists(ctx context.Context, storeID string) (bool, error) {
	rec, err := v.stores.Get(ctx, storeID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v.vectors.CollectionExists(ctx, rec.Collection)
}

// UploadBlob stores content under a fresh blob id.
func (v *VectorIndex) UploadBlob(ctx context.Context, name string, r io.Reader) (string, error) {
	id := v.opts.IDs.New()
	size, err := v.blobs.Put(ctx, id, r)
	if err != nil {
		return "", err
	}
	if err := v.blobRepo.Insert(ctx, &storage.BlobRecord{ID: id, Name: name, Size: size}); err != nil {
		_ = v.blobs.Delete(ctx, id)
		return "", err
	}
	return id, nil
}

// AttachBlob records the file as pending and queues it for indexing.
func (v *VectorIndex) AttachBlob(ctx context.Context, storeID, blobID string, attrs map[string]string) (string, error) {
	store, err := v.store(ctx, storeID)
	if err != nil {
		return "", err
	}
	blob, err := v.blobRepo.Get(ctx, blobID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrBlobNotFound, blobID)
	}
	if err != nil {
		return "", err
	}

	id := v.opts.IDs.New()
	rec := &storage.FileRecord{
		ID:         id,
		StoreID:    storeID,
		BlobID:     blobID,
		Name:       blob.Name,
		Status:     storage.StatusPending,
		Attributes: maps.Clone(attrs),
	}
	if err := v.files.Insert(ctx, rec); err != nil {
		return "", err
	}

	task := indexTask{fileID: id, storeID: storeID, blobID: blobID, name: blob.Name, collection: store.Collection}
	select {
	case v.queue <- task:
	case <-v.stop:
		_ = v.files.SetStatus(ctx, id, storage.StatusFailed, "index shutting down")
	case <-ctx.Done():
		_ = v.files.SetStatus(context.WithoutCancel(ctx), id, storage.StatusFailed, "attach cancelled")
		return id, ctx.Err()
	}
	return id, nil
}

// DetachBlob removes the file and its points.
func (v *VectorIndex) DetachBlob(ctx context.Context, storeID, fileID string) error {
	store, err := v.store(ctx, storeID)
	if err != nil {
		return err
	}
	deleted, err := v.files.Delete(ctx, storeID, fileID)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	return v.vectors.DeleteByFile(ctx, store.Collection, fileID)
}

// DeleteBlob removes blob content and its catalog entry.
func (v *VectorIndex) DeleteBlob(ctx context.Context, blobID string) error {
	if err := v.blobs.Delete(ctx, blobID); err != nil {
		return err
	}
	return v.blobRepo.Delete(ctx, blobID)
}

// ListContents returns every file attached to a store.
func (v *VectorIndex) ListContents(ctx context.Context, storeID string) ([]FileInfo, error) {
	if _, err := v.store(ctx, storeID); err != nil {
		return nil, err
	}
	recs, err := v.files.ListByStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, toFileInfo(r))
	}
	return out, nil
}

// Status returns the state of one file.
func (v *VectorIndex) Status(ctx context.Context, storeID, fileID string) (FileInfo, error) {
	rec, err := v.files.Get(ctx, storeID, fileID)
	if errors.Is(err, storage.ErrNotFound) {
		return FileInfo{}, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	if err != nil {
		return FileInfo{}, err
	}
	return toFileInfo(*rec), nil
}

func (v *VectorIndex) store(ctx context.Context, storeID string) (*storage.StoreRecord, error) {
	rec, err := v.stores.Get(ctx, storeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, storeID)
	}
	return rec, err
}

func toFileInfo(r storage.FileRecord) FileInfo {
	return FileInfo{
		FileID: r.ID,
		BlobID: r.BlobID,
		Name:   r.Name,
		Status: FileStatus(r.Status),
		Error:  r.Error,
	}
}

func (v *VectorIndex) worker() {
	defer v.wg.Done()
	for {
		select {
		case <-v.stop:
			return
		case task := <-v.queue:
			v.index(task)
		}
	}
}

// index runs one file to completion. It uses its own context: a file that
// was accepted is finished even if the attaching job is gone.
func (v *VectorIndex) index(task indexTask) {
	ctx := context.Background()
	logger := v.logger.With("file_id", task.fileID, "store_id", task.storeID)

	status, errText := storage.StatusCompleted, ""
	n, err := v.embed(ctx, task)
	if err != nil {
		status, errText = storage.StatusFailed, err.Error()
		logger.WarnContext(ctx, "indexing failed", "name", task.name, "error", err)
		// Drop whatever made it in before the failure.
		_ = v.vectors.DeleteByFile(ctx, task.collection, task.fileID)
	}

	if err := v.files.SetStatus(ctx, task.fileID, status, errText); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Detached while indexing; its points must not linger.
			_ = v.vectors.DeleteByFile(ctx, task.collection, task.fileID)
			return
		}
		logger.ErrorContext(ctx, "failed to record index status", "error", err)
		return
	}
	if status == storage.StatusCompleted {
		logger.DebugContext(ctx, "file indexed", "name", task.name, "chunks", n)
	}
}

func (v *VectorIndex) embed(ctx context.Context, task indexTask) (int, error) {
	var buf bytes.Buffer
	if err := v.blobs.Get(ctx, task.blobID, &buf); err != nil {
		return 0, err
	}
	chunks := process.ChunkText(buf.String(), "# "+strings.TrimSuffix(path.Base(task.name), process.OutputExt))
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no text content")
	}

	for start := 0; start < len(chunks); start += embedBatchSize {
		batch := chunks[start:min(start+embedBatchSize, len(chunks))]
		texts := make([]string, len(batch))
		for i, ch := range batch {
			texts[i] = ch.Text
		}
		vecs, err := v.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("failed to embed chunks: %w", err)
		}
		points := make([]Point, len(batch))
		for i, ch := range batch {
			points[i] = Point{
				ID:  v.opts.IDs.New(),
				Vec: vecs[i],
				Meta: map[string]any{
					payloadFileID:  task.fileID,
					"store_id":     task.storeID,
					"name":         task.name,
					"chunk_index":  ch.Index,
					"heading_path": ch.HeadingPath,
					"text":         ch.Text,
				},
			}
		}
		if err := v.vectors.Upsert(ctx, task.collection, points); err != nil {
			return 0, err
		}
	}
	return len(chunks), nil
}

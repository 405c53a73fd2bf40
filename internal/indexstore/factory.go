package indexstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"contentsync/internal/config"
)

// NewFromConfig wires a VectorIndex from process configuration. The returned
// func stops the workers and closes the vector client.
func NewFromConfig(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*VectorIndex, func(), error) {
	blobs, err := NewBlobsFromConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create blob store: %w", err)
	}
	vectors, err := NewQdrantVectors(cfg.QdrantURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create vector store: %w", err)
	}
	embedder := NewEmbeddingsClient(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModelName, cfg.QdrantVectorSize)

	index, err := NewVectorIndex(ctx, db, blobs, vectors, embedder, Options{
		VectorSize: cfg.QdrantVectorSize,
		Workers:    cfg.IndexWorkers,
		Logger:     logger,
	})
	if err != nil {
		_ = vectors.Close()
		return nil, nil, err
	}
	return index, func() {
		index.Close()
		_ = vectors.Close()
	}, nil
}

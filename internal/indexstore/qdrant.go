package indexstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	"contentsync/internal/contextutil"
)

// Point is one embedded chunk.
type Point struct {
	ID   string
	Vec  []float32
	Meta map[string]any
}

// Vectors is the vector database behind a VectorIndex. One collection per
// index store.
type Vectors interface {
	EnsureCollection(ctx context.Context, collection string, vectorSize int) error
	CollectionExists(ctx context.Context, collection string) (bool, error)
	Upsert(ctx context.Context, collection string, points []Point) error
	DeleteByFile(ctx context.Context, collection, fileID string) error
}

// QdrantVectors implements Vectors on Qdrant's gRPC API.
type QdrantVectors struct {
	client *qdrant.Client
}

// grpcTarget derives the gRPC host and port from a Qdrant HTTP URL such as
// "http://localhost:6333". The gRPC port is the HTTP port plus one.
func grpcTarget(urlStr string) (string, int, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid Qdrant URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if p := u.Port(); p != "" {
		httpPort, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("invalid Qdrant port %q: %w", p, err)
		}
		port = httpPort + 1
	}
	return host, port, nil
}

// NewQdrantVectors creates a Qdrant client for urlStr.
func NewQdrantVectors(urlStr string) (*QdrantVectors, error) {
	host, port, err := grpcTarget(urlStr)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}
	return &QdrantVectors{client: client}, nil
}

// Close releases the gRPC connection.
func (s *QdrantVectors) Close() error {
	return s.client.Close()
}

// Upsert inserts or updates points in the collection.
func (s *QdrantVectors) Upsert(ctx context.Context, collection string, points []Point) error {
	logger := contextutil.LoggerFromContext(ctx)
	if len(points) == 0 {
		return nil
	}

	qp := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		ps := &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectors(p.Vec...),
		}
		if len(p.Meta) > 0 {
			ps.Payload = qdrant.NewValueMap(p.Meta)
		}
		qp = append(qp, ps)
	}

	wait := true
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         qp,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to upsert points", "collection", collection, "count", len(points), "error", err)
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	logger.DebugContext(ctx, "upserted points", "collection", collection, "count", len(points))
	return nil
}

// DeleteByFile removes every point whose payload carries fileID.
func (s *QdrantVectors) DeleteByFile(ctx context.Context, collection, fileID string) error {
	logger := contextutil.LoggerFromContext(ctx)
	wait := true
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(payloadFileID, fileID)},
		}),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to delete points", "collection", collection, "file_id", fileID, "error", err)
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// CollectionExists checks if a collection exists.
func (s *QdrantVectors) CollectionExists(ctx context.Context, collection string) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return false, fmt.Errorf("failed to check collection existence: %w", err)
	}
	return exists, nil
}

// EnsureCollection creates the collection if needed, or validates that an
// existing one has the expected vector size.
func (s *QdrantVectors) EnsureCollection(ctx context.Context, collection string, vectorSize int) error {
	logger := contextutil.LoggerFromContext(ctx)

	exists, err := s.CollectionExists(ctx, collection)
	if err != nil {
		return err
	}

	if !exists {
		logger.InfoContext(ctx, "creating collection", "collection", collection, "vector_size", vectorSize)
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(vectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		// Payload index so per-file deletes do not scan the collection.
		_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: collection,
			FieldName:      payloadFileID,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to create payload index: %w", err)
		}
		return nil
	}

	info, err := s.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to get collection info: %w", err)
	}
	var actual uint64
	if cfg := info.GetConfig(); cfg != nil && cfg.GetParams() != nil {
		if params := cfg.GetParams().GetVectorsConfig().GetParams(); params != nil {
			actual = params.GetSize()
		}
	}
	if actual == 0 {
		return fmt.Errorf("could not determine collection vector size")
	}
	if int(actual) != vectorSize {
		return fmt.Errorf("collection vector size mismatch: expected %d, got %d", vectorSize, actual)
	}
	return nil
}
